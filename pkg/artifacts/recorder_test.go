package artifacts

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/deskexam/pkg/examerr"
)

func testLayout(root string) Layout {
	return Layout{
		ResultRoot:      root,
		EvalVersion:     "v2",
		ActionSpace:     "pyautogui",
		ObservationType: "screenshot",
		Domain:          "os",
		ExampleID:       "123",
	}
}

func TestLayoutDirIsStable(t *testing.T) {
	l := testLayout("results")
	want := filepath.Join("results", "v2", "pyautogui", "screenshot", "manual_examination", "os", "123")
	assert.Equal(t, want, l.Dir())
	assert.Equal(t, l.Dir(), testLayout("results").Dir())
}

func TestLayoutValidate(t *testing.T) {
	l := testLayout("r")
	require.NoError(t, l.Validate())

	bad := l
	bad.Domain = ".."
	assert.Error(t, bad.Validate())

	bad = l
	bad.ExampleID = "a/b"
	assert.Error(t, bad.Validate())

	bad = l
	bad.ActionSpace = ""
	assert.Error(t, bad.Validate())
}

func TestPrepareIsIdempotent(t *testing.T) {
	root := t.TempDir()
	r := NewRecorder(testLayout(root))

	require.NoError(t, r.Prepare())
	require.NoError(t, os.WriteFile(r.Layout().Path("keep.txt"), []byte("x"), 0644))
	require.NoError(t, r.Prepare())

	_, err := os.Stat(r.Layout().Path("keep.txt"))
	assert.NoError(t, err, "second Prepare must not wipe the directory")

	entries, err := os.ReadDir(r.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".recording-check"), "writability check file left behind")
	}
}

func TestPrepareFailsOnUnwritableRoot(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	r := NewRecorder(testLayout(blocker))
	err := r.Prepare()
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindFilesystem))
}

func TestTimestampsAreUnique(t *testing.T) {
	r := NewRecorder(testLayout(t.TempDir()))
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r.SetClock(func() time.Time { return fixed })

	a := r.Timestamp()
	b := r.Timestamp()
	assert.Equal(t, "20250102@030405", a)
	assert.Equal(t, "20250102@030405_2", b)
}

func TestTaskInfoPreservesNonASCIIInstruction(t *testing.T) {
	r := NewRecorder(testLayout(t.TempDir()))
	require.NoError(t, r.Prepare())

	instruction := "在桌面上创建名为 «test» 的文件夹 & open <Files> 📁"
	raw := json.RawMessage(`{"instruction":"` + instruction + `","id":"123"}`)
	require.NoError(t, r.WriteTaskInfo(&TaskInfo{
		Domain:           "os",
		ExampleID:        "123",
		Instruction:      instruction,
		InitialTimestamp: "20250102@030405",
		ExampleConfig:    raw,
	}))

	data, err := os.ReadFile(r.Layout().Path(TaskInfoFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), instruction, "instruction must be stored unescaped")

	info, err := ReadTaskInfo(r.Dir())
	require.NoError(t, err)
	assert.Equal(t, []byte(instruction), []byte(info.Instruction))
	assert.JSONEq(t, string(raw), string(info.ExampleConfig))
}

func TestWriteResultAndExecutionLog(t *testing.T) {
	r := NewRecorder(testLayout(t.TempDir()))
	require.NoError(t, r.Prepare())

	require.NoError(t, r.WriteResult(1))
	data, err := os.ReadFile(r.Layout().Path(ResultFile))
	require.NoError(t, err)
	assert.Equal(t, "1.00\n", string(data))

	entry := &ExecutionEntry{
		Type:              "manual_execution",
		InitialTimestamp:  "a",
		FinalTimestamp:    "b",
		Result:            1,
		InitialScreenshot: ScreenshotName("initial", "a"),
		FinalScreenshot:   ScreenshotName("final", "b"),
	}
	// Writing twice still leaves exactly one line
	require.NoError(t, r.WriteExecutionLog(entry))
	require.NoError(t, r.WriteExecutionLog(entry))

	f, err := os.Open(r.Layout().Path(ExecutionLogFile))
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 1)

	var got ExecutionEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "initial_state_a.png", got.InitialScreenshot)
	assert.Equal(t, "final_state_b.png", got.FinalScreenshot)
}

func TestScanPartialSession(t *testing.T) {
	r := NewRecorder(testLayout(t.TempDir()))
	require.NoError(t, r.Prepare())
	_, err := r.WriteScreenshot("initial", "ts", []byte("png"))
	require.NoError(t, err)
	require.NoError(t, r.WriteTaskInfo(&TaskInfo{Domain: "os", ExampleID: "123", Instruction: "x"}))

	inv, err := Scan(r.Dir())
	require.NoError(t, err)
	assert.False(t, inv.Complete())
	assert.Nil(t, inv.Result)
	require.NotNil(t, inv.TaskInfo)
	assert.Len(t, inv.Files, 2)

	require.NoError(t, r.WriteResult(0.5))
	require.NoError(t, r.WriteExecutionLog(&ExecutionEntry{Type: "manual_execution"}))
	inv, err = Scan(r.Dir())
	require.NoError(t, err)
	assert.True(t, inv.Complete())
	require.NotNil(t, inv.Result)
	assert.Equal(t, 0.5, *inv.Result)
}
