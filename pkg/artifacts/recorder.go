package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/psantana5/deskexam/pkg/examerr"
)

// TaskInfo is the task_info.json document
type TaskInfo struct {
	SessionID        string          `json:"session_id"`
	Domain           string          `json:"domain"`
	ExampleID        string          `json:"example_id"`
	EvalVersion      string          `json:"eval_version"`
	Instruction      string          `json:"instruction"`
	InitialTimestamp string          `json:"initial_timestamp"`
	FinalTimestamp   string          `json:"final_timestamp,omitempty"`
	Result           *float64        `json:"result,omitempty"`
	Outcome          string          `json:"outcome,omitempty"`
	VMAddress        string          `json:"vm_address,omitempty"`
	Host             interface{}     `json:"host,omitempty"`
	ExampleConfig    json.RawMessage `json:"example_config"`
}

// ExecutionEntry is the single line of execution_log.jsonl
type ExecutionEntry struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"session_id"`
	InitialTimestamp  string  `json:"initial_timestamp"`
	FinalTimestamp    string  `json:"final_timestamp"`
	Result            float64 `json:"result"`
	InitialScreenshot string  `json:"initial_screenshot"`
	FinalScreenshot   string  `json:"final_screenshot"`
}

// Recorder writes artifacts into one session directory
type Recorder struct {
	layout Layout
	now    func() time.Time

	mu   sync.Mutex
	used map[string]bool
}

// NewRecorder creates a recorder for layout
func NewRecorder(layout Layout) *Recorder {
	return &Recorder{
		layout: layout,
		now:    time.Now,
		used:   make(map[string]bool),
	}
}

// SetClock replaces time.Now for capture timestamps
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Layout returns the recorder's layout
func (r *Recorder) Layout() Layout {
	return r.layout
}

// Dir returns the session directory
func (r *Recorder) Dir() string {
	return r.layout.Dir()
}

// Prepare creates the session directory (create-if-absent) and checks the
// recording destination can be written. It runs before any environment call.
func (r *Recorder) Prepare() error {
	if err := r.layout.Validate(); err != nil {
		return examerr.Wrap(examerr.KindConfiguration, "prepare_session_dir", err)
	}

	dir := r.layout.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "prepare_session_dir",
			fmt.Errorf("failed to create result directory %s: %w", dir, err))
	}

	check, err := os.CreateTemp(dir, ".recording-check-*")
	if err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "prepare_session_dir",
			fmt.Errorf("recording destination %s is not writable: %w", r.layout.Path(RecordingFile), err))
	}
	check.Close()
	os.Remove(check.Name())
	return nil
}

// Timestamp returns a capture timestamp unique within this session. Two
// captures in the same second get a numeric suffix.
func (r *Recorder) Timestamp() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.now().Format(TimestampFormat)
	ts := base
	for i := 2; r.used[ts]; i++ {
		ts = fmt.Sprintf("%s_%d", base, i)
	}
	r.used[ts] = true
	return ts
}

// WriteScreenshot stores a capture and returns its file name
func (r *Recorder) WriteScreenshot(phase, ts string, png []byte) (string, error) {
	name := ScreenshotName(phase, ts)
	if err := writeAtomic(r.layout.Path(name), png); err != nil {
		return "", examerr.Wrap(examerr.KindFilesystem, "write_screenshot", err)
	}
	return name, nil
}

// WriteA11yTree stores an accessibility tree capture and returns its file name
func (r *Recorder) WriteA11yTree(phase, ts, tree string) (string, error) {
	name := A11yTreeName(phase, ts)
	if err := writeAtomic(r.layout.Path(name), []byte(tree)); err != nil {
		return "", examerr.Wrap(examerr.KindFilesystem, "write_a11y_tree", err)
	}
	return name, nil
}

// WriteTaskInfo writes task_info.json with indentation and unescaped UTF-8
func (r *Recorder) WriteTaskInfo(info *TaskInfo) error {
	data, err := marshalJSON(info, "  ")
	if err != nil {
		return examerr.Wrap(examerr.KindUnexpected, "write_task_info", err)
	}
	if err := writeAtomic(r.layout.Path(TaskInfoFile), data); err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "write_task_info", err)
	}
	return nil
}

// ReadTaskInfo loads task_info.json from dir
func ReadTaskInfo(dir string) (*TaskInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, TaskInfoFile))
	if err != nil {
		return nil, err
	}
	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TaskInfoFile, err)
	}
	return &info, nil
}

// WriteResult writes result.txt as one line with two decimals
func (r *Recorder) WriteResult(score float64) error {
	line := fmt.Sprintf("%.2f\n", score)
	if err := writeAtomic(r.layout.Path(ResultFile), []byte(line)); err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "write_result", err)
	}
	return nil
}

// WriteExecutionLog writes execution_log.jsonl holding exactly one entry
func (r *Recorder) WriteExecutionLog(entry *ExecutionEntry) error {
	data, err := marshalJSON(entry, "")
	if err != nil {
		return examerr.Wrap(examerr.KindUnexpected, "write_execution_log", err)
	}
	if err := writeAtomic(r.layout.Path(ExecutionLogFile), data); err != nil {
		return examerr.Wrap(examerr.KindFilesystem, "write_execution_log", err)
	}
	return nil
}

// RecordingPath is where the screen recording is saved
func (r *Recorder) RecordingPath() string {
	return r.layout.Path(RecordingFile)
}

// RuntimeLogPath is the per-session log file
func (r *Recorder) RuntimeLogPath() string {
	return r.layout.Path(RuntimeLogFile)
}

// MetricsPath is the Prometheus textfile for the session
func (r *Recorder) MetricsPath() string {
	return r.layout.Path(MetricsFile)
}

// marshalJSON encodes without HTML escaping so non-ASCII and markup in
// instructions are stored byte-for-byte. The output ends in a newline.
func marshalJSON(v interface{}, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
