package artifacts

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FileEntry is one artifact found in a session directory
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Inventory summarizes a session directory on disk
type Inventory struct {
	Dir      string      `json:"dir"`
	Files    []FileEntry `json:"files"`
	TaskInfo *TaskInfo   `json:"task_info,omitempty"`
	// Result is nil when result.txt is absent, e.g. after an abort
	Result *float64 `json:"result,omitempty"`
}

// Complete reports whether the session reached persistence
func (inv *Inventory) Complete() bool {
	return inv.Result != nil && inv.has(ExecutionLogFile)
}

func (inv *Inventory) has(name string) bool {
	for _, f := range inv.Files {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Scan reads a session directory. Hidden temp files are skipped.
func Scan(dir string) (*Inventory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	inv := &Inventory{Dir: dir}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		inv.Files = append(inv.Files, FileEntry{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(inv.Files, func(i, j int) bool { return inv.Files[i].Name < inv.Files[j].Name })

	if info, err := ReadTaskInfo(dir); err == nil {
		inv.TaskInfo = info
	}
	if data, err := os.ReadFile(filepath.Join(dir, ResultFile)); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			inv.Result = &v
		}
	}
	return inv, nil
}
