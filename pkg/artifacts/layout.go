// Package artifacts derives session directories and persists everything a
// manual examination produces.
package artifacts

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SessionKind is the fixed path segment for manual examinations
const SessionKind = "manual_examination"

// Artifact file names
const (
	TaskInfoFile     = "task_info.json"
	ResultFile       = "result.txt"
	ExecutionLogFile = "execution_log.jsonl"
	RecordingFile    = "recording.mp4"
	RuntimeLogFile   = "runtime.log"
	MetricsFile      = "metrics.prom"
)

// TimestampFormat is used for capture timestamps and file names
const TimestampFormat = "20060102@150405"

// Layout identifies one session directory
type Layout struct {
	ResultRoot      string `json:"result_root"`
	EvalVersion     string `json:"eval_version"`
	ActionSpace     string `json:"action_space"`
	ObservationType string `json:"observation_type"`
	Domain          string `json:"domain"`
	ExampleID       string `json:"example_id"`
}

// Validate checks every path segment is present and cannot escape the root
func (l Layout) Validate() error {
	segments := map[string]string{
		"eval_version":     l.EvalVersion,
		"action_space":     l.ActionSpace,
		"observation_type": l.ObservationType,
		"domain":           l.Domain,
		"example_id":       l.ExampleID,
	}
	for name, v := range segments {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
		if v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("%s %q is not a valid path segment", name, v)
		}
	}
	return nil
}

// Dir returns
// result_root/eval_version/action_space/observation_type/manual_examination/domain/example_id
func (l Layout) Dir() string {
	return filepath.Join(
		l.ResultRoot,
		l.EvalVersion,
		l.ActionSpace,
		l.ObservationType,
		SessionKind,
		l.Domain,
		l.ExampleID,
	)
}

// Path joins name onto the session directory
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir(), name)
}

// ScreenshotName returns the file name for a capture, e.g. initial_state_<ts>.png
func ScreenshotName(phase, ts string) string {
	return fmt.Sprintf("%s_state_%s.png", phase, ts)
}

// A11yTreeName returns the file name for an accessibility tree capture
func A11yTreeName(phase, ts string) string {
	return fmt.Sprintf("%s_a11y_tree_%s.xml", phase, ts)
}
