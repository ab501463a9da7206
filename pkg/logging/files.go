package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// RunLogPaths returns the info and debug log paths for one invocation,
// e.g. logs/manual-20250101@120000.log and logs/manual-debug-20250101@120000.log
func RunLogPaths(dir string, started time.Time) (info, debug string) {
	stamp := started.Format("20060102@150405")
	info = filepath.Join(dir, fmt.Sprintf("manual-%s.log", stamp))
	debug = filepath.Join(dir, fmt.Sprintf("manual-debug-%s.log", stamp))
	return info, debug
}

// NewRunLogger creates the process logger: console at the requested level,
// plus an INFO file and a DEBUG file under dir.
func NewRunLogger(dir string, consoleLevel Level, jsonFormat bool, started time.Time) (*Logger, error) {
	logger := NewLogger(consoleLevel, jsonFormat)

	infoPath, debugPath := RunLogPaths(dir, started)
	if err := logger.AddFile(infoPath, INFO); err != nil {
		return nil, err
	}
	if err := logger.AddFile(debugPath, DEBUG); err != nil {
		logger.Close()
		return nil, err
	}

	logger.Debug(fmt.Sprintf("Logger initialized: %s, %s", infoPath, debugPath))
	return logger, nil
}
