// Package evaluator scores a finished task by running an external command.
// The score is opaque: whatever number the command prints is recorded.
package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/logging"
	"github.com/psantana5/deskexam/pkg/task"
)

// Environment variables passed to the scoring command
const (
	EnvVMAddress = "DESKEXAM_VM_ADDRESS"
	EnvDomain    = "DESKEXAM_DOMAIN"
	EnvExampleID = "DESKEXAM_EXAMPLE_ID"
)

// Request identifies what to score
type Request struct {
	Descriptor *task.Descriptor
	VMAddress  string
}

// Evaluator scores a task against the live desktop
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (float64, error)
}

// Func adapts a function to Evaluator
type Func func(ctx context.Context, req Request) (float64, error)

// Evaluate calls f
func (f Func) Evaluate(ctx context.Context, req Request) (float64, error) {
	return f(ctx, req)
}

// Command runs Path with Args. The descriptor JSON is written to stdin and
// the last non-empty stdout line is parsed as the score.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
	Logger  *logging.Logger
}

// Evaluate runs the scoring command
func (c *Command) Evaluate(ctx context.Context, req Request) (float64, error) {
	if c.Path == "" {
		return 0, examerr.New(examerr.KindConfiguration, "evaluate", "no evaluator command configured")
	}
	if req.Descriptor == nil {
		return 0, fmt.Errorf("no task to evaluate")
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(req.Descriptor.Raw())
	cmd.Env = append(os.Environ(),
		EnvVMAddress+"="+req.VMAddress,
		EnvDomain+"="+req.Descriptor.Domain,
		EnvExampleID+"="+req.Descriptor.ExampleID,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Running evaluator", map[string]interface{}{
		"command": c.Path,
		"args":    c.Args,
	})
	err := cmd.Run()
	if stderr.Len() > 0 {
		logger.Debug("Evaluator stderr", map[string]interface{}{"stderr": strings.TrimSpace(stderr.String())})
	}
	if err != nil {
		return 0, fmt.Errorf("evaluator %s failed: %w", c.Path, err)
	}

	return ParseScore(stdout.String())
}

// ParseScore returns the last non-empty line of out as a float
func ParseScore(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, fmt.Errorf("evaluator printed no score")
	}
	score, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("evaluator output %q is not a number: %w", last, err)
	}
	return score, nil
}
