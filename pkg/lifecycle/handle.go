package lifecycle

import (
	"context"
	"sync/atomic"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/task"
)

// Handle is the live reference to the one provisioned desktop.
// It is driven by a single goroutine; only Release may race with it.
type Handle struct {
	env       desktop.Env
	a11yTree  bool
	recording atomic.Bool
	host      *HostInfo
}

// Address returns the desktop's network address
func (h *Handle) Address() string {
	return h.env.Address()
}

// A11yTree reports whether observations carry accessibility data
func (h *Handle) A11yTree() bool {
	return h.a11yTree
}

// Recording reports whether a screen recording is active
func (h *Handle) Recording() bool {
	return h.recording.Load()
}

// Host returns the preflight snapshot of the machine running the desktop
func (h *Handle) Host() *HostInfo {
	return h.host
}

// Reset applies the task configuration to the desktop
func (h *Handle) Reset(ctx context.Context, d *task.Descriptor) error {
	return h.env.Reset(ctx, d)
}

// Observe fetches the current screenshot and, when enabled, the a11y tree
func (h *Handle) Observe(ctx context.Context) (*desktop.Observation, error) {
	return h.env.Observe(ctx)
}

// Evaluate runs the environment's scoring function
func (h *Handle) Evaluate(ctx context.Context) (float64, error) {
	return h.env.Evaluate(ctx)
}

// StartRecording begins a screen recording
func (h *Handle) StartRecording(ctx context.Context) error {
	if err := h.env.StartRecording(ctx); err != nil {
		return err
	}
	h.recording.Store(true)
	return nil
}

// EndRecording stops the recording and saves it to destination
func (h *Handle) EndRecording(ctx context.Context, destination string) error {
	if !h.recording.Load() {
		return nil
	}
	err := h.env.EndRecording(ctx, destination)
	h.recording.Store(false)
	return err
}
