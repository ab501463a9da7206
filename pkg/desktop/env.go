// Package desktop defines the contract between the examination workflow and
// the remote desktop environment it drives.
package desktop

import (
	"context"
	"fmt"

	"github.com/psantana5/deskexam/pkg/task"
)

// Observation types
const (
	ObservationScreenshot     = "screenshot"
	ObservationA11yTree       = "a11y_tree"
	ObservationScreenshotA11y = "screenshot_a11y_tree"
	ObservationSetOfMarks     = "som"
)

// ObservationTypes lists every accepted observation type
var ObservationTypes = []string{
	ObservationScreenshot,
	ObservationA11yTree,
	ObservationScreenshotA11y,
	ObservationSetOfMarks,
}

// RequiresA11yTree reports whether an observation type needs accessibility data
func RequiresA11yTree(observationType string) bool {
	switch observationType {
	case ObservationA11yTree, ObservationScreenshotA11y, ObservationSetOfMarks:
		return true
	default:
		return false
	}
}

// Observation is one snapshot of environment state
type Observation struct {
	Screenshot []byte
	// A11yTree is empty unless the environment was provisioned with
	// RequireA11yTree
	A11yTree string
}

// Env is one provisioned desktop. Implementations are not safe for
// concurrent use except for Close, which the lifecycle guard serializes.
type Env interface {
	// Address is the reachable network address of the desktop
	Address() string
	Reset(ctx context.Context, descriptor *task.Descriptor) error
	Observe(ctx context.Context) (*Observation, error)
	Evaluate(ctx context.Context) (float64, error)
	StartRecording(ctx context.Context) error
	EndRecording(ctx context.Context, destination string) error
	Close() error
}

// ScreenSize is the desktop geometry in pixels
type ScreenSize struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s ScreenSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ProvisionConfig carries everything needed to bring up one desktop
type ProvisionConfig struct {
	MachineImagePath string
	SnapshotName     string
	Screen           ScreenSize
	Headless         bool
	OSType           string
	RequireA11yTree  bool
	ActionSpace      string
}

// Provisioner creates environments
type Provisioner interface {
	Provision(ctx context.Context, cfg ProvisionConfig) (Env, error)
}

// ProvisionerFunc adapts a function to Provisioner
type ProvisionerFunc func(ctx context.Context, cfg ProvisionConfig) (Env, error)

// Provision calls f
func (f ProvisionerFunc) Provision(ctx context.Context, cfg ProvisionConfig) (Env, error) {
	return f(ctx, cfg)
}
