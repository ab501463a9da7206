// Package vmware provisions desktops as VMware virtual machines driven by
// vmrun, and talks to the control server running inside the guest.
package vmware

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Runner executes vmrun with the given arguments and returns its stdout
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs the real vmrun binary
type ExecRunner struct {
	Path string
}

// Run executes vmrun and returns trimmed stdout. stderr is folded into
// the error on failure.
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	path := r.Path
	if path == "" {
		path = "vmrun"
	}

	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("vmrun %s failed: %w: %s", strings.Join(args, " "), err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// HostType returns the vmrun -T value for the current platform
func HostType() string {
	if runtime.GOOS == "darwin" {
		return "fusion"
	}
	return "ws"
}

// VMRun wraps the vmrun subcommands used to manage one machine
type VMRun struct {
	runner   Runner
	hostType string
}

// NewVMRun creates a vmrun wrapper. An empty hostType picks the platform
// default.
func NewVMRun(runner Runner, hostType string) *VMRun {
	if hostType == "" {
		hostType = HostType()
	}
	return &VMRun{runner: runner, hostType: hostType}
}

func (v *VMRun) run(ctx context.Context, args ...string) (string, error) {
	return v.runner.Run(ctx, append([]string{"-T", v.hostType}, args...)...)
}

// RevertToSnapshot restores the named snapshot
func (v *VMRun) RevertToSnapshot(ctx context.Context, vmx, snapshot string) error {
	_, err := v.run(ctx, "revertToSnapshot", vmx, snapshot)
	return err
}

// Start powers the machine on. Headless machines start without a window.
func (v *VMRun) Start(ctx context.Context, vmx string, headless bool) error {
	args := []string{"start", vmx}
	if headless {
		args = append(args, "nogui")
	}
	_, err := v.run(ctx, args...)
	return err
}

// GuestIP blocks until VMware Tools reports the guest address
func (v *VMRun) GuestIP(ctx context.Context, vmx string) (string, error) {
	out, err := v.run(ctx, "getGuestIPAddress", vmx, "-wait")
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "" || strings.HasPrefix(strings.ToLower(ip), "error") {
		return "", fmt.Errorf("guest did not report an IP address: %q", out)
	}
	return ip, nil
}

// Stop powers the machine off
func (v *VMRun) Stop(ctx context.Context, vmx string) error {
	_, err := v.run(ctx, "stop", vmx)
	return err
}
