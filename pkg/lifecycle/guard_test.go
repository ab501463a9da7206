package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/desktop/desktoptest"
	"github.com/psantana5/deskexam/pkg/examerr"
)

func fakeHost(ctx context.Context) (*HostInfo, error) {
	return &HostInfo{Hostname: "test", CPUThreads: 4, MemAvailableBytes: 8 << 30}, nil
}

func newImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Ubuntu.vmx")
	require.NoError(t, os.WriteFile(path, []byte("config.version = \"8\"\n"), 0644))
	return path
}

func newGuard(env *desktoptest.Env) (*Guard, *desktoptest.Provisioner) {
	p := &desktoptest.Provisioner{Env: env}
	return NewGuard(p, WithHostInspector(fakeHost), WithImageExtension(".vmx")), p
}

func TestTerminationStateBeginsOnce(t *testing.T) {
	var ts TerminationState
	assert.False(t, ts.InProgress())
	assert.True(t, ts.Begin())
	assert.False(t, ts.Begin())
	assert.True(t, ts.InProgress())
}

func TestAcquireProvisionsWithConfig(t *testing.T) {
	env := desktoptest.NewEnv()
	g, p := newGuard(env)

	cfg := desktop.ProvisionConfig{
		MachineImagePath: newImage(t),
		Screen:           desktop.ScreenSize{Width: 1920, Height: 1080},
		RequireA11yTree:  true,
		OSType:           "Ubuntu",
	}
	h, err := g.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, env.Addr, h.Address())
	assert.True(t, h.A11yTree())
	assert.Equal(t, "test", h.Host().Hostname)
	assert.Equal(t, cfg, p.Last)
}

func TestAcquireRejectsBadImage(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"missing", filepath.Join(dir, "nope.vmx")},
		{"wrong extension", filepath.Join(dir, "disk.img")},
		{"directory", dir + ".vmx"},
	}
	require.NoError(t, os.Mkdir(dir+".vmx", 0755))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := desktoptest.NewEnv()
			g, p := newGuard(env)
			_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: tt.path})
			require.Error(t, err)
			assert.True(t, examerr.Is(err, examerr.KindProvisioning), "kind = %s", examerr.KindOf(err))
			assert.Zero(t, p.Calls.Load(), "provisioner must not run")
		})
	}
}

func TestAcquireWrapsProvisionerFailure(t *testing.T) {
	g, p := newGuard(desktoptest.NewEnv())
	p.Err = errors.New("vmrun: start failed")

	_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindProvisioning))
}

func TestAcquireTwiceFails(t *testing.T) {
	g, _ := newGuard(desktoptest.NewEnv())
	cfg := desktop.ProvisionConfig{MachineImagePath: newImage(t)}

	_, err := g.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	_, err = g.Acquire(context.Background(), cfg)
	require.Error(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	for _, n := range []int{1, 2, 5, 50} {
		env := desktoptest.NewEnv()
		g, _ := newGuard(env)
		_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
		require.NoError(t, err)

		performed := 0
		for i := 0; i < n; i++ {
			if g.Release(InitiatorMain) {
				performed++
			}
		}
		assert.Equal(t, 1, performed, "n=%d", n)
		assert.Equal(t, 1, env.Closes(), "n=%d", n)
	}
}

func TestReleaseConcurrentCallersTeardownOnce(t *testing.T) {
	env := desktoptest.NewEnv()
	g, _ := newGuard(env)
	_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	require.NoError(t, err)

	const callers = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		initiator := InitiatorMain
		if i%2 == 0 {
			initiator = InitiatorSignal
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.Release(initiator) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, env.Closes())
	assert.True(t, g.Terminating())
}

func TestReleaseSuppressesTeardownFailure(t *testing.T) {
	env := desktoptest.NewEnv()
	env.CloseErr = errors.New("vmrun stop: exit status 255")
	g, _ := newGuard(env)
	_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.True(t, g.Release(InitiatorMain))
		assert.False(t, g.Release(InitiatorMain))
	})
	assert.Equal(t, 1, env.Closes())
}

func TestReleaseRecoversTeardownPanic(t *testing.T) {
	env := desktoptest.NewEnv()
	env.ClosePanic = "vmrun: nil connection"
	g, _ := newGuard(env)
	_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.True(t, g.Release(InitiatorSignal))
		assert.False(t, g.Release(InitiatorMain))
	})
	assert.Equal(t, 1, env.Closes())
	select {
	case <-g.Released():
	default:
		t.Fatal("release not marked done after teardown panic")
	}
}

func TestCloseEnvClassifiesPanic(t *testing.T) {
	env := desktoptest.NewEnv()
	env.ClosePanic = "boom"
	err := closeEnv(env)
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindTeardown))
	assert.Contains(t, err.Error(), "panic: boom")
}

func TestReleaseWithoutHandle(t *testing.T) {
	g, p := newGuard(desktoptest.NewEnv())
	assert.True(t, g.Release(InitiatorSignal))

	_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	assert.ErrorIs(t, err, ErrTerminating)
	assert.Zero(t, p.Calls.Load())
}

func TestReleaseDuringProvisioningClosesNewEnv(t *testing.T) {
	env := desktoptest.NewEnv()
	g, p := newGuard(env)
	p.Hook = func() {
		// Signal lands while the VM is booting
		g.Release(InitiatorSignal)
	}

	_, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	assert.ErrorIs(t, err, ErrTerminating)
	assert.Equal(t, 1, env.Closes())
}

func TestEndRecordingWithoutStartIsNoop(t *testing.T) {
	env := desktoptest.NewEnv()
	g, _ := newGuard(env)
	h, err := g.Acquire(context.Background(), desktop.ProvisionConfig{MachineImagePath: newImage(t)})
	require.NoError(t, err)

	require.NoError(t, h.EndRecording(context.Background(), filepath.Join(t.TempDir(), "r.mp4")))
	assert.False(t, env.Called("end_recording"))

	require.NoError(t, h.StartRecording(context.Background()))
	assert.True(t, h.Recording())
	require.NoError(t, h.EndRecording(context.Background(), filepath.Join(t.TempDir(), "r.mp4")))
	assert.False(t, h.Recording())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "8.0 GiB", FormatBytes(8<<30))
	assert.Equal(t, "512.0 MiB", FormatBytes(512<<20))
}
