package vmware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/desktop/evaluator"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/retry"
	"github.com/psantana5/deskexam/pkg/task"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	ip    string
	fail  map[string]error
}

func (r *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	sub := args[2]
	if err := r.fail[sub]; err != nil {
		return "", err
	}
	if sub == "getGuestIPAddress" {
		return r.ip + "\n", nil
	}
	return "", nil
}

func (r *fakeRunner) subcommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c[2])
	}
	return out
}

type guestServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
	bodies   map[string]map[string]interface{}
	failures int
}

func newGuestServer(t *testing.T) *guestServer {
	g := &guestServer{bodies: map[string]map[string]interface{}{}}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.requests = append(g.requests, r.URL.Path)
		if g.failures > 0 {
			g.failures--
			g.mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Body != nil && r.Header.Get("Content-Type") == "application/json" {
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			g.bodies[r.URL.Path] = body
		}
		g.mu.Unlock()

		switch r.URL.Path {
		case "/screenshot":
			w.Write([]byte("\x89PNG"))
		case "/accessibility":
			json.NewEncoder(w).Encode(map[string]string{"AT": "<root/>"})
		case "/end_recording":
			w.Write([]byte("video-bytes"))
		case "/setup/execute":
			json.NewEncoder(w).Encode(ExecResult{Status: "success", ReturnCode: 0})
		case "/start_recording", "/setup/launch", "/setup/open_file", "/setup/activate_window":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *guestServer) paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.requests))
	copy(out, g.requests)
	return out
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
		Retryable:      retry.IsRetryable,
	}
}

func newTestProvider(t *testing.T, g *guestServer, eval evaluator.Evaluator) (*Provider, *fakeRunner) {
	runner := &fakeRunner{ip: "192.0.2.44", fail: map[string]error{}}
	p := NewProvider(runner, eval, nil, Options{
		HostType:     "ws",
		ReadyTimeout: 200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		NewClient: func(ip string) *Client {
			c := NewClient(g.URL)
			c.SetRetry(fastRetry())
			return c
		},
	})
	return p, runner
}

func provisionConfig() desktop.ProvisionConfig {
	return desktop.ProvisionConfig{
		MachineImagePath: "/vms/Ubuntu/Ubuntu.vmx",
		SnapshotName:     "init_state",
		Headless:         true,
		RequireA11yTree:  true,
	}
}

func TestVMRunArguments(t *testing.T) {
	runner := &fakeRunner{ip: "10.0.0.2", fail: map[string]error{}}
	v := NewVMRun(runner, "fusion")

	require.NoError(t, v.Start(context.Background(), "a.vmx", true))
	require.NoError(t, v.Start(context.Background(), "a.vmx", false))
	ip, err := v.GuestIP(context.Background(), "a.vmx")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", ip)

	assert.Equal(t, []string{"-T", "fusion", "start", "a.vmx", "nogui"}, runner.calls[0])
	assert.Equal(t, []string{"-T", "fusion", "start", "a.vmx"}, runner.calls[1])
	assert.Equal(t, []string{"-T", "fusion", "getGuestIPAddress", "a.vmx", "-wait"}, runner.calls[2])
}

func TestProvisionBootsMachine(t *testing.T) {
	g := newGuestServer(t)
	p, runner := newTestProvider(t, g, nil)

	env, err := p.Provision(context.Background(), provisionConfig())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.44", env.Address())
	assert.Equal(t, []string{"revertToSnapshot", "start", "getGuestIPAddress"}, runner.subcommands())

	require.NoError(t, env.Close())
	assert.Equal(t, "stop", runner.subcommands()[3])
}

func TestProvisionStopsMachineThatNeverBecomesReady(t *testing.T) {
	g := newGuestServer(t)
	g.failures = 1 << 20
	p, runner := newTestProvider(t, g, nil)

	_, err := p.Provision(context.Background(), provisionConfig())
	require.Error(t, err)
	assert.Equal(t, []string{"revertToSnapshot", "start", "getGuestIPAddress", "stop"}, runner.subcommands())
}

func TestProvisionVMRunFailure(t *testing.T) {
	g := newGuestServer(t)
	p, runner := newTestProvider(t, g, nil)
	runner.fail["revertToSnapshot"] = errors.New("snapshot not found")

	_, err := p.Provision(context.Background(), provisionConfig())
	require.Error(t, err)
	assert.Equal(t, []string{"revertToSnapshot"}, runner.subcommands())
}

func TestResetAppliesSetupSteps(t *testing.T) {
	g := newGuestServer(t)
	p, _ := newTestProvider(t, g, nil)
	env, err := p.Provision(context.Background(), provisionConfig())
	require.NoError(t, err)

	d, err := task.Parse([]byte(`{
		"instruction": "x",
		"config": [
			{"type": "execute", "parameters": {"command": ["touch", "/tmp/a"]}},
			{"type": "launch", "parameters": {"command": "nautilus", "shell": true}},
			{"type": "sleep", "parameters": {"seconds": 0}},
			{"type": "open", "parameters": {"path": "/home/user/a.txt"}},
			{"type": "activate_window", "parameters": {"window_name": "Files", "strict": true}}
		]
	}`))
	require.NoError(t, err)

	require.NoError(t, env.Reset(context.Background(), d))

	setup := []string{}
	for _, path := range g.paths() {
		if strings.HasPrefix(path, "/setup/") {
			setup = append(setup, path)
		}
	}
	assert.Equal(t, []string{"/setup/execute", "/setup/launch", "/setup/open_file", "/setup/activate_window"}, setup)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Equal(t, "/home/user/a.txt", g.bodies["/setup/open_file"]["path"])
	assert.Equal(t, true, g.bodies["/setup/launch"]["shell"])
	assert.Equal(t, "Files", g.bodies["/setup/activate_window"]["window_name"])
}

func TestResetRejectsUnknownStep(t *testing.T) {
	g := newGuestServer(t)
	p, runner := newTestProvider(t, g, nil)
	env, err := p.Provision(context.Background(), provisionConfig())
	require.NoError(t, err)
	before := len(runner.subcommands())

	d, err := task.Parse([]byte(`{"instruction": "x", "config": [{"type": "teleport"}]}`))
	require.NoError(t, err)

	err = env.Reset(context.Background(), d)
	require.Error(t, err)
	assert.True(t, examerr.Is(err, examerr.KindConfiguration))
	assert.Len(t, runner.subcommands(), before, "machine must not be touched")
}

func TestObserveRecordAndEvaluate(t *testing.T) {
	g := newGuestServer(t)
	var got evaluator.Request
	eval := evaluator.Func(func(ctx context.Context, req evaluator.Request) (float64, error) {
		got = req
		return 0.5, nil
	})
	p, _ := newTestProvider(t, g, eval)
	env, err := p.Provision(context.Background(), provisionConfig())
	require.NoError(t, err)

	d, err := task.Parse([]byte(`{"instruction": "x"}`))
	require.NoError(t, err)
	require.NoError(t, env.Reset(context.Background(), d))

	obs, err := env.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), obs.Screenshot)
	assert.Equal(t, "<root/>", obs.A11yTree)

	require.NoError(t, env.StartRecording(context.Background()))
	dest := filepath.Join(t.TempDir(), "recording.mp4")
	require.NoError(t, env.EndRecording(context.Background(), dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	score, err := env.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
	assert.Equal(t, "192.0.2.44", got.VMAddress)
	assert.Same(t, d, got.Descriptor)
}

func TestClientRetriesServerErrors(t *testing.T) {
	g := newGuestServer(t)
	g.failures = 2

	c := NewClient(g.URL)
	c.SetRetry(fastRetry())
	png, err := c.Screenshot(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, png)
	assert.Len(t, g.paths(), 3)
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	g := newGuestServer(t)
	c := NewClient(g.URL)
	c.SetRetry(fastRetry())

	err := c.do(context.Background(), http.MethodGet, "/missing", nil, nil)
	require.Error(t, err)
	assert.Len(t, g.paths(), 1)
}

func TestVNCURL(t *testing.T) {
	assert.Equal(t, "http://192.0.2.44:5910/vnc.html", VNCURL("192.0.2.44"))
	assert.Equal(t, "http://192.0.2.44:5000", GuestURL("192.0.2.44"))
}
