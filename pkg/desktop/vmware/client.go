package vmware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/deskexam/pkg/retry"
)

// ServerPort is the port of the control server inside the guest
const ServerPort = 5000

// VNCPort is the port of the guest's noVNC endpoint
const VNCPort = 5910

// VNCURL returns the browser address for watching the guest
func VNCURL(ip string) string {
	return fmt.Sprintf("http://%s:%d/vnc.html", ip, VNCPort)
}

// Client talks to the control server inside the guest
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
}

// NewClient creates a client for the server at baseURL, e.g. http://ip:5000
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		retry: retry.DefaultConfig(),
	}
}

// GuestURL returns the control server URL for a guest IP
func GuestURL(ip string) string {
	return fmt.Sprintf("http://%s:%d", ip, ServerPort)
}

// SetRetry replaces the retry policy
func (c *Client) SetRetry(cfg retry.Config) {
	c.retry = cfg
}

// ExecResult is the control server's answer to a command
type ExecResult struct {
	Status     string `json:"status"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	ReturnCode int    `json:"returncode"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.code, e.body)
}

// do sends one request with retries. 5xx answers and transport errors are
// retried; 4xx answers are not.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, sink func(io.Reader) error) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return retry.Do(ctx, c.retry, func() error {
		var body io.Reader
		if data != nil {
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return &retry.Permanent{Err: fmt.Errorf("failed to create request: %w", err)}
		}
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			serr := &statusError{code: resp.StatusCode, body: string(msg)}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%s %s: %w", method, path, serr)
			}
			return &retry.Permanent{Err: fmt.Errorf("%s %s: %w", method, path, serr)}
		}
		if sink == nil {
			return nil
		}
		return sink(resp.Body)
	})
}

func decodeInto(v interface{}) func(io.Reader) error {
	return func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(v); err != nil {
			return &retry.Permanent{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	}
}

// Screenshot fetches the current screen as PNG
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	err := c.do(ctx, http.MethodGet, "/screenshot", nil, func(r io.Reader) error {
		var err error
		png, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get screenshot: %w", err)
	}
	return png, nil
}

// Accessibility fetches the accessibility tree as XML
func (c *Client) Accessibility(ctx context.Context) (string, error) {
	var out struct {
		AT string `json:"AT"`
	}
	if err := c.do(ctx, http.MethodGet, "/accessibility", nil, decodeInto(&out)); err != nil {
		return "", fmt.Errorf("failed to get accessibility tree: %w", err)
	}
	return out.AT, nil
}

// StartRecording starts the guest screen recorder
func (c *Client) StartRecording(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/start_recording", nil, nil); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

// EndRecording stops the recorder and streams the video to destination
func (c *Client) EndRecording(ctx context.Context, destination string) error {
	err := c.do(ctx, http.MethodPost, "/end_recording", nil, func(r io.Reader) error {
		tmp, err := os.CreateTemp(filepath.Dir(destination), ".recording-*")
		if err != nil {
			return &retry.Permanent{Err: err}
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, r); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return &retry.Permanent{Err: err}
		}
		return os.Rename(tmp.Name(), destination)
	})
	if err != nil {
		return fmt.Errorf("failed to end recording: %w", err)
	}
	return nil
}

// Execute runs a command in the guest and waits for it
func (c *Client) Execute(ctx context.Context, command []string, shell bool) (*ExecResult, error) {
	payload := map[string]interface{}{"command": command, "shell": shell}
	var out ExecResult
	if err := c.do(ctx, http.MethodPost, "/setup/execute", payload, decodeInto(&out)); err != nil {
		return nil, fmt.Errorf("failed to execute %v: %w", command, err)
	}
	return &out, nil
}

// Launch starts a command in the guest without waiting for it
func (c *Client) Launch(ctx context.Context, command []string, shell bool) error {
	payload := map[string]interface{}{"command": command, "shell": shell}
	if err := c.do(ctx, http.MethodPost, "/setup/launch", payload, nil); err != nil {
		return fmt.Errorf("failed to launch %v: %w", command, err)
	}
	return nil
}

// OpenFile opens a file with the guest's default application
func (c *Client) OpenFile(ctx context.Context, path string) error {
	payload := map[string]interface{}{"path": path}
	if err := c.do(ctx, http.MethodPost, "/setup/open_file", payload, nil); err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	return nil
}

// ActivateWindow focuses a guest window by title or class
func (c *Client) ActivateWindow(ctx context.Context, name string, strict, byClass bool) error {
	payload := map[string]interface{}{"window_name": name, "strict": strict, "by_class": byClass}
	if err := c.do(ctx, http.MethodPost, "/setup/activate_window", payload, nil); err != nil {
		return fmt.Errorf("failed to activate window %q: %w", name, err)
	}
	return nil
}

// WaitReady polls the screenshot endpoint until it answers or timeout
// expires. Polls are paced by limiter.
func (c *Client) WaitReady(ctx context.Context, limiter *rate.Limiter, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poller := *c
	poller.retry = retry.Config{MaxRetries: 0}
	poller.httpClient = &http.Client{Timeout: 10 * time.Second}

	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("guest server at %s not ready after %s: %w", c.baseURL, timeout, lastErr)
		}
		_, err := poller.Screenshot(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
}
