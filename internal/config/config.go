// Package config holds the deskexam configuration: defaults, YAML loading,
// viper binding and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/deskexam/internal/statusapi"
	"github.com/psantana5/deskexam/pkg/desktop"
	"github.com/psantana5/deskexam/pkg/examerr"
	"github.com/psantana5/deskexam/pkg/history"
	"github.com/psantana5/deskexam/pkg/task"
	"github.com/psantana5/deskexam/pkg/tracing"
)

// EnvPrefix is prepended to environment variable overrides, e.g.
// DESKEXAM_EVAL_VERSION or DESKEXAM_STATUS_ADDR
const EnvPrefix = "DESKEXAM"

// Config is the complete deskexam configuration
type Config struct {
	// Task selection
	Domain            string `mapstructure:"domain" yaml:"domain" json:"domain"`
	ExampleID         string `mapstructure:"example_id" yaml:"example_id" json:"example_id"`
	EvalVersion       string `mapstructure:"eval_version" yaml:"eval_version" json:"eval_version"`
	TestConfigBaseDir string `mapstructure:"test_config_base_dir" yaml:"test_config_base_dir" json:"test_config_base_dir"`

	// Environment
	MachineImagePath string `mapstructure:"path_to_vm" yaml:"path_to_vm" json:"path_to_vm"`
	SnapshotName     string `mapstructure:"snapshot_name" yaml:"snapshot_name" json:"snapshot_name"`
	OSType           string `mapstructure:"os_type" yaml:"os_type" json:"os_type"`
	Headless         bool   `mapstructure:"headless" yaml:"headless" json:"headless"`
	ScreenWidth      int    `mapstructure:"screen_width" yaml:"screen_width" json:"screen_width"`
	ScreenHeight     int    `mapstructure:"screen_height" yaml:"screen_height" json:"screen_height"`
	ActionSpace      string `mapstructure:"action_space" yaml:"action_space" json:"action_space"`
	ObservationType  string `mapstructure:"observation_type" yaml:"observation_type" json:"observation_type"`
	// MinFreeMemoryMB warns before provisioning when the host has less available
	MinFreeMemoryMB uint64 `mapstructure:"min_free_memory_mb" yaml:"min_free_memory_mb" json:"min_free_memory_mb"`

	// Output
	ResultDir string `mapstructure:"result_dir" yaml:"result_dir" json:"result_dir"`
	LogDir    string `mapstructure:"log_dir" yaml:"log_dir" json:"log_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogJSON   bool   `mapstructure:"log_json" yaml:"log_json" json:"log_json"`

	// Timing
	WarmupUnit  time.Duration `mapstructure:"warmup_unit" yaml:"warmup_unit" json:"warmup_unit"`
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period" json:"grace_period"`

	Evaluator EvaluatorConfig `mapstructure:"evaluator" yaml:"evaluator" json:"evaluator"`
	VMware    VMwareConfig    `mapstructure:"vmware" yaml:"vmware" json:"vmware"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status" json:"status"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history" json:"history"`
	Tracing   tracing.Config  `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// EvaluatorConfig configures the external scoring command
type EvaluatorConfig struct {
	Command string        `mapstructure:"command" yaml:"command" json:"command"`
	Args    []string      `mapstructure:"args" yaml:"args" json:"args"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// VMwareConfig configures vmrun and the guest server wait
type VMwareConfig struct {
	VMRunPath    string        `mapstructure:"vmrun_path" yaml:"vmrun_path" json:"vmrun_path"`
	HostType     string        `mapstructure:"host_type" yaml:"host_type" json:"host_type"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout" json:"ready_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
}

// StatusConfig configures the status/acknowledge HTTP API
type StatusConfig struct {
	Enabled bool                `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr    string              `mapstructure:"addr" yaml:"addr" json:"addr"`
	TLS     statusapi.TLSConfig `mapstructure:"tls" yaml:"tls" json:"tls"`
}

// HistoryConfig configures the session index
type HistoryConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	history.Config `mapstructure:",squash" yaml:",inline" json:",inline"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		EvalVersion:       task.EvalV2,
		TestConfigBaseDir: "evaluation_examples",
		SnapshotName:      "init_state",
		OSType:            "Ubuntu",
		ScreenWidth:       1920,
		ScreenHeight:      1080,
		ActionSpace:       "pyautogui",
		ObservationType:   desktop.ObservationScreenshot,
		MinFreeMemoryMB:   4096,
		ResultDir:         "./results_manual",
		LogDir:            "./logs",
		LogLevel:          "info",
		WarmupUnit:        time.Second,
		GracePeriod:       10 * time.Second,
		Evaluator: EvaluatorConfig{
			Timeout: 10 * time.Minute,
		},
		VMware: VMwareConfig{
			VMRunPath:    "vmrun",
			ReadyTimeout: 5 * time.Minute,
			PollInterval: time.Second,
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:8765",
		},
		History: HistoryConfig{
			Enabled: true,
			Config:  history.Config{Type: "sqlite", DSN: "./results_manual/history.db"},
		},
		Tracing: tracing.Config{
			ServiceName:  "deskexam",
			Environment:  "local",
			OTLPEndpoint: "localhost:4318",
		},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, examerr.Wrap(examerr.KindConfigurationNotFound, "load_config",
			fmt.Errorf("failed to read config file: %w", err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, examerr.Wrap(examerr.KindConfiguration, "load_config",
			fmt.Errorf("failed to parse config file: %w", err))
	}
	return &cfg, nil
}

// Bind registers every default with v and enables DESKEXAM_* overrides.
// Nested keys map to env names with dots replaced by underscores.
func Bind(v *viper.Viper) error {
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return nil
}

func flatten(prefix string, tree map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// FromViper decodes the effective configuration from v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, examerr.Wrap(examerr.KindConfiguration, "load_config", err)
	}
	return &cfg, nil
}

// Validate checks settings shared by every command
func (c *Config) Validate() error {
	var problems []string

	if c.EvalVersion != task.EvalV1 && c.EvalVersion != task.EvalV2 {
		problems = append(problems, fmt.Sprintf("eval_version must be v1 or v2, got %q", c.EvalVersion))
	}
	if !validObservationType(c.ObservationType) {
		problems = append(problems, fmt.Sprintf("observation_type must be one of %s, got %q",
			strings.Join(desktop.ObservationTypes, ", "), c.ObservationType))
	}
	if c.ActionSpace == "" {
		problems = append(problems, "action_space is required")
	}
	if c.ScreenWidth <= 0 || c.ScreenHeight <= 0 {
		problems = append(problems, fmt.Sprintf("screen size must be positive, got %dx%d", c.ScreenWidth, c.ScreenHeight))
	}
	if c.ResultDir == "" {
		problems = append(problems, "result_dir is required")
	}
	if c.WarmupUnit <= 0 {
		problems = append(problems, fmt.Sprintf("warmup_unit must be positive, got %s", c.WarmupUnit))
	}
	if c.GracePeriod <= 0 {
		problems = append(problems, "grace_period must be positive")
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		problems = append(problems, "status.addr is required when the status API is enabled")
	}
	if c.Status.TLS.Enabled && (c.Status.TLS.Cert == "" || c.Status.TLS.Key == "") {
		problems = append(problems, "status.tls.cert and status.tls.key are required when TLS is enabled")
	}

	if len(problems) > 0 {
		return examerr.New(examerr.KindConfiguration, "validate_config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateExamination additionally checks the task selection. The machine
// image path is left to the lifecycle guard, which reports it as a
// provisioning failure.
func (c *Config) ValidateExamination() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var missing []string
	if c.Domain == "" {
		missing = append(missing, "domain")
	}
	if c.ExampleID == "" {
		missing = append(missing, "example_id")
	}
	if len(missing) > 0 {
		return examerr.New(examerr.KindConfiguration, "validate_config", "missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Screen returns the configured screen size
func (c *Config) Screen() desktop.ScreenSize {
	return desktop.ScreenSize{Width: c.ScreenWidth, Height: c.ScreenHeight}
}

func validObservationType(t string) bool {
	for _, known := range desktop.ObservationTypes {
		if t == known {
			return true
		}
	}
	return false
}
