package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psantana5/deskexam/internal/config"
	"github.com/psantana5/deskexam/pkg/examerr"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
	configErr    error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "deskexam",
	Short: "Manual evaluation of desktop tasks on a VMware VM",
	Long: `deskexam provisions a desktop VM, lets a human perform one task inside it,
captures the state before and after, scores the result and stores the artifacts.
The VM is torn down exactly once however the run ends.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return examerr.ExitCode(err)
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deskexam/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("log-level", "info", "console log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON lines")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_json", rootCmd.PersistentFlags().Lookup("log-json"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	configErr = nil
	if err := config.Bind(viper.GetViper()); err != nil {
		configErr = err
		return
	}

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(filepath.Join(home, ".deskexam"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return
		}
		configErr = examerr.Wrap(examerr.KindConfigurationNotFound, "load_config",
			fmt.Errorf("failed to read config file: %w", err))
	}
}

// bindFlags binds a command's flags to config keys. Called from PreRunE so
// commands sharing a key do not overwrite each other's bindings.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig returns the effective, validated configuration
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// taskFlags are shared by the commands that select one task
var taskFlags = map[string]string{
	"domain":               "domain",
	"example_id":           "example-id",
	"eval_version":         "eval-version",
	"test_config_base_dir": "test-config-base-dir",
}

func addTaskFlags(flags *pflag.FlagSet) {
	flags.String("domain", "", "task domain, e.g. chrome")
	flags.String("example-id", "", "task example id")
	flags.String("eval-version", "v2", "evaluation version: v1 or v2")
	flags.String("test-config-base-dir", "evaluation_examples", "root of the evaluation examples tree")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
