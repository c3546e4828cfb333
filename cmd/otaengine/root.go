package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iot-go-sdk/otaengine/pkg/config"
	"github.com/iot-go-sdk/otaengine/pkg/logging"
	"github.com/iot-go-sdk/otaengine/pkg/misc"
)

const defaultConfigPath = "/etc/ota/otaengine.yaml"

var (
	configPath string
	envFile    string
	logLevel   string
	logFile    string
	dryRun     bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "otaengine",
		Short:         "Over the air update engine",
		Long:          "otaengine checks for firmware updates, downloads and verifies signed packages and reboots the device into the updater.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd)
			return err
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "engine config file location")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file with OTA_* variables")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets the log path. If console is specified the log will be output to stderr")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "write the misc record but never reboot")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(miscCmd)
	rootCmd.AddCommand(rebootCmd)
}

// loadConfig layers defaults, the config file, the environment and finally
// explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c := config.NewConfig()
	if _, err := os.Stat(configPath); err == nil {
		if err := c.LoadFromFile(configPath); err != nil {
			return nil, err
		}
	} else if cmd.Flags().Changed("config") {
		return nil, err
	}
	if err := c.LoadFromEnv(envFile); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") || c.Log.Level == "" {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-file") || c.Log.File == "" {
		c.Log.File = logFile
	}
	if flags.Changed("dry-run") {
		c.Engine.DryRun = dryRun
	}

	if err := logging.InitLog(c.Log.Level, c.Log.File); err != nil {
		return nil, err
	}
	return c, nil
}

func rebooter() misc.Rebooter {
	if cfg.Engine.DryRun {
		return &misc.DryRunRebooter{}
	}
	return misc.SyscallRebooter{}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error(err)
		}
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
