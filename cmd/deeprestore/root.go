package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"deeprestore/pkg/config"
	"deeprestore/pkg/progress"
)

// GlobalFlags are shared by every command
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	Quiet      bool
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      zerolog.Logger
	logCloser   io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "deeprestore",
	Short: "Restore microscopy volumes with a trained network",
	Long: `deeprestore runs a trained image restoration network over microscopy volumes
that are too large for one inference call. Volumes are cut into overlapping
tiles, batched through the network and stitched back together.

Commands:
  predict      denoise or deconvolve volumes with a plain restoration network
  iso          restore isotropic resolution from an anisotropic Z stack
  config init  write the default configuration file`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(globalFlags.ConfigPath)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = globalFlags.LogLevel
		}
		if cmd.Flags().Changed("log-file") {
			cfg.Logging.File = globalFlags.LogFile
		}

		opts := cfg.LogOptions()
		opts.Console = os.Stderr
		logger, logCloser = progress.NewLogger(opts)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := globalFlags.ConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "deeprestore.yaml", "configuration file (defaults are used when missing)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "also write JSON logs to this rotating file")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "hide the progress display")

	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(predictCmd, isoCmd, configCmd)
}
