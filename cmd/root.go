package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/config"
	"github.com/example/faceverify/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

var (
	// cfg and logger are set up once per invocation by the root command.
	cfg    *config.Config
	logger *zap.Logger

	logLevelFlag      string
	inferenceAddrFlag string
	thresholdFlag     float64
)

var rootCmd = &cobra.Command{
	Use:           "faceverify",
	Short:         "Face verification service and command line driver",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlags(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		l, err := logging.NewLogger(loaded.LogLevel)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = logLevelFlag
	}
	if flags.Changed("inference-addr") {
		c.InferenceAddr = inferenceAddrFlag
	}
	if flags.Changed("threshold") {
		c.MatchThreshold = thresholdFlag
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&inferenceAddrFlag, "inference-addr", "", "address of the inference gRPC service; overrides INFERENCE_ADDR")
	rootCmd.PersistentFlags().Float64Var(&thresholdFlag, "threshold", 0.5, "similarity at or above which faces match; overrides MATCH_THRESHOLD")
}
