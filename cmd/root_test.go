package cmd

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/example/faceverify/internal/config"
)

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "")
	cmd.Flags().StringVar(&inferenceAddrFlag, "inference-addr", "", "")
	cmd.Flags().Float64Var(&thresholdFlag, "threshold", 0.5, "")
	if err := cmd.Flags().Parse([]string{"--threshold", "0.62"}); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}

	c := &config.Config{LogLevel: "warn", InferenceAddr: "inference:50051", MatchThreshold: 0.5}
	applyFlags(cmd, c)

	if c.MatchThreshold != 0.62 {
		t.Fatalf("expected threshold from flag, got %v", c.MatchThreshold)
	}
	if c.LogLevel != "warn" || c.InferenceAddr != "inference:50051" {
		t.Fatalf("unchanged flags must keep environment values, got %+v", c)
	}
}
