package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/faceverify/internal/grpcclient"
	"github.com/example/faceverify/internal/imageio"
	"github.com/example/faceverify/internal/pipeline"
	"github.com/example/faceverify/internal/usecase"
)

var compareJSON bool

var compareCmd = &cobra.Command{
	Use:   "compare GALLERY PROBE [PROBE...]",
	Short: "Compare the face in a gallery image with the faces in one or more probe images",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		engine, conn, err := grpcclient.DialInferenceService(ctx, cfg.InferenceAddr, cfg.Detector, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to inference service: %w", err)
		}
		defer conn.Close()

		verifier := pipeline.New(engine, engine, engine, logger, pipeline.WithParallel(cfg.ParallelSides))
		opts := compareOptions{
			threshold:    cfg.MatchThreshold,
			maxDimension: cfg.MaxImageDimension,
			json:         compareJSON,
		}
		return runCompare(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), verifier, opts, args[0], args[1:])
	},
}

func init() {
	compareCmd.Flags().BoolVar(&compareJSON, "json", false, "print one JSON report per probe instead of text")
	rootCmd.AddCommand(compareCmd)
}

type compareOptions struct {
	threshold    float64
	maxDimension int
	json         bool
}

type comparison struct {
	Gallery     string           `json:"gallery"`
	Probe       string           `json:"probe"`
	Similarity  float64          `json:"similarity"`
	Matched     bool             `json:"matched"`
	Threshold   float64          `json:"threshold"`
	Report      *pipeline.Report `json:"report,omitempty"`
	Error       string           `json:"error,omitempty"`
	FailureSide string           `json:"failure_side,omitempty"`
}

// runCompare verifies every probe against the gallery. Images without a
// usable face are reported and skipped; any other failure stops the run.
func runCompare(ctx context.Context, out, errOut io.Writer, verifier usecase.Verifier, opts compareOptions, galleryPath string, probePaths []string) error {
	gallery, err := imageio.ReadFile(galleryPath, opts.maxDimension)
	if err != nil {
		return fmt.Errorf("failed to load gallery image: %w", err)
	}

	var bar *progressbar.ProgressBar
	if len(probePaths) > 1 {
		bar = progressbar.NewOptions(len(probePaths),
			progressbar.OptionSetDescription("Comparing"),
			progressbar.OptionSetWriter(errOut),
			progressbar.OptionShowCount(),
		)
	}
	enc := json.NewEncoder(out)

	for _, probePath := range probePaths {
		if err := ctx.Err(); err != nil {
			return err
		}

		c := comparison{Gallery: galleryPath, Probe: probePath, Threshold: opts.threshold}
		probe, err := imageio.ReadFile(probePath, opts.maxDimension)
		if err != nil {
			return fmt.Errorf("failed to load probe image: %w", err)
		}

		report, err := verifier.Verify(ctx, gallery.Gray, gallery.Color, probe.Gray, probe.Color)
		var pe *pipeline.Error
		switch {
		case err == nil:
			c.Report = report
			c.Similarity = report.Similarity
			c.Matched = report.Similarity >= opts.threshold
		case errors.As(err, &pe):
			c.Error = err.Error()
			c.FailureSide = string(pe.Side)
		default:
			return fmt.Errorf("failed to compare %s with %s: %w", galleryPath, probePath, err)
		}

		if opts.json {
			if err := enc.Encode(c); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out, describe(c, pe))
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(errOut)
	}
	return nil
}

func describe(c comparison, pe *pipeline.Error) string {
	if pe == nil {
		return fmt.Sprintf("The similarity between %s and %s is: %g", c.Gallery, c.Probe, c.Similarity)
	}
	path := c.Gallery
	if pe.Side == pipeline.SideProbe {
		path = c.Probe
	}
	if errors.Is(pe, pipeline.ErrNoFaceDetected) {
		return fmt.Sprintf("Faces are not detected in %s.", path)
	}
	return fmt.Sprintf("Comparison failed for %s: %v", path, pe)
}
