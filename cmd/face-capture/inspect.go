package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	facecapture "github.com/menta2k/face-capture"
	"github.com/menta2k/face-capture/internal/utils"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/types"
)

var (
	scoreJSON bool

	probeBackend string
	probeURL     string
	probeModel   string
	probeDebug   string
	probeJSON    bool
)

var scoreCmd = &cobra.Command{
	Use:   "score [file|dir]...",
	Short: "Print the quality score and tier of image files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScore,
}

var probeCmd = &cobra.Command{
	Use:   "probe [image]",
	Short: "Locate the face in an image and print framing feedback",
	Long: `Runs one face locator over a still image and prints the framing feedback
the capture guide would show.

Example:
  face-capture probe selfie.jpg
  face-capture probe selfie.jpg --backend ollama --model qwen2.5vl:7b
  face-capture probe selfie.jpg --backend llamacpp --url http://localhost:8080 --debug-out overlay.png`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "print JSON instead of a table")

	f := probeCmd.Flags()
	f.StringVar(&probeBackend, "backend", "saliency", "locator: saliency|ollama|llamacpp")
	f.StringVar(&probeURL, "url", "", "vision server URL (default from config or backend)")
	f.StringVar(&probeModel, "model", "", "vision model name (default from config)")
	f.StringVar(&probeDebug, "debug-out", "", "write a debug overlay image to this path")
	f.BoolVar(&probeJSON, "json", false, "print JSON")
}

func runScore(cmd *cobra.Command, args []string) error {
	var paths []string
	for _, arg := range args {
		if utils.DirExists(arg) {
			files, err := utils.ListImageFiles(arg)
			if err != nil {
				return err
			}
			paths = append(paths, files...)
			continue
		}
		paths = append(paths, arg)
	}

	var reports []facecapture.ImageReport
	for _, path := range paths {
		report, err := facecapture.AnalyzeFile(cmd.Context(), path, nil)
		if err != nil {
			logger.Warn("skipping image", zap.String("path", path), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}

	if scoreJSON {
		return printJSON(reports)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSIZE\tSCORE\tTIER\tISSUE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%dx%d\t%.1f\t%s\t%s\n", r.Path, r.Width, r.Height, r.Quality.Score, r.Tier.Label, r.Quality.Issue)
	}
	return tw.Flush()
}

func runProbe(cmd *cobra.Command, args []string) error {
	kind := probeBackend
	if kind != "saliency" {
		if kind != cfg.Vision.Backend && probeURL == "" {
			cfg.Vision.URL = ""
		}
		cfg.Vision.Backend = kind
		kind = "vision"
	}
	if probeURL != "" {
		cfg.Vision.URL = probeURL
	}
	if probeModel != "" {
		cfg.Vision.Model = probeModel
	}

	locator, err := newLocator(kind)
	if err != nil {
		return err
	}

	proc := processing.NewProcessorWithConfig(cfg.ProcessorOptions())
	img, err := proc.LoadImage(args[0])
	if err != nil {
		return err
	}
	report, err := facecapture.AnalyzeImage(cmd.Context(), img, locator)
	if err != nil {
		return err
	}
	report.Path = args[0]

	if probeDebug != "" {
		var face types.Box
		if report.Position != nil {
			face = report.Position.Box
		}
		overlay := proc.CreateDebugOverlay(img, face, guideBox())
		if err := proc.SaveImage(overlay, probeDebug, utils.GetFileExtension(probeDebug), cfg.Output.JPEGQuality, false); err != nil {
			return err
		}
		logger.Info("debug overlay written", zap.String("path", probeDebug))
	}

	if probeJSON {
		return printJSON(report)
	}
	pos := report.Position
	fmt.Printf("quality:  %.1f (%s)\n", report.Quality.Score, report.Tier.Label)
	if pos.IsWellPositioned {
		fmt.Println("position: well positioned")
	} else {
		fmt.Printf("position: %s\n", pos.Feedback)
	}
	fmt.Printf("face box: x=%.3f y=%.3f w=%.3f h=%.3f\n", pos.Box.X, pos.Box.Y, pos.Box.W, pos.Box.H)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
