package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	facecapture "github.com/menta2k/face-capture"
	"github.com/menta2k/face-capture/internal/utils"
	"github.com/menta2k/face-capture/pkg/camera"
	"github.com/menta2k/face-capture/pkg/fallback"
	"github.com/menta2k/face-capture/pkg/pipeline"
	"github.com/menta2k/face-capture/pkg/position"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/types"
)

var (
	runFrames  string
	runOut     string
	runFormat  string
	runManual  bool
	runTimeout time.Duration
	runDebug   bool
	runLocator string
	runUploads = map[types.Angle]*string{}
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a capture session over replayed frames",
	Long: `Runs a full front/left/right capture session.

--frames is a directory of images replayed as the camera stream. When it has
front, left and right subdirectories each angle replays its own frames.
Without --frames the camera is unavailable and every angle needs an upload.

Example:
  face-capture run --frames ./frames --out ./captures
  face-capture run --upload-front a.jpg --upload-left b.jpg --upload-right c.jpg`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFrames, "frames", "", "directory of frames replayed as the camera")
	f.StringVar(&runOut, "out", "", "output directory (default from config)")
	f.StringVar(&runFormat, "format", "", "output format: jpg|png|webp (default from config)")
	f.BoolVar(&runManual, "manual", false, "disable auto-capture and capture each angle immediately")
	f.DurationVar(&runTimeout, "timeout", 60*time.Second, "give up when the session is not done in time")
	f.BoolVar(&runDebug, "debug-overlay", false, "also write overlay images with the guide and face boxes")
	f.StringVar(&runLocator, "locator", "", "face locator: saliency|vision|none (default from config)")
	for _, a := range types.Angles() {
		runUploads[a] = f.String("upload-"+string(a), "", "image file to use for the "+string(a)+" angle")
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	outDir := firstNonEmpty(runOut, cfg.Output.OutputDir)
	format := strings.ToLower(firstNonEmpty(runFormat, cfg.Output.Format))
	if err := utils.EnsureDir(outDir); err != nil {
		return err
	}

	locator, err := newLocator(firstNonEmpty(runLocator, cfg.Position.Locator))
	if err != nil {
		return err
	}

	proc := processing.NewProcessorWithConfig(cfg.ProcessorOptions())
	device, perAngle, err := loadDevice(runFrames, proc)
	if err != nil {
		return err
	}

	opts := cfg.PipelineOptions()
	if runManual {
		opts.AutoCapture = false
	}

	offers := make(chan fallback.Offer, 8)
	var p *pipeline.Pipeline
	callbacks := pipeline.Callbacks{
		OnCapture: func(angle types.Angle, img types.CapturedImage) {
			logger.Info("angle captured",
				zap.String("angle", string(angle)),
				zap.String("source", string(img.Source)),
				zap.Float64("score", img.Score))
			if perAngle == nil {
				return
			}
			if next, ok := p.Session().CurrentAngle(); ok {
				if fd, ok := device.(*camera.FileDevice); ok {
					fd.SetFrames(perAngle[next]...)
				}
			}
		},
		OnFallback: func(o fallback.Offer) {
			select {
			case offers <- o:
			default:
			}
		},
	}

	p = facecapture.NewWithOptions(opts, device,
		pipeline.WithLogger(logger),
		pipeline.WithLocator(locator),
		pipeline.WithProcessor(proc),
		pipeline.WithQualityConfig(cfg.QualityOptions()),
		pipeline.WithPositionConfig(cfg.PositionOptions()),
		pipeline.WithCallbacks(callbacks),
	)
	defer p.Close()

	states, unsubscribe := p.Subscribe()
	defer unsubscribe()

	for angle, path := range runUploads {
		if *path == "" {
			continue
		}
		if _, err := p.UploadFile(angle, *path); err != nil {
			return fmt.Errorf("upload %s: %w", angle, err)
		}
	}

	if err := p.Start(ctx); err != nil {
		return err
	}

	var lastReason string
	for p.Session().CurrentStep() != types.StepReview {
		if runManual && p.Running() {
			st := p.State()
			if angle, ok := st.Step.Angle(); ok && st.Modes[angle] == fallback.ModeCamera {
				_, err := p.CaptureNow(ctx)
				if err == nil {
					continue
				}
				logger.Warn("manual capture failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("session not finished at the %s step: %w", p.Session().CurrentStep(), ctx.Err())

		case o := <-offers:
			path := *runUploads[o.Angle]
			if path == "" {
				return fmt.Errorf("%s angle: %s", o.Angle, o.Message)
			}
			logger.Info("using upload", zap.String("angle", string(o.Angle)), zap.String("file", path))
			if _, err := p.UploadFile(o.Angle, path); err != nil {
				return fmt.Errorf("upload %s: %w", o.Angle, err)
			}
			if err := p.Start(ctx); err != nil {
				return err
			}

		case st, ok := <-states:
			if !ok {
				return pipeline.ErrClosed
			}
			if st.Reason != lastReason {
				logger.Debug("guidance",
					zap.String("step", string(st.Step)),
					zap.String("state", st.Engine.String()),
					zap.Float64("score", st.Reading.Score),
					zap.String("tier", st.Tier.Label),
					zap.String("reason", st.Reason))
				lastReason = st.Reason
			}
		}
	}

	images, err := p.Complete()
	if err != nil {
		return err
	}
	if err := writeImages(ctx, proc, locator, images, outDir, format); err != nil {
		return err
	}
	return writeManifest(p.Session().ID(), images, outDir, format)
}

// loadDevice builds the replay camera. It returns a nil device when dir is
// empty, and per-angle frame sets when dir has angle subdirectories.
func loadDevice(dir string, proc *processing.Processor) (camera.Device, map[types.Angle][]image.Image, error) {
	if dir == "" {
		return nil, nil, nil
	}
	if !utils.DirExists(dir) {
		return nil, nil, fmt.Errorf("frames directory %s does not exist", dir)
	}

	perAngle := map[types.Angle][]image.Image{}
	for _, a := range types.Angles() {
		sub := filepath.Join(dir, string(a))
		if !utils.DirExists(sub) {
			perAngle = nil
			break
		}
		frames, err := camera.LoadFrames(sub, proc)
		if err != nil {
			return nil, nil, err
		}
		perAngle[a] = frames
	}
	if perAngle != nil {
		return camera.NewFileDevice(perAngle[types.AngleFront]...), perAngle, nil
	}

	dev, err := camera.LoadFileDevice(dir, proc)
	if err != nil {
		return nil, nil, err
	}
	return dev, nil, nil
}

func writeImages(ctx context.Context, proc *processing.Processor, locator position.Locator, images [3]types.CapturedImage, outDir, format string) error {
	guide := guideBox()
	for _, img := range images {
		path := utils.AngleFilename(outDir, cfg.Output.Prefix, string(img.Angle), format)

		decoded, err := proc.DecodeBytes(img.File)
		if err != nil {
			return fmt.Errorf("decode %s: %w", img.Angle, err)
		}
		if format == "jpg" || format == "jpeg" {
			err = proc.SaveBytes(img.File, path)
		} else {
			err = proc.SaveImage(decoded, path, format, cfg.Output.JPEGQuality, false)
		}
		if err != nil {
			return err
		}
		logger.Info("image written", zap.String("angle", string(img.Angle)), zap.String("path", path))

		if !runDebug && !cfg.Output.DebugOverlay {
			continue
		}
		var face types.Box
		if locator != nil {
			if res, err := facecapture.LocateFace(ctx, decoded, locator); err == nil {
				face = res.Box
			}
		}
		overlay := proc.CreateDebugOverlay(decoded, face, guide)
		dbgPath := utils.AngleFilename(outDir, cfg.Output.Prefix+"debug_", string(img.Angle), "png")
		if err := proc.SaveImage(overlay, dbgPath, "png", 0, false); err != nil {
			return err
		}
	}
	return nil
}

// guideBox is the on-screen target the face should fill
func guideBox() types.Box {
	h := (cfg.Position.MinFaceHeight + cfg.Position.MaxFaceHeight) / 2
	w := h * 0.75
	return types.Box{X: (1 - w) / 2, Y: (1 - h) / 2, W: w, H: h}
}

type manifestEntry struct {
	Angle      types.Angle  `json:"angle"`
	File       string       `json:"file"`
	Source     types.Source `json:"source"`
	Score      float64      `json:"score"`
	CapturedAt time.Time    `json:"captured_at"`
}

func writeManifest(sessionID string, images [3]types.CapturedImage, outDir, format string) error {
	manifest := struct {
		Session string          `json:"session"`
		Images  []manifestEntry `json:"images"`
	}{Session: sessionID}
	for _, img := range images {
		manifest.Images = append(manifest.Images, manifestEntry{
			Angle:      img.Angle,
			File:       filepath.Base(utils.AngleFilename(outDir, cfg.Output.Prefix, string(img.Angle), format)),
			Source:     img.Source,
			Score:      img.Score,
			CapturedAt: img.CapturedAt,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(outDir, "manifest.json")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	fmt.Fprintf(os.Stdout, "session %s captured to %s\n", sessionID, outDir)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
