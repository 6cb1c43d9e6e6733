// Package facecapture provides guided multi-angle face photo capture.
//
// A capture session collects three photos of a face (front, left and right)
// from a camera stream. Each frame is scored for sharpness, exposure and
// stability, a face position detector gives framing feedback, and once the
// conditions hold long enough a short burst is taken and its best frame is
// kept. When the camera cannot be used, each angle falls back to a manual
// file upload.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		facecapture "github.com/menta2k/face-capture"
//		"github.com/menta2k/face-capture/pkg/camera"
//		"github.com/menta2k/face-capture/pkg/pipeline"
//		"github.com/menta2k/face-capture/pkg/types"
//	)
//
//	func main() {
//		device, err := camera.LoadFileDevice("frames", nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		p := facecapture.New(device, pipeline.WithCallbacks(pipeline.Callbacks{
//			OnImagesComplete: func(images [3]types.CapturedImage) {
//				log.Printf("captured %d bytes of front photo", len(images[0].File))
//			},
//		}))
//		defer p.Close()
//
//		if err := p.Start(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//		// wait for review, then p.Complete()
//	}
//
// The package consists of these main components:
//
//  1. Camera (pkg/camera): stream acquisition and release
//  2. Quality (pkg/quality): per-frame quality score and tiers
//  3. Position (pkg/position): face framing feedback from a saliency or vision model locator
//  4. Autocapture (pkg/autocapture): the hold-to-capture decision engine
//  5. Burst (pkg/burst): burst capture and best frame selection
//  6. Session (pkg/session): the three-angle capture sequence
//  7. Fallback (pkg/fallback): manual upload when the camera fails
//  8. Pipeline (pkg/pipeline): the loop that ties them together
package facecapture

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/menta2k/face-capture/pkg/camera"
	"github.com/menta2k/face-capture/pkg/pipeline"
	"github.com/menta2k/face-capture/pkg/position"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/types"
)

// Version of the face capture library
const Version = "1.0.0"

// ErrNilImage is returned when analyzing a nil image
var ErrNilImage = errors.New("image is nil")

// New creates a capture pipeline with default options
func New(device camera.Device, options ...pipeline.Option) *pipeline.Pipeline {
	return pipeline.New(pipeline.DefaultOptions(), device, options...)
}

// NewWithOptions creates a capture pipeline with custom options
func NewWithOptions(opts pipeline.Options, device camera.Device, options ...pipeline.Option) *pipeline.Pipeline {
	return pipeline.New(opts, device, options...)
}

// ImageReport summarizes a single still image
type ImageReport struct {
	Path     string                    `json:"path,omitempty"`
	Width    int                       `json:"width"`
	Height   int                       `json:"height"`
	Quality  types.QualityReading      `json:"quality"`
	Tier     quality.TierInfo          `json:"tier"`
	Position *types.FacePositionResult `json:"position,omitempty"`
}

// ScoreImage scores a still image. Stability needs a previous frame, so it
// is left out.
func ScoreImage(img image.Image) types.QualityReading {
	cfg := quality.DefaultConfig()
	cfg.UseStability = false
	return quality.NewWithConfig(cfg).Sample(img)
}

// LocateFace evaluates face framing in img. A nil locator uses the saliency
// locator.
func LocateFace(ctx context.Context, img image.Image, locator position.Locator) (types.FacePositionResult, error) {
	if locator == nil {
		locator = position.NewSaliencyLocator(position.DefaultSaliencyConfig())
	}
	d := position.NewDetector(locator, position.DefaultConfig(), nil)
	if !d.Initialize(ctx) {
		return types.FacePositionResult{}, position.ErrUnsupported
	}
	return d.DetectOnce(ctx, img)
}

// AnalyzeImage scores img and, when locator is not nil, evaluates face
// framing as well
func AnalyzeImage(ctx context.Context, img image.Image, locator position.Locator) (ImageReport, error) {
	if img == nil {
		return ImageReport{}, ErrNilImage
	}
	b := img.Bounds()
	reading := ScoreImage(img)
	report := ImageReport{
		Width:   b.Dx(),
		Height:  b.Dy(),
		Quality: reading,
		Tier:    quality.Describe(reading.Score),
	}
	if locator == nil {
		return report, nil
	}
	pos, err := LocateFace(ctx, img, locator)
	if err != nil {
		return report, fmt.Errorf("face location failed: %w", err)
	}
	report.Position = &pos
	return report, nil
}

// AnalyzeFile loads and analyzes an image file
func AnalyzeFile(ctx context.Context, path string, locator position.Locator) (ImageReport, error) {
	img, err := processing.NewProcessor().LoadImage(path)
	if err != nil {
		return ImageReport{}, err
	}
	report, err := AnalyzeImage(ctx, img, locator)
	report.Path = path
	return report, err
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
