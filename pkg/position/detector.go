// Package position checks whether a face is centered and framed.
//
// Face position is an optional signal: Initialize probes the Locator once
// and the rest of the pipeline falls back to quality-only gating when it
// reports false.
package position

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/face-capture/pkg/types"
)

// Feedback messages carried by FacePositionResult
const (
	FeedbackNoFace    = "no face detected"
	FeedbackMoveLeft  = "move left"
	FeedbackMoveRight = "move right"
	FeedbackMoveUp    = "move up"
	FeedbackMoveDown  = "move down"
	FeedbackCloser    = "move closer"
	FeedbackBack      = "move back"
)

// ErrUnsupported is returned by Start when the locator failed its probe
var ErrUnsupported = errors.New("face detection unsupported")

// Location is a located face in normalized image coordinates
type Location struct {
	Found      bool
	Box        types.Box
	Confidence float64
}

// Locator finds the dominant face in a frame
type Locator interface {
	Locate(ctx context.Context, img image.Image) (Location, error)
}

// Prober is implemented by locators whose availability must be checked
// before use
type Prober interface {
	Probe(ctx context.Context) error
}

// FrameSource supplies the frame to evaluate on each detection tick
type FrameSource interface {
	ReadFrame(ctx context.Context) (image.Image, error)
}

// Config holds framing tolerances, all in normalized units
type Config struct {
	CenterTolerance float64
	MinFaceHeight   float64
	MaxFaceHeight   float64
	MinConfidence   float64
}

// DefaultConfig returns the default framing tolerances
func DefaultConfig() Config {
	return Config{
		CenterTolerance: 0.12,
		MinFaceHeight:   0.3,
		MaxFaceHeight:   0.85,
		MinConfidence:   0.3,
	}
}

// Detector runs a Locator periodically and reports framing feedback
type Detector struct {
	locator Locator
	config  Config
	logger  *zap.Logger
	now     func() time.Time

	probeOnce sync.Once
	supported bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector creates a detector. locator may be nil, which makes the
// detector permanently unsupported.
func NewDetector(locator Locator, config Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		locator: locator,
		config:  config,
		logger:  logger.Named("position"),
		now:     time.Now,
	}
}

// SetClock replaces the timestamp source
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Initialize probes the locator. The probe runs once; later calls return
// the memoized result.
func (d *Detector) Initialize(ctx context.Context) bool {
	d.probeOnce.Do(func() {
		if d.locator == nil {
			return
		}
		if p, ok := d.locator.(Prober); ok {
			if err := p.Probe(ctx); err != nil {
				d.logger.Info("face detection unavailable", zap.Error(err))
				return
			}
		}
		d.supported = true
	})
	return d.supported
}

// Supported reports the result of Initialize
func (d *Detector) Supported() bool {
	return d.Initialize(context.Background())
}

// Start begins periodic detection on src, delivering each result to onResult.
// Calling Start while running is a no-op.
func (d *Detector) Start(ctx context.Context, src FrameSource, onResult func(types.FacePositionResult), interval time.Duration) error {
	if !d.Initialize(ctx) {
		return ErrUnsupported
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(runCtx, src, onResult, interval, d.done)
	return nil
}

// Stop halts detection and waits for the loop to exit. It is idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the detection loop is active
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *Detector) run(ctx context.Context, src FrameSource, onResult func(types.FacePositionResult), interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := src.ReadFrame(ctx)
		if err != nil {
			d.logger.Debug("frame read failed", zap.Error(err))
			continue
		}
		res, err := d.DetectOnce(ctx, img)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Debug("face location failed", zap.Error(err))
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		onResult(res)
	}
}

// DetectOnce locates the face in a single frame and evaluates it
func (d *Detector) DetectOnce(ctx context.Context, img image.Image) (types.FacePositionResult, error) {
	if d.locator == nil {
		return types.FacePositionResult{}, ErrUnsupported
	}
	loc, err := d.locator.Locate(ctx, img)
	if err != nil {
		return types.FacePositionResult{}, err
	}
	return d.Evaluate(loc), nil
}

// Evaluate turns a location into framing feedback. Horizontal and vertical
// offsets are reported in image coordinates, before distance.
func (d *Detector) Evaluate(loc Location) types.FacePositionResult {
	res := types.FacePositionResult{Box: loc.Box, Timestamp: d.now()}
	if !loc.Found || loc.Box.Empty() || loc.Confidence < d.config.MinConfidence {
		res.Feedback = FeedbackNoFace
		return res
	}

	cx, cy := loc.Box.Center()
	dx, dy := cx-0.5, cy-0.5
	tol := d.config.CenterTolerance
	switch {
	case math.Abs(dx) > tol && dx > 0:
		res.Feedback = FeedbackMoveLeft
	case math.Abs(dx) > tol:
		res.Feedback = FeedbackMoveRight
	case math.Abs(dy) > tol && dy > 0:
		res.Feedback = FeedbackMoveUp
	case math.Abs(dy) > tol:
		res.Feedback = FeedbackMoveDown
	case loc.Box.H < d.config.MinFaceHeight:
		res.Feedback = FeedbackCloser
	case loc.Box.H > d.config.MaxFaceHeight:
		res.Feedback = FeedbackBack
	default:
		res.IsWellPositioned = true
	}
	return res
}
