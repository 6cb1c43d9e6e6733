package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/face-capture/pkg/autocapture"
	"github.com/menta2k/face-capture/pkg/burst"
	"github.com/menta2k/face-capture/pkg/fallback"
	"github.com/menta2k/face-capture/pkg/position"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/types"
)

// Options configures a capture pipeline
type Options struct {
	// Threshold is the minimum quality score, inclusive, that counts as good
	Threshold float64
	// RequiredDelay is how long conditions must hold before auto-capture
	RequiredDelay time.Duration
	// Cooldown follows every capture before the engine monitors again
	Cooldown time.Duration
	// AutoCapture enables the hold-to-capture engine. When false only
	// CaptureNow and uploads store images.
	AutoCapture bool

	BurstSize     int
	BurstInterval time.Duration

	SampleInterval time.Duration
	DetectInterval time.Duration
	// MaxPositionAge is how long a face position result stays usable
	MaxPositionAge time.Duration

	Facing     types.FacingMode
	WindowSize int
}

// DefaultOptions returns auto-capture at threshold 70 with a 1.5s hold
func DefaultOptions() Options {
	ac := autocapture.DefaultConfig()
	bc := burst.DefaultConfig()
	return Options{
		Threshold:      ac.Threshold,
		RequiredDelay:  ac.RequiredDelay,
		Cooldown:       ac.Cooldown,
		AutoCapture:    true,
		BurstSize:      bc.Size,
		BurstInterval:  bc.Interval,
		SampleInterval: 200 * time.Millisecond,
		DetectInterval: 500 * time.Millisecond,
		MaxPositionAge: 1500 * time.Millisecond,
		Facing:         types.FacingUser,
		WindowSize:     10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleInterval <= 0 {
		o.SampleInterval = d.SampleInterval
	}
	if o.DetectInterval <= 0 {
		o.DetectInterval = d.DetectInterval
	}
	if o.MaxPositionAge <= 0 {
		o.MaxPositionAge = d.MaxPositionAge
	}
	if o.BurstSize <= 0 {
		o.BurstSize = d.BurstSize
	}
	if o.BurstInterval < 0 {
		o.BurstInterval = 0
	}
	if o.Facing == "" {
		o.Facing = d.Facing
	}
	if o.WindowSize <= 0 {
		o.WindowSize = d.WindowSize
	}
	return o
}

// Callbacks report pipeline outcomes. They run on the goroutine that caused
// the event and must not block for long. Start, RetryCamera, Complete,
// Cancel and Close wait for the monitor loop, so call them from another
// goroutine.
type Callbacks struct {
	// OnCapture fires after each angle is stored, from camera or upload
	OnCapture func(angle types.Angle, img types.CapturedImage)
	// OnImagesComplete receives the front, left and right images in order
	OnImagesComplete func(images [3]types.CapturedImage)
	// OnCancel fires after camera resources are released
	OnCancel func()
	// OnFallback fires when an angle is switched to manual upload
	OnFallback func(offer fallback.Offer)
}

// Option customizes a pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLocator sets the face locator. A nil locator disables position
// gating.
func WithLocator(locator position.Locator) Option {
	return func(p *Pipeline) {
		p.locator = locator
	}
}

// WithPositionConfig sets the framing tolerances
func WithPositionConfig(config position.Config) Option {
	return func(p *Pipeline) {
		p.positionConfig = config
	}
}

// WithQualityConfig sets the live quality sampler configuration
func WithQualityConfig(config quality.Config) Option {
	return func(p *Pipeline) {
		p.qualityConfig = config
	}
}

// WithProcessor sets the image processor used for encoding
func WithProcessor(proc *processing.Processor) Option {
	return func(p *Pipeline) {
		if proc != nil {
			p.proc = proc
		}
	}
}

// WithCallbacks sets the outcome callbacks
func WithCallbacks(callbacks Callbacks) Option {
	return func(p *Pipeline) {
		p.callbacks = callbacks
	}
}

// WithClock replaces the time source used for position staleness
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}
