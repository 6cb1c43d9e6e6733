package burst

import (
	"context"
	"errors"
	"image"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/types"
)

// ErrCaptureFailure reports a burst that produced no usable frame
var ErrCaptureFailure = errors.New("burst produced no usable frames")

// FrameSource supplies frames for a burst
type FrameSource interface {
	ReadFrame(ctx context.Context) (image.Image, error)
}

// Scorer scores a single frame
type Scorer interface {
	Sample(img image.Image) types.QualityReading
}

// Config holds burst parameters
type Config struct {
	Size     int
	Interval time.Duration
}

// DefaultConfig returns a burst of 3 frames 40ms apart
func DefaultConfig() Config {
	return Config{Size: 3, Interval: 40 * time.Millisecond}
}

// Selector captures bursts of frames and ranks them by quality
type Selector struct {
	src    FrameSource
	scorer Scorer
	proc   *processing.Processor
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a selector. A nil scorer uses a quality sampler with the
// stability measurement disabled, since burst frames are compared against
// each other rather than against the live stream.
func New(src FrameSource, scorer Scorer, proc *processing.Processor, config Config, logger *zap.Logger) *Selector {
	if scorer == nil {
		cfg := quality.DefaultConfig()
		cfg.UseStability = false
		scorer = quality.NewWithConfig(cfg)
	}
	if proc == nil {
		proc = processing.NewProcessor()
	}
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	if config.Interval < 0 {
		config.Interval = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		src:    src,
		scorer: scorer,
		proc:   proc,
		config: config,
		logger: logger.Named("burst"),
		now:    time.Now,
	}
}

// SetClock replaces the timestamp source
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the burst configuration
func (s *Selector) Config() Config {
	return s.config
}

// CaptureBurst reads n frames Interval apart (n <= 0 uses the configured
// size) and returns them sorted by descending score, earliest first on ties.
// Frames that cannot be read or encoded are skipped; when none succeed the
// result is empty rather than an error.
func (s *Selector) CaptureBurst(ctx context.Context, n int) []types.CaptureFrame {
	if n <= 0 {
		n = s.config.Size
	}
	frames := make([]types.CaptureFrame, 0, n)

	for i := 0; i < n; i++ {
		if i > 0 && !s.wait(ctx) {
			break
		}
		frame, err := s.captureOne(ctx)
		if err != nil {
			s.logger.Debug("burst frame dropped", zap.Int("index", i), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		frames = append(frames, frame)
	}

	Sort(frames)
	s.logger.Debug("burst captured", zap.Int("requested", n), zap.Int("frames", len(frames)))
	return frames
}

func (s *Selector) captureOne(ctx context.Context) (types.CaptureFrame, error) {
	if s.src == nil {
		return types.CaptureFrame{}, errors.New("no frame source")
	}
	img, err := s.src.ReadFrame(ctx)
	if err != nil {
		return types.CaptureFrame{}, err
	}
	if img == nil || img.Bounds().Empty() {
		return types.CaptureFrame{}, errors.New("empty frame")
	}
	ts := s.now()
	reading := s.scorer.Sample(img)

	data, err := s.proc.EncodeJPEG(img)
	if err != nil {
		return types.CaptureFrame{}, err
	}
	preview, err := s.proc.PreviewDataURL(img)
	if err != nil {
		return types.CaptureFrame{}, err
	}
	return types.CaptureFrame{
		Image:     img,
		Data:      data,
		DataURL:   preview,
		Timestamp: ts,
		Score:     reading.Score,
	}, nil
}

func (s *Selector) wait(ctx context.Context) bool {
	if s.config.Interval == 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.config.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Sort orders frames by descending score, earliest timestamp first on ties
func Sort(frames []types.CaptureFrame) {
	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].Score != frames[j].Score {
			return frames[i].Score > frames[j].Score
		}
		return frames[i].Timestamp.Before(frames[j].Timestamp)
	})
}

// Best returns the top ranked frame of a sorted burst
func Best(frames []types.CaptureFrame) (types.CaptureFrame, bool) {
	if len(frames) == 0 {
		return types.CaptureFrame{}, false
	}
	return frames[0], true
}
