// Package quality scores live video frames for the auto-capture loop.
//
// A Sampler turns a frame into a 0-100 score from three measurements taken
// on a downscaled grayscale copy: sharpness (variance of the Laplacian),
// exposure (mean luminance against an ideal band, penalized by clipping) and
// stability (luminance change against the previous frame). The weighting is
// configurable; only the tier boundaries are fixed.
package quality

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/face-capture/pkg/types"
)

// Blocking issues reported in QualityReading.Issue
const (
	IssueNoSignal  = "no video signal"
	IssueTooDark   = "too dark"
	IssueTooBright = "too bright"
	IssueTooBlurry = "too blurry"
	IssueHoldStill = "hold still"
)

// Weights controls how sub-scores combine into the final score
type Weights struct {
	Sharpness float64 `json:"sharpness" yaml:"sharpness"`
	Exposure  float64 `json:"exposure" yaml:"exposure"`
	Stability float64 `json:"stability" yaml:"stability"`
}

// Config holds the tunable parameters of the quality function
type Config struct {
	// AnalysisSize is the long side frames are downscaled to before measuring
	AnalysisSize int
	Weights      Weights
	// SharpnessScale is the Laplacian variance mapped to full sharpness
	SharpnessScale float64
	// IdealLow and IdealHigh bound the mean luminance (0-1) scored as fully exposed
	IdealLow  float64
	IdealHigh float64
	// MotionScale is the mean luminance delta (0-1) mapped to zero stability
	MotionScale float64
	// UseStability enables frame-to-frame comparison
	UseStability bool

	MinSharpness float64
	MinExposure  float64
	MinStability float64
}

// DefaultConfig returns the default quality parameters
func DefaultConfig() Config {
	return Config{
		AnalysisSize:   160,
		Weights:        Weights{Sharpness: 0.5, Exposure: 0.35, Stability: 0.15},
		SharpnessScale: 300,
		IdealLow:       0.35,
		IdealHigh:      0.70,
		MotionScale:    0.15,
		UseStability:   true,
		MinSharpness:   0.35,
		MinExposure:    0.6,
		MinStability:   0.5,
	}
}

// Metrics are the raw sub-scores behind a reading, each in [0,1]
type Metrics struct {
	Sharpness     float64
	Exposure      float64
	Stability     float64
	HasStability  bool
	MeanLuminance float64
	Clipped       float64
}

// Sampler evaluates frames. It keeps the previous frame for the stability
// measurement and is safe for concurrent use.
type Sampler struct {
	config Config
	now    func() time.Time

	mu   sync.Mutex
	prev *lumaFrame
}

// New creates a Sampler with default configuration
func New() *Sampler {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Sampler with custom configuration
func NewWithConfig(config Config) *Sampler {
	if config.AnalysisSize <= 0 {
		config.AnalysisSize = DefaultConfig().AnalysisSize
	}
	if config.SharpnessScale <= 0 {
		config.SharpnessScale = DefaultConfig().SharpnessScale
	}
	if config.MotionScale <= 0 {
		config.MotionScale = DefaultConfig().MotionScale
	}
	return &Sampler{config: config, now: time.Now}
}

// Config returns the sampler configuration
func (s *Sampler) Config() Config {
	return s.config
}

// SetClock replaces the timestamp source
func (s *Sampler) SetClock(now func() time.Time) {
	s.now = now
}

// Reset forgets the previous frame
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = nil
}

// Sample scores a frame. Missing or empty frames yield a zero score with
// IssueNoSignal rather than an error.
func (s *Sampler) Sample(img image.Image) types.QualityReading {
	ts := s.now()
	m, ok := s.Measure(img)
	if !ok {
		return types.QualityReading{Score: 0, Issue: IssueNoSignal, Tier: TierFor(0), Timestamp: ts}
	}
	score := s.score(m)
	return types.QualityReading{
		Score:     score,
		Issue:     s.issue(m),
		Tier:      TierFor(score),
		Timestamp: ts,
	}
}

// Measure computes the raw metrics of a frame. ok is false when the frame
// carries no pixels.
func (s *Sampler) Measure(img image.Image) (Metrics, bool) {
	if img == nil || img.Bounds().Empty() {
		return Metrics{}, false
	}
	lf := toLuma(img, s.config.AnalysisSize)

	m := Metrics{
		Sharpness: math.Min(1, laplacianVariance(lf)/s.config.SharpnessScale),
	}
	m.MeanLuminance, m.Clipped = lf.meanAndClipped()
	m.Exposure = s.exposure(m.MeanLuminance, m.Clipped)

	if s.config.UseStability {
		s.mu.Lock()
		if delta, ok := lf.meanAbsDelta(s.prev); ok {
			m.Stability = 1 - math.Min(1, delta/s.config.MotionScale)
			m.HasStability = true
		}
		s.prev = lf
		s.mu.Unlock()
	}
	return m, true
}

func (s *Sampler) exposure(mean, clipped float64) float64 {
	var e float64
	switch {
	case mean < s.config.IdealLow:
		e = mean / s.config.IdealLow
	case mean > s.config.IdealHigh:
		e = (1 - mean) / (1 - s.config.IdealHigh)
	default:
		e = 1
	}
	e *= 1 - 0.5*clipped
	return math.Max(0, math.Min(1, e))
}

func (s *Sampler) score(m Metrics) float64 {
	w := s.config.Weights
	total := w.Sharpness*m.Sharpness + w.Exposure*m.Exposure
	sum := w.Sharpness + w.Exposure
	if m.HasStability {
		total += w.Stability * m.Stability
		sum += w.Stability
	}
	if sum <= 0 {
		return 0
	}
	score := 100 * total / sum
	return math.Round(math.Max(0, math.Min(100, score))*10) / 10
}

// issue returns the failing factor with the lowest sub-score, preferring
// exposure over sharpness over stability on ties.
func (s *Sampler) issue(m Metrics) string {
	issue := ""
	worst := math.Inf(1)
	consider := func(name string, v, floor float64) {
		if v < floor && v < worst {
			issue, worst = name, v
		}
	}
	exposureIssue := IssueTooDark
	if m.MeanLuminance > (s.config.IdealLow+s.config.IdealHigh)/2 {
		exposureIssue = IssueTooBright
	}
	consider(exposureIssue, m.Exposure, s.config.MinExposure)
	consider(IssueTooBlurry, m.Sharpness, s.config.MinSharpness)
	if m.HasStability {
		consider(IssueHoldStill, m.Stability, s.config.MinStability)
	}
	return issue
}

type lumaFrame struct {
	w, h int
	pix  []uint8
}

func toLuma(img image.Image, size int) *lumaFrame {
	b := img.Bounds()
	if b.Dx() > size || b.Dy() > size {
		img = imaging.Fit(img, size, size, imaging.Box)
	}
	gray := imaging.Grayscale(img)
	gb := gray.Bounds()
	lf := &lumaFrame{w: gb.Dx(), h: gb.Dy(), pix: make([]uint8, gb.Dx()*gb.Dy())}
	for y := 0; y < lf.h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < lf.w; x++ {
			lf.pix[y*lf.w+x] = row[x*4]
		}
	}
	return lf
}

func (f *lumaFrame) at(x, y int) float64 {
	return float64(f.pix[y*f.w+x])
}

func (f *lumaFrame) meanAndClipped() (float64, float64) {
	if len(f.pix) == 0 {
		return 0, 0
	}
	var sum float64
	clipped := 0
	for _, v := range f.pix {
		sum += float64(v)
		if v < 5 || v > 250 {
			clipped++
		}
	}
	n := float64(len(f.pix))
	return sum / n / 255, float64(clipped) / n
}

func (f *lumaFrame) meanAbsDelta(prev *lumaFrame) (float64, bool) {
	if prev == nil || prev.w != f.w || prev.h != f.h || len(f.pix) == 0 {
		return 0, false
	}
	var sum float64
	for i, v := range f.pix {
		sum += math.Abs(float64(v) - float64(prev.pix[i]))
	}
	return sum / float64(len(f.pix)) / 255, true
}

func laplacianVariance(f *lumaFrame) float64 {
	if f.w < 3 || f.h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < f.h-1; y++ {
		for x := 1; x < f.w-1; x++ {
			l := 4*f.at(x, y) - f.at(x-1, y) - f.at(x+1, y) - f.at(x, y-1) - f.at(x, y+1)
			sum += l
			sumSq += l * l
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
