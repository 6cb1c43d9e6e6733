package position

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/face-capture/pkg/types"
)

// SaliencyConfig holds configuration for the saliency locator
type SaliencyConfig struct {
	AnalysisSize  int
	EdgeThreshold float64
	// MinContrast is how much more salient the window must be than the frame
	MinContrast float64
	// WindowScales are window sides as fractions of the short image side
	WindowScales []float64
}

// DefaultSaliencyConfig returns the default saliency parameters
func DefaultSaliencyConfig() SaliencyConfig {
	return SaliencyConfig{
		AnalysisSize:  96,
		EdgeThreshold: 0.02,
		MinContrast:   0.5,
		WindowScales:  []float64{0.3, 0.45, 0.6, 0.75},
	}
}

// SaliencyLocator approximates the face as the most textured square region
// of the frame. It needs no model and is always available.
type SaliencyLocator struct {
	config SaliencyConfig
}

// NewSaliencyLocator creates a saliency locator
func NewSaliencyLocator(config SaliencyConfig) *SaliencyLocator {
	def := DefaultSaliencyConfig()
	if config.AnalysisSize <= 0 {
		config.AnalysisSize = def.AnalysisSize
	}
	if len(config.WindowScales) == 0 {
		config.WindowScales = def.WindowScales
	}
	return &SaliencyLocator{config: config}
}

// Locate implements Locator
func (l *SaliencyLocator) Locate(ctx context.Context, img image.Image) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	if img == nil || img.Bounds().Empty() {
		return Location{}, nil
	}
	b := img.Bounds()
	if b.Dx() > l.config.AnalysisSize || b.Dy() > l.config.AnalysisSize {
		img = imaging.Fit(img, l.config.AnalysisSize, l.config.AnalysisSize, imaging.Box)
	}
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if w < 3 || h < 3 {
		return Location{}, nil
	}

	integral := saliencyIntegral(gray, w, h)
	globalMean := windowRectSum(integral, w, 0, 0, w, h) / float64(w*h)

	short := min(w, h)
	var best struct {
		score, mean float64
		x, y, size  int
	}
	best.score = math.Inf(-1)

	for _, scale := range l.config.WindowScales {
		size := int(math.Round(scale * float64(short)))
		if size < 3 {
			continue
		}
		step := max(1, size/8)
		areaFrac := float64(size*size) / float64(w*h)
		for y := 0; y+size <= h; y += step {
			for x := 0; x+size <= w; x += step {
				mean := windowSum(integral, w, x, y, size) / float64(size*size)
				score := (mean - globalMean) * math.Sqrt(areaFrac)
				if score > best.score {
					best.score, best.mean, best.x, best.y, best.size = score, mean, x, y, size
				}
			}
		}
	}

	if best.size == 0 || best.mean < l.config.EdgeThreshold || best.mean < globalMean*(1+l.config.MinContrast) {
		return Location{}, nil
	}
	return Location{
		Found: true,
		Box: types.Box{
			X: float64(best.x) / float64(w),
			Y: float64(best.y) / float64(h),
			W: float64(best.size) / float64(w),
			H: float64(best.size) / float64(h),
		},
		Confidence: math.Min(1, (best.mean-globalMean)/best.mean),
	}, nil
}

// saliencyIntegral computes a summed-area table of gradient magnitude.
// The table has (w+1)*(h+1) entries.
func saliencyIntegral(gray *image.NRGBA, w, h int) []float64 {
	luma := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return float64(gray.Pix[y*gray.Stride+x*4]) / 255
	}
	stride := w + 1
	sat := make([]float64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			gx := math.Abs(luma(x+1, y)-luma(x-1, y)) / 2
			gy := math.Abs(luma(x, y+1)-luma(x, y-1)) / 2
			row += math.Min(1, gx+gy)
			sat[(y+1)*stride+x+1] = sat[y*stride+x+1] + row
		}
	}
	return sat
}

func windowSum(sat []float64, w, x, y, size int) float64 {
	return windowRectSum(sat, w, x, y, x+size, y+size)
}

func windowRectSum(sat []float64, w, x0, y0, x1, y1 int) float64 {
	stride := w + 1
	return sat[y1*stride+x1] - sat[y0*stride+x1] - sat[y1*stride+x0] + sat[y0*stride+x0]
}
