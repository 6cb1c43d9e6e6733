package quality

import "github.com/menta2k/face-capture/pkg/types"

// Window keeps the most recent readings
type Window struct {
	buf   []types.QualityReading
	start int
	n     int
}

// NewWindow creates a window holding up to size readings
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{buf: make([]types.QualityReading, size)}
}

// Add appends a reading, evicting the oldest when full
func (w *Window) Add(r types.QualityReading) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = r
		w.n++
		return
	}
	w.buf[w.start] = r
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of readings held
func (w *Window) Len() int {
	return w.n
}

// Latest returns the most recent reading
func (w *Window) Latest() (types.QualityReading, bool) {
	if w.n == 0 {
		return types.QualityReading{}, false
	}
	return w.buf[(w.start+w.n-1)%len(w.buf)], true
}

// Mean returns the average score of the held readings
func (w *Window) Mean() float64 {
	if w.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.buf[(w.start+i)%len(w.buf)].Score
	}
	return sum / float64(w.n)
}

// Clear drops all readings
func (w *Window) Clear() {
	w.start, w.n = 0, 0
}
