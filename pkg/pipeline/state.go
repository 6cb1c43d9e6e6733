package pipeline

import (
	"github.com/menta2k/face-capture/pkg/autocapture"
	"github.com/menta2k/face-capture/pkg/fallback"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/types"
)

// subscriberBuffer is the number of snapshots a subscriber may fall behind
// before updates are dropped
const subscriberBuffer = 8

// State is a snapshot of the pipeline for rendering guidance
type State struct {
	SessionID string
	Step      types.Step
	Captured  []types.Angle
	Modes     map[types.Angle]fallback.Mode
	Offer     *fallback.Offer

	CameraActive bool
	Facing       types.FacingMode
	Running      bool

	Engine   autocapture.State
	Progress float64
	// Reason explains why the capture condition is not met
	Reason string

	Reading     types.QualityReading
	Tier        quality.TierInfo
	MeanScore   float64
	Position    *types.FacePositionResult
	DetectorOn  bool
	AutoCapture bool
}

// State returns the current snapshot
func (p *Pipeline) State() State {
	st := State{
		SessionID:    p.session.ID(),
		Step:         p.session.CurrentStep(),
		Modes:        p.fallback.Modes(),
		CameraActive: p.camera.Active(),
		Facing:       p.camera.Facing(),
		DetectorOn:   p.detector.Running(),
		AutoCapture:  p.opts.AutoCapture,
	}
	for _, a := range types.Angles() {
		if _, ok := p.session.Image(a); ok {
			st.Captured = append(st.Captured, a)
		}
	}

	pos := p.freshPosition()

	p.mu.Lock()
	st.Running = p.cancel != nil
	st.Engine = p.decision.State
	st.Progress = p.decision.Progress
	st.Reason = p.decision.Reason
	st.Reading = p.reading
	st.MeanScore = p.window.Mean()
	if p.offer != nil {
		o := *p.offer
		st.Offer = &o
	}
	p.mu.Unlock()

	st.Tier = quality.Describe(st.Reading.Score)
	st.Position = pos
	return st
}

// Subscribe returns a channel of state snapshots published on every tick
// and state change, and a function that ends the subscription. Snapshots
// are dropped for subscribers that fall behind. The channel is closed by
// the cancel function or by Close.
func (p *Pipeline) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)

	p.subsMu.Lock()
	if p.isClosed() {
		p.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subsMu.Unlock()

	return ch, func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
	}
}

func (p *Pipeline) publish() {
	p.subsMu.Lock()
	n := len(p.subs)
	p.subsMu.Unlock()
	if n == 0 {
		return
	}

	st := p.State()
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
