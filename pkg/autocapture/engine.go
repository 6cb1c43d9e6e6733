// Package autocapture decides when to fire the shutter.
//
// The Engine is a pure state machine driven by Tick. It fuses the quality
// reading and the latest face position into a gate and requires the gate to
// hold continuously for RequiredDelay before firing.
//
//	Idle -> Monitoring -> Holding -> Triggered -> Cooldown -> Monitoring
//
// After a trigger the engine stays disarmed until the gate breaks or Reset
// is called, so a single hold episode fires at most once.
package autocapture

import (
	"sync"
	"time"

	"github.com/menta2k/face-capture/pkg/types"
)

// State of the decision engine
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateHolding
	StateTriggered
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateHolding:
		return "holding"
	case StateTriggered:
		return "triggered"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Gate failure reasons reported in Decision.Reason
const (
	ReasonLowQuality     = "quality below threshold"
	ReasonAwaitingFace   = "waiting for face position"
	ReasonDisarmed       = "waiting for reset after capture"
	ReasonCaptureRunning = "capture in progress"
	ReasonCoolingDown    = "cooling down"
)

// Config holds the trigger parameters
type Config struct {
	Threshold     float64
	RequiredDelay time.Duration
	Cooldown      time.Duration
}

// DefaultConfig returns threshold 70, a 1.5s hold and a 1s cooldown
func DefaultConfig() Config {
	return Config{
		Threshold:     70,
		RequiredDelay: 1500 * time.Millisecond,
		Cooldown:      time.Second,
	}
}

// Input is the signal set evaluated on one tick
type Input struct {
	Quality types.QualityReading
	// Position is the most recent face position, nil when none is available
	Position *types.FacePositionResult
	// DetectorActive is false when face detection is unsupported or disabled
	DetectorActive bool
}

// Decision is the outcome of a tick
type Decision struct {
	State    State
	Progress float64
	Fire     bool
	Reason   string
}

// Engine is the hysteresis-gated auto-capture state machine
type Engine struct {
	mu       sync.Mutex
	config   Config
	state    State
	hold     time.Duration
	cooldown time.Duration
	armed    bool
}

// New creates an engine in the Idle state
func New(config Config) *Engine {
	if config.RequiredDelay < 0 {
		config.RequiredDelay = 0
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	return &Engine{config: config, armed: true}
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// Start moves an idle engine to Monitoring
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		e.state = StateMonitoring
	}
}

// Stop returns the engine to Idle and clears all progress
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.clear()
}

// Reset clears progress and re-arms the engine. A running engine returns to
// Monitoring; an idle one stays Idle.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		e.state = StateMonitoring
	}
	e.clear()
}

func (e *Engine) clear() {
	e.hold = 0
	e.cooldown = 0
	e.armed = true
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns the hold progress in [0,1]
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress()
}

func (e *Engine) progress() float64 {
	if e.state != StateHolding && e.state != StateTriggered {
		return 0
	}
	if e.config.RequiredDelay <= 0 {
		return 1
	}
	return min(1, float64(e.hold)/float64(e.config.RequiredDelay))
}

// Gate reports whether in satisfies the capture condition, with the reason
// when it does not
func (e *Engine) Gate(in Input) (bool, string) {
	if in.Quality.Score < e.config.Threshold {
		return false, ReasonLowQuality
	}
	if in.DetectorActive {
		if in.Position == nil {
			return false, ReasonAwaitingFace
		}
		if !in.Position.IsWellPositioned {
			if in.Position.Feedback != "" {
				return false, in.Position.Feedback
			}
			return false, ReasonAwaitingFace
		}
	}
	return true, ""
}

// Tick advances the engine by dt using the signals in in. Fire is true on
// exactly the tick that moves the engine to Triggered.
func (e *Engine) Tick(in Input, dt time.Duration) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateIdle:
		return e.decision(false, "")
	case StateTriggered:
		return e.decision(false, ReasonCaptureRunning)
	case StateCooldown:
		if ok, _ := e.Gate(in); !ok {
			e.armed = true
		}
		e.cooldown -= dt
		if e.cooldown <= 0 {
			e.cooldown = 0
			e.state = StateMonitoring
		}
		return e.decision(false, ReasonCoolingDown)
	}

	ok, reason := e.Gate(in)
	if !ok {
		e.state = StateMonitoring
		e.hold = 0
		e.armed = true
		return e.decision(false, reason)
	}
	if !e.armed {
		e.state = StateMonitoring
		return e.decision(false, ReasonDisarmed)
	}

	e.state = StateHolding
	e.hold += dt
	if e.hold >= e.config.RequiredDelay {
		e.state = StateTriggered
		return e.decision(true, "")
	}
	return e.decision(false, "")
}

// CaptureDone ends a triggered capture and starts the cooldown
func (e *Engine) CaptureDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateTriggered {
		return
	}
	e.hold = 0
	e.armed = false
	e.cooldown = e.config.Cooldown
	e.state = StateCooldown
	if e.cooldown == 0 {
		e.state = StateMonitoring
	}
}

// Rearm lets the engine fire again without waiting for the gate to break.
// Progress and any running cooldown are kept.
func (e *Engine) Rearm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed = true
}

// CaptureFailed ends a triggered capture that produced no frame. The engine
// does not retry on its own: it re-arms when the gate breaks or on Reset.
func (e *Engine) CaptureFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateTriggered {
		return
	}
	e.hold = 0
	e.armed = false
	e.state = StateMonitoring
}

func (e *Engine) decision(fire bool, reason string) Decision {
	return Decision{
		State:    e.state,
		Progress: e.progress(),
		Fire:     fire,
		Reason:   reason,
	}
}
