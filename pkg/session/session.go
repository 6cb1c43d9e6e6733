// Package session sequences the three capture angles of a face scan.
//
// A Session stores one image per angle and advances front -> left -> right
// -> review. It is the single source of truth for both the camera and the
// manual upload paths.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/face-capture/pkg/types"
)

var (
	// ErrInvalidAngle is returned for an angle outside front/left/right
	ErrInvalidAngle = errors.New("invalid capture angle")
	// ErrCancelled is returned when mutating a cancelled session
	ErrCancelled = errors.New("session cancelled")
	// ErrIncomplete is returned by Complete when an angle is missing
	ErrIncomplete = errors.New("session incomplete")
)

// InvariantViolation reports a programmer error such as completing a
// session that is missing angles
type InvariantViolation struct {
	Op  string
	Err error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("session invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InvariantViolation) Unwrap() error {
	return e.Err
}

// Callbacks are invoked synchronously after the state change they report
type Callbacks struct {
	OnCapture  func(angle types.Angle, img types.CapturedImage)
	OnRetake   func(angle types.Angle)
	OnComplete func(images [3]types.CapturedImage)
	OnCancel   func()
}

// Session is a three-angle capture session. It is safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	callbacks Callbacks

	mu        sync.Mutex
	images    map[types.Angle]types.CapturedImage
	step      types.Step
	cancelled bool
	completed bool
}

// New creates a session positioned at the front angle
func New(callbacks Callbacks) *Session {
	return &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		callbacks: callbacks,
		images:    make(map[types.Angle]types.CapturedImage, 3),
		step:      types.StepFront,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// CurrentStep returns the angle being captured, or review
func (s *Session) CurrentStep() types.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// CurrentAngle returns the angle being captured. ok is false in review.
func (s *Session) CurrentAngle() (types.Angle, bool) {
	return s.CurrentStep().Angle()
}

// Capture stores img under angle and advances to the next missing angle,
// or to review once all three are present
func (s *Session) Capture(angle types.Angle, img types.CapturedImage) error {
	if !angle.Valid() {
		return fmt.Errorf("capture %q: %w", angle, ErrInvalidAngle)
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return ErrCancelled
	}
	img.Angle = angle
	if img.CapturedAt.IsZero() {
		img.CapturedAt = time.Now()
	}
	s.images[angle] = img
	s.step = s.nextStepLocked()
	s.mu.Unlock()

	if s.callbacks.OnCapture != nil {
		s.callbacks.OnCapture(angle, img)
	}
	return nil
}

// Retake removes the image for angle and makes it the current step. The
// other angles are left untouched.
func (s *Session) Retake(angle types.Angle) error {
	if !angle.Valid() {
		return fmt.Errorf("retake %q: %w", angle, ErrInvalidAngle)
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return ErrCancelled
	}
	delete(s.images, angle)
	s.step = types.Step(angle)
	s.completed = false
	s.mu.Unlock()

	if s.callbacks.OnRetake != nil {
		s.callbacks.OnRetake(angle)
	}
	return nil
}

// Complete returns the front, left and right images in order and hands them
// to OnComplete. Calling it before all angles are captured is an
// InvariantViolation.
func (s *Session) Complete() ([3]types.CapturedImage, error) {
	var out [3]types.CapturedImage
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return out, ErrCancelled
	}
	if len(s.images) != 3 {
		missing := s.missingLocked()
		s.mu.Unlock()
		return out, &InvariantViolation{
			Op:  "complete",
			Err: fmt.Errorf("%w: missing %v", ErrIncomplete, missing),
		}
	}
	for i, a := range types.Angles() {
		out[i] = s.images[a]
	}
	s.completed = true
	s.mu.Unlock()

	if s.callbacks.OnComplete != nil {
		s.callbacks.OnComplete(out)
	}
	return out, nil
}

// Cancel discards all images. Later mutations fail with ErrCancelled.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.images = make(map[types.Angle]types.CapturedImage)
	s.mu.Unlock()

	if s.callbacks.OnCancel != nil {
		s.callbacks.OnCancel()
	}
}

// Cancelled reports whether Cancel was called
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Completed reports whether Complete succeeded since the last retake
func (s *Session) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// IsComplete reports whether all three angles are present
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images) == 3
}

// Len returns the number of captured angles
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Image returns the image stored for angle
func (s *Session) Image(angle types.Angle) (types.CapturedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[angle]
	return img, ok
}

// Images returns a copy of the captured images
func (s *Session) Images() map[types.Angle]types.CapturedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Angle]types.CapturedImage, len(s.images))
	for k, v := range s.images {
		out[k] = v
	}
	return out
}

// Missing returns the angles still to capture, in capture order
func (s *Session) Missing() []types.Angle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingLocked()
}

func (s *Session) missingLocked() []types.Angle {
	var out []types.Angle
	for _, a := range types.Angles() {
		if _, ok := s.images[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) nextStepLocked() types.Step {
	missing := s.missingLocked()
	if len(missing) == 0 {
		return types.StepReview
	}
	return types.Step(missing[0])
}
