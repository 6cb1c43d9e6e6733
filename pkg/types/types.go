package types

import (
	"fmt"
	"image"
	"time"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the normalized center of the box
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Empty reports whether the box has no area
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Angle is one of the three required capture perspectives
type Angle string

const (
	AngleFront Angle = "front"
	AngleLeft  Angle = "left"
	AngleRight Angle = "right"
)

// Angles returns the capture angles in the order they are requested
func Angles() []Angle {
	return []Angle{AngleFront, AngleLeft, AngleRight}
}

// Valid reports whether a is one of the known angles
func (a Angle) Valid() bool {
	switch a {
	case AngleFront, AngleLeft, AngleRight:
		return true
	}
	return false
}

// ParseAngle converts a string into an Angle
func ParseAngle(s string) (Angle, error) {
	a := Angle(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown angle: %q", s)
	}
	return a, nil
}

// Step is the position of a capture session: one of the angles or review
type Step string

const (
	StepFront  Step = Step(AngleFront)
	StepLeft   Step = Step(AngleLeft)
	StepRight  Step = Step(AngleRight)
	StepReview Step = "review"
)

// Angle returns the angle captured at this step. ok is false for review.
func (s Step) Angle() (Angle, bool) {
	a := Angle(s)
	return a, a.Valid()
}

// FacingMode selects the front ("user") or back ("environment") camera
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other facing mode
func (f FacingMode) Opposite() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Tier is a labeled bucket derived from a quality score
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
	TierVeryPoor  Tier = "very poor"
)

// QualityReading is produced on every sampling tick
type QualityReading struct {
	Score     float64   `json:"score"`
	Issue     string    `json:"issue,omitempty"`
	Tier      Tier      `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
}

// Acceptable reports whether no blocking issue was found
func (r QualityReading) Acceptable() bool {
	return r.Issue == ""
}

// FacePositionResult is emitted by the face position detector
type FacePositionResult struct {
	IsWellPositioned bool      `json:"is_well_positioned"`
	Feedback         string    `json:"feedback,omitempty"`
	Box              Box       `json:"box"`
	Timestamp        time.Time `json:"timestamp"`
}

// CaptureFrame is a single candidate frame produced by a burst
type CaptureFrame struct {
	Image     image.Image `json:"-"`
	Data      []byte      `json:"-"`
	DataURL   string      `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
	Score     float64     `json:"score"`
}

// Source records how a captured image entered the session
type Source string

const (
	SourceCamera Source = "camera"
	SourceUpload Source = "upload"
)

// CapturedImage is the image stored for one angle of a session
type CapturedImage struct {
	File       []byte    `json:"-"`
	Preview    string    `json:"-"`
	Angle      Angle     `json:"angle"`
	Source     Source    `json:"source"`
	Score      float64   `json:"score"`
	CapturedAt time.Time `json:"captured_at"`
}
