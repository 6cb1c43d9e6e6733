package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/face-capture/pkg/types"
)

func img(b byte) types.CapturedImage {
	return types.CapturedImage{File: []byte{b, b, b}, Preview: "data:image/jpeg;base64,AA==", Source: types.SourceCamera}
}

func checkInvariant(t *testing.T, s *Session) {
	t.Helper()
	assert.LessOrEqual(t, s.Len(), 3)
	for a := range s.Images() {
		assert.True(t, a.Valid())
	}
	assert.Equal(t, s.Len() == 3, s.CurrentStep() == types.StepReview)
}

func TestNewSession(t *testing.T) {
	s := New(Callbacks{})
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, types.StepFront, s.CurrentStep())
	assert.Equal(t, []types.Angle{types.AngleFront, types.AngleLeft, types.AngleRight}, s.Missing())
	assert.NotEqual(t, s.ID(), New(Callbacks{}).ID())
}

func TestCaptureAdvancesInOrder(t *testing.T) {
	var captured []types.Angle
	s := New(Callbacks{OnCapture: func(a types.Angle, _ types.CapturedImage) { captured = append(captured, a) }})

	require.NoError(t, s.Capture(types.AngleFront, img(1)))
	assert.Equal(t, types.StepLeft, s.CurrentStep())
	checkInvariant(t, s)

	require.NoError(t, s.Capture(types.AngleLeft, img(2)))
	assert.Equal(t, types.StepRight, s.CurrentStep())
	checkInvariant(t, s)

	require.NoError(t, s.Capture(types.AngleRight, img(3)))
	assert.Equal(t, types.StepReview, s.CurrentStep())
	checkInvariant(t, s)

	assert.Equal(t, []types.Angle{types.AngleFront, types.AngleLeft, types.AngleRight}, captured)
	front, ok := s.Image(types.AngleFront)
	require.True(t, ok)
	assert.Equal(t, types.AngleFront, front.Angle)
	assert.False(t, front.CapturedAt.IsZero())
}

func TestCaptureOutOfOrderSkipsToNextMissing(t *testing.T) {
	s := New(Callbacks{})
	require.NoError(t, s.Capture(types.AngleLeft, img(2)))
	assert.Equal(t, types.StepFront, s.CurrentStep())

	require.NoError(t, s.Capture(types.AngleFront, img(1)))
	assert.Equal(t, types.StepRight, s.CurrentStep())
	checkInvariant(t, s)
}

func TestCaptureReplacesExistingAngle(t *testing.T) {
	s := New(Callbacks{})
	require.NoError(t, s.Capture(types.AngleFront, img(1)))
	require.NoError(t, s.Capture(types.AngleFront, img(9)))

	assert.Equal(t, 1, s.Len())
	got, _ := s.Image(types.AngleFront)
	assert.Equal(t, []byte{9, 9, 9}, got.File)
}

func TestCaptureInvalidAngle(t *testing.T) {
	s := New(Callbacks{})
	err := s.Capture(types.Angle("top"), img(1))
	assert.ErrorIs(t, err, ErrInvalidAngle)
	assert.Equal(t, 0, s.Len())
	assert.ErrorIs(t, s.Retake(types.Angle("")), ErrInvalidAngle)
}

func TestRetakeRemovesOnlyThatAngle(t *testing.T) {
	var retaken []types.Angle
	s := New(Callbacks{OnRetake: func(a types.Angle) { retaken = append(retaken, a) }})
	for i, a := range types.Angles() {
		require.NoError(t, s.Capture(a, img(byte(i+1))))
	}
	before := s.Images()

	require.NoError(t, s.Retake(types.AngleLeft))
	assert.Equal(t, types.StepLeft, s.CurrentStep())
	assert.Equal(t, []types.Angle{types.AngleLeft}, retaken)
	checkInvariant(t, s)

	after := s.Images()
	assert.Len(t, after, 2)
	for _, a := range []types.Angle{types.AngleFront, types.AngleRight} {
		assert.True(t, bytes.Equal(before[a].File, after[a].File))
		assert.Equal(t, before[a].Preview, after[a].Preview)
	}

	require.NoError(t, s.Capture(types.AngleLeft, img(7)))
	assert.Equal(t, types.StepReview, s.CurrentStep())
}

func TestCompleteRequiresAllAngles(t *testing.T) {
	completeCalls := 0
	s := New(Callbacks{OnComplete: func([3]types.CapturedImage) { completeCalls++ }})
	require.NoError(t, s.Capture(types.AngleFront, img(1)))

	_, err := s.Complete()
	require.Error(t, err)
	var iv *InvariantViolation
	assert.True(t, errors.As(err, &iv))
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "left")
	assert.Equal(t, 0, completeCalls)
}

func TestCompleteReturnsOrderedTriple(t *testing.T) {
	var handed [3]types.CapturedImage
	s := New(Callbacks{OnComplete: func(imgs [3]types.CapturedImage) { handed = imgs }})
	require.NoError(t, s.Capture(types.AngleRight, img(3)))
	require.NoError(t, s.Capture(types.AngleFront, img(1)))
	require.NoError(t, s.Capture(types.AngleLeft, img(2)))

	out, err := s.Complete()
	require.NoError(t, err)
	assert.Equal(t, out, handed)
	assert.Equal(t, types.AngleFront, out[0].Angle)
	assert.Equal(t, types.AngleLeft, out[1].Angle)
	assert.Equal(t, types.AngleRight, out[2].Angle)
	assert.True(t, s.Completed())
}

func TestCancel(t *testing.T) {
	cancels := 0
	s := New(Callbacks{OnCancel: func() { cancels++ }})
	require.NoError(t, s.Capture(types.AngleFront, img(1)))

	s.Cancel()
	s.Cancel()
	assert.Equal(t, 1, cancels)
	assert.True(t, s.Cancelled())
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Capture(types.AngleLeft, img(2)), ErrCancelled)
	assert.ErrorIs(t, s.Retake(types.AngleFront), ErrCancelled)
	_, err := s.Complete()
	assert.ErrorIs(t, err, ErrCancelled)
}
