package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/menta2k/face-capture/pkg/autocapture"
	"github.com/menta2k/face-capture/pkg/burst"
	"github.com/menta2k/face-capture/pkg/camera"
	"github.com/menta2k/face-capture/pkg/fallback"
	"github.com/menta2k/face-capture/pkg/position"
	"github.com/menta2k/face-capture/pkg/session"
	"github.com/menta2k/face-capture/pkg/types"
)

const sample = 200 * time.Millisecond

func checkerboard(size, block int, lo, hi uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := lo
			if (x/block+y/block)%2 == 1 {
				v = hi
			}
			img.Pix[y*img.Stride+x] = v
		}
	}
	return img
}

func sharpFrame() image.Image {
	return checkerboard(128, 4, 64, 192)
}

func pngUpload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, sharpFrame()))
	return buf.Bytes()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RequiredDelay = 2 * sample
	opts.Cooldown = 0
	opts.BurstInterval = 0
	return opts
}

func fastOptions() Options {
	opts := testOptions()
	opts.SampleInterval = 5 * time.Millisecond
	opts.DetectInterval = 5 * time.Millisecond
	opts.RequiredDelay = 10 * time.Millisecond
	opts.MaxPositionAge = time.Second
	return opts
}

// centeredLocator always reports a well framed face
type centeredLocator struct{}

func (centeredLocator) Locate(context.Context, image.Image) (position.Location, error) {
	return position.Location{Found: true, Box: types.Box{X: 0.3, Y: 0.25, W: 0.4, H: 0.5}, Confidence: 1}, nil
}

// acquire opens the camera without starting the monitor loop so tests can
// drive ticks directly
func acquire(t *testing.T, p *Pipeline) {
	t.Helper()
	_, err := p.camera.Acquire(context.Background(), types.FacingUser)
	require.NoError(t, err)
	p.engine.Start()
}

func TestAutoCaptureThroughTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var captured []types.Angle
	var completed [3]types.CapturedImage
	p := New(testOptions(), camera.NewFileDevice(sharpFrame()),
		WithLocator(nil),
		WithCallbacks(Callbacks{
			OnCapture: func(a types.Angle, _ types.CapturedImage) {
				mu.Lock()
				captured = append(captured, a)
				mu.Unlock()
			},
			OnImagesComplete: func(imgs [3]types.CapturedImage) { completed = imgs },
		}))
	defer p.Close()
	acquire(t, p)

	ctx := context.Background()
	calls := 1
	for !p.tick(ctx, sample) {
		calls++
		require.Less(t, calls, 20)
	}

	// two held ticks per angle
	assert.Equal(t, 6, calls)
	assert.Equal(t, types.StepReview, p.Session().CurrentStep())
	assert.Equal(t, []types.Angle{types.AngleFront, types.AngleLeft, types.AngleRight}, captured)

	for _, a := range types.Angles() {
		img, ok := p.Session().Image(a)
		require.True(t, ok)
		assert.Equal(t, types.SourceCamera, img.Source)
		assert.Equal(t, 100.0, img.Score)
		assert.NotEmpty(t, img.File)
	}

	images, err := p.Complete()
	require.NoError(t, err)
	assert.Equal(t, images, completed)
	assert.Equal(t, types.AngleLeft, completed[1].Angle)
	assert.False(t, p.camera.Active())
}

func TestManualModeNeverFires(t *testing.T) {
	opts := testOptions()
	opts.AutoCapture = false
	p := New(opts, camera.NewFileDevice(sharpFrame()), WithLocator(nil))
	defer p.Close()
	acquire(t, p)

	for i := 0; i < 10; i++ {
		require.False(t, p.tick(context.Background(), sample))
	}
	assert.Equal(t, types.StepFront, p.Session().CurrentStep())

	img, err := p.CaptureNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.AngleFront, img.Angle)
	assert.Equal(t, types.StepLeft, p.Session().CurrentStep())
}

func TestCaptureNowWithoutCamera(t *testing.T) {
	p := New(testOptions(), camera.NewFileDevice(sharpFrame()), WithLocator(nil))
	defer p.Close()
	_, err := p.CaptureNow(context.Background())
	assert.ErrorIs(t, err, camera.ErrNoStream)
}

func TestPermissionDeniedFallsBackToUpload(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := camera.NewFileDevice(sharpFrame())
	dev.SetPermission(camera.PermissionDenied)
	var offers []fallback.Offer
	p := New(testOptions(), dev, WithLocator(nil), WithCallbacks(Callbacks{
		OnFallback: func(o fallback.Offer) { offers = append(offers, o) },
	}))
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	assert.False(t, p.Running())
	assert.Nil(t, p.camera.Stream())
	require.Len(t, offers, 1)
	assert.Equal(t, fallback.ReasonPermissionDenied, offers[0].Reason)
	assert.True(t, offers[0].CanUpload)

	st := p.State()
	assert.Equal(t, types.StepFront, st.Step)
	assert.Equal(t, fallback.ModeUpload, st.Modes[types.AngleFront])
	require.NotNil(t, st.Offer)

	front, err := p.Upload(types.AngleFront, "front.png", bytes.NewReader(pngUpload(t)))
	require.NoError(t, err)
	assert.Equal(t, types.SourceUpload, front.Source)
	assert.Equal(t, types.StepLeft, p.Session().CurrentStep())

	// the next angle tries the camera again and falls back the same way
	require.NoError(t, p.Start(context.Background()))
	require.Len(t, offers, 2)
	assert.Equal(t, types.AngleLeft, offers[1].Angle)
	assert.Equal(t, types.StepLeft, p.Session().CurrentStep())
	stored, ok := p.Session().Image(types.AngleFront)
	require.True(t, ok)
	assert.Equal(t, front.File, stored.File)
}

func TestEmptyBurstOffersUpload(t *testing.T) {
	dev := camera.NewFileDevice(sharpFrame())
	p := New(testOptions(), dev, WithLocator(nil))
	defer p.Close()
	acquire(t, p)

	dev.SetFrames()
	_, err := p.CaptureNow(context.Background())
	require.ErrorIs(t, err, burst.ErrCaptureFailure)

	st := p.State()
	require.NotNil(t, st.Offer)
	assert.Equal(t, fallback.ReasonCaptureFailed, st.Offer.Reason)
	assert.Equal(t, fallback.ModeUpload, st.Modes[types.AngleFront])
	assert.Equal(t, 0, p.Session().Len())
	assert.False(t, p.camera.Active())
	assert.Equal(t, 0, dev.LiveStreams())

	// the device has nothing to open now, so retrying falls back again
	require.NoError(t, p.RetryCamera(context.Background(), types.AngleFront))
	st = p.State()
	require.NotNil(t, st.Offer)
	assert.Equal(t, fallback.ReasonDeviceUnavailable, st.Offer.Reason)
}

func TestAutoCaptureFailureDoesNotRetry(t *testing.T) {
	dev := camera.NewFileDevice(sharpFrame())
	opts := testOptions()
	opts.Threshold = 0
	opts.RequiredDelay = sample
	p := New(opts, dev, WithLocator(nil))
	defer p.Close()
	acquire(t, p)

	dev.SetFrames()
	p.tick(context.Background(), sample)
	assert.Equal(t, fallback.ModeUpload, p.fallback.Mode(types.AngleFront))
	assert.False(t, p.camera.Active())
	assert.Equal(t, 0, dev.LiveStreams())
	assert.Equal(t, autocapture.StateIdle, p.engine.State())

	dev.SetFrames(sharpFrame())
	for i := 0; i < 5; i++ {
		p.tick(context.Background(), sample)
	}
	assert.Equal(t, 0, p.Session().Len())
	assert.Equal(t, 1, dev.Opened())

	p.fallback.RetryCamera(types.AngleFront)
	acquire(t, p)
	p.tick(context.Background(), sample)
	assert.Equal(t, 1, p.Session().Len())
}

func TestCallerContextEndReleasesCamera(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := camera.NewFileDevice(sharpFrame())
	opts := fastOptions()
	opts.RequiredDelay = time.Hour
	p := New(opts, dev, WithLocator(centeredLocator{}))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	require.True(t, p.Running())
	cancel()

	require.Eventually(t, func() bool {
		return !p.Running() && dev.LiveStreams() == 0
	}, time.Second, 5*time.Millisecond)
	assert.False(t, p.camera.Active())
	assert.Equal(t, autocapture.StateIdle, p.engine.State())

	// the session resumes with a fresh stream
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Running())
	assert.Equal(t, 2, dev.Opened())
	assert.Equal(t, 1, dev.LiveStreams())
	assert.Equal(t, types.StepFront, p.Session().CurrentStep())
}

func TestCancelledSessionDoesNotReacquire(t *testing.T) {
	dev := camera.NewFileDevice(sharpFrame())
	p := New(testOptions(), dev, WithLocator(nil))
	defer p.Close()
	acquire(t, p)

	p.Cancel()
	require.Equal(t, 0, dev.LiveStreams())

	ctx := context.Background()
	assert.ErrorIs(t, p.Start(ctx), session.ErrCancelled)
	assert.ErrorIs(t, p.RetryCamera(ctx, types.AngleFront), session.ErrCancelled)
	assert.ErrorIs(t, p.SwitchCamera(ctx), session.ErrCancelled)
	_, err := p.CaptureNow(ctx)
	assert.ErrorIs(t, err, session.ErrCancelled)

	assert.False(t, p.Running())
	assert.Equal(t, 1, dev.Opened())
	assert.Equal(t, 0, dev.LiveStreams())
}

func TestRunLoopCompletesAndReleases(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := camera.NewFileDevice(sharpFrame())
	p := New(fastOptions(), dev, WithLocator(centeredLocator{}))

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Running())
	require.Eventually(t, func() bool {
		return p.Session().CurrentStep() == types.StepReview
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return !p.camera.Active()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, dev.LiveStreams())

	_, err := p.Complete()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestRetakeResumesCapture(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(fastOptions(), camera.NewFileDevice(sharpFrame()), WithLocator(nil))
	defer p.Close()
	acquire(t, p)
	for i := 0; i < 10 && !p.tick(context.Background(), sample); i++ {
	}
	require.Equal(t, types.StepReview, p.Session().CurrentStep())
	before := p.Session().Images()

	require.NoError(t, p.Retake(context.Background(), types.AngleLeft))
	assert.Equal(t, 2, p.Session().Len())
	require.Eventually(t, func() bool {
		return p.Session().CurrentStep() == types.StepReview
	}, 5*time.Second, 5*time.Millisecond)

	after := p.Session().Images()
	assert.Equal(t, before[types.AngleFront].CapturedAt, after[types.AngleFront].CapturedAt)
	assert.Equal(t, before[types.AngleRight].CapturedAt, after[types.AngleRight].CapturedAt)
	assert.NotEqual(t, before[types.AngleLeft].CapturedAt, after[types.AngleLeft].CapturedAt)
}

func TestCancelReleasesBeforeCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := camera.NewFileDevice(sharpFrame())
	opts := fastOptions()
	opts.RequiredDelay = time.Hour
	cancels := 0
	liveAtCancel := -1
	p := New(opts, dev, WithLocator(centeredLocator{}), WithCallbacks(Callbacks{
		OnCancel: func() {
			cancels++
			liveAtCancel = dev.LiveStreams()
		},
	}))
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		return p.State().Engine == autocapture.StateHolding
	}, 5*time.Second, 5*time.Millisecond)

	p.Cancel()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, 0, liveAtCancel)
	assert.False(t, p.Running())
	assert.True(t, p.Session().Cancelled())
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	p := New(testOptions(), camera.NewFileDevice(sharpFrame()), WithLocator(nil))
	acquire(t, p)

	ch, unsubscribe := p.Subscribe()
	p.tick(context.Background(), sample)

	st := <-ch
	assert.Equal(t, types.StepFront, st.Step)
	assert.Equal(t, 100.0, st.Reading.Score)
	assert.Equal(t, "Excellent", st.Tier.Label)
	assert.Equal(t, autocapture.StateHolding, st.Engine)
	assert.InDelta(t, 0.5, st.Progress, 1e-9)
	assert.True(t, st.CameraActive)

	unsubscribe()
	for range ch {
	}

	late, _ := p.Subscribe()
	require.NoError(t, p.Close())
	_, open := <-late
	assert.False(t, open)
}

func TestSlowSubscriberDropsUpdates(t *testing.T) {
	p := New(testOptions(), camera.NewFileDevice(sharpFrame()), WithLocator(nil))
	defer p.Close()
	acquire(t, p)
	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer*3; i++ {
		p.publish()
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestStalePositionIsIgnored(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	p := New(testOptions(), camera.NewFileDevice(sharpFrame()), WithClock(clock))
	defer p.Close()

	p.setPosition(types.FacePositionResult{IsWellPositioned: true, Timestamp: now})
	require.NotNil(t, p.freshPosition())

	now = now.Add(p.Options().MaxPositionAge + time.Millisecond)
	assert.Nil(t, p.freshPosition())
}

func TestClosedPipelineRejectsOperations(t *testing.T) {
	p := New(testOptions(), camera.NewFileDevice(sharpFrame()))
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Start(context.Background()), ErrClosed)
	_, err := p.CaptureNow(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Retake(context.Background(), types.AngleFront), ErrClosed)
	_, err = p.Upload(types.AngleFront, "a.png", bytes.NewReader(pngUpload(t)))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultOptionsFillZeroValues(t *testing.T) {
	o := Options{}.withDefaults()
	d := DefaultOptions()
	assert.Equal(t, d.SampleInterval, o.SampleInterval)
	assert.Equal(t, d.BurstSize, o.BurstSize)
	assert.Equal(t, types.FacingUser, o.Facing)
	assert.False(t, o.AutoCapture)

	// zero here is a valid setting: no threshold, fire at once, no cooldown
	assert.Zero(t, o.Threshold)
	assert.Zero(t, o.RequiredDelay)
	assert.Zero(t, o.Cooldown)
}
