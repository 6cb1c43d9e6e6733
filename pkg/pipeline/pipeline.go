// Package pipeline wires the camera, quality sampler, face position
// detector, auto-capture engine, burst selector and session into a guided
// three-angle face capture.
//
// A running pipeline owns one monitor goroutine that samples the stream on
// a ticker and drives the auto-capture engine, plus the face detector loop.
// Both live under one errgroup and stop together on teardown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/face-capture/pkg/autocapture"
	"github.com/menta2k/face-capture/pkg/burst"
	"github.com/menta2k/face-capture/pkg/camera"
	"github.com/menta2k/face-capture/pkg/fallback"
	"github.com/menta2k/face-capture/pkg/position"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/session"
	"github.com/menta2k/face-capture/pkg/types"
)

var (
	// ErrClosed is returned by operations on a closed pipeline
	ErrClosed = errors.New("pipeline closed")
	// ErrNoPendingAngle is returned when capturing while in review
	ErrNoPendingAngle = errors.New("no angle awaiting capture")
)

// Pipeline runs a guided capture session
type Pipeline struct {
	opts      Options
	logger    *zap.Logger
	callbacks Callbacks
	now       func() time.Time

	proc           *processing.Processor
	locator        position.Locator
	positionConfig position.Config
	qualityConfig  quality.Config

	device   camera.Device
	camera   *camera.Manager
	sampler  *quality.Sampler
	detector *position.Detector
	engine   *autocapture.Engine
	selector *burst.Selector
	session  *session.Session
	fallback *fallback.Controller

	// captureMu serializes bursts, manual captures and uploads
	captureMu sync.Mutex
	startMu   sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	// group outlives cancel after halt until someone waits on it
	group    *errgroup.Group
	window   *quality.Window
	reading  types.QualityReading
	decision autocapture.Decision
	pos      *types.FacePositionResult
	offer    *fallback.Offer
	closed   bool

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int
}

// New creates a pipeline for device. The face locator defaults to the
// saliency locator.
func New(opts Options, device camera.Device, options ...Option) *Pipeline {
	p := &Pipeline{
		opts:           opts.withDefaults(),
		logger:         zap.NewNop(),
		now:            time.Now,
		proc:           processing.NewProcessor(),
		locator:        position.NewSaliencyLocator(position.DefaultSaliencyConfig()),
		positionConfig: position.DefaultConfig(),
		qualityConfig:  quality.DefaultConfig(),
		subs:           make(map[int]chan State),
	}
	for _, o := range options {
		o(p)
	}
	p.logger = p.logger.Named("pipeline")

	p.device = device
	p.camera = camera.NewManager(device, p.logger)
	p.sampler = quality.NewWithConfig(p.qualityConfig)
	p.window = quality.NewWindow(p.opts.WindowSize)
	p.detector = position.NewDetector(p.locator, p.positionConfig, p.logger)
	p.detector.SetClock(p.now)
	p.engine = autocapture.New(autocapture.Config{
		Threshold:     p.opts.Threshold,
		RequiredDelay: p.opts.RequiredDelay,
		Cooldown:      p.opts.Cooldown,
	})
	p.selector = burst.New(p.camera, nil, p.proc, burst.Config{
		Size:     p.opts.BurstSize,
		Interval: p.opts.BurstInterval,
	}, p.logger)
	p.session = session.New(session.Callbacks{
		OnCapture:  p.callbacks.OnCapture,
		OnComplete: p.callbacks.OnImagesComplete,
		OnCancel:   p.callbacks.OnCancel,
	})
	p.fallback = fallback.New(p.session, p.proc, p.logger)
	return p
}

// Session returns the underlying capture session
func (p *Pipeline) Session() *session.Session {
	return p.session
}

// Options returns the effective options
func (p *Pipeline) Options() Options {
	return p.opts
}

// Start acquires the camera for the current angle and begins monitoring.
// A camera failure switches the angle to upload and is not returned as an
// error: the session stays resumable through Upload or RetryCamera.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	closed, running := p.closed, p.cancel != nil
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if p.session.Cancelled() {
		return session.ErrCancelled
	}
	if running {
		return nil
	}
	p.drain()

	angle, ok := p.session.CurrentAngle()
	if !ok {
		return nil
	}
	if p.fallback.Mode(angle) == fallback.ModeUpload {
		return nil
	}

	perm := camera.Probe(ctx, p.device)
	p.logger.Debug("camera permission", zap.String("state", string(perm)))

	if _, err := p.camera.Acquire(ctx, p.opts.Facing); err != nil {
		p.fallBack(p.fallback.HandleCameraError(angle, err))
		return nil
	}
	p.startLoop(ctx, p.detector.Initialize(ctx))
	return nil
}

func (p *Pipeline) startLoop(ctx context.Context, detect bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.closed {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = g
	p.engine.Start()

	if detect {
		g.Go(func() error {
			return p.runDetector(gctx)
		})
	}
	g.Go(func() error {
		return p.monitor(gctx)
	})
	p.logger.Info("monitoring started", zap.String("session", p.session.ID()))
}

func (p *Pipeline) runDetector(ctx context.Context) error {
	if err := p.detector.Start(ctx, p.camera, p.setPosition, p.opts.DetectInterval); err != nil {
		p.logger.Info("face detection disabled", zap.Error(err))
		return nil
	}
	<-ctx.Done()
	p.detector.Stop()
	return nil
}

func (p *Pipeline) monitor(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.endRun()
			return nil
		case <-ticker.C:
		}
		if done := p.tick(ctx, p.opts.SampleInterval); done {
			p.endRun()
			return nil
		}
	}
}

// endRun releases the camera when the loop ends on its own: review was
// reached or the caller's context ended. A loop already ended by stop or
// halt has nothing left to release.
func (p *Pipeline) endRun() {
	if p.Running() {
		p.halt()
	}
}

// tick samples one frame, advances the engine by dt and runs a burst when
// it fires. It reports whether monitoring should end.
func (p *Pipeline) tick(ctx context.Context, dt time.Duration) bool {
	angle, ok := p.session.CurrentAngle()
	if !ok {
		return true
	}

	img, err := p.camera.ReadFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.logger.Debug("frame read failed", zap.Error(err))
		img = nil
	}
	reading := p.sampler.Sample(img)

	in := autocapture.Input{
		Quality:        reading,
		Position:       p.freshPosition(),
		DetectorActive: p.detector.Supported(),
	}
	var dec autocapture.Decision
	if p.opts.AutoCapture && p.fallback.Mode(angle) == fallback.ModeCamera {
		dec = p.engine.Tick(in, dt)
	} else {
		_, reason := p.engine.Gate(in)
		dec = autocapture.Decision{State: p.engine.State(), Reason: reason}
	}

	p.mu.Lock()
	p.reading = reading
	p.decision = dec
	p.window.Add(reading)
	p.mu.Unlock()
	p.publish()

	if dec.Fire {
		if _, err := p.capture(ctx, true); err != nil && ctx.Err() == nil {
			p.logger.Warn("auto-capture failed", zap.String("angle", string(angle)), zap.Error(err))
		}
	}
	return p.session.CurrentStep() == types.StepReview
}

// CaptureNow runs a burst for the current angle immediately, bypassing the
// auto-capture hold
func (p *Pipeline) CaptureNow(ctx context.Context) (types.CapturedImage, error) {
	if p.isClosed() {
		return types.CapturedImage{}, ErrClosed
	}
	if p.session.Cancelled() {
		return types.CapturedImage{}, session.ErrCancelled
	}
	if !p.camera.Active() {
		return types.CapturedImage{}, fmt.Errorf("capture: %w", camera.ErrNoStream)
	}
	img, err := p.capture(ctx, false)
	if err != nil {
		return img, err
	}
	if p.session.CurrentStep() == types.StepReview {
		p.stop()
	}
	return img, nil
}

func (p *Pipeline) capture(ctx context.Context, auto bool) (types.CapturedImage, error) {
	p.captureMu.Lock()
	defer p.captureMu.Unlock()

	angle, ok := p.session.CurrentAngle()
	if !ok {
		if auto {
			p.engine.CaptureFailed()
		}
		return types.CapturedImage{}, ErrNoPendingAngle
	}

	frames := p.selector.CaptureBurst(ctx, p.opts.BurstSize)
	best, ok := burst.Best(frames)
	if !ok {
		if auto {
			p.engine.CaptureFailed()
		}
		if ctx.Err() != nil {
			return types.CapturedImage{}, ctx.Err()
		}
		p.fallBack(p.fallback.HandleEmptyBurst(angle))
		return types.CapturedImage{}, fmt.Errorf("capture %s: %w", angle, burst.ErrCaptureFailure)
	}

	img := types.CapturedImage{
		File:       best.Data,
		Preview:    best.DataURL,
		Source:     types.SourceCamera,
		Score:      best.Score,
		CapturedAt: best.Timestamp,
	}
	if err := p.session.Capture(angle, img); err != nil {
		if auto {
			p.engine.CaptureFailed()
		}
		return types.CapturedImage{}, err
	}
	img.Angle = angle

	if auto {
		p.engine.CaptureDone()
	} else {
		p.engine.Reset()
	}
	// a new angle needs a new pose, so the latch only guards a repeat of
	// the same angle
	p.engine.Rearm()
	p.sampler.Reset()
	p.clearSignals()

	p.logger.Info("angle captured",
		zap.String("angle", string(angle)), zap.Float64("score", best.Score),
		zap.Int("frames", len(frames)), zap.Bool("auto", auto))
	p.publish()
	return img, nil
}

// Retake discards the image of angle and resumes capture for it
func (p *Pipeline) Retake(ctx context.Context, angle types.Angle) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.session.Retake(angle); err != nil {
		return err
	}
	p.engine.Reset()
	p.sampler.Reset()
	p.clearSignals()
	p.publish()
	return p.Start(ctx)
}

// Upload stores a user-selected file as the image of angle. Monitoring
// that ended in upload mode is not resumed; call Start for the next angle.
func (p *Pipeline) Upload(angle types.Angle, filename string, r io.Reader) (types.CapturedImage, error) {
	if p.isClosed() {
		return types.CapturedImage{}, ErrClosed
	}
	p.captureMu.Lock()
	img, err := p.fallback.Upload(angle, filename, r)
	p.captureMu.Unlock()
	if err != nil {
		return img, err
	}
	p.afterManualInput()
	return img, nil
}

// UploadFile is Upload for a file on disk
func (p *Pipeline) UploadFile(angle types.Angle, path string) (types.CapturedImage, error) {
	if p.isClosed() {
		return types.CapturedImage{}, ErrClosed
	}
	p.captureMu.Lock()
	img, err := p.fallback.UploadFile(angle, path)
	p.captureMu.Unlock()
	if err != nil {
		return img, err
	}
	p.afterManualInput()
	return img, nil
}

func (p *Pipeline) afterManualInput() {
	p.engine.Reset()
	p.sampler.Reset()
	p.clearSignals()
	if p.session.CurrentStep() == types.StepReview {
		p.stop()
	}
	p.publish()
}

// RetryCamera switches angle back to the camera and restarts monitoring
func (p *Pipeline) RetryCamera(ctx context.Context, angle types.Angle) error {
	if p.isClosed() {
		return ErrClosed
	}
	if p.session.Cancelled() {
		return session.ErrCancelled
	}
	p.fallback.RetryCamera(angle)
	p.mu.Lock()
	if p.offer != nil && p.offer.Angle == angle {
		p.offer = nil
	}
	p.mu.Unlock()
	p.engine.Reset()
	p.publish()
	return p.Start(ctx)
}

// SwitchCamera flips between the user-facing and environment cameras
func (p *Pipeline) SwitchCamera(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}
	if p.session.Cancelled() {
		return session.ErrCancelled
	}
	if _, err := p.camera.Switch(ctx); err != nil {
		if angle, ok := p.session.CurrentAngle(); ok {
			p.fallBack(p.fallback.HandleCameraError(angle, err))
		}
		return err
	}
	p.sampler.Reset()
	p.engine.Reset()
	p.clearSignals()
	return nil
}

// Complete hands the three images to OnImagesComplete and releases the
// camera
func (p *Pipeline) Complete() ([3]types.CapturedImage, error) {
	images, err := p.session.Complete()
	if err != nil {
		return images, err
	}
	p.stop()
	p.publish()
	return images, nil
}

// Cancel stops capture, releases the camera, discards all images and then
// fires OnCancel
func (p *Pipeline) Cancel() {
	p.stop()
	p.session.Cancel()
	p.publish()
}

// Close stops capture and releases the camera. It is idempotent and leaves
// captured images in place.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stop()

	p.subsMu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.subsMu.Unlock()
	return nil
}

// Running reports whether the monitor loop is active
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// stop cancels the loop, waits for it and releases the camera. It must not
// run on the monitor goroutine.
func (p *Pipeline) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.drain()
	p.detector.Stop()
	p.engine.Stop()
	p.camera.Release()
}

// halt stops monitoring without waiting, so the monitor goroutine can end
// its own run. The group is left for the next stop or Start to wait on.
func (p *Pipeline) halt() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.logger.Info("monitoring stopped", zap.String("step", string(p.session.CurrentStep())))
	}
	p.engine.Stop()
	p.camera.Release()
	p.publish()
}

// drain waits for a cancelled group
func (p *Pipeline) drain() {
	p.mu.Lock()
	g := p.group
	if p.cancel != nil {
		g = nil
	}
	if g != nil {
		p.group = nil
	}
	p.mu.Unlock()

	if g == nil {
		return
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("monitor stopped with error", zap.Error(err))
	}
}

// fallBack switches to upload for the offer's angle. The stream is released
// and monitoring stays off until Start or RetryCamera; a failed camera is
// never retried on its own.
func (p *Pipeline) fallBack(offer fallback.Offer) {
	p.mu.Lock()
	p.offer = &offer
	p.mu.Unlock()

	p.logger.Info("upload mode, releasing camera", zap.String("angle", string(offer.Angle)))
	p.halt()
	if p.callbacks.OnFallback != nil {
		p.callbacks.OnFallback(offer)
	}
	p.publish()
}

func (p *Pipeline) setPosition(res types.FacePositionResult) {
	p.mu.Lock()
	p.pos = &res
	p.mu.Unlock()
}

// freshPosition returns the latest position result, or nil when there is
// none or it is older than MaxPositionAge
func (p *Pipeline) freshPosition() *types.FacePositionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return nil
	}
	if p.now().Sub(p.pos.Timestamp) > p.opts.MaxPositionAge {
		return nil
	}
	res := *p.pos
	return &res
}

func (p *Pipeline) clearSignals() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = nil
	p.window.Clear()
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
