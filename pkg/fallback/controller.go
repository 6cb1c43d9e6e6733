// Package fallback routes capture angles to manual file upload when the
// camera path fails, without disturbing the capture session.
package fallback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/face-capture/internal/utils"
	"github.com/menta2k/face-capture/pkg/camera"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/session"
	"github.com/menta2k/face-capture/pkg/types"
)

// ErrUnsupportedFile is returned for uploads that are not jpeg, png or webp
var ErrUnsupportedFile = errors.New("unsupported image file")

// Mode is the input method of an angle
type Mode string

const (
	ModeCamera Mode = "camera"
	ModeUpload Mode = "upload"
)

// Reason explains why an angle fell back to upload
type Reason string

const (
	ReasonPermissionDenied  Reason = "permission_denied"
	ReasonDeviceUnavailable Reason = "device_unavailable"
	ReasonCaptureFailed     Reason = "capture_failed"
)

// Offer is the choice presented to the user after a camera failure
type Offer struct {
	Angle     types.Angle
	Reason    Reason
	Message   string
	CanRetry  bool
	CanUpload bool
}

var messages = map[Reason]string{
	ReasonPermissionDenied:  "Camera access was denied. Allow camera access and retry, or upload a photo instead.",
	ReasonDeviceUnavailable: "No camera could be started. Retry or upload a photo instead.",
	ReasonCaptureFailed:     "The photo could not be taken. Try again or upload a photo instead.",
}

// Controller tracks the input mode of each angle and wraps uploaded files
// into captured images
type Controller struct {
	session *session.Session
	proc    *processing.Processor
	logger  *zap.Logger

	mu     sync.Mutex
	modes  map[types.Angle]Mode
	offers map[types.Angle]Offer
}

// New creates a controller for sess with every angle in camera mode
func New(sess *session.Session, proc *processing.Processor, logger *zap.Logger) *Controller {
	if proc == nil {
		proc = processing.NewProcessor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		session: sess,
		proc:    proc,
		logger:  logger.Named("fallback"),
		modes:   make(map[types.Angle]Mode, 3),
		offers:  make(map[types.Angle]Offer, 3),
	}
	for _, a := range types.Angles() {
		c.modes[a] = ModeCamera
	}
	return c
}

// Mode returns the input mode of angle
func (c *Controller) Mode(angle types.Angle) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.modes[angle]; ok {
		return m
	}
	return ModeCamera
}

// Modes returns the input mode of every angle
func (c *Controller) Modes() map[types.Angle]Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.Angle]Mode, len(c.modes))
	for k, v := range c.modes {
		out[k] = v
	}
	return out
}

// Offer returns the pending fallback offer for angle
func (c *Controller) Offer(angle types.Angle) (Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.offers[angle]
	return o, ok
}

// HandleCameraError switches angle to upload after a failed camera
// acquisition
func (c *Controller) HandleCameraError(angle types.Angle, err error) Offer {
	reason := ReasonDeviceUnavailable
	if errors.Is(err, camera.ErrPermissionDenied) {
		reason = ReasonPermissionDenied
	}
	c.logger.Info("camera unavailable, offering upload",
		zap.String("angle", string(angle)), zap.String("reason", string(reason)), zap.Error(err))
	return c.fallBack(angle, reason)
}

// HandleEmptyBurst switches angle to upload after a burst produced no frame
func (c *Controller) HandleEmptyBurst(angle types.Angle) Offer {
	c.logger.Info("burst capture failed, offering upload", zap.String("angle", string(angle)))
	return c.fallBack(angle, ReasonCaptureFailed)
}

func (c *Controller) fallBack(angle types.Angle, reason Reason) Offer {
	o := Offer{
		Angle:     angle,
		Reason:    reason,
		Message:   messages[reason],
		CanRetry:  true,
		CanUpload: true,
	}
	c.mu.Lock()
	c.modes[angle] = ModeUpload
	c.offers[angle] = o
	c.mu.Unlock()
	return o
}

// RetryCamera switches angle back to camera mode and clears its offer
func (c *Controller) RetryCamera(angle types.Angle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes[angle] = ModeCamera
	delete(c.offers, angle)
}

// Upload decodes a user-selected file and stores it as angle's image
func (c *Controller) Upload(angle types.Angle, filename string, r io.Reader) (types.CapturedImage, error) {
	if !angle.Valid() {
		return types.CapturedImage{}, fmt.Errorf("upload %q: %w", angle, session.ErrInvalidAngle)
	}
	if !utils.IsImageFile(filename) {
		return types.CapturedImage{}, fmt.Errorf("%s: %w", filepath.Base(filename), ErrUnsupportedFile)
	}
	img, err := c.proc.Decode(r)
	if err != nil {
		return types.CapturedImage{}, fmt.Errorf("failed to decode upload: %w", err)
	}
	if err := c.proc.ValidateImage(img); err != nil {
		return types.CapturedImage{}, fmt.Errorf("upload rejected: %w", err)
	}
	data, err := c.proc.EncodeJPEG(img)
	if err != nil {
		return types.CapturedImage{}, err
	}
	preview, err := c.proc.PreviewDataURL(img)
	if err != nil {
		return types.CapturedImage{}, err
	}

	captured := types.CapturedImage{
		File:       data,
		Preview:    preview,
		Angle:      angle,
		Source:     types.SourceUpload,
		CapturedAt: time.Now(),
	}
	if err := c.session.Capture(angle, captured); err != nil {
		return types.CapturedImage{}, err
	}
	c.mu.Lock()
	delete(c.offers, angle)
	c.mu.Unlock()

	c.logger.Debug("upload stored", zap.String("angle", string(angle)), zap.Int("bytes", len(data)))
	return captured, nil
}

// UploadFile is Upload for a file on disk
func (c *Controller) UploadFile(angle types.Angle, path string) (types.CapturedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.CapturedImage{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	return c.Upload(angle, path, f)
}
