package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/menta2k/face-capture/internal/utils"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/types"
)

// ErrStreamStopped is returned when reading from a stopped stream
var ErrStreamStopped = errors.New("stream stopped")

// FileDevice replays still images as a looping video stream. It stands in
// for a real camera in the CLI and in tests.
type FileDevice struct {
	mu         sync.Mutex
	frames     []image.Image
	permission Permission
	openErr    error
	opened     int
	streams    []*fileStream
}

// NewFileDevice creates a device that replays frames in order
func NewFileDevice(frames ...image.Image) *FileDevice {
	return &FileDevice{
		frames:     frames,
		permission: PermissionGranted,
	}
}

// LoadFileDevice creates a device from every image file found under dir,
// in lexical path order
func LoadFileDevice(dir string, proc *processing.Processor) (*FileDevice, error) {
	frames, err := LoadFrames(dir, proc)
	if err != nil {
		return nil, err
	}
	return NewFileDevice(frames...), nil
}

// LoadFrames decodes every image file under dir in lexical path order
func LoadFrames(dir string, proc *processing.Processor) ([]image.Image, error) {
	if proc == nil {
		proc = processing.NewProcessor()
	}
	paths, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no image files in %s", dir)
	}
	sort.Strings(paths)

	frames := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := proc.LoadImage(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load frame: %w", err)
		}
		frames = append(frames, img)
	}
	return frames, nil
}

// SetFrames replaces the frames replayed by streams opened from now on and
// by streams that are already live
func (d *FileDevice) SetFrames(frames ...image.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = frames
	for _, s := range d.streams {
		s.setFrames(frames)
	}
}

// SetPermission sets the result reported by Permission
func (d *FileDevice) SetPermission(p Permission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permission = p
}

// SetOpenError makes subsequent Open calls fail with err
func (d *FileDevice) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// Opened returns the number of successful Open calls
func (d *FileDevice) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// LiveStreams returns the number of opened streams that were not stopped
func (d *FileDevice) LiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		if !s.isStopped() {
			n++
		}
	}
	return n
}

// Permission implements Device
func (d *FileDevice) Permission(context.Context) Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// Open implements Device
func (d *FileDevice) Open(ctx context.Context, facing types.FacingMode) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if len(d.frames) == 0 {
		return nil, fmt.Errorf("no frames for %s camera: %w", facing, ErrDeviceUnavailable)
	}
	s := &fileStream{frames: d.frames}
	d.streams = append(d.streams, s)
	d.opened++
	return s, nil
}

type fileStream struct {
	mu      sync.Mutex
	frames  []image.Image
	next    int
	stopped bool
}

func (s *fileStream) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStreamStopped
	}
	if len(s.frames) == 0 {
		return nil, ErrNoStream
	}
	img := s.frames[s.next%len(s.frames)]
	s.next++
	return img, nil
}

func (s *fileStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fileStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fileStream) setFrames(frames []image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = frames
	s.next = 0
}
