// Package camera owns the video input device of a capture session.
//
// A Manager holds at most one live Stream. Devices report failures with
// ErrPermissionDenied or ErrDeviceUnavailable so callers can route to the
// manual upload path without inspecting device specific errors.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/menta2k/face-capture/pkg/types"
)

var (
	// ErrPermissionDenied is returned when the user declined camera access
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable is returned when no suitable camera could be opened
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrNoStream is returned when reading from a manager without a live stream
	ErrNoStream = errors.New("no active camera stream")
)

// Permission is the result of a camera capability probe
type Permission string

const (
	PermissionGranted     Permission = "granted"
	PermissionPrompt      Permission = "prompt"
	PermissionDenied      Permission = "denied"
	PermissionUnsupported Permission = "unsupported"
)

// Usable reports whether acquisition may be attempted
func (p Permission) Usable() bool {
	return p == PermissionGranted || p == PermissionPrompt
}

// Stream is a live video stream
type Stream interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Stop()
}

// Device opens video streams
type Device interface {
	Open(ctx context.Context, facing types.FacingMode) (Stream, error)
	Permission(ctx context.Context) Permission
}

// Probe reports camera availability without acquiring a stream
func Probe(ctx context.Context, device Device) Permission {
	if device == nil {
		return PermissionUnsupported
	}
	return device.Permission(ctx)
}

// Manager acquires and releases the single stream of a session
type Manager struct {
	device Device
	logger *zap.Logger

	mu     sync.Mutex
	stream Stream
	facing types.FacingMode
}

// NewManager creates a manager for device
func NewManager(device Device, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		device: device,
		logger: logger.Named("camera"),
		facing: types.FacingUser,
	}
}

// Acquire opens a stream with the requested facing mode. Any live stream is
// released first.
func (m *Manager) Acquire(ctx context.Context, facing types.FacingMode) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	return m.acquireLocked(ctx, facing)
}

// Release stops the live stream. It is safe to call any number of times.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

// Switch releases the current stream and acquires one with the opposite
// facing mode. The old stream stays stopped when re-acquisition fails.
func (m *Manager) Switch(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.facing.Opposite()
	m.releaseLocked()
	return m.acquireLocked(ctx, next)
}

// ReadFrame reads a frame from the live stream
func (m *Manager) ReadFrame(ctx context.Context) (image.Image, error) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return nil, ErrNoStream
	}
	return s.ReadFrame(ctx)
}

// Stream returns the live stream or nil
func (m *Manager) Stream() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Active reports whether a stream is live
func (m *Manager) Active() bool {
	return m.Stream() != nil
}

// Facing returns the facing mode of the last acquisition attempt
func (m *Manager) Facing() types.FacingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

func (m *Manager) acquireLocked(ctx context.Context, facing types.FacingMode) (Stream, error) {
	m.facing = facing
	if m.device == nil {
		return nil, fmt.Errorf("acquire %s camera: %w", facing, ErrDeviceUnavailable)
	}
	if p := m.device.Permission(ctx); p == PermissionDenied {
		m.logger.Info("camera permission denied", zap.String("facing", string(facing)))
		return nil, fmt.Errorf("acquire %s camera: %w", facing, ErrPermissionDenied)
	} else if p == PermissionUnsupported {
		return nil, fmt.Errorf("acquire %s camera: %w", facing, ErrDeviceUnavailable)
	}

	s, err := m.device.Open(ctx, facing)
	if err != nil {
		m.logger.Warn("camera acquisition failed", zap.String("facing", string(facing)), zap.Error(err))
		return nil, classify(facing, err)
	}
	if s == nil {
		return nil, fmt.Errorf("acquire %s camera: %w", facing, ErrDeviceUnavailable)
	}
	m.stream = s
	m.logger.Debug("camera acquired", zap.String("facing", string(facing)))
	return s, nil
}

func (m *Manager) releaseLocked() {
	if m.stream == nil {
		return
	}
	m.stream.Stop()
	m.stream = nil
	m.logger.Debug("camera released", zap.String("facing", string(m.facing)))
}

func classify(facing types.FacingMode, err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return fmt.Errorf("acquire %s camera: %w", facing, err)
	}
	return fmt.Errorf("acquire %s camera: %w: %v", facing, ErrDeviceUnavailable, err)
}
