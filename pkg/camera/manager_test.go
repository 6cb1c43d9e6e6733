package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/face-capture/pkg/types"
)

func solidFrame(v uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestAcquireAndRelease(t *testing.T) {
	dev := NewFileDevice(solidFrame(10), solidFrame(20))
	m := NewManager(dev, nil)

	s, err := m.Acquire(context.Background(), types.FacingUser)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, m.Active())
	assert.Equal(t, 1, dev.LiveStreams())

	img, err := m.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(10), img.(*image.Gray).Pix[0])

	m.Release()
	m.Release()
	assert.False(t, m.Active())
	assert.Equal(t, 0, dev.LiveStreams())

	_, err = m.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestAcquireReplacesLiveStream(t *testing.T) {
	dev := NewFileDevice(solidFrame(1))
	m := NewManager(dev, nil)

	_, err := m.Acquire(context.Background(), types.FacingUser)
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), types.FacingUser)
	require.NoError(t, err)

	assert.Equal(t, 2, dev.Opened())
	assert.Equal(t, 1, dev.LiveStreams())
}

func TestAcquirePermissionDenied(t *testing.T) {
	dev := NewFileDevice(solidFrame(1))
	dev.SetPermission(PermissionDenied)
	m := NewManager(dev, nil)

	s, err := m.Acquire(context.Background(), types.FacingUser)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Nil(t, m.Stream())
}

func TestAcquireClassifiesDeviceErrors(t *testing.T) {
	dev := NewFileDevice(solidFrame(1))
	dev.SetOpenError(errors.New("usb gone"))
	m := NewManager(dev, nil)

	_, err := m.Acquire(context.Background(), types.FacingUser)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "usb gone")

	dev.SetOpenError(ErrPermissionDenied)
	_, err = m.Acquire(context.Background(), types.FacingUser)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAcquireWithoutFrames(t *testing.T) {
	m := NewManager(NewFileDevice(), nil)
	_, err := m.Acquire(context.Background(), types.FacingUser)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestNilDevice(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Acquire(context.Background(), types.FacingUser)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, PermissionUnsupported, Probe(context.Background(), nil))
}

func TestSwitchTogglesFacing(t *testing.T) {
	dev := NewFileDevice(solidFrame(1))
	m := NewManager(dev, nil)

	_, err := m.Acquire(context.Background(), types.FacingUser)
	require.NoError(t, err)

	_, err = m.Switch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.FacingEnvironment, m.Facing())
	assert.Equal(t, 1, dev.LiveStreams())
}

func TestSwitchFailureLeavesOldStreamStopped(t *testing.T) {
	dev := NewFileDevice(solidFrame(1))
	m := NewManager(dev, nil)

	old, err := m.Acquire(context.Background(), types.FacingUser)
	require.NoError(t, err)

	dev.SetOpenError(errors.New("busy"))
	_, err = m.Switch(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Nil(t, m.Stream())
	assert.Equal(t, 0, dev.LiveStreams())

	_, err = old.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrStreamStopped)
}

func TestProbe(t *testing.T) {
	dev := NewFileDevice(solidFrame(1))
	assert.Equal(t, PermissionGranted, Probe(context.Background(), dev))
	assert.True(t, PermissionPrompt.Usable())
	assert.False(t, PermissionDenied.Usable())
}

func TestLoadFileDevice(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"b.png", "a.png"} {
		img := imaging.New(8, 8, color.NRGBA{uint8(i * 100), 0, 0, 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, name)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	dev, err := LoadFileDevice(dir, nil)
	require.NoError(t, err)

	s, err := dev.Open(context.Background(), types.FacingUser)
	require.NoError(t, err)
	first, err := s.ReadFrame(context.Background())
	require.NoError(t, err)
	r, _, _, _ := first.At(0, 0).RGBA()
	// a.png sorts first and was written with red=100
	assert.Equal(t, uint32(100)*0x101, r)

	_, err = LoadFileDevice(t.TempDir(), nil)
	assert.Error(t, err)
}
