package processing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/face-capture/pkg/types"
)

// createTestImage creates a simple gradient image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8((x * 255) / width), uint8((y * 255) / height), 128, 255})
		}
	}
	return img
}

func TestNewProcessorWithConfigDefaults(t *testing.T) {
	p := NewProcessorWithConfig(Config{JPEGQuality: 0, PreviewSize: -1, MinImageSize: 50})
	assert.Equal(t, 92, p.Config().JPEGQuality)
	assert.Equal(t, 320, p.Config().PreviewSize)
	assert.Equal(t, 50, p.Config().MinImageSize)
}

func TestEncodeJPEGRoundTrip(t *testing.T) {
	p := NewProcessor()
	data, err := p.EncodeJPEG(createTestImage(120, 80))
	require.NoError(t, err)

	img, err := p.DecodeBytes(data)
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())
	assert.Equal(t, 80, img.Bounds().Dy())
}

func TestEncodeJPEGNil(t *testing.T) {
	_, err := NewProcessor().EncodeJPEG(nil)
	assert.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	p := NewProcessor()
	_, err := p.Decode(strings.NewReader("not an image"))
	assert.Error(t, err)

	_, err = p.DecodeBytes(nil)
	assert.Error(t, err)
}

func TestPreviewDataURL(t *testing.T) {
	p := NewProcessorWithConfig(Config{PreviewSize: 64})
	url, err := p.PreviewDataURL(createTestImage(640, 480))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))
}

func TestValidateImage(t *testing.T) {
	p := NewProcessor()
	assert.NoError(t, p.ValidateImage(createTestImage(200, 200)))
	assert.Error(t, p.ValidateImage(createTestImage(50, 200)))
	assert.Error(t, p.ValidateImage(nil))
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, createTestImage(32, 24)))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	img, err := NewProcessor().LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	_, err = NewProcessor().LoadImage(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	out := p.CreateDebugOverlay(src, types.Box{X: 0.2, Y: 0.2, W: 0.4, H: 0.4}, types.Box{X: 0.1, Y: 0.1, W: 0.8, H: 0.8})

	assert.Equal(t, src.Bounds(), out.Bounds())
	// top-left corner of the face box is green
	r, g, b, _ := out.At(20, 20).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0), b)
	// source untouched
	_, g0, _, _ := src.At(20, 20).RGBA()
	assert.Equal(t, uint32(0), g0)
}
