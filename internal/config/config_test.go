package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/face-capture/pkg/pipeline"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, pipeline.DefaultOptions(), c.PipelineOptions())
	assert.Equal(t, quality.DefaultConfig(), c.QualityOptions())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.json", "config.yaml", "nested/config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			c := Default()
			c.Capture.Threshold = 82
			c.Capture.Facing = string(types.FacingEnvironment)
			c.Output.DebugOverlay = true
			require.NoError(t, c.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, c, loaded)
		})
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("capture:\n  threshold: 75\n  required_delay_ms: 2000\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	opts := c.PipelineOptions()
	assert.Equal(t, 75.0, opts.Threshold)
	assert.Equal(t, 2*time.Second, opts.RequiredDelay)
	assert.Equal(t, Default().Capture.BurstSize, opts.BurstSize)
	assert.Equal(t, "saliency", c.Position.Locator)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = LoadFromFile(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"threshold", func(c *Config) { c.Capture.Threshold = 101 }},
		{"negative delay", func(c *Config) { c.Capture.RequiredDelayMS = -1 }},
		{"burst size", func(c *Config) { c.Capture.BurstSize = 0 }},
		{"sample interval", func(c *Config) { c.Capture.SampleIntervalMS = 0 }},
		{"facing", func(c *Config) { c.Capture.Facing = "sideways" }},
		{"weights", func(c *Config) { c.Quality.Weights = quality.Weights{} }},
		{"ideal band", func(c *Config) { c.Quality.IdealLow = 0.8 }},
		{"face height", func(c *Config) { c.Position.MinFaceHeight = 0.9 }},
		{"center tolerance", func(c *Config) { c.Position.CenterTolerance = 0 }},
		{"locator", func(c *Config) { c.Position.Locator = "haar" }},
		{"vision backend", func(c *Config) {
			c.Position.Locator = "vision"
			c.Vision.Backend = "openai"
		}},
		{"output format", func(c *Config) { c.Output.Format = "gif" }},
		{"jpeg quality", func(c *Config) { c.Output.JPEGQuality = 0 }},
		{"min image size", func(c *Config) { c.Output.MinImageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestVisionLocatorConfig(t *testing.T) {
	c := Default()
	c.Position.Locator = "vision"
	c.Vision.Backend = "llamacpp"
	c.Vision.Model = ""
	require.NoError(t, c.Validate())

	v := c.VisionOptions()
	assert.Equal(t, c.Vision.SendSize, v.SendSize)
	assert.Equal(t, c.Vision.SendQuality, v.SendQ)
}

func TestConversions(t *testing.T) {
	c := Default()
	c.Position.EdgeThreshold = 0.05
	c.Output.JPEGQuality = 80

	assert.Equal(t, 0.05, c.SaliencyOptions().EdgeThreshold)
	assert.Equal(t, 80, c.ProcessorOptions().JPEGQuality)
	assert.Equal(t, c.Position.MinFaceHeight, c.PositionOptions().MinFaceHeight)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "config.yaml", filepath.Base(GetConfigPath()))
}
