package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/face-capture/pkg/pipeline"
	"github.com/menta2k/face-capture/pkg/position"
	"github.com/menta2k/face-capture/pkg/processing"
	"github.com/menta2k/face-capture/pkg/quality"
	"github.com/menta2k/face-capture/pkg/types"
)

// Config holds the application configuration
type Config struct {
	Capture  CaptureConfig  `json:"capture" yaml:"capture"`
	Quality  QualityConfig  `json:"quality" yaml:"quality"`
	Position PositionConfig `json:"position" yaml:"position"`
	Vision   VisionConfig   `json:"vision" yaml:"vision"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// CaptureConfig holds auto-capture timing and burst settings
type CaptureConfig struct {
	Threshold        float64 `json:"threshold" yaml:"threshold"`
	RequiredDelayMS  int     `json:"required_delay_ms" yaml:"required_delay_ms"`
	CooldownMS       int     `json:"cooldown_ms" yaml:"cooldown_ms"`
	AutoCapture      bool    `json:"auto_capture" yaml:"auto_capture"`
	BurstSize        int     `json:"burst_size" yaml:"burst_size"`
	BurstIntervalMS  int     `json:"burst_interval_ms" yaml:"burst_interval_ms"`
	SampleIntervalMS int     `json:"sample_interval_ms" yaml:"sample_interval_ms"`
	DetectIntervalMS int     `json:"detect_interval_ms" yaml:"detect_interval_ms"`
	MaxPositionAgeMS int     `json:"max_position_age_ms" yaml:"max_position_age_ms"`
	Facing           string  `json:"facing" yaml:"facing"`
	WindowSize       int     `json:"window_size" yaml:"window_size"`
}

// QualityConfig holds the frame quality function parameters
type QualityConfig struct {
	AnalysisSize   int             `json:"analysis_size" yaml:"analysis_size"`
	Weights        quality.Weights `json:"weights" yaml:"weights"`
	SharpnessScale float64         `json:"sharpness_scale" yaml:"sharpness_scale"`
	IdealLow       float64         `json:"ideal_low" yaml:"ideal_low"`
	IdealHigh      float64         `json:"ideal_high" yaml:"ideal_high"`
	MotionScale    float64         `json:"motion_scale" yaml:"motion_scale"`
	UseStability   bool            `json:"use_stability" yaml:"use_stability"`
	MinSharpness   float64         `json:"min_sharpness" yaml:"min_sharpness"`
	MinExposure    float64         `json:"min_exposure" yaml:"min_exposure"`
	MinStability   float64         `json:"min_stability" yaml:"min_stability"`
}

// PositionConfig holds face framing tolerances and the locator choice
type PositionConfig struct {
	// Locator is saliency, vision or none
	Locator         string  `json:"locator" yaml:"locator"`
	CenterTolerance float64 `json:"center_tolerance" yaml:"center_tolerance"`
	MinFaceHeight   float64 `json:"min_face_height" yaml:"min_face_height"`
	MaxFaceHeight   float64 `json:"max_face_height" yaml:"max_face_height"`
	MinConfidence   float64 `json:"min_confidence" yaml:"min_confidence"`
	EdgeThreshold   float64 `json:"edge_threshold" yaml:"edge_threshold"`
	MinContrast     float64 `json:"min_contrast" yaml:"min_contrast"`
}

// VisionConfig holds the vision model backend used by the vision locator
type VisionConfig struct {
	// Backend is ollama or llamacpp
	Backend     string `json:"backend" yaml:"backend"`
	URL         string `json:"url" yaml:"url"`
	Model       string `json:"model" yaml:"model"`
	SendSize    int    `json:"send_size" yaml:"send_size"`
	SendQuality int    `json:"send_quality" yaml:"send_quality"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Format       string `json:"format" yaml:"format"`
	OutputDir    string `json:"output_dir" yaml:"output_dir"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	JPEGQuality  int    `json:"jpeg_quality" yaml:"jpeg_quality"`
	PreviewSize  int    `json:"preview_size" yaml:"preview_size"`
	MinImageSize int    `json:"min_image_size" yaml:"min_image_size"`
	DebugOverlay bool   `json:"debug_overlay" yaml:"debug_overlay"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	opts := pipeline.DefaultOptions()
	q := quality.DefaultConfig()
	p := position.DefaultConfig()
	s := position.DefaultSaliencyConfig()
	proc := processing.DefaultConfig()

	return &Config{
		Capture: CaptureConfig{
			Threshold:        opts.Threshold,
			RequiredDelayMS:  int(opts.RequiredDelay / time.Millisecond),
			CooldownMS:       int(opts.Cooldown / time.Millisecond),
			AutoCapture:      opts.AutoCapture,
			BurstSize:        opts.BurstSize,
			BurstIntervalMS:  int(opts.BurstInterval / time.Millisecond),
			SampleIntervalMS: int(opts.SampleInterval / time.Millisecond),
			DetectIntervalMS: int(opts.DetectInterval / time.Millisecond),
			MaxPositionAgeMS: int(opts.MaxPositionAge / time.Millisecond),
			Facing:           string(opts.Facing),
			WindowSize:       opts.WindowSize,
		},
		Quality: QualityConfig{
			AnalysisSize:   q.AnalysisSize,
			Weights:        q.Weights,
			SharpnessScale: q.SharpnessScale,
			IdealLow:       q.IdealLow,
			IdealHigh:      q.IdealHigh,
			MotionScale:    q.MotionScale,
			UseStability:   q.UseStability,
			MinSharpness:   q.MinSharpness,
			MinExposure:    q.MinExposure,
			MinStability:   q.MinStability,
		},
		Position: PositionConfig{
			Locator:         "saliency",
			CenterTolerance: p.CenterTolerance,
			MinFaceHeight:   p.MinFaceHeight,
			MaxFaceHeight:   p.MaxFaceHeight,
			MinConfidence:   p.MinConfidence,
			EdgeThreshold:   s.EdgeThreshold,
			MinContrast:     s.MinContrast,
		},
		Vision: VisionConfig{
			Backend:     "ollama",
			URL:         "http://localhost:11434",
			Model:       "qwen2.5vl:7b",
			SendSize:    512,
			SendQuality: 80,
		},
		Output: OutputConfig{
			Format:       "jpg",
			OutputDir:    "./captures",
			Prefix:       "face_",
			JPEGQuality:  proc.JPEGQuality,
			PreviewSize:  proc.PreviewSize,
			MinImageSize: proc.MinImageSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension. Fields missing from the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Marshal(isYAML(filename))
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Marshal encodes the configuration as YAML or indented JSON
func (c *Config) Marshal(asYAML bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if asYAML {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Capture.Threshold < 0 || c.Capture.Threshold > 100 {
		return fmt.Errorf("capture.threshold must be between 0 and 100")
	}

	if c.Capture.RequiredDelayMS < 0 || c.Capture.CooldownMS < 0 || c.Capture.BurstIntervalMS < 0 {
		return fmt.Errorf("capture delays cannot be negative")
	}

	if c.Capture.BurstSize < 1 || c.Capture.BurstSize > 20 {
		return fmt.Errorf("capture.burst_size must be between 1 and 20")
	}

	if c.Capture.SampleIntervalMS < 1 || c.Capture.DetectIntervalMS < 1 {
		return fmt.Errorf("capture sample and detect intervals must be positive")
	}

	if _, err := parseFacing(c.Capture.Facing); err != nil {
		return err
	}

	w := c.Quality.Weights
	if w.Sharpness < 0 || w.Exposure < 0 || w.Stability < 0 || w.Sharpness+w.Exposure+w.Stability == 0 {
		return fmt.Errorf("quality.weights must be non-negative and not all zero")
	}

	if c.Quality.IdealLow < 0 || c.Quality.IdealHigh > 1 || c.Quality.IdealLow >= c.Quality.IdealHigh {
		return fmt.Errorf("quality.ideal_low must be below quality.ideal_high, both between 0 and 1")
	}

	if c.Position.MinFaceHeight <= 0 || c.Position.MaxFaceHeight > 1 || c.Position.MinFaceHeight >= c.Position.MaxFaceHeight {
		return fmt.Errorf("position.min_face_height must be below position.max_face_height, both between 0 and 1")
	}

	if c.Position.CenterTolerance <= 0 || c.Position.CenterTolerance > 0.5 {
		return fmt.Errorf("position.center_tolerance must be between 0 and 0.5")
	}

	switch c.Position.Locator {
	case "saliency", "none":
	case "vision":
		if c.Vision.Backend != "ollama" && c.Vision.Backend != "llamacpp" {
			return fmt.Errorf("vision.backend must be ollama or llamacpp")
		}
		if c.Vision.Model == "" && c.Vision.Backend == "ollama" {
			return fmt.Errorf("vision.model is required for the ollama backend")
		}
	default:
		return fmt.Errorf("position.locator must be saliency, vision or none")
	}

	switch strings.ToLower(c.Output.Format) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.format must be jpg, png or webp")
	}

	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be between 1 and 100")
	}

	if c.Output.MinImageSize < 1 {
		return fmt.Errorf("output.min_image_size must be positive")
	}

	return nil
}

func parseFacing(s string) (types.FacingMode, error) {
	switch types.FacingMode(s) {
	case types.FacingUser, types.FacingEnvironment:
		return types.FacingMode(s), nil
	}
	return "", fmt.Errorf("capture.facing must be %s or %s", types.FacingUser, types.FacingEnvironment)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// PipelineOptions converts the capture section to pipeline options
func (c *Config) PipelineOptions() pipeline.Options {
	facing, err := parseFacing(c.Capture.Facing)
	if err != nil {
		facing = types.FacingUser
	}
	return pipeline.Options{
		Threshold:      c.Capture.Threshold,
		RequiredDelay:  ms(c.Capture.RequiredDelayMS),
		Cooldown:       ms(c.Capture.CooldownMS),
		AutoCapture:    c.Capture.AutoCapture,
		BurstSize:      c.Capture.BurstSize,
		BurstInterval:  ms(c.Capture.BurstIntervalMS),
		SampleInterval: ms(c.Capture.SampleIntervalMS),
		DetectInterval: ms(c.Capture.DetectIntervalMS),
		MaxPositionAge: ms(c.Capture.MaxPositionAgeMS),
		Facing:         facing,
		WindowSize:     c.Capture.WindowSize,
	}
}

// QualityOptions converts the quality section to sampler configuration
func (c *Config) QualityOptions() quality.Config {
	q := c.Quality
	return quality.Config{
		AnalysisSize:   q.AnalysisSize,
		Weights:        q.Weights,
		SharpnessScale: q.SharpnessScale,
		IdealLow:       q.IdealLow,
		IdealHigh:      q.IdealHigh,
		MotionScale:    q.MotionScale,
		UseStability:   q.UseStability,
		MinSharpness:   q.MinSharpness,
		MinExposure:    q.MinExposure,
		MinStability:   q.MinStability,
	}
}

// PositionOptions converts the position section to detector tolerances
func (c *Config) PositionOptions() position.Config {
	return position.Config{
		CenterTolerance: c.Position.CenterTolerance,
		MinFaceHeight:   c.Position.MinFaceHeight,
		MaxFaceHeight:   c.Position.MaxFaceHeight,
		MinConfidence:   c.Position.MinConfidence,
	}
}

// SaliencyOptions returns the saliency locator configuration
func (c *Config) SaliencyOptions() position.SaliencyConfig {
	s := position.DefaultSaliencyConfig()
	s.EdgeThreshold = c.Position.EdgeThreshold
	s.MinContrast = c.Position.MinContrast
	return s
}

// VisionOptions returns the vision locator configuration
func (c *Config) VisionOptions() position.VisionConfig {
	return position.VisionConfig{
		Model:    c.Vision.Model,
		SendSize: c.Vision.SendSize,
		SendQ:    c.Vision.SendQuality,
	}
}

// ProcessorOptions returns the image encoding configuration
func (c *Config) ProcessorOptions() processing.Config {
	return processing.Config{
		JPEGQuality:  c.Output.JPEGQuality,
		PreviewSize:  c.Output.PreviewSize,
		MinImageSize: c.Output.MinImageSize,
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "face-capture", "config.yaml")
}
