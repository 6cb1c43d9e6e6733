package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/menta2k/face-capture/internal/config"
	"github.com/menta2k/face-capture/pkg/client"
	"github.com/menta2k/face-capture/pkg/llamacpp"
	"github.com/menta2k/face-capture/pkg/ollama"
	"github.com/menta2k/face-capture/pkg/position"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "face-capture",
	Short: "Guided front, left and right face photo capture",
	Long: `face-capture runs a guided three-angle face capture session.

Frames are scored for sharpness, exposure and stability, a face locator gives
framing feedback, and a burst is taken once conditions hold long enough.
Angles the camera cannot serve fall back to image file uploads.

Without a camera the run command replays image files as a simulated stream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var (
			err    error
			source string
		)
		cfg, source, err = loadConfig(configPath)
		if err != nil {
			return err
		}

		level := firstNonEmpty(logLevel, cfg.Logging.Level)
		format := firstNonEmpty(logFormat, cfg.Logging.Format)
		logger, err = buildLogger(level, format)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debug("configuration loaded", zap.String("source", source))

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (json or yaml, default "+config.GetConfigPath()+" when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error (default from config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console|json (default from config)")

	rootCmd.AddCommand(runCmd, scoreCmd, probeCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zc zap.Config
	switch format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

// loadConfig reads path, or the default location when path is empty and a
// file exists there, or falls back to defaults. It also reports where the
// configuration came from.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = config.GetConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "defaults", nil
		}
	}
	c, err := config.LoadFromFile(path)
	if err != nil {
		return nil, "", err
	}
	return c, path, nil
}

// newVisionClient creates a client for the configured vision backend
func newVisionClient(backend, url string) (client.VisionClient, error) {
	switch backend {
	case "ollama":
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		if url == "" {
			url = "http://localhost:8080"
		}
		c, err := llamacpp.NewClient(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'ollama' or 'llamacpp')", backend)
	}
}

// newLocator builds the face locator named by kind: saliency, none or a
// vision backend
func newLocator(kind string) (position.Locator, error) {
	switch kind {
	case "saliency":
		return position.NewSaliencyLocator(cfg.SaliencyOptions()), nil
	case "none":
		return nil, nil
	case "vision":
		kind = cfg.Vision.Backend
	}
	vc, err := newVisionClient(kind, cfg.Vision.URL)
	if err != nil {
		return nil, err
	}
	return position.NewVisionLocator(vc, cfg.VisionOptions()), nil
}
