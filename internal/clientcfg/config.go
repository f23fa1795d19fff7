// Package clientcfg loads the capture client's YAML configuration.
package clientcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mvasko/medscribe/internal/audio"
	"github.com/mvasko/medscribe/internal/langdetect"
)

// Language mode values.
const (
	LanguageModeAuto  = "auto"
	LanguageModeFixed = "fixed"
)

// Config represents the complete capture client configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Capture  CaptureConfig  `yaml:"capture"`
	Language LanguageConfig `yaml:"language"`
	Fallback FallbackConfig `yaml:"fallback"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig points the client at the session gateway
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"` // JWT; ${ENV} values are expanded
}

// CaptureConfig contains audio capture parameters
type CaptureConfig struct {
	Source        string `yaml:"source"` // microphone, system, mixed
	ChunkWindowMs int    `yaml:"chunk_window_ms"`
}

// LanguageConfig controls language handling for the session
type LanguageConfig struct {
	Mode           string `yaml:"mode"` // auto or fixed
	Language       string `yaml:"language"`
	ThresholdBytes int    `yaml:"threshold_bytes"` // audio buffered before detection
}

// FallbackConfig controls the buffer-and-upload path
type FallbackConfig struct {
	SpoolDir string `yaml:"spool_dir"`
	Enabled  bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()
	config.Gateway.Token = os.ExpandEnv(config.Gateway.Token)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Capture.Source == "" {
		c.Capture.Source = "microphone"
	}
	if c.Capture.ChunkWindowMs == 0 {
		c.Capture.ChunkWindowMs = int(audio.DefaultChunkWindow.Milliseconds())
	}
	if c.Language.Mode == "" {
		c.Language.Mode = LanguageModeAuto
	}
	if c.Language.ThresholdBytes == 0 {
		c.Language.ThresholdBytes = langdetect.DefaultThresholdBytes
	}
	if c.Fallback.SpoolDir == "" {
		c.Fallback.SpoolDir = "spool"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Language.Validate(); err != nil {
		return fmt.Errorf("language config: %w", err)
	}
	if err := c.Fallback.Validate(); err != nil {
		return fmt.Errorf("fallback config: %w", err)
	}
	return nil
}

// Validate validates gateway configuration
func (g *GatewayConfig) Validate() error {
	if g.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if g.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	return nil
}

// Validate validates capture configuration
func (cc *CaptureConfig) Validate() error {
	if _, err := cc.ParseSource(); err != nil {
		return err
	}
	if cc.ChunkWindowMs < 20 || cc.ChunkWindowMs > 1000 {
		return fmt.Errorf("chunk_window_ms must be between 20 and 1000, got %d", cc.ChunkWindowMs)
	}
	return nil
}

// ParseSource maps the configured source name to a capture source
func (cc *CaptureConfig) ParseSource() (audio.Source, error) {
	switch cc.Source {
	case "microphone":
		return audio.SourceMicrophone, nil
	case "system":
		return audio.SourceSystemAudio, nil
	case "mixed":
		return audio.SourceMixed, nil
	default:
		return 0, fmt.Errorf("source must be microphone, system, or mixed, got %q", cc.Source)
	}
}

// Validate validates language configuration
func (l *LanguageConfig) Validate() error {
	switch l.Mode {
	case LanguageModeAuto:
	case LanguageModeFixed:
		if l.Language == "" {
			return fmt.Errorf("language cannot be empty in fixed mode")
		}
	default:
		return fmt.Errorf("mode must be auto or fixed, got %q", l.Mode)
	}
	if l.ThresholdBytes < 0 {
		return fmt.Errorf("threshold_bytes cannot be negative, got %d", l.ThresholdBytes)
	}
	return nil
}

// Validate validates fallback configuration
func (f *FallbackConfig) Validate() error {
	if f.Enabled && f.SpoolDir == "" {
		return fmt.Errorf("spool_dir cannot be empty when fallback is enabled")
	}
	return nil
}
