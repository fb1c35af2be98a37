// Package config provides configuration management for faceattend.
// It loads configuration from YAML files with sensible defaults and lets
// FACEATTEND_* environment variables (optionally from a .env file) override them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all faceattend configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera acquisition and preview settings.
type CameraConfig struct {
	DevicePattern string        `yaml:"device_pattern"` // printf pattern, %d is the device index
	MaxDevices    int           `yaml:"max_devices"`
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	FPS           int           `yaml:"fps"`
	PreviewSize   int           `yaml:"preview_size"`
	MaxFailures   int           `yaml:"max_read_failures"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	ReadTimeout   time.Duration `yaml:"read_timeout"` // 0 disables the per-read deadline
}

// RecognitionConfig holds matching settings. Threshold is only meaningful
// for the scoring function it was calibrated against.
type RecognitionConfig struct {
	Scoring     string  `yaml:"scoring"` // "cosine" or "distance"
	Threshold   float64 `yaml:"threshold"`
	ModelPath   string  `yaml:"model_path"`
	FacePadding int     `yaml:"face_padding"`
}

// AttendanceConfig holds sign-in/sign-out rules.
type AttendanceConfig struct {
	Cooldown         time.Duration `yaml:"cooldown"`
	SignInOnRegister bool          `yaml:"sign_in_on_register"`
}

// StorageConfig holds record store settings.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	RecordFile string `yaml:"record_file"`
	KeyFile    string `yaml:"key_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/faceattend")
	return &Config{
		Camera: CameraConfig{
			DevicePattern: "/dev/video%d",
			MaxDevices:    10,
			Width:         640,
			Height:        480,
			FPS:           30,
			PreviewSize:   400,
			MaxFailures:   5,
			RetryBackoff:  time.Second,
			ReadTimeout:   5 * time.Second,
		},
		Recognition: RecognitionConfig{
			Scoring:     "distance",
			Threshold:   0.6,
			ModelPath:   filepath.Join(dataDir, "models"),
			FacePadding: 20,
		},
		Attendance: AttendanceConfig{
			Cooldown:         24 * time.Hour,
			SignInOnRegister: true,
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			RecordFile: "registered_data.json",
			KeyFile:    "encryption_key.key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   filepath.Join(dataDir, "faceattend.log"),
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/faceattend/faceattend.yaml"); err == nil {
		return Load("/etc/faceattend/faceattend.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/faceattend/faceattend.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv loads an optional .env file from the working directory and then
// applies FACEATTEND_* overrides. Malformed values are reported, not ignored.
func (c *Config) ApplyEnv() error {
	// .env is optional
	_ = godotenv.Load()

	if v := os.Getenv("FACEATTEND_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("FACEATTEND_MODEL_PATH"); v != "" {
		c.Recognition.ModelPath = v
	}
	if v := os.Getenv("FACEATTEND_SCORING"); v != "" {
		c.Recognition.Scoring = v
	}
	if v := os.Getenv("FACEATTEND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FACEATTEND_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FACEATTEND_THRESHOLD %q: %w", v, err)
		}
		c.Recognition.Threshold = f
	}
	if v := os.Getenv("FACEATTEND_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FACEATTEND_COOLDOWN %q: %w", v, err)
		}
		c.Attendance.Cooldown = d
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}
	if c.Camera.MaxDevices <= 0 {
		return fmt.Errorf("max_devices must be positive, got %d", c.Camera.MaxDevices)
	}
	if c.Camera.MaxFailures <= 0 {
		return fmt.Errorf("max_read_failures must be positive, got %d", c.Camera.MaxFailures)
	}
	if c.Camera.PreviewSize <= 0 {
		return fmt.Errorf("preview_size must be positive, got %d", c.Camera.PreviewSize)
	}
	if c.Camera.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative, got %s", c.Camera.ReadTimeout)
	}
	if !strings.Contains(c.Camera.DevicePattern, "%d") {
		return fmt.Errorf("device_pattern must contain %%d, got %q", c.Camera.DevicePattern)
	}

	switch c.Recognition.Scoring {
	case "cosine":
		// -1 would accept every non-degenerate comparison
		if c.Recognition.Threshold <= -1 || c.Recognition.Threshold > 1 {
			return fmt.Errorf("cosine threshold must be in (-1, 1], got %f", c.Recognition.Threshold)
		}
	case "distance":
		if c.Recognition.Threshold > 1 {
			return fmt.Errorf("distance threshold must be at most 1, got %f", c.Recognition.Threshold)
		}
	default:
		return fmt.Errorf("invalid scoring: %s (must be cosine or distance)", c.Recognition.Scoring)
	}
	if c.Recognition.FacePadding < 0 {
		return fmt.Errorf("face_padding must not be negative, got %d", c.Recognition.FacePadding)
	}

	if c.Attendance.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Attendance.Cooldown)
	}

	if c.Storage.RecordFile == "" || c.Storage.KeyFile == "" {
		return fmt.Errorf("record_file and key_file must be set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the data, model and log directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}
	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return nil
}

// KeyPath returns the location of the cipher key file.
func (c *Config) KeyPath() string {
	if filepath.IsAbs(c.Storage.KeyFile) {
		return c.Storage.KeyFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.KeyFile)
}

// RecordPath returns the location of the registered identities file.
func (c *Config) RecordPath() string {
	if filepath.IsAbs(c.Storage.RecordFile) {
		return c.Storage.RecordFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.RecordFile)
}
