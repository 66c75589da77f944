package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DetectionAPIConfig struct {
	BaseURL   string `yaml:"BaseURL"`
	TimeoutMs int    `yaml:"TimeoutMs"`
}

type CameraConfig struct {
	Enabled bool `yaml:"Enabled"`
	Device  int  `yaml:"Device"`
	Width   int  `yaml:"Width"`
	Height  int  `yaml:"Height"`
}

type Config struct {
	HTTPPort              int                `yaml:"HTTPPort"`
	RPCPort               int                `yaml:"RPCPort"`
	MetricsPort           int                `yaml:"MetricsPort"`
	DetectionAPI          DetectionAPIConfig `yaml:"DetectionAPI"`
	Camera                CameraConfig       `yaml:"Camera"`
	SessionIdleTimeoutSec int                `yaml:"SessionIdleTimeoutSec"`
	HeartbeatIntervalSec  int                `yaml:"HeartbeatIntervalSec"`
	JournalPath           string             `yaml:"JournalPath"`
	LogMode               string             `yaml:"LogMode"`
	// LogLevel overrides the mode's default threshold when set.
	LogLevel string `yaml:"LogLevel"`
}

func Default() Config {
	return Config{
		HTTPPort:    8080,
		RPCPort:     50051,
		MetricsPort: 50053,
		DetectionAPI: DetectionAPIConfig{
			BaseURL:   "http://localhost:8000",
			TimeoutMs: 30000,
		},
		Camera: CameraConfig{
			Enabled: true,
			Device:  0,
			Width:   1280,
			Height:  720,
		},
		SessionIdleTimeoutSec: 600,
		HeartbeatIntervalSec:  5,
		LogMode:               "production",
	}
}

// Load reads path on top of Default, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DETECTION_API_URL"); v != "" {
		cfg.DetectionAPI.BaseURL = v
	}
	if v := os.Getenv("DETECTION_API_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DETECTION_API_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.DetectionAPI.TimeoutMs = ms
	}
	if v := os.Getenv("CONSOLE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CONSOLE_HTTP_PORT %q: %w", v, err)
		}
		cfg.HTTPPort = port
	}
	if v := os.Getenv("CONSOLE_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("CONSOLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func (c *Config) normalize() {
	def := Default()
	if c.DetectionAPI.BaseURL == "" {
		c.DetectionAPI.BaseURL = def.DetectionAPI.BaseURL
	}
	if c.DetectionAPI.TimeoutMs <= 0 {
		c.DetectionAPI.TimeoutMs = def.DetectionAPI.TimeoutMs
	}
	if c.SessionIdleTimeoutSec <= 0 {
		c.SessionIdleTimeoutSec = def.SessionIdleTimeoutSec
	}
	if c.HeartbeatIntervalSec <= 0 {
		c.HeartbeatIntervalSec = def.HeartbeatIntervalSec
	}
	if c.HTTPPort <= 0 {
		c.HTTPPort = def.HTTPPort
	}
}

func (c Config) DetectionTimeout() time.Duration {
	return time.Duration(c.DetectionAPI.TimeoutMs) * time.Millisecond
}

func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSec) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}
