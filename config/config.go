package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete backend configuration
type Config struct {
	Backend  BackendConfig   `yaml:"backend"`
	Capture  CaptureConfig   `yaml:"capture"`
	Serial   SerialConfig    `yaml:"serial"`
	Needles  NeedleConfig    `yaml:"needles"`
	Consoles []ConsoleConfig `yaml:"consoles"`
	Encoder  EncoderConfig   `yaml:"encoder"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// BackendConfig contains general backend settings
type BackendConfig struct {
	// ResultDir holds screenshots, marker files and the serial log.
	ResultDir string `yaml:"result_dir"`
	// CommandFD/ResponseFD are inherited file descriptors for the pipe
	// pair connecting the test thread to the backend thread. Zero means
	// stdin/stdout.
	CommandFD  int    `yaml:"command_fd"`
	ResponseFD int    `yaml:"response_fd"`
	RunFile    string `yaml:"run_file"`
	CrashFile  string `yaml:"crash_file"`
}

// CaptureConfig contains capture-loop timing settings
type CaptureConfig struct {
	ScreenshotIntervalMS    int `yaml:"screenshot_interval_ms"`
	UpdateRequestIntervalMS int `yaml:"update_request_interval_ms"`
	StatsIntervalSeconds    int `yaml:"stats_interval_seconds"`
}

// SerialConfig contains serial-log settings
type SerialConfig struct {
	// File is the growing serial output log written by the serial console
	// (or by the VM supervisor when the serial port is handled elsewhere).
	File string `yaml:"file"`
}

// NeedleConfig contains needle registry settings
type NeedleConfig struct {
	Dir string `yaml:"dir"`
}

// ConsoleConfig declares one console to register at startup
type ConsoleConfig struct {
	Name string `yaml:"name"`
	// Type selects the console variant; currently "serial-telnet".
	Type string `yaml:"type"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EncoderConfig contains video encoder subprocess settings
type EncoderConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses a YAML config file, then fills in defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, for callers that
// run without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Backend.ResultDir == "" {
		c.Backend.ResultDir = "testresults"
	}
	if c.Backend.RunFile == "" {
		c.Backend.RunFile = "backend.run"
	}
	if c.Backend.CrashFile == "" {
		c.Backend.CrashFile = "backend.crashed"
	}
	if c.Capture.ScreenshotIntervalMS <= 0 {
		c.Capture.ScreenshotIntervalMS = 500
	}
	if c.Capture.UpdateRequestIntervalMS <= 0 {
		c.Capture.UpdateRequestIntervalMS = 500
	}
	if c.Capture.StatsIntervalSeconds <= 0 {
		c.Capture.StatsIntervalSeconds = 60
	}
	if c.Serial.File == "" {
		c.Serial.File = "serial0.txt"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
}

// SerialPath returns the serial log path, anchored in the result dir
// when relative.
func (c *Config) SerialPath() string {
	return anchor(c.Backend.ResultDir, c.Serial.File)
}

// RunFilePath returns the liveness marker path, anchored in the result
// dir when relative.
func (c *Config) RunFilePath() string {
	return anchor(c.Backend.ResultDir, c.Backend.RunFile)
}

// CrashFilePath returns the crash marker path, anchored in the result
// dir when relative.
func (c *Config) CrashFilePath() string {
	return anchor(c.Backend.ResultDir, c.Backend.CrashFile)
}

func anchor(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Result dir: %s\n", c.Backend.ResultDir)
	fmt.Printf("Capture: screenshot=%dms update=%dms\n",
		c.Capture.ScreenshotIntervalMS, c.Capture.UpdateRequestIntervalMS)
	fmt.Printf("Serial log: %s\n", c.Serial.File)
	if c.Needles.Dir != "" {
		fmt.Printf("Needles: %s\n", c.Needles.Dir)
	}
	for _, con := range c.Consoles {
		fmt.Printf("Console %s: %s %s:%d\n", con.Name, con.Type, con.Host, con.Port)
	}
	if c.Encoder.Enabled {
		fmt.Printf("Video encoder: %v\n", c.Encoder.Command)
	}
}
