package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()
	if cfg.Backend.ResultDir != "testresults" {
		t.Fatalf("expected default result dir; got %s", cfg.Backend.ResultDir)
	}
	if cfg.Capture.ScreenshotIntervalMS != 500 || cfg.Capture.UpdateRequestIntervalMS != 500 {
		t.Fatalf("expected 500ms capture defaults; got %+v", cfg.Capture)
	}
	if cfg.Serial.File != "serial0.txt" {
		t.Fatalf("expected default serial log name; got %s", cfg.Serial.File)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.RetentionDays != 7 {
		t.Fatalf("expected logging defaults; got %+v", cfg.Logging)
	}
}

func TestLoadOverridesAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.yaml")
	content := `
backend:
  result_dir: /srv/results
  command_fd: 3
  response_fd: 4
capture:
  screenshot_interval_ms: 100
consoles:
  - name: serial0
    type: serial-telnet
    host: localhost
    port: 15000
encoder:
  enabled: true
  command: ["videoenc", "video.webm"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.ResultDir != "/srv/results" {
		t.Fatalf("expected result dir override; got %s", cfg.Backend.ResultDir)
	}
	if cfg.Backend.CommandFD != 3 || cfg.Backend.ResponseFD != 4 {
		t.Fatalf("expected pipe fds 3/4; got %d/%d", cfg.Backend.CommandFD, cfg.Backend.ResponseFD)
	}
	if cfg.Capture.ScreenshotIntervalMS != 100 {
		t.Fatalf("expected screenshot interval override; got %d", cfg.Capture.ScreenshotIntervalMS)
	}
	// Unset values still get defaults.
	if cfg.Capture.UpdateRequestIntervalMS != 500 {
		t.Fatalf("expected default update interval; got %d", cfg.Capture.UpdateRequestIntervalMS)
	}
	if len(cfg.Consoles) != 1 || cfg.Consoles[0].Type != "serial-telnet" {
		t.Fatalf("expected one serial-telnet console; got %+v", cfg.Consoles)
	}
	if !cfg.Encoder.Enabled || len(cfg.Encoder.Command) != 2 {
		t.Fatalf("expected encoder command; got %+v", cfg.Encoder)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("no-such-config.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestPathsAnchorInResultDir(t *testing.T) {
	cfg := Default()
	cfg.Backend.ResultDir = "/run/vm1"

	if got := cfg.SerialPath(); got != "/run/vm1/serial0.txt" {
		t.Fatalf("unexpected serial path %s", got)
	}
	if got := cfg.RunFilePath(); got != "/run/vm1/backend.run" {
		t.Fatalf("unexpected run file path %s", got)
	}
	if got := cfg.CrashFilePath(); got != "/run/vm1/backend.crashed" {
		t.Fatalf("unexpected crash file path %s", got)
	}

	// Absolute settings are taken as-is.
	cfg.Serial.File = "/dev/shm/serial"
	if got := cfg.SerialPath(); got != "/dev/shm/serial" {
		t.Fatalf("expected absolute serial path kept; got %s", got)
	}
}
