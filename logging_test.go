package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vmharness/config"
)

func TestFanoutSplitsLinesToConsole(t *testing.T) {
	var out bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Level: "info"}, &out)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()

	if _, err := fanout.Write([]byte("Backend: first\nBackend: sec")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := fanout.Write([]byte("ond\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 complete lines; got %q", lines)
	}
	if !strings.HasSuffix(lines[0], "Backend: first") || !strings.HasSuffix(lines[1], "Backend: second") {
		t.Fatalf("unexpected lines %q", lines)
	}
	// Console lines carry timestamps.
	if !strings.HasPrefix(lines[0], time.Now().UTC().Format("2006/")) {
		t.Fatalf("expected timestamped line; got %q", lines[0])
	}
}

func TestFanoutFiltersDebugByLevel(t *testing.T) {
	var out bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Level: "info"}, &out)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()

	fanout.Write([]byte("debug: hidden\nvisible\n"))
	if strings.Contains(out.String(), "hidden") {
		t.Fatalf("expected debug line filtered at info level; got %q", out.String())
	}
	if !strings.Contains(out.String(), "visible") {
		t.Fatalf("expected info line kept; got %q", out.String())
	}

	var dbg bytes.Buffer
	fanout, err = setupLogging(config.LoggingConfig{Level: "debug"}, &dbg)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()

	fanout.Write([]byte("debug: shown\n"))
	if !strings.Contains(dbg.String(), "debug: shown") {
		t.Fatalf("expected debug line kept at debug level; got %q", dbg.String())
	}
}

func TestFanoutWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Level: "info", Dir: dir, RetentionDays: 7}, &out)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}

	fanout.Write([]byte("Capture: stats line\n"))
	if err := fanout.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := time.Now().UTC().Format(logFileDateLayout) + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("expected daily log file %s: %v", name, err)
	}
	if !strings.Contains(string(data), "Capture: stats line") {
		t.Fatalf("expected line in daily file; got %q", data)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	files := []string{
		"10-Jan-2026.log",
		"21-Jan-2026.log",
		"22-Jan-2026.log",
		"notes.txt",
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if err := cleanupOldLogs(dir, now, 7); err != nil {
		t.Fatalf("cleanupOldLogs: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "10-Jan-2026.log")); !os.IsNotExist(err) {
		t.Fatalf("expected expired log removed; got %v", err)
	}
	for _, keep := range []string{"21-Jan-2026.log", "22-Jan-2026.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("expected %s kept: %v", keep, err)
		}
	}
}
