// Program vmharness runs the backend half of a VM-based OS testing
// harness: it owns the console connection to the system under test,
// captures screenshots on a periodic schedule, and services commands
// (assert_screen, wait_serial, console input) arriving from the
// test-execution process over a pipe pair.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"

	"golang.org/x/term"

	"vmharness/backend"
	"vmharness/config"
	"vmharness/console"
	"vmharness/needle"
)

const envConfigPath = "VMHARNESS_CONFIG"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (or $"+envConfigPath+")")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vmharness: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	fanout, err := setupLogging(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmharness: file logging unavailable: %v\n", err)
	}
	log.SetOutput(fanout)
	log.SetFlags(0)
	defer fanout.Close()

	if path != "" {
		log.Printf("Loaded configuration from %s", path)
	}
	cfg.Print()

	cmdFD := cfg.Backend.CommandFD
	rspFD := cfg.Backend.ResponseFD
	if rspFD == 0 {
		rspFD = 1
	}
	if term.IsTerminal(cmdFD) {
		log.Printf("Backend: fd %d looks like a terminal, expected the command pipe; "+
			"this process is meant to be driven by a test runner", cmdFD)
	}
	cmdPipe := os.NewFile(uintptr(cmdFD), "command pipe")
	rspPipe := os.NewFile(uintptr(rspFD), "response pipe")

	consoles := console.NewRegistry()
	for _, cc := range cfg.Consoles {
		switch cc.Type {
		case "serial-telnet":
			consoles.Register(cc.Name, console.NewSerial(cc.Name, cc.Host, cc.Port, cfg.SerialPath()))
		default:
			log.Printf("Console: ignoring %q with unknown type %q", cc.Name, cc.Type)
		}
	}

	needles := needle.NewRegistry()
	if cfg.Needles.Dir != "" {
		loaded, err := needle.LoadDir(cfg.Needles.Dir)
		if err != nil {
			log.Printf("Needles: %v", err)
		} else {
			needles = loaded
		}
	}

	encoder, stopEncoder := startEncoder(cfg)

	opts := backend.Options{
		Config:       cfg,
		Consoles:     consoles,
		Needles:      needles,
		CommandPipe:  cmdPipe,
		ResponsePipe: rspPipe,
	}
	if encoder != nil {
		opts.Encoder = encoder
	}
	b, err := backend.New(opts)
	if err != nil {
		log.Printf("Backend: %v", err)
		fanout.Close()
		os.Exit(1)
	}

	// A crash marker from a previous run is stale once we start.
	b.RemoveCrashFile()

	runErr := b.Run()
	if stopEncoder != nil {
		stopEncoder()
	}
	if runErr != nil {
		fanout.Close()
		os.Exit(1)
	}
}

// startEncoder launches the video encoder subprocess and returns a
// buffered writer over its stdin plus a stop function. The encoder is
// optional and best-effort throughout; failure to start just disables
// it.
func startEncoder(cfg *config.Config) (*bufio.Writer, func()) {
	if !cfg.Encoder.Enabled || len(cfg.Encoder.Command) == 0 {
		return nil, nil
	}
	cmd := exec.Command(cfg.Encoder.Command[0], cfg.Encoder.Command[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Printf("Encoder: stdin: %v", err)
		return nil, nil
	}
	if err := cmd.Start(); err != nil {
		log.Printf("Encoder: start: %v", err)
		return nil, nil
	}
	log.Printf("Encoder: started %v (pid %d)", cfg.Encoder.Command, cmd.Process.Pid)
	stop := func() {
		_ = stdin.Close()
		if err := cmd.Wait(); err != nil {
			log.Printf("Encoder: exited: %v", err)
		}
	}
	return bufio.NewWriter(stdin), stop
}
