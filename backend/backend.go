// Package backend implements the capture/assertion engine: the process
// that owns the VM console connection, runs the periodic capture loop,
// services test-thread commands over the pipe pair, and implements
// assert_screen and wait_serial on top of them.
package backend

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"vmharness/config"
	"vmharness/console"
	"vmharness/frame"
	"vmharness/ipc"
	"vmharness/needle"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errPipeClosed terminates the capture loop when the test thread closes
// the command pipe. It is the orderly way to stop a backend.
var errPipeClosed = errors.New("backend: command pipe closed")

// handler decodes one command's arguments and produces its response
// value. A returned error is fatal to the backend thread (protocol and
// I/O failures only; lookup failures degrade inside the handler).
type handler func(args jsoniter.RawMessage) (interface{}, error)

type cmdEvent struct {
	cmd *ipc.Command
	err error
}

// Backend owns the VM console connection and all capture state. All
// mutation happens on the backend goroutine; the test thread talks to
// it exclusively through the pipe pair.
type Backend struct {
	cfg   *config.Config
	runID string

	consoles *console.Registry
	needles  *needle.Registry

	currentConsole console.Console
	currentScreen  console.Console

	// screenshot store
	resultDir    string
	frameSeq     int
	lastImage    *frame.Frame
	lastName     string
	encoder      io.Writer
	framesStored int
	framesLinked int
	bytesStored  int64
	statsAt      time.Time

	// reference image for has-the-screen-changed queries
	reference *frame.Frame

	// serial monitor
	serialFile   string
	serialOffset int64

	// ipc
	cmdReader *ipc.Reader
	rspWriter *ipc.Writer
	cmds      chan cmdEvent
	handlers  map[string]handler
	inFlight  bool

	// markers
	runFile   string
	crashFile string
	runLock   runLock

	// timing, injectable for tests
	now   func() time.Time
	sleep func(time.Duration)

	screenshotInterval time.Duration
	updateInterval     time.Duration
	statsInterval      time.Duration

	running atomic.Bool
}

// Options wires a Backend to its collaborators. CommandPipe and
// ResponsePipe may be nil for a backend driven directly (tests);
// Encoder is the optional video encoder stdin.
type Options struct {
	Config       *config.Config
	Consoles     *console.Registry
	Needles      *needle.Registry
	CommandPipe  io.Reader
	ResponsePipe io.Writer
	Encoder      io.Writer
}

// New constructs a Backend. The serial mark defaults to the current
// size of the serial log, so a fresh backend does not expose
// pre-existing serial history.
func New(opts Options) (*Backend, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	consoles := opts.Consoles
	if consoles == nil {
		consoles = console.NewRegistry()
	}
	needles := opts.Needles
	if needles == nil {
		needles = needle.NewRegistry()
	}

	if err := os.MkdirAll(cfg.Backend.ResultDir, 0755); err != nil {
		return nil, fmt.Errorf("backend: create result dir: %w", err)
	}

	b := &Backend{
		cfg:       cfg,
		runID:     uuid.NewString(),
		consoles:  consoles,
		needles:   needles,
		resultDir: cfg.Backend.ResultDir,
		encoder:   opts.Encoder,

		serialFile: cfg.SerialPath(),

		runFile:   cfg.RunFilePath(),
		crashFile: cfg.CrashFilePath(),

		now:   time.Now,
		sleep: time.Sleep,

		screenshotInterval: time.Duration(cfg.Capture.ScreenshotIntervalMS) * time.Millisecond,
		updateInterval:     time.Duration(cfg.Capture.UpdateRequestIntervalMS) * time.Millisecond,
		statsInterval:      time.Duration(cfg.Capture.StatsIntervalSeconds) * time.Second,
	}

	if size, err := fileSize(b.serialFile); err == nil {
		b.serialOffset = size
	}

	if opts.CommandPipe != nil {
		b.cmdReader = ipc.NewReader(opts.CommandPipe)
		b.cmds = make(chan cmdEvent)
	}
	if opts.ResponsePipe != nil {
		b.rspWriter = ipc.NewWriter(opts.ResponsePipe)
	}

	b.handlers = b.buildHandlers()
	return b, nil
}

// buildHandlers is the complete command set; anything outside it is a
// fatal "not supported command" protocol error at dispatch time.
func (b *Backend) buildHandlers() map[string]handler {
	return map[string]handler{
		"select_console":           b.cmdSelectConsole,
		"reset_console":            b.cmdResetConsole,
		"deactivate_console":       b.cmdDeactivateConsole,
		"send_key":                 b.cmdSendKey,
		"type_string":              b.cmdTypeString,
		"mouse_set":                b.cmdMouseSet,
		"mouse_hide":               b.cmdMouseHide,
		"mouse_button":             b.cmdMouseButton,
		"request_screen_update":    b.cmdRequestScreenUpdate,
		"last_screenshot_name":     b.cmdLastScreenshotName,
		"assert_screen":            b.cmdAssertScreen,
		"set_serial_offset":        b.cmdSetSerialOffset,
		"serial_text":              b.cmdSerialText,
		"wait_serial":              b.cmdWaitSerial,
		"set_reference_screenshot": b.cmdSetReferenceScreenshot,
		"similarity_to_reference":  b.cmdSimilarityToReference,
		"set_capture_intervals":    b.cmdSetCaptureIntervals,
		"proxy_console_call":       b.cmdProxyConsoleCall,
	}
}

// Run is the backend thread's main entry: it creates the run marker,
// starts draining the command pipe, and runs the capture loop until the
// pipe closes (orderly) or a fatal error occurs (crash marker written,
// pipes closed without the sentinel). A second Run on a live Backend is
// a fatal error.
func (b *Backend) Run() error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("backend: already running")
	}

	if err := b.createRunFile(); err != nil {
		b.running.Store(false)
		return err
	}
	defer b.removeRunFile()

	if b.cmds != nil {
		go b.readCommands()
	}
	log.Printf("Backend %s: running (screenshot=%v update=%v)",
		b.runID, b.screenshotInterval, b.updateInterval)

	err := b.runCaptureLoop(0, 0, 0, true)
	if err == nil || errors.Is(err, errPipeClosed) {
		log.Printf("Backend %s: command pipe closed, shutting down", b.runID)
		if b.rspWriter != nil {
			if serr := b.rspWriter.Shutdown(); serr != nil {
				log.Printf("Backend: response pipe shutdown: %v", serr)
			}
		}
		return nil
	}

	// Top-level crash boundary: log, leave the crash marker, close the
	// response pipe without the sentinel.
	log.Printf("Backend %s: fatal: %v", b.runID, err)
	if werr := b.WriteCrashFile(); werr != nil {
		log.Printf("Backend: crash marker: %v", werr)
	}
	if b.rspWriter != nil {
		_ = b.rspWriter.Close()
	}
	return err
}

// readCommands drains the command pipe into the event channel; EOF
// closes the channel, which the capture loop reads as orderly shutdown.
func (b *Backend) readCommands() {
	for {
		cmd, err := b.cmdReader.ReadCommand()
		if err != nil {
			if err != io.EOF {
				b.cmds <- cmdEvent{err: err}
			}
			close(b.cmds)
			return
		}
		b.cmds <- cmdEvent{cmd: cmd}
	}
}

// dispatch runs one decoded command and writes its response. Unknown
// command names and response-pipe failures are fatal.
func (b *Backend) dispatch(cmd *ipc.Command) error {
	h, ok := b.handlers[cmd.Cmd]
	if !ok {
		return fmt.Errorf("backend: not supported command %q", cmd.Cmd)
	}
	b.inFlight = true
	rsp, err := h(cmd.Arguments)
	b.inFlight = false
	if err != nil {
		return fmt.Errorf("backend: command %q: %w", cmd.Cmd, err)
	}
	if b.rspWriter == nil {
		return nil
	}
	return b.rspWriter.WriteResponse(rsp)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
