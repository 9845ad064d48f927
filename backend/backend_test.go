package backend

import (
	"errors"
	"testing"
	"time"

	"vmharness/config"
	"vmharness/console"
	"vmharness/frame"
	"vmharness/ipc"
	"vmharness/needle"
)

var errTest = errors.New("console failure for tests")

// testConsole serves frames from a generator function and records the
// input operations routed to it.
type testConsole struct {
	console.Nop

	screen      func() *frame.Frame
	activations int
	disabled    int
	resets      int
	keys        []string
	typed       []string
	failNext    error
}

func (c *testConsole) Activate() error {
	c.activations++
	return c.failNext
}

func (c *testConsole) Disable() error { c.disabled++; return nil }
func (c *testConsole) Reset() error   { c.resets++; return nil }

func (c *testConsole) CurrentScreen() *frame.Frame {
	if c.screen == nil {
		return nil
	}
	return c.screen()
}

func (c *testConsole) SendKey(key string) error {
	c.keys = append(c.keys, key)
	return nil
}

func (c *testConsole) TypeString(s string) error {
	c.typed = append(c.typed, s)
	return nil
}

// staticScreen always shows the same uniform frame.
func staticScreen(v uint8) func() *frame.Frame {
	f := frame.NewUniform(frame.StoreWidth, frame.StoreHeight, v)
	return func() *frame.Frame { return f }
}

// rollingScreen shows a visibly different frame on every capture.
func rollingScreen() func() *frame.Frame {
	v := uint8(0)
	return func() *frame.Frame {
		f := frame.NewUniform(frame.StoreWidth, frame.StoreHeight, v)
		v += 48
		return f
	}
}

// newTestBackend builds a backend on a temp result dir with a fake
// clock, so capture-loop time advances instantly.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.ResultDir = t.TempDir()
	cfg.Capture.StatsIntervalSeconds = 3600

	b, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	b.sleep = func(d time.Duration) { now = now.Add(d) }
	return b
}

func attachConsole(t *testing.T, b *Backend, name string, c console.Console) {
	t.Helper()
	b.consoles.Register(name, c)
	activated, err := b.selectConsole(name)
	if err != nil {
		t.Fatalf("selectConsole(%s): %v", name, err)
	}
	if !activated {
		t.Fatalf("expected console %s to activate", name)
	}
}

// uniformNeedle builds a needle whose single area expects a uniform
// value, so it matches exactly the screens of that value.
func uniformNeedle(name string, v uint8, tags ...string) *needle.Needle {
	return &needle.Needle{
		Name:  name,
		Tags:  tags,
		Areas: []needle.Area{{X: 10, Y: 10, W: 3, H: 3, Match: 95}},
		Image: frame.NewUniform(frame.StoreWidth, frame.StoreHeight, v),
	}
}

func TestSelectConsoleCapturesImmediately(t *testing.T) {
	b := newTestBackend(t)
	attachConsole(t, b, "tty1", &testConsole{screen: staticScreen(128)})

	if b.LastScreenshotName() == "" {
		t.Fatalf("expected an immediate screenshot after console switch")
	}
	if b.frameSeq != 1 {
		t.Fatalf("expected exactly one captured frame; got %d", b.frameSeq)
	}
}

func TestSelectConsoleUnknownDegrades(t *testing.T) {
	b := newTestBackend(t)
	activated, err := b.selectConsole("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activated {
		t.Fatalf("expected unknown console to report activated=false")
	}
}

func TestDeactivateConsoleOnlyClearsOwnPointer(t *testing.T) {
	b := newTestBackend(t)
	first := &testConsole{screen: staticScreen(10)}
	second := &testConsole{screen: staticScreen(20)}
	b.consoles.Register("first", first)
	b.consoles.Register("second", second)

	if _, err := b.selectConsole("first"); err != nil {
		t.Fatalf("selectConsole: %v", err)
	}
	if _, err := b.selectConsole("second"); err != nil {
		t.Fatalf("selectConsole: %v", err)
	}

	// Deactivating the not-current console must not clear "current".
	b.deactivateConsole("first")
	if b.currentConsole != second {
		t.Fatalf("expected second console to stay current")
	}
	if first.disabled != 1 {
		t.Fatalf("expected first console to be disabled")
	}

	b.deactivateConsole("second")
	if b.currentConsole != nil {
		t.Fatalf("expected current console to be cleared")
	}
}

func TestBouncerWithoutConsoleIsNoop(t *testing.T) {
	b := newTestBackend(t)
	if _, err := b.cmdSendKey([]byte(`{"key":"ret"}`)); err != nil {
		t.Fatalf("expected silent no-op without a console; got %v", err)
	}
}

func TestBouncerRoutesToCurrentConsole(t *testing.T) {
	b := newTestBackend(t)
	c := &testConsole{screen: staticScreen(1)}
	attachConsole(t, b, "tty1", c)

	if _, err := b.cmdSendKey([]byte(`{"key":"ret"}`)); err != nil {
		t.Fatalf("send_key: %v", err)
	}
	if _, err := b.cmdTypeString([]byte(`{"text":"hello"}`)); err != nil {
		t.Fatalf("type_string: %v", err)
	}
	if len(c.keys) != 1 || c.keys[0] != "ret" {
		t.Fatalf("expected key ret routed; got %v", c.keys)
	}
	if len(c.typed) != 1 || c.typed[0] != "hello" {
		t.Fatalf("expected text routed; got %v", c.typed)
	}
}

func TestProxyConsoleCallCapturesFailure(t *testing.T) {
	b := newTestBackend(t)
	b.consoles.Register("bad", &testConsole{failNext: errTest})

	payload := b.proxyConsoleCall("bad", "activate", nil)
	if payload["exception"] == nil {
		t.Fatalf("expected exception payload; got %v", payload)
	}

	payload = b.proxyConsoleCall("missing", "activate", nil)
	if payload["exception"] == nil {
		t.Fatalf("expected exception for missing console; got %v", payload)
	}

	payload = b.proxyConsoleCall("bad", "no_such_function", nil)
	if payload["exception"] == nil {
		t.Fatalf("expected exception for unknown function; got %v", payload)
	}
}

func TestDispatchUnknownCommandIsFatal(t *testing.T) {
	b := newTestBackend(t)
	err := b.dispatch(&ipc.Command{Cmd: "bogus"})
	if err == nil {
		t.Fatalf("expected fatal error for unknown command")
	}
}
