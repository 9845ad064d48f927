package backend

import (
	"fmt"
	"log"

	jsoniter "github.com/json-iterator/go"

	"vmharness/console"
)

// selectConsole activates a named console and makes it current for
// both input routing and screen capture, then captures a screenshot
// synchronously so the newly active console's state is on disk without
// waiting for the next scheduled capture. An unknown name or a failing
// activation hook degrades to activated=false.
func (b *Backend) selectConsole(name string) (bool, error) {
	c := b.consoles.Lookup(name)
	if c == nil {
		return false, nil
	}
	if err := c.Activate(); err != nil {
		log.Printf("Console: activating %q: %v", name, err)
		return false, nil
	}
	b.currentConsole = c
	b.currentScreen = c
	if err := b.captureScreenshot(); err != nil {
		return false, err
	}
	return true, nil
}

// resetConsole bounces a named console without touching which console
// is current.
func (b *Backend) resetConsole(name string) {
	c := b.consoles.Lookup(name)
	if c == nil {
		return
	}
	if err := c.Reset(); err != nil {
		log.Printf("Console: resetting %q: %v", name, err)
	}
}

// deactivateConsole disables a named console. The current pointer is
// cleared only when it refers to this console, so deactivating an
// inactive console cannot pull the rug out from under the active one.
func (b *Backend) deactivateConsole(name string) {
	c := b.consoles.Lookup(name)
	if c == nil {
		return
	}
	if b.currentConsole == c {
		b.currentConsole = nil
		b.currentScreen = nil
	}
	if err := c.Disable(); err != nil {
		log.Printf("Console: disabling %q: %v", name, err)
	}
}

// bouncer forwards an input operation to the current screen source; a
// silent no-op when no console is current.
func (b *Backend) bouncer(op string, call func(console.Console) error) error {
	if b.currentScreen == nil {
		return nil
	}
	if err := call(b.currentScreen); err != nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	return nil
}

// --- command handlers ---

type consoleArgs struct {
	Console string `json:"console"`
}

func (b *Backend) cmdSelectConsole(raw jsoniter.RawMessage) (interface{}, error) {
	var args consoleArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	activated, err := b.selectConsole(args.Console)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"activated": activated}, nil
}

func (b *Backend) cmdResetConsole(raw jsoniter.RawMessage) (interface{}, error) {
	var args consoleArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	b.resetConsole(args.Console)
	return true, nil
}

func (b *Backend) cmdDeactivateConsole(raw jsoniter.RawMessage) (interface{}, error) {
	var args consoleArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	b.deactivateConsole(args.Console)
	return true, nil
}

func (b *Backend) cmdSendKey(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		Key string `json:"key"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return true, b.bouncer("send_key", func(c console.Console) error {
		return c.SendKey(args.Key)
	})
}

func (b *Backend) cmdTypeString(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return true, b.bouncer("type_string", func(c console.Console) error {
		return c.TypeString(args.Text)
	})
}

func (b *Backend) cmdMouseSet(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return true, b.bouncer("mouse_set", func(c console.Console) error {
		return c.MouseSet(args.X, args.Y)
	})
}

func (b *Backend) cmdMouseHide(raw jsoniter.RawMessage) (interface{}, error) {
	return true, b.bouncer("mouse_hide", console.Console.MouseHide)
}

func (b *Backend) cmdMouseButton(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		Button string `json:"button"`
		Press  bool   `json:"press"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return true, b.bouncer("mouse_button", func(c console.Console) error {
		return c.MouseButton(args.Button, args.Press)
	})
}

// cmdProxyConsoleCall forwards a (console, function, args) triple to a
// named console, capturing any failure, including panics in console
// code, as an {exception} payload instead of propagating it. This is
// the sole path by which arbitrary console-layer failures stay
// non-fatal to the backend thread.
func (b *Backend) cmdProxyConsoleCall(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		Console  string              `json:"console"`
		Function string              `json:"function"`
		Args     jsoniter.RawMessage `json:"args"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return b.proxyConsoleCall(args.Console, args.Function, args.Args), nil
}

func (b *Backend) proxyConsoleCall(name, function string, raw jsoniter.RawMessage) (payload map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			payload = map[string]interface{}{"exception": fmt.Sprintf("panic: %v", r)}
		}
	}()

	c := b.consoles.Lookup(name)
	if c == nil {
		return map[string]interface{}{"exception": fmt.Sprintf("no console %q", name)}
	}

	err := callConsole(c, function, raw)
	if err != nil {
		return map[string]interface{}{"exception": err.Error()}
	}
	return map[string]interface{}{"result": true}
}

// callConsole maps the proxyable function names onto the Console
// capability set. Unknown names are an error the caller sees as an
// exception payload, never a thread-level failure.
func callConsole(c console.Console, function string, raw jsoniter.RawMessage) error {
	switch function {
	case "activate":
		return c.Activate()
	case "reset":
		return c.Reset()
	case "disable":
		return c.Disable()
	case "send_key":
		var a struct {
			Key string `json:"key"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return err
		}
		return c.SendKey(a.Key)
	case "type_string":
		var a struct {
			Text string `json:"text"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return err
		}
		return c.TypeString(a.Text)
	case "mouse_set":
		var a struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return err
		}
		return c.MouseSet(a.X, a.Y)
	case "mouse_hide":
		return c.MouseHide()
	case "mouse_button":
		var a struct {
			Button string `json:"button"`
			Press  bool   `json:"press"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return err
		}
		return c.MouseButton(a.Button, a.Press)
	default:
		return fmt.Errorf("console has no function %q", function)
	}
}

func decodeArgs(raw jsoniter.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
