package console

import "testing"

type fakeConsole struct {
	Nop
	activated int
}

func (c *fakeConsole) Activate() error { c.activated++; return nil }

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	c := &fakeConsole{}
	r.Register("tty1", c)

	if got := r.Lookup("tty1"); got != c {
		t.Fatalf("expected registered console back; got %v", got)
	}
	if got := r.Lookup("tty9"); got != nil {
		t.Fatalf("expected nil for unknown console; got %v", got)
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	first := &fakeConsole{}
	second := &fakeConsole{}
	r.Register("tty1", first)
	r.Register("tty1", second)

	if got := r.Lookup("tty1"); got != second {
		t.Fatalf("expected replacement console; got %v", got)
	}
}

func TestNopIsInert(t *testing.T) {
	var n Nop
	if err := n.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if s := n.CurrentScreen(); s != nil {
		t.Fatalf("expected no screen from the base console; got %v", s)
	}
	if err := n.SendKey("ret"); err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	if err := n.MouseButton("left", true); err != nil {
		t.Fatalf("MouseButton: %v", err)
	}
}
