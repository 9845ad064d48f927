// Package console defines the capability set the backend drives a VM
// console through, and the registry that maps logical console names to
// live console objects.
package console

import (
	"log"

	"vmharness/frame"
)

// Console is the capability set of one VM console. Variants correspond
// to concrete console backends (serial terminal, remote display, ...);
// the backend holds a non-owning reference to whichever one is current.
type Console interface {
	// Activate makes the console live; called when it becomes current.
	Activate() error
	// Reset tears the console down and brings it back up.
	Reset() error
	// Disable tears the console down.
	Disable() error
	// CurrentScreen returns the console's screen, or nil for consoles
	// that render no pixels (serial terminals).
	CurrentScreen() *frame.Frame
	// RequestScreenUpdate asks the console to refresh its framebuffer.
	RequestScreenUpdate()

	SendKey(key string) error
	TypeString(s string) error
	MouseSet(x, y int) error
	MouseHide() error
	MouseButton(button string, press bool) error
}

// Registry maps console names to console objects. All mutation happens
// on the backend thread, so no locking.
type Registry struct {
	consoles map[string]Console
}

// NewRegistry returns an empty console registry.
func NewRegistry() *Registry {
	return &Registry{consoles: make(map[string]Console)}
}

// Register adds a console under a logical name, replacing any previous
// holder of that name.
func (r *Registry) Register(name string, c Console) {
	r.consoles[name] = c
}

// Lookup returns the console registered under name. A missing name is
// a recoverable lookup error: it is logged and nil is returned, so
// callers must handle absence.
func (r *Registry) Lookup(name string) Console {
	c, ok := r.consoles[name]
	if !ok {
		log.Printf("Console: no console registered as %q", name)
		return nil
	}
	return c
}

// Nop is an embeddable console base whose every capability is a no-op.
// Variants embed it and override what they actually support.
type Nop struct{}

func (Nop) Activate() error                { return nil }
func (Nop) Reset() error                   { return nil }
func (Nop) Disable() error                 { return nil }
func (Nop) CurrentScreen() *frame.Frame    { return nil }
func (Nop) RequestScreenUpdate()           {}
func (Nop) SendKey(string) error           { return nil }
func (Nop) TypeString(string) error        { return nil }
func (Nop) MouseSet(int, int) error        { return nil }
func (Nop) MouseHide() error               { return nil }
func (Nop) MouseButton(string, bool) error { return nil }
