package backend

// Marker files let an external supervisor observe the backend across
// process boundaries: the run marker says "alive" (its unexpected
// disappearance is fatal external interference), the crash marker says
// "died abnormally".

import (
	"fmt"
	"log"
	"os"

	"github.com/gofrs/flock"
)

type runLock interface {
	TryLock() (bool, error)
	Unlock() error
}

// createRunFile creates the liveness marker, takes an exclusive flock
// on it so a second backend cannot claim the same result dir, and
// records the run ID in it.
func (b *Backend) createRunFile() error {
	if b.runFile == "" {
		return nil
	}
	fl := flock.New(b.runFile)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("backend: lock run file %s: %w", b.runFile, err)
	}
	if !locked {
		return fmt.Errorf("backend: run file %s is held by another backend", b.runFile)
	}
	b.runLock = fl
	if err := os.WriteFile(b.runFile, []byte(b.runID+"\n"), 0644); err != nil {
		_ = fl.Unlock()
		return fmt.Errorf("backend: write run file: %w", err)
	}
	return nil
}

// checkRunFile verifies the liveness marker still exists. Called from
// the capture loop; a missing marker while the backend believes it is
// running means something external removed it, which is fatal.
func (b *Backend) checkRunFile() error {
	if b.runFile == "" || b.runLock == nil {
		return nil
	}
	if _, err := os.Stat(b.runFile); err != nil {
		return fmt.Errorf("backend: run file %s vanished while running: %w", b.runFile, err)
	}
	return nil
}

func (b *Backend) removeRunFile() {
	if b.runLock == nil {
		return
	}
	if err := b.runLock.Unlock(); err != nil {
		log.Printf("Backend: unlock run file: %v", err)
	}
	b.runLock = nil
	if err := os.Remove(b.runFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Backend: remove run file: %v", err)
	}
}

// WriteCrashFile creates the crash marker the supervisor looks for
// after abnormal termination.
func (b *Backend) WriteCrashFile() error {
	if b.crashFile == "" {
		return nil
	}
	return os.WriteFile(b.crashFile, []byte("crashed\n"), 0644)
}

// RemoveCrashFile removes a stale crash marker if present.
func (b *Backend) RemoveCrashFile() {
	if b.crashFile == "" {
		return
	}
	if err := os.Remove(b.crashFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Backend: remove crash file: %v", err)
	}
}
