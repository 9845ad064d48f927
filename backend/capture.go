package backend

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"vmharness/frame"
)

// Similarity thresholds on the frame.Frame log scale.
const (
	// simDedup: consecutive frames above this are stored as a symlink
	// to the previous frame's file instead of a new write.
	simDedup = 54
	// simEncoderRepeat: above this the video encoder is told to repeat
	// its last frame rather than encode a new one.
	simEncoderRepeat = 50
)

// runCaptureLoop is the backend thread's scheduler. It interleaves two
// periodic tasks, screen-update requests and screenshot captures,
// against wall-clock deadlines, and (when serve is set) multiplexes
// inbound commands between them. It returns when total elapses (if
// non-zero), the command pipe closes (errPipeClosed), or a fatal error
// occurs. Interval overrides of zero take the backend's persistent
// defaults; overrides never mutate them.
//
// Deadlines are recomputed from the current clock reading on every
// tick, so a slow wait delays a capture but never accumulates drift.
func (b *Backend) runCaptureLoop(total, updateIval, shotIval time.Duration, serve bool) error {
	if updateIval <= 0 {
		updateIval = b.updateInterval
	}
	if shotIval <= 0 {
		shotIval = b.screenshotInterval
	}

	start := b.now()
	var deadline time.Time
	if total > 0 {
		deadline = start.Add(total)
	}
	// First capture fires immediately, updates after one period.
	nextShot := start
	nextUpdate := start.Add(updateIval)
	if b.statsAt.IsZero() {
		b.statsAt = start
	}

	for {
		now := b.now()
		if total > 0 && !now.Before(deadline) {
			return nil
		}
		if err := b.checkRunFile(); err != nil {
			return err
		}

		if !now.Before(nextUpdate) {
			b.requestScreenUpdate()
			nextUpdate = now.Add(updateIval)
		}
		if !now.Before(nextShot) {
			if err := b.captureScreenshot(); err != nil {
				return err
			}
			nextShot = now.Add(shotIval)
		}
		if b.statsInterval > 0 && now.Sub(b.statsAt) >= b.statsInterval {
			b.logCaptureStats()
			b.statsAt = now
		}

		wait := minWait(nextUpdate.Sub(b.now()), nextShot.Sub(b.now()))
		if total > 0 {
			wait = minWait(wait, deadline.Sub(b.now()))
		}

		if b.cmds == nil {
			b.sleep(wait)
			continue
		}
		select {
		case ev, ok := <-b.cmds:
			if !ok {
				return errPipeClosed
			}
			if ev.err != nil {
				return ev.err
			}
			if !serve {
				// Strict request/response: nothing may arrive while an
				// operation is in flight.
				return fmt.Errorf("backend: command %q received while busy", ev.cmd.Cmd)
			}
			if err := b.dispatch(ev.cmd); err != nil {
				return err
			}
		case <-time.After(wait):
		}
	}
}

func minWait(durations ...time.Duration) time.Duration {
	min := durations[0]
	for _, d := range durations[1:] {
		if d < min {
			min = d
		}
	}
	if min < 0 {
		min = 0
	}
	return min
}

// requestScreenUpdate asks the current screen source to refresh; no-op
// without one.
func (b *Backend) requestScreenUpdate() {
	if b.currentScreen == nil {
		return
	}
	b.currentScreen.RequestScreenUpdate()
}

// captureScreenshot grabs the current screen and feeds it to the store.
func (b *Backend) captureScreenshot() error {
	if b.currentScreen == nil {
		return nil
	}
	return b.enqueueScreenshot(b.currentScreen.CurrentScreen())
}

// enqueueScreenshot persists one frame. Visually static periods cost a
// symlink instead of a PNG: when the new frame's similarity to the
// previously stored one exceeds simDedup, the next sequence number is
// created as a symlink to the previous file. New frames update the
// last.png alias and are announced to the video encoder; a frame that
// cannot be persisted is fatal for the capture loop iteration.
func (b *Backend) enqueueScreenshot(img *frame.Frame) error {
	if img == nil || img.Img == nil {
		return nil
	}
	img = img.Scale(frame.StoreWidth, frame.StoreHeight)

	sim := 0
	if b.lastImage != nil {
		if img.Hash() == b.lastImage.Hash() {
			sim = simDedup + 1
		} else {
			sim = b.lastImage.Similarity(img)
		}
	}

	b.frameSeq++
	name := fmt.Sprintf("shot-%010d.png", b.frameSeq)
	path := filepath.Join(b.resultDir, name)

	if sim > simDedup {
		if err := os.Symlink(filepath.Base(b.lastName), path); err != nil {
			log.Printf("Capture: symlink %s: %v", name, err)
		}
		b.framesLinked++
	} else {
		if err := img.WritePNG(path); err != nil {
			return fmt.Errorf("backend: store screenshot: %w", err)
		}
		img.Filename = path
		img.Seq = b.frameSeq
		b.lastImage = img
		b.lastName = path
		b.framesStored++
		if fi, err := os.Stat(path); err == nil {
			b.bytesStored += fi.Size()
		}
		b.updateLastAlias(path)
	}

	b.signalEncoder(sim, path)
	return nil
}

// updateLastAlias repoints the well-known last.png alias at the most
// recently stored frame. Removal failure of a stale alias is warned
// about and otherwise ignored.
func (b *Backend) updateLastAlias(path string) {
	alias := filepath.Join(b.resultDir, "last.png")
	if err := os.Remove(alias); err != nil && !os.IsNotExist(err) {
		log.Printf("Capture: remove %s: %v", alias, err)
	}
	if err := os.Symlink(filepath.Base(path), alias); err != nil {
		log.Printf("Capture: alias %s: %v", alias, err)
	}
}

// signalEncoder tells the attached video encoder to repeat the last
// frame or encode the new one. Best-effort: encoder errors are never
// propagated to the capture loop.
func (b *Backend) signalEncoder(sim int, path string) {
	if b.encoder == nil {
		return
	}
	var msg string
	if sim > simEncoderRepeat {
		msg = "R\n"
	} else {
		msg = "E " + path + "\n"
	}
	if _, err := b.encoder.Write([]byte(msg)); err != nil {
		log.Printf("Capture: encoder write: %v", err)
		return
	}
	if f, ok := b.encoder.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			log.Printf("Capture: encoder flush: %v", err)
		}
	}
}

func (b *Backend) logCaptureStats() {
	log.Printf("Capture: %d frames stored (%s), %d deduplicated as links",
		b.framesStored, humanize.Bytes(uint64(b.bytesStored)), b.framesLinked)
}

// LastScreenshotName returns the path of the most recently stored
// (non-duplicate) frame, or empty when nothing was captured yet.
func (b *Backend) LastScreenshotName() string {
	return b.lastName
}
