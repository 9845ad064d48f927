package backend

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

func (b *Backend) cmdRequestScreenUpdate(jsoniter.RawMessage) (interface{}, error) {
	b.requestScreenUpdate()
	return true, nil
}

func (b *Backend) cmdLastScreenshotName(jsoniter.RawMessage) (interface{}, error) {
	return map[string]interface{}{"filename": b.lastName}, nil
}

// cmdSetReferenceScreenshot pins the current frame as the reference for
// later has-the-screen-changed queries.
func (b *Backend) cmdSetReferenceScreenshot(jsoniter.RawMessage) (interface{}, error) {
	if err := b.captureScreenshot(); err != nil {
		return nil, err
	}
	b.reference = b.lastImage
	return true, nil
}

func (b *Backend) cmdSimilarityToReference(jsoniter.RawMessage) (interface{}, error) {
	if err := b.captureScreenshot(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sim": b.reference.Similarity(b.lastImage)}, nil
}

// cmdSetCaptureIntervals mutates the backend's persistent capture
// defaults. Per-call loop overrides are unaffected by this; they are
// supplied by the operations that need them.
func (b *Backend) cmdSetCaptureIntervals(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		ScreenshotMS int `json:"screenshot_ms"`
		UpdateMS     int `json:"update_ms"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ScreenshotMS > 0 {
		b.screenshotInterval = time.Duration(args.ScreenshotMS) * time.Millisecond
	}
	if args.UpdateMS > 0 {
		b.updateInterval = time.Duration(args.UpdateMS) * time.Millisecond
	}
	return map[string]interface{}{
		"screenshot_ms": int(b.screenshotInterval / time.Millisecond),
		"update_ms":     int(b.updateInterval / time.Millisecond),
	}, nil
}
