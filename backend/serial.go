package backend

import (
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// waitSerialSlice is how much wall clock one wait_serial poll iteration
// advances the capture loop by, and waitSerialShotIval keeps
// screenshots flowing at a faster clip during the wait.
const (
	waitSerialSlice    = time.Second
	waitSerialShotIval = 190 * time.Millisecond
)

// SetSerialOffset marks the current end of the serial log as the new
// read start and returns it. A missing log counts as empty.
func (b *Backend) SetSerialOffset() int64 {
	size, err := fileSize(b.serialFile)
	if err != nil {
		size = 0
	}
	b.serialOffset = size
	return size
}

// SerialText returns everything the serial log gained since the mark.
func (b *Backend) SerialText() (string, error) {
	f, err := os.Open(b.serialFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("backend: open serial log: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(b.serialOffset, io.SeekStart); err != nil {
		return "", fmt.Errorf("backend: seek serial log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("backend: read serial log: %w", err)
	}
	return string(data), nil
}

// waitSerialResult is the wait_serial response payload: whether a
// pattern hit, which one, and the full text window that was examined.
type waitSerialResult struct {
	Matched bool   `json:"matched"`
	Pattern string `json:"pattern,omitempty"`
	Text    string `json:"string"`
}

// waitSerial polls the serial log for up to timeout seconds, testing
// each pattern in order against the text since the mark and stopping at
// the first match. Between polls it advances the capture loop by one
// second with the screenshot interval tightened so captures keep
// flowing. The mark is always advanced past the examined window before
// returning, so subsequent waits see only newer output.
func (b *Backend) waitSerial(patterns []string, asRegexp bool, timeout int) (*waitSerialResult, error) {
	var regexps []*regexp.Regexp
	if asRegexp {
		regexps = make([]*regexp.Regexp, len(patterns))
		for i, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				// Recoverable: an unparsable pattern can never match.
				log.Printf("Serial: skipping bad pattern %q: %v", p, err)
				continue
			}
			regexps[i] = re
		}
	}

	res := &waitSerialResult{}
	defer b.SetSerialOffset()

	for n := timeout; ; n-- {
		text, err := b.SerialText()
		if err != nil {
			return nil, err
		}
		res.Text = text
		for i, p := range patterns {
			if asRegexp {
				if regexps[i] != nil && regexps[i].MatchString(text) {
					res.Matched, res.Pattern = true, p
					return res, nil
				}
			} else if strings.Contains(text, p) {
				res.Matched, res.Pattern = true, p
				return res, nil
			}
		}
		if n <= 0 {
			return res, nil
		}
		if err := b.runCaptureLoop(waitSerialSlice, 0, waitSerialShotIval, false); err != nil {
			return nil, err
		}
	}
}

// --- command handlers ---

func (b *Backend) cmdSetSerialOffset(jsoniter.RawMessage) (interface{}, error) {
	return map[string]interface{}{"offset": b.SetSerialOffset()}, nil
}

func (b *Backend) cmdSerialText(jsoniter.RawMessage) (interface{}, error) {
	text, err := b.SerialText()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"text": text}, nil
}

func (b *Backend) cmdWaitSerial(raw jsoniter.RawMessage) (interface{}, error) {
	var args struct {
		Patterns []string `json:"patterns"`
		Pattern  string   `json:"pattern"`
		Regexp   bool     `json:"regexp"`
		Timeout  int      `json:"timeout"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	patterns := args.Patterns
	if len(patterns) == 0 && args.Pattern != "" {
		patterns = []string{args.Pattern}
	}
	if args.Timeout <= 0 {
		args.Timeout = 90
	}
	return b.waitSerial(patterns, args.Regexp, args.Timeout)
}
