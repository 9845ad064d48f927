// Package ipc frames the command/response protocol between the test
// thread and the backend thread: one JSON object per line on each of
// two unidirectional pipes, strict request/response ordering, and a
// sentinel line announcing orderly shutdown of the response pipe.
package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sentinel is written to the response pipe immediately before it is
// closed, so the peer can tell deliberate shutdown from a crash.
const Sentinel = "xxxQUITxxx"

// ErrShutdown is returned by the caller side when the backend announced
// orderly shutdown via the sentinel.
var ErrShutdown = errors.New("ipc: backend closed the response pipe")

// Command is one inbound request: a method name plus raw arguments the
// handler decodes itself.
type Command struct {
	Cmd       string              `json:"cmd"`
	Arguments jsoniter.RawMessage `json:"arguments"`
}

// Response wraps one outbound result.
type Response struct {
	Rsp interface{} `json:"rsp"`
}

// Reader decodes commands from the inbound pipe.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps the read end of the command pipe.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadCommand reads and decodes one command line. io.EOF means the
// peer closed the pipe; any other error is a protocol error.
func (r *Reader) ReadCommand() (*Command, error) {
	line, err := r.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("ipc: read command: %w", err)
		}
	}
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, fmt.Errorf("ipc: malformed command %q: %w", bytes.TrimSpace(line), err)
	}
	if cmd.Cmd == "" {
		return nil, fmt.Errorf("ipc: command without cmd field: %q", bytes.TrimSpace(line))
	}
	return &cmd, nil
}

// Writer encodes responses onto the outbound pipe.
type Writer struct {
	w  *bufio.Writer
	cl io.Closer
}

// NewWriter wraps the write end of the response pipe.
func NewWriter(w io.Writer) *Writer {
	bw := &Writer{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		bw.cl = c
	}
	return bw
}

// WriteResponse encodes one {"rsp": ...} line and flushes it.
func (w *Writer) WriteResponse(rsp interface{}) error {
	data, err := json.Marshal(Response{Rsp: rsp})
	if err != nil {
		return fmt.Errorf("ipc: encode response: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("ipc: write response: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("ipc: flush response: %w", err)
	}
	return nil
}

// Shutdown writes the sentinel and closes the pipe. Safe to call on a
// pipe whose peer is already gone; the first error wins but close is
// always attempted.
func (w *Writer) Shutdown() error {
	_, werr := w.w.WriteString(Sentinel + "\n")
	if ferr := w.w.Flush(); werr == nil {
		werr = ferr
	}
	if w.cl != nil {
		if cerr := w.cl.Close(); werr == nil {
			werr = cerr
		}
	}
	return werr
}

// Close closes the pipe without the sentinel, for crash paths where
// the peer must see an unannounced disconnect.
func (w *Writer) Close() error {
	if w.cl == nil {
		return nil
	}
	return w.cl.Close()
}

// Conn is the caller-thread side of the pipe pair: commands out,
// responses in, strictly one response per command.
type Conn struct {
	cmd *bufio.Writer
	rsp *bufio.Reader
}

// NewConn wraps the caller's ends of the two pipes.
func NewConn(cmdPipe io.Writer, rspPipe io.Reader) *Conn {
	return &Conn{cmd: bufio.NewWriter(cmdPipe), rsp: bufio.NewReader(rspPipe)}
}

// Call sends one command and blocks for its response. args may be nil.
// Returns ErrShutdown when the backend announced orderly shutdown
// instead of answering.
func (c *Conn) Call(cmd string, args interface{}) (jsoniter.RawMessage, error) {
	msg := struct {
		Cmd       string      `json:"cmd"`
		Arguments interface{} `json:"arguments,omitempty"`
	}{Cmd: cmd, Arguments: args}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode command: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.cmd.Write(data); err != nil {
		return nil, fmt.Errorf("ipc: send command: %w", err)
	}
	if err := c.cmd.Flush(); err != nil {
		return nil, fmt.Errorf("ipc: send command: %w", err)
	}

	line, err := c.rsp.ReadBytes('\n')
	if len(bytes.TrimSpace(line)) == 0 && err != nil {
		return nil, fmt.Errorf("ipc: read response: %w", err)
	}
	line = bytes.TrimSpace(line)
	if string(line) == Sentinel {
		return nil, ErrShutdown
	}
	var rsp struct {
		Rsp jsoniter.RawMessage `json:"rsp"`
	}
	if err := json.Unmarshal(line, &rsp); err != nil {
		return nil, fmt.Errorf("ipc: malformed response %q: %w", line, err)
	}
	return rsp.Rsp, nil
}
