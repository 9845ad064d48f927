package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReadCommand(t *testing.T) {
	r := NewReader(strings.NewReader(`{"cmd":"send_key","arguments":{"key":"ret"}}` + "\n"))
	cmd, err := r.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Cmd != "send_key" {
		t.Fatalf("expected send_key; got %q", cmd.Cmd)
	}
	if !bytes.Contains(cmd.Arguments, []byte(`"ret"`)) {
		t.Fatalf("expected raw arguments preserved; got %s", cmd.Arguments)
	}

	if _, err := r.ReadCommand(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of pipe; got %v", err)
	}
}

func TestReadCommandWithoutTrailingNewline(t *testing.T) {
	r := NewReader(strings.NewReader(`{"cmd":"mouse_hide"}`))
	cmd, err := r.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Cmd != "mouse_hide" {
		t.Fatalf("expected mouse_hide; got %q", cmd.Cmd)
	}
}

func TestReadCommandMalformed(t *testing.T) {
	r := NewReader(strings.NewReader("not json\n"))
	if _, err := r.ReadCommand(); err == nil || err == io.EOF {
		t.Fatalf("expected protocol error; got %v", err)
	}

	r = NewReader(strings.NewReader(`{"arguments":{}}` + "\n"))
	if _, err := r.ReadCommand(); err == nil {
		t.Fatalf("expected error for missing cmd field")
	}
}

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteResponse(map[string]interface{}{"matched": true}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("expected newline-terminated response; got %q", line)
	}
	if !strings.Contains(line, `"rsp"`) || !strings.Contains(line, `"matched":true`) {
		t.Fatalf("unexpected response wire form %q", line)
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error { c.closed++; return nil }

func TestShutdownWritesSentinelAndCloses(t *testing.T) {
	rec := &closeRecorder{}
	w := NewWriter(rec)
	if err := w.WriteResponse("done"); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rec.closed != 1 {
		t.Fatalf("expected pipe closed once; got %d", rec.closed)
	}
	lines := strings.Split(strings.TrimSpace(rec.String()), "\n")
	if lines[len(lines)-1] != Sentinel {
		t.Fatalf("expected sentinel as last line; got %q", lines)
	}
}

func TestCloseSkipsSentinel(t *testing.T) {
	rec := &closeRecorder{}
	w := NewWriter(rec)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.closed != 1 {
		t.Fatalf("expected pipe closed; got %d", rec.closed)
	}
	if rec.Len() != 0 {
		t.Fatalf("expected no sentinel on the crash path; got %q", rec.String())
	}
}

func TestConnCallRoundTrip(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	rspR, rspW := io.Pipe()
	conn := NewConn(cmdW, rspR)

	go func() {
		r := NewReader(cmdR)
		w := NewWriter(rspW)
		cmd, err := r.ReadCommand()
		if err != nil {
			return
		}
		_ = w.WriteResponse(map[string]string{"echo": cmd.Cmd})
		_ = w.Shutdown()
	}()

	rsp, err := conn.Call("serial_text", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !bytes.Contains(rsp, []byte(`"echo":"serial_text"`)) {
		t.Fatalf("unexpected response %s", rsp)
	}
}

func TestConnCallSeesShutdown(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	conn := NewConn(cmdW, strings.NewReader(Sentinel+"\n"))

	go func() {
		// Drain the command so Call can proceed to the response read.
		_, _ = bufio.NewReader(cmdR).ReadString('\n')
	}()

	if _, err := conn.Call("anything", nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown; got %v", err)
	}
}
