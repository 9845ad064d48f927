package console

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ziutek/telnet"
)

// Serial is a serial-over-telnet terminal console. It renders no
// screen; its value is the byte stream, which it appends to the serial
// log file the backend's serial monitor reads.
type Serial struct {
	Nop

	name    string
	addr    string
	logPath string

	mu   sync.Mutex
	conn *telnet.Conn
	done chan struct{}
}

const serialDialTimeout = 10 * time.Second

// NewSerial returns a serial console for host:port whose received
// bytes are appended to logPath.
func NewSerial(name, host string, port int, logPath string) *Serial {
	return &Serial{
		name:    name,
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		logPath: logPath,
	}
}

// Activate connects to the serial port and starts draining it into the
// log file.
func (s *Serial) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := telnet.DialTimeout("tcp", s.addr, serialDialTimeout)
	if err != nil {
		return fmt.Errorf("serial %s: dial %s: %w", s.name, s.addr, err)
	}
	conn.SetUnixWriteMode(true)

	out, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		conn.Close()
		return fmt.Errorf("serial %s: open log: %w", s.name, err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	go s.drain(conn, out, s.done)
	log.Printf("Serial %s: connected to %s, logging to %s", s.name, s.addr, s.logPath)
	return nil
}

// drain copies the connection into the log file until the connection
// dies or Disable closes it.
func (s *Serial) drain(conn *telnet.Conn, out *os.File, done chan struct{}) {
	defer out.Close()
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				log.Printf("Serial %s: log write failed: %v", s.name, werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Disable closes the connection and waits for the drain goroutine to
// finish flushing.
func (s *Serial) Disable() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.done = nil, nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// Reset bounces the connection.
func (s *Serial) Reset() error {
	if err := s.Disable(); err != nil {
		log.Printf("Serial %s: close during reset: %v", s.name, err)
	}
	return s.Activate()
}

// TypeString writes the string to the serial port.
func (s *Serial) TypeString(text string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("serial %s: not connected", s.name)
	}
	_, err := conn.Write([]byte(text))
	return err
}

// SendKey supports the handful of keys meaningful on a byte stream.
func (s *Serial) SendKey(key string) error {
	seq, ok := serialKeys[key]
	if !ok {
		return fmt.Errorf("serial %s: key %q has no serial representation", s.name, key)
	}
	return s.TypeString(seq)
}

var serialKeys = map[string]string{
	"ret":       "\r",
	"tab":       "\t",
	"esc":       "\x1b",
	"backspace": "\x7f",
	"ctrl-c":    "\x03",
	"ctrl-d":    "\x04",
	"ctrl-z":    "\x1a",
}
