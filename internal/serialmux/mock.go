package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// ReplayPort is a SerialPorter that plays back recorded bridge lines. It
// stands in for the bridge in development mode.
type ReplayPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	commands []string
	cancel   context.CancelFunc
}

// NewReplayPort starts replaying lines, one every interval. With loop set
// the recording restarts when it ends; otherwise the port reports EOF.
func NewReplayPort(lines []string, interval time.Duration, loop bool) *ReplayPort {
	r, w := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &ReplayPort{r: r, w: w, cancel: cancel}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, line := range lines {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if _, err := io.WriteString(w, line+"\n"); err != nil {
					return
				}
			}
			if !loop {
				return
			}
		}
	}()
	return p
}

// LoadFixture reads a recording, skipping blank lines.
func LoadFixture(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if line := strings.TrimSpace(scan.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return lines, nil
}

// NewReplaySerialMux creates a SerialMux backed by a looping ReplayPort.
func NewReplaySerialMux(lines []string, interval time.Duration) *SerialMux[*ReplayPort] {
	return NewSerialMux(NewReplayPort(lines, interval, true))
}

func (p *ReplayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write records host commands; the recording does not react to them.
func (p *ReplayPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, strings.TrimSpace(string(b)))
	return len(b), nil
}

// Commands returns the commands written so far.
func (p *ReplayPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func (p *ReplayPort) Close() error {
	p.cancel()
	return p.r.Close()
}

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	readCond *sync.Cond
}

// NewTestableSerialPort creates a port whose reads block until data is added
// or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadError == nil && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err = t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailNextRead makes the next Read return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
