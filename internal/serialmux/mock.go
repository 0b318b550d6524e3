package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// errPortClosed is returned by TestableSerialPort after Close.
var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter for tests. Inbound data is
// queued with AddLine or produced by Respond; outbound data is captured and
// can be read back line by line.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
	// partial holds written bytes that have not yet formed a full line.
	partial []byte

	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error
	// CloseError is returned by Close.
	CloseError error

	// BlockReads makes Read wait for data instead of returning io.EOF when
	// nothing is queued.
	BlockReads bool

	// Respond, if set, is called for every complete line written to the port
	// and its results are queued as inbound lines. It runs with the port lock
	// released, so it may call AddLine itself.
	Respond func(line string) []string
}

// NewTestableSerialPort returns an open, empty port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read returns queued inbound data.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.closed && p.in.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed {
		return 0, errPortClosed
	}
	return p.in.Read(b)
}

// Write captures outbound data and feeds complete lines to Respond.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	p.out.Write(b)

	var lines []string
	if p.Respond != nil {
		p.partial = append(p.partial, b...)
		for {
			i := bytes.IndexByte(p.partial, '\n')
			if i < 0 {
				break
			}
			lines = append(lines, strings.TrimRight(string(p.partial[:i]), "\r"))
			p.partial = p.partial[i+1:]
		}
	}
	respond := p.Respond
	p.mu.Unlock()

	for _, line := range lines {
		for _, reply := range respond(line) {
			p.AddLine(reply)
		}
	}
	return len(b), nil
}

// Close wakes any blocked reader. Later reads and writes fail.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// IsClosed reports whether Close has been called.
func (p *TestableSerialPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// AddLine queues one inbound line, appending the newline.
func (p *TestableSerialPort) AddLine(line string) {
	p.AddReadData([]byte(line + "\n"))
}

// AddReadData queues raw inbound bytes.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(data)
	p.cond.Broadcast()
}

// WrittenLines returns everything written so far, split on newlines.
func (p *TestableSerialPort) WrittenLines() []string {
	p.mu.Lock()
	data := strings.TrimSuffix(p.out.String(), "\n")
	p.mu.Unlock()
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

// MockSerialPortFactory hands out a fixed port and records Open calls.
type MockSerialPortFactory struct {
	mu sync.Mutex

	Port  SerialPorter
	Error error

	OpenCalls []MockOpenCall
}

// MockOpenCall is one recorded Open.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockSerialPortFactory returns a factory that opens port.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open records the call and returns Port, or Error if set.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// Reset forgets recorded calls and the configured error.
func (f *MockSerialPortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = nil
	f.Error = nil
}
