package sensor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 115200
	serialReadTimeout  = 500 * time.Millisecond
	serialErrorPrefix  = "E"
	serialSupplyPrompt = "V\n"
)

var errReadTimeout = errors.New("serial read timed out")

// Port is the part of serial.Port the bridge needs.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// SerialBridge talks to a microcontroller that owns the ADC. Each request is
// one line and gets one line back:
//
//	A<pin>  -> <count>
//	V       -> <millivolts>   (the MCU restores Vcc as ADC reference)
//
// A reply starting with "E" carries an error message. After a failed read the
// input is flushed so a late reply is never taken as the next answer.
type SerialBridge struct {
	mu   sync.Mutex
	port Port
	r    *bufio.Reader
}

func OpenSerialBridge(portName string, baudRate int) (*SerialBridge, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	return NewSerialBridge(port), nil
}

func NewSerialBridge(port Port) *SerialBridge {
	return &SerialBridge{port: port, r: bufio.NewReader(timeoutReader{port})}
}

func (b *SerialBridge) ReadRaw(pin int) (uint16, error) {
	if pin < 0 {
		return 0, fmt.Errorf("invalid pin %d", pin)
	}
	return b.query(fmt.Sprintf("A%d\n", pin))
}

func (b *SerialBridge) SupplyMillivolts() (uint16, error) {
	return b.query(serialSupplyPrompt)
}

func (b *SerialBridge) Close() error {
	return b.port.Close()
}

func (b *SerialBridge) query(cmd string) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := io.WriteString(b.port, cmd); err != nil {
		return 0, fmt.Errorf("write %q: %w", strings.TrimSpace(cmd), err)
	}
	line, err := b.r.ReadString('\n')
	if err != nil {
		b.resync()
		return 0, fmt.Errorf("read reply to %q: %w", strings.TrimSpace(cmd), err)
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, serialErrorPrefix) {
		return 0, fmt.Errorf("device error: %s", strings.TrimSpace(strings.TrimPrefix(line, serialErrorPrefix)))
	}
	v, err := strconv.ParseUint(line, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse reply %q: %w", line, err)
	}
	return uint16(v), nil
}

// resync drops buffered and pending input after a failed read.
func (b *SerialBridge) resync() {
	b.r.Reset(timeoutReader{b.port})
	_ = b.port.ResetInputBuffer()
}

// timeoutReader turns the (0, nil) that go.bug.st/serial returns on a read
// timeout into an error, so bufio does not keep retrying.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, errReadTimeout
	}
	return n, err
}
