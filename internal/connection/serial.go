package connection

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

type SerialConnection struct {
	name string
	mu   sync.Mutex
	port io.WriteCloser
}

func (c *SerialConnection) Name() string {
	return c.name
}

func (c *SerialConnection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return 0, ErrNotConnected
	}
	n, err := c.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to %s: %w", c.name, err)
	}
	return n, nil
}

// timedReader is the part of serial.Port needed to read printer responses.
type timedReader interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
}

func readWithTimeout(port io.WriteCloser, p []byte, timeout time.Duration) (int, error) {
	r, ok := port.(timedReader)
	if !ok {
		return 0, ErrReadUnsupported
	}
	if err := r.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	return r.Read(p)
}

func (c *SerialConnection) ReadResponse(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return 0, ErrNotConnected
	}
	n, err := readWithTimeout(c.port, p, timeout)
	if err != nil {
		return n, fmt.Errorf("failed to read from %s: %w", c.name, err)
	}
	return n, nil
}

func (c *SerialConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func serialMode(baudrate int) *serial.Mode {
	if baudrate <= 0 {
		baudrate = defaultBaudrate
	}
	return &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Serial opens the named serial port at baudrate. The port must be listed by
// the OS, otherwise ErrDeviceNotFound is returned.
func (r *Registry) Serial(name string, baudrate int) (DeviceConnection, error) {
	ports, err := r.portsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	if !contains(ports, name) {
		return nil, fmt.Errorf("%w: serial port %s", ErrDeviceNotFound, name)
	}

	port, err := r.openPort(name, serialMode(baudrate))
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", name, err)
	}

	r.log.Debug().Str("port", name).Int("baudrate", baudrate).Msg("serial port opened")
	return &SerialConnection{name: name, port: port}, nil
}

func (r *Registry) ListSerial() ([]Device, error) {
	ports, err := r.portsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, Device{
			Connection: "SERIAL",
			Address:    p,
			Name:       p,
		})
	}
	return devices, nil
}
