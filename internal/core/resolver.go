package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/orrn/thermal-spool/internal/connection"
	"github.com/orrn/thermal-spool/internal/escpos"
)

var ErrPrinterNotFound = errors.New("printer not found")

// Handle is an open printer owned by a single job attempt.
type Handle interface {
	PrintFormattedText(text string) error
	FeedPaper(px int) error
	CutPaper() error
	OpenCashBox() error
	MmToPx(mm float64) int
	Close() error
}

// ModelQuerier is implemented by handles that can ask the device for its
// model name.
type ModelQuerier interface {
	QueryModel(timeout time.Duration) (string, error)
}

// Resolver maps a selector to an open handle. Every failure wraps
// ErrPrinterNotFound.
type Resolver interface {
	Resolve(sel Selector) (Handle, error)
}

// DeviceRegistry is the host's view of the devices it can reach.
type DeviceRegistry interface {
	TCP(address string, port int) connection.DeviceConnection
	Bluetooth(address string) (connection.DeviceConnection, error)
	USB(name string) (connection.DeviceConnection, error)
	Serial(name string, baudrate int) (connection.DeviceConnection, error)
}

type DeviceResolver struct {
	registry DeviceRegistry
	defaults SelectorDefaults
}

func NewDeviceResolver(registry DeviceRegistry, defaults SelectorDefaults) *DeviceResolver {
	return &DeviceResolver{
		registry: registry,
		defaults: defaults,
	}
}

func (r *DeviceResolver) Resolve(sel Selector) (Handle, error) {
	sel = sel.WithDefaults(r.defaults)

	if sel.Address == "" {
		return nil, fmt.Errorf("%w: %s connection without an address", ErrPrinterNotFound, sel.Connection)
	}

	var (
		conn connection.DeviceConnection
		err  error
	)
	switch sel.Connection {
	case ConnectionNetwork:
		conn = r.registry.TCP(sel.Address, sel.Port)
	case ConnectionBluetooth:
		conn, err = r.registry.Bluetooth(sel.Address)
	case ConnectionUSB:
		conn, err = r.registry.USB(sel.Address)
	case ConnectionSerial:
		conn, err = r.registry.Serial(sel.Address, sel.Baudrate)
	default:
		return nil, fmt.Errorf("%w: unsupported connection %q", ErrPrinterNotFound, sel.Connection)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPrinterNotFound, sel, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, sel)
	}

	return escpos.NewPrinter(conn, sel.DPI, sel.Width, sel.MaxChars), nil
}
