// Package connection opens device connections to ESC/POS printers over TCP,
// Bluetooth RFCOMM, USB and serial ports, and enumerates the devices the host
// can currently see.
package connection

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNotConnected    = errors.New("not connected")
	ErrReadUnsupported = errors.New("port does not support timed reads")
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultBaudrate     = 9600
)

// DeviceConnection is a writable link to a single printer. Close releases
// every OS resource the connection holds.
type DeviceConnection interface {
	io.Writer
	io.Closer
}

// Device describes an attached or paired device as reported by a registry.
type Device struct {
	Connection  string `json:"connection"`
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Registry resolves device identifiers to open connections using the host's
// device registries.
type Registry struct {
	opts Options
	log  zerolog.Logger

	portsList     func() ([]string, error)
	openPort      func(name string, mode *serial.Mode) (io.WriteCloser, error)
	pairedDevices func() ([]BluetoothDevice, error)
	bindRFCOMM    func(mac string, timeout time.Duration) (string, func() error, error)
	openUSB       func(name string) (DeviceConnection, error)
	listUSB       func() ([]Device, error)
}

func NewRegistry(opts Options, log zerolog.Logger) *Registry {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	return &Registry{
		opts:          opts,
		log:           log.With().Str("component", "connection").Logger(),
		portsList:     serial.GetPortsList,
		openPort:      openSerialPort,
		pairedDevices: listPairedDevices,
		bindRFCOMM:    bindRFCOMM,
		openUSB:       openUSB,
		listUSB:       listUSBPrinters,
	}
}

// TCP returns a lazily dialled connection to address:port.
func (r *Registry) TCP(address string, port int) DeviceConnection {
	return NewTCPConnection(address, port, r.opts.DialTimeout, r.opts.WriteTimeout)
}

func openSerialPort(name string, mode *serial.Mode) (io.WriteCloser, error) {
	return serial.Open(name, mode)
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}
