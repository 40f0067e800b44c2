package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Connection string

const (
	ConnectionNetwork   Connection = "NETWORK"
	ConnectionBluetooth Connection = "BLUETOOTH"
	ConnectionUSB       Connection = "USB"
	ConnectionSerial    Connection = "SERIAL"
)

func (c Connection) Valid() bool {
	switch c {
	case ConnectionNetwork, ConnectionBluetooth, ConnectionUSB, ConnectionSerial:
		return true
	}
	return false
}

// Selector identifies a printer and the print geometry to drive it with.
// Port only matters for NETWORK and Baudrate only for SERIAL.
type Selector struct {
	Connection Connection `json:"connection"`
	Address    string     `json:"address"`
	Port       int        `json:"port,omitempty"`
	Baudrate   int        `json:"baudrate,omitempty"`
	DPI        int        `json:"dpi,omitempty"`
	Width      float64    `json:"width,omitempty"`
	MaxChars   int        `json:"maxChars,omitempty"`
}

// SelectorDefaults fills zero-valued selector fields.
type SelectorDefaults struct {
	Port     int
	Baudrate int
	DPI      int
	Width    float64
	MaxChars int
}

var DefaultSelectorDefaults = SelectorDefaults{
	Port:     9100,
	Baudrate: 9600,
	DPI:      203,
	Width:    48,
	MaxChars: 32,
}

// WithDefaults returns a copy of s with zero fields taken from d.
func (s Selector) WithDefaults(d SelectorDefaults) Selector {
	if s.Port == 0 && s.Connection == ConnectionNetwork {
		s.Port = d.Port
	}
	if s.Baudrate == 0 && s.Connection == ConnectionSerial {
		s.Baudrate = d.Baudrate
	}
	if s.DPI == 0 {
		s.DPI = d.DPI
	}
	if s.Width == 0 {
		s.Width = d.Width
	}
	if s.MaxChars == 0 {
		s.MaxChars = d.MaxChars
	}
	return s
}

func (s Selector) String() string {
	switch s.Connection {
	case ConnectionNetwork:
		return fmt.Sprintf("%s %s:%d", s.Connection, s.Address, s.Port)
	case ConnectionSerial:
		return fmt.Sprintf("%s %s@%d", s.Connection, s.Address, s.Baudrate)
	default:
		return fmt.Sprintf("%s %s", s.Connection, s.Address)
	}
}

// ParseSelector decodes the JSON form used by SELECT_PRINTER lines.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &sel); err != nil {
		return Selector{}, fmt.Errorf("failed to parse printer selector: %w", err)
	}
	return sel, nil
}

func (s Selector) JSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode printer selector: %w", err)
	}
	return string(b), nil
}

// SelectorFromData reads the flattened selector keys of a job bag.
func SelectorFromData(d Data) Selector {
	return Selector{
		Connection: Connection(d.String(KeyConnection)),
		Address:    d.String(KeyAddress),
		Port:       d.Int(KeyPort),
		Baudrate:   d.Int(KeyBaudrate),
		DPI:        d.Int(KeyDPI),
		Width:      d.Float(KeyWidth),
		MaxChars:   d.Int(KeyMaxChars),
	}
}

// Apply writes the selector's fields into d and returns it.
func (s Selector) Apply(d Data) Data {
	d[KeyConnection] = string(s.Connection)
	d[KeyAddress] = s.Address
	d[KeyPort] = s.Port
	d[KeyBaudrate] = s.Baudrate
	d[KeyDPI] = s.DPI
	d[KeyWidth] = s.Width
	d[KeyMaxChars] = s.MaxChars
	return d
}
