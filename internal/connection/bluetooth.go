package connection

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	rfcommChannel  = 1
	rfcommMaxSlots = 10
)

// BluetoothDevice is a paired device as reported by bluetoothctl.
type BluetoothDevice struct {
	Name string
	MAC  string
}

// BluetoothConnection writes to a bound /dev/rfcommN serial device.
type BluetoothConnection struct {
	mac        string
	devicePath string

	mu      sync.Mutex
	port    io.WriteCloser
	release func() error
}

func (c *BluetoothConnection) MAC() string {
	return c.mac
}

func (c *BluetoothConnection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return 0, ErrNotConnected
	}
	n, err := c.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to %s: %w", c.devicePath, err)
	}
	return n, nil
}

func (c *BluetoothConnection) ReadResponse(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return 0, ErrNotConnected
	}
	n, err := readWithTimeout(c.port, p, timeout)
	if err != nil {
		return n, fmt.Errorf("failed to read from %s: %w", c.devicePath, err)
	}
	return n, nil
}

// Close closes the serial device and releases the RFCOMM binding.
func (c *BluetoothConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.port != nil {
		firstErr = c.port.Close()
		c.port = nil
	}
	if c.release != nil {
		if err := c.release(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.release = nil
	}
	return firstErr
}

// Bluetooth connects to an already paired device by MAC address.
func (r *Registry) Bluetooth(address string) (DeviceConnection, error) {
	devices, err := r.pairedDevices()
	if err != nil {
		return nil, err
	}

	var mac string
	for _, d := range devices {
		if strings.EqualFold(d.MAC, address) {
			mac = d.MAC
			break
		}
	}
	if mac == "" {
		return nil, fmt.Errorf("%w: no paired bluetooth device %s", ErrDeviceNotFound, address)
	}

	path, release, err := r.bindRFCOMM(mac, r.opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	port, err := r.openPort(path, serialMode(defaultBaudrate))
	if err != nil {
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	r.log.Debug().Str("mac", mac).Str("device", path).Msg("bluetooth device bound")
	return &BluetoothConnection{
		mac:        mac,
		devicePath: path,
		port:       port,
		release:    release,
	}, nil
}

func (r *Registry) ListBluetooth() ([]Device, error) {
	paired, err := r.pairedDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(paired))
	for _, d := range paired {
		devices = append(devices, Device{
			Connection: "BLUETOOTH",
			Address:    d.MAC,
			Name:       d.Name,
		})
	}
	return devices, nil
}

func listPairedDevices() ([]BluetoothDevice, error) {
	out, err := exec.Command("bluetoothctl", "devices", "Paired").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list paired devices: %w", err)
	}
	return parsePairedDevices(string(out)), nil
}

// parsePairedDevices reads lines of the form "Device XX:XX:XX:XX:XX:XX Name".
func parsePairedDevices(out string) []BluetoothDevice {
	var devices []BluetoothDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Device ") {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(line, "Device "), " ", 2)
		if len(parts) != 2 {
			continue
		}
		devices = append(devices, BluetoothDevice{
			MAC:  parts[0],
			Name: parts[1],
		})
	}
	return devices
}

func findFreeRFCOMMSlot() (int, error) {
	for i := 0; i < rfcommMaxSlots; i++ {
		if _, err := os.Stat(rfcommPath(i)); os.IsNotExist(err) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no available RFCOMM device slots")
}

func rfcommPath(slot int) string {
	return "/dev/rfcomm" + strconv.Itoa(slot)
}

// bindRFCOMM binds mac to a free /dev/rfcommN and waits for the device node
// to appear.
func bindRFCOMM(mac string, timeout time.Duration) (string, func() error, error) {
	if _, err := exec.LookPath("rfcomm"); err != nil {
		return "", nil, fmt.Errorf("rfcomm not found - install bluez: %w", err)
	}

	slot, err := findFreeRFCOMMSlot()
	if err != nil {
		return "", nil, err
	}

	id := strconv.Itoa(slot)
	out, err := exec.Command("rfcomm", "bind", id, mac, strconv.Itoa(rfcommChannel)).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind rfcomm%s: %w, output: %s", id, err, strings.TrimSpace(string(out)))
	}

	release := func() error {
		return exec.Command("rfcomm", "release", id).Run()
	}

	path := rfcommPath(slot)
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return path, release, nil
		}
		if time.Now().After(deadline) {
			_ = release()
			return "", nil, fmt.Errorf("timeout waiting for %s to appear", path)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
