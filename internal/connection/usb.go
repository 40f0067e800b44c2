package connection

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
)

var ErrNoOutEndpoint = errors.New("usb device has no bulk out endpoint")

// usbMatcher identifies a device either by its bus position
// (/dev/bus/usb/BBB/DDD) or by vendor and product id (vvvv:pppp).
type usbMatcher struct {
	bus, address    int
	vendor, product gousb.ID
	byVendorProduct bool
}

func (m usbMatcher) matches(desc *gousb.DeviceDesc) bool {
	if m.byVendorProduct {
		return desc.Vendor == m.vendor && desc.Product == m.product
	}
	return desc.Bus == m.bus && desc.Address == m.address
}

func parseUSBName(name string) (usbMatcher, error) {
	if rest, ok := strings.CutPrefix(name, "/dev/bus/usb/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			return usbMatcher{}, fmt.Errorf("invalid usb device path %q", name)
		}
		bus, err := strconv.Atoi(parts[0])
		if err != nil {
			return usbMatcher{}, fmt.Errorf("invalid usb bus in %q: %w", name, err)
		}
		addr, err := strconv.Atoi(parts[1])
		if err != nil {
			return usbMatcher{}, fmt.Errorf("invalid usb address in %q: %w", name, err)
		}
		return usbMatcher{bus: bus, address: addr}, nil
	}

	vid, pid, ok := strings.Cut(name, ":")
	if !ok {
		return usbMatcher{}, fmt.Errorf("invalid usb device name %q", name)
	}
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return usbMatcher{}, fmt.Errorf("invalid usb vendor id in %q: %w", name, err)
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return usbMatcher{}, fmt.Errorf("invalid usb product id in %q: %w", name, err)
	}
	return usbMatcher{vendor: gousb.ID(v), product: gousb.ID(p), byVendorProduct: true}, nil
}

func usbPath(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", desc.Bus, desc.Address)
}

// USBConnection owns a libusb context, the opened device and its claimed
// default interface.
type USBConnection struct {
	name string

	mu   sync.Mutex
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	out  *gousb.OutEndpoint
}

func (c *USBConnection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out == nil {
		return 0, ErrNotConnected
	}
	n, err := c.out.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to usb device %s: %w", c.name, err)
	}
	return n, nil
}

func (c *USBConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.out = nil
	if c.done != nil {
		c.done()
		c.done = nil
	}
	var err error
	if c.dev != nil {
		err = c.dev.Close()
		c.dev = nil
	}
	if c.ctx != nil {
		if cerr := c.ctx.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.ctx = nil
	}
	return err
}

// USB opens an attached device by name.
func (r *Registry) USB(name string) (DeviceConnection, error) {
	return r.openUSB(name)
}

func (r *Registry) ListUSB() ([]Device, error) {
	return r.listUSB()
}

func openUSB(name string) (DeviceConnection, error) {
	matcher, err := parseUSBName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}

	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(matcher.matches)
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to open usb device %s: %w", name, err)
		}
		return nil, fmt.Errorf("%w: usb device %s", ErrDeviceNotFound, name)
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]

	_ = dev.SetAutoDetach(true)

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim usb interface on %s: %w", name, err)
	}

	epNum := -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk {
			epNum = ep.Number
			break
		}
	}
	if epNum < 0 {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNoOutEndpoint)
	}

	out, err := intf.OutEndpoint(epNum)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open usb endpoint on %s: %w", name, err)
	}

	return &USBConnection{
		name: name,
		ctx:  ctx,
		dev:  dev,
		done: done,
		out:  out,
	}, nil
}

func isPrinterClass(desc *gousb.DeviceDesc) bool {
	if desc.Class == gousb.ClassPrinter {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}

func listUSBPrinters() ([]Device, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(isPrinterClass)
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("failed to enumerate usb devices: %w", err)
	}

	devices := make([]Device, 0, len(devs))
	for _, dev := range devs {
		desc := dev.Desc
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()

		description := fmt.Sprintf("%04x:%04x", uint16(desc.Vendor), uint16(desc.Product))
		if manufacturer != "" || product != "" {
			description = strings.TrimSpace(manufacturer+" "+product) + " (" + description + ")"
		}

		devices = append(devices, Device{
			Connection:  "USB",
			Address:     usbPath(desc),
			Name:        product,
			Description: description,
		})
	}
	return devices, nil
}
