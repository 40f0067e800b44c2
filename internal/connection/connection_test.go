package connection

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type fakePort struct {
	bytes.Buffer
	closed bool
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func newTestRegistry() *Registry {
	return NewRegistry(Options{DialTimeout: time.Second, WriteTimeout: time.Second}, zerolog.Nop())
}

func TestTCPConnection_LazyDialAndWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := newTestRegistry().TCP("127.0.0.1", addr.Port)

	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("printer never received data")
	}
}

func TestTCPConnection_UnreachableFailsOnWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewTCPConnection("127.0.0.1", port, 200*time.Millisecond, time.Second)
	_, err = c.Write([]byte("x"))
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}

func TestSerial_NotListed(t *testing.T) {
	r := newTestRegistry()
	r.portsList = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }

	_, err := r.Serial("/dev/ttyS9", 9600)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSerial_OpensWithBaudrate(t *testing.T) {
	r := newTestRegistry()
	port := &fakePort{}
	var gotMode *serial.Mode
	r.portsList = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	r.openPort = func(name string, mode *serial.Mode) (io.WriteCloser, error) {
		gotMode = mode
		return port, nil
	}

	c, err := r.Serial("/dev/ttyUSB0", 19200)
	require.NoError(t, err)
	require.NotNil(t, gotMode)
	assert.Equal(t, 19200, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)

	_, err = c.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", port.String())

	require.NoError(t, c.Close())
	assert.True(t, port.closed)
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerial_DefaultBaudrate(t *testing.T) {
	assert.Equal(t, defaultBaudrate, serialMode(0).BaudRate)
}

func TestListSerial(t *testing.T) {
	r := newTestRegistry()
	r.portsList = func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, nil }

	devices, err := r.ListSerial()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "SERIAL", devices[0].Connection)
	assert.Equal(t, "/dev/ttyACM0", devices[1].Address)
}

func TestParsePairedDevices(t *testing.T) {
	out := "Device 00:11:22:33:44:55 RPP02N\nnoise\nDevice AA:BB:CC:DD:EE:FF Kitchen Printer\n"
	devices := parsePairedDevices(out)

	require.Len(t, devices, 2)
	assert.Equal(t, BluetoothDevice{MAC: "00:11:22:33:44:55", Name: "RPP02N"}, devices[0])
	assert.Equal(t, "Kitchen Printer", devices[1].Name)
}

func TestBluetooth_NotPaired(t *testing.T) {
	r := newTestRegistry()
	r.pairedDevices = func() ([]BluetoothDevice, error) {
		return []BluetoothDevice{{MAC: "00:11:22:33:44:55", Name: "RPP02N"}}, nil
	}
	r.bindRFCOMM = func(string, time.Duration) (string, func() error, error) {
		t.Fatal("bind must not be attempted for an unpaired device")
		return "", nil, nil
	}

	_, err := r.Bluetooth("AA:AA:AA:AA:AA:AA")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestBluetooth_BindsAndReleases(t *testing.T) {
	r := newTestRegistry()
	port := &fakePort{}
	released := false
	r.pairedDevices = func() ([]BluetoothDevice, error) {
		return []BluetoothDevice{{MAC: "00:11:22:33:44:55", Name: "RPP02N"}}, nil
	}
	r.bindRFCOMM = func(mac string, _ time.Duration) (string, func() error, error) {
		assert.Equal(t, "00:11:22:33:44:55", mac)
		return "/dev/rfcomm0", func() error { released = true; return nil }, nil
	}
	r.openPort = func(name string, _ *serial.Mode) (io.WriteCloser, error) {
		assert.Equal(t, "/dev/rfcomm0", name)
		return port, nil
	}

	c, err := r.Bluetooth("00:11:22:33:44:55")
	require.NoError(t, err)

	_, err = c.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.Equal(t, "hi", port.String())
	assert.True(t, port.closed)
	assert.True(t, released)
}

func TestBluetooth_OpenFailureReleasesBinding(t *testing.T) {
	r := newTestRegistry()
	released := false
	r.pairedDevices = func() ([]BluetoothDevice, error) {
		return []BluetoothDevice{{MAC: "00:11:22:33:44:55"}}, nil
	}
	r.bindRFCOMM = func(string, time.Duration) (string, func() error, error) {
		return "/dev/rfcomm0", func() error { released = true; return nil }, nil
	}
	r.openPort = func(string, *serial.Mode) (io.WriteCloser, error) {
		return nil, errors.New("permission denied")
	}

	_, err := r.Bluetooth("00:11:22:33:44:55")
	assert.Error(t, err)
	assert.True(t, released)
}

func TestParseUSBName(t *testing.T) {
	m, err := parseUSBName("/dev/bus/usb/001/004")
	require.NoError(t, err)
	assert.True(t, m.matches(&gousb.DeviceDesc{Bus: 1, Address: 4}))
	assert.False(t, m.matches(&gousb.DeviceDesc{Bus: 1, Address: 5}))

	m, err = parseUSBName("04b8:0202")
	require.NoError(t, err)
	assert.True(t, m.matches(&gousb.DeviceDesc{Vendor: 0x04b8, Product: 0x0202}))

	for _, bad := range []string{"printer", "/dev/bus/usb/1", "/dev/bus/usb/x/1", "zz:01"} {
		_, err := parseUSBName(bad)
		assert.Error(t, err, bad)
	}
}

func TestUSB_DelegatesToOpener(t *testing.T) {
	r := newTestRegistry()
	r.openUSB = func(name string) (DeviceConnection, error) {
		return nil, ErrDeviceNotFound
	}

	_, err := r.USB("04b8:0202")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

type readablePort struct {
	fakePort
	reply   []byte
	timeout time.Duration
}

func (p *readablePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *readablePort) Read(b []byte) (int, error) {
	n := copy(b, p.reply)
	p.reply = p.reply[n:]
	return n, nil
}

func TestTCPConnection_ReadResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 3)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("_TM-T20\x00"))
		time.Sleep(500 * time.Millisecond)
	}()

	c := NewTCPConnection("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, time.Second, time.Second)
	defer c.Close()

	buf := make([]byte, 16)
	_, err = c.ReadResponse(buf, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Write([]byte{0x1D, 'I', 67})
	require.NoError(t, err)

	var got []byte
	for !bytes.Contains(got, []byte{0}) {
		n, err := c.ReadResponse(buf, time.Second)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "_TM-T20\x00", string(got))

	n, err := c.ReadResponse(buf, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSerial_ReadResponse(t *testing.T) {
	r := newTestRegistry()
	port := &readablePort{reply: []byte("_RP80\x00")}
	r.portsList = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	r.openPort = func(string, *serial.Mode) (io.WriteCloser, error) { return port, nil }

	c, err := r.Serial("/dev/ttyUSB0", 9600)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := c.(*SerialConnection).ReadResponse(buf, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "_RP80\x00", string(buf[:n]))
	assert.Equal(t, 2*time.Second, port.timeout)
}

func TestSerial_ReadResponseUnsupported(t *testing.T) {
	r := newTestRegistry()
	r.portsList = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	r.openPort = func(string, *serial.Mode) (io.WriteCloser, error) { return &fakePort{}, nil }

	c, err := r.Serial("/dev/ttyUSB0", 9600)
	require.NoError(t, err)

	_, err = c.(*SerialConnection).ReadResponse(make([]byte, 4), time.Second)
	assert.ErrorIs(t, err, ErrReadUnsupported)
}
