package core

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/orrn/thermal-spool/internal/connection"
)

// callLog records device calls across every handle of a fake resolver.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeHandle struct {
	name string
	dpi  int
	log  *callLog

	printErr error
	cutErr   error
	cashErr  error
}

func (h *fakeHandle) PrintFormattedText(text string) error {
	h.log.add("%s print %q", h.name, text)
	return h.printErr
}

func (h *fakeHandle) FeedPaper(px int) error {
	h.log.add("%s feed %d", h.name, px)
	return nil
}

func (h *fakeHandle) CutPaper() error {
	h.log.add("%s cut", h.name)
	return h.cutErr
}

func (h *fakeHandle) OpenCashBox() error {
	h.log.add("%s cashbox", h.name)
	return h.cashErr
}

func (h *fakeHandle) MmToPx(mm float64) int {
	return int(math.Round(mm * float64(h.dpi) / 25.4))
}

func (h *fakeHandle) Close() error {
	h.log.add("%s close", h.name)
	return nil
}

// fakeResolver resolves selectors by address. Unknown addresses fail.
type fakeResolver struct {
	log     *callLog
	handles map[string]*fakeHandle
}

func newFakeResolver(addresses ...string) *fakeResolver {
	r := &fakeResolver{log: &callLog{}, handles: map[string]*fakeHandle{}}
	for _, addr := range addresses {
		r.handles[addr] = &fakeHandle{name: addr, dpi: 203, log: r.log}
	}
	return r
}

func (r *fakeResolver) Resolve(sel Selector) (Handle, error) {
	r.log.add("resolve %s", sel.Address)
	h, ok := r.handles[sel.Address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, sel)
	}
	return h, nil
}

// fakeConn is a DeviceConnection that keeps what was written.
type fakeConn struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, p...)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeRegistry records which transport was asked for which device.
type fakeRegistry struct {
	lastCall string
	conn     *fakeConn
	err      error
}

func (r *fakeRegistry) TCP(address string, port int) connection.DeviceConnection {
	r.lastCall = fmt.Sprintf("tcp %s:%d", address, port)
	return r.conn
}

func (r *fakeRegistry) Bluetooth(address string) (connection.DeviceConnection, error) {
	r.lastCall = "bluetooth " + address
	return r.result()
}

func (r *fakeRegistry) USB(name string) (connection.DeviceConnection, error) {
	r.lastCall = "usb " + name
	return r.result()
}

func (r *fakeRegistry) Serial(name string, baudrate int) (connection.DeviceConnection, error) {
	r.lastCall = fmt.Sprintf("serial %s@%d", name, baudrate)
	return r.result()
}

func (r *fakeRegistry) result() (connection.DeviceConnection, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

var (
	_ Handle                      = (*fakeHandle)(nil)
	_ connection.DeviceConnection = (*fakeConn)(nil)
)

var errBoom = errors.New("boom")
