// Package escpos encodes the small ESC/POS command set the spooler needs and
// writes it to an open device connection.
package escpos

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	esc = 0x1B
	gs  = 0x1D
	lf  = 0x0A

	// mmPerInch converts between millimetres and device dots.
	mmPerInch = 25.4

	maxFeedPerCommand = 255

	// GS I 67 answers with '_', the model name and a NUL.
	modelResponseHeader = '_'
	maxModelResponse    = 80

	// MaxFeedMM is the longest feed a single command may request.
	MaxFeedMM = 1000.0
)

var (
	ErrClosed       = errors.New("printer connection closed")
	ErrInvalidFeed  = errors.New("feed length must be non-negative")
	ErrFeedTooLong  = errors.New("feed length exceeds maximum")
	ErrNoConnection = errors.New("printer has no connection")

	ErrQueryUnsupported = errors.New("connection cannot read printer responses")
	ErrQueryTimeout     = errors.New("printer did not answer")
)

var (
	cmdInit    = []byte{esc, '@'}
	cmdCut     = []byte{gs, 'V', 66, 0}
	cmdCashBox = []byte{esc, 'p', 0, 60, 255}
	cmdModel   = []byte{gs, 'I', 67}
)

// ResponseReader is implemented by connections that can read what the
// printer sends back. A read that times out returns 0 bytes and no error.
type ResponseReader interface {
	ReadResponse(p []byte, timeout time.Duration) (int, error)
}

// Printer is an open, parameterized handle on one device connection. It is
// not meant to be shared between jobs.
type Printer struct {
	conn     io.WriteCloser
	dpi      int
	widthMM  float64
	maxChars int

	mu          sync.Mutex
	initialized bool
	closed      bool
}

func NewPrinter(conn io.WriteCloser, dpi int, widthMM float64, maxChars int) *Printer {
	return &Printer{
		conn:     conn,
		dpi:      dpi,
		widthMM:  widthMM,
		maxChars: maxChars,
	}
}

func (p *Printer) DPI() int { return p.dpi }

func (p *Printer) WidthMM() float64 { return p.widthMM }

func (p *Printer) MaxChars() int { return p.maxChars }

func (p *Printer) PrintWidthPx() int { return p.MmToPx(p.widthMM) }

// MmToPx converts a length in millimetres to printer dots at the handle's dpi.
// Results outside the int32 range saturate, and NaN converts to -1.
func (p *Printer) MmToPx(mm float64) int {
	px := math.Round(mm * float64(p.dpi) / mmPerInch)
	switch {
	case math.IsNaN(px):
		return -1
	case px > math.MaxInt32:
		return math.MaxInt32
	case px < math.MinInt32:
		return math.MinInt32
	}
	return int(px)
}

// PrintFormattedText renders text with the line markup understood by
// FormatText and sends it to the printer.
func (p *Printer) PrintFormattedText(text string) error {
	return p.send(FormatText(text, p.maxChars))
}

// FeedPaper advances the paper by px dots.
func (p *Printer) FeedPaper(px int) error {
	if px < 0 {
		return ErrInvalidFeed
	}
	if px == 0 {
		return nil
	}
	if px > p.MmToPx(MaxFeedMM) {
		return fmt.Errorf("%w: %d dots", ErrFeedTooLong, px)
	}

	var buf bytes.Buffer
	for px > 0 {
		n := px
		if n > maxFeedPerCommand {
			n = maxFeedPerCommand
		}
		buf.Write([]byte{esc, 'J', byte(n)})
		px -= n
	}
	return p.send(buf.Bytes())
}

func (p *Printer) CutPaper() error {
	return p.send(cmdCut)
}

func (p *Printer) OpenCashBox() error {
	return p.send(cmdCashBox)
}

// Close releases the underlying device connection. It is safe to call more
// than once.
func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// QueryModel asks the printer for its model name with GS I 67.
func (p *Printer) QueryModel(timeout time.Duration) (string, error) {
	r, ok := p.conn.(ResponseReader)
	if !ok {
		return "", ErrQueryUnsupported
	}
	if err := p.send(cmdModel); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	resp := make([]byte, 0, maxModelResponse)
	chunk := make([]byte, maxModelResponse)
	for len(resp) < maxModelResponse {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrQueryTimeout
		}
		n, err := r.ReadResponse(chunk, remaining)
		if err != nil {
			return "", fmt.Errorf("failed to read printer response: %w", err)
		}
		if n == 0 {
			return "", ErrQueryTimeout
		}
		resp = append(resp, chunk[:n]...)
		if end := bytes.IndexByte(resp, 0); end >= 0 {
			return parseModel(resp[:end])
		}
	}
	return "", fmt.Errorf("printer response exceeds %d bytes", maxModelResponse)
}

func parseModel(resp []byte) (string, error) {
	if len(resp) == 0 || resp[0] != modelResponseHeader {
		return "", fmt.Errorf("unexpected printer response % x", resp)
	}
	model := strings.TrimSpace(string(resp[1:]))
	if model == "" {
		return "", errors.New("printer reported an empty model name")
	}
	return model, nil
}

func (p *Printer) send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.conn == nil {
		return ErrNoConnection
	}

	if !p.initialized {
		if _, err := p.conn.Write(cmdInit); err != nil {
			return fmt.Errorf("failed to initialize printer: %w", err)
		}
		p.initialized = true
	}

	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to printer: %w", err)
	}
	return nil
}
