package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/connection"
	"github.com/orrn/thermal-spool/internal/core"
	"github.com/orrn/thermal-spool/internal/escpos"
)

const modelQueryTimeout = 3 * time.Second

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DeviceLister reports the devices the host can reach per transport.
type DeviceLister interface {
	ListBluetooth() ([]connection.Device, error)
	ListUSB() ([]connection.Device, error)
	ListSerial() ([]connection.Device, error)
}

type TestPrintRequest struct {
	Printer core.Selector `json:"printer"`
	Text    string        `json:"text"`
	Cut     bool          `json:"cut"`
}

type ModelQuery struct {
	Connection core.Connection `form:"connection" binding:"required"`
	Address    string          `form:"address" binding:"required"`
	Port       int             `form:"port"`
	Baudrate   int             `form:"baudrate"`
}

type ModelResponse struct {
	Printer string `json:"printer"`
	Model   string `json:"model"`
}

type PrinterHandler struct {
	devices  DeviceLister
	resolver core.Resolver
	log      zerolog.Logger
}

func NewPrinterHandler(devices DeviceLister, resolver core.Resolver, log zerolog.Logger) *PrinterHandler {
	return &PrinterHandler{
		devices:  devices,
		resolver: resolver,
		log:      log.With().Str("component", "printers_api").Logger(),
	}
}

func (h *PrinterHandler) ListBluetooth(c *gin.Context) {
	h.list(c, "bluetooth", h.devices.ListBluetooth)
}

func (h *PrinterHandler) ListUSB(c *gin.Context) {
	h.list(c, "usb", h.devices.ListUSB)
}

func (h *PrinterHandler) ListSerial(c *gin.Context) {
	h.list(c, "serial", h.devices.ListSerial)
}

func (h *PrinterHandler) list(c *gin.Context, kind string, fn func() ([]connection.Device, error)) {
	devices, err := fn()
	if err != nil {
		h.log.Error().Err(err).Str("transport", kind).Msg("failed to list devices")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "device_error",
			Message: fmt.Sprintf("Failed to list %s devices", kind),
		})
		return
	}
	if devices == nil {
		devices = []connection.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

// TestPrint resolves the printer, prints a short slip and releases it.
func (h *PrinterHandler) TestPrint(c *gin.Context) {
	var req TestPrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	text := req.Text
	if text == "" {
		text = "[C]<b>Test print</b>\n[C]" + time.Now().Format(time.RFC1123) + "\n"
	}

	handle, ok := h.resolve(c, req.Printer)
	if !ok {
		return
	}

	err := handle.PrintFormattedText(text)
	if err == nil && req.Cut {
		err = handle.CutPaper()
	}
	if closeErr := handle.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		h.log.Warn().Err(err).Str("printer", req.Printer.String()).Msg("test print failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "print_failed", Message: err.Error()})
		return
	}

	h.log.Info().Str("printer", req.Printer.String()).Msg("test print sent")
	c.JSON(http.StatusOK, gin.H{"message": "test print sent"})
}

// GetModel asks the printer for its model name. Only connections that can
// read responses (NETWORK, SERIAL, BLUETOOTH) support it.
func (h *PrinterHandler) GetModel(c *gin.Context) {
	var q ModelQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	if !q.Connection.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Unknown connection " + strconv.Quote(string(q.Connection))})
		return
	}
	sel := core.Selector{Connection: q.Connection, Address: q.Address, Port: q.Port, Baudrate: q.Baudrate}

	handle, ok := h.resolve(c, sel)
	if !ok {
		return
	}
	defer func() {
		if err := handle.Close(); err != nil {
			h.log.Warn().Err(err).Str("printer", sel.String()).Msg("failed to close printer")
		}
	}()

	querier, ok := handle.(core.ModelQuerier)
	if !ok {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "unsupported", Message: escpos.ErrQueryUnsupported.Error()})
		return
	}

	model, err := querier.QueryModel(modelQueryTimeout)
	switch {
	case errors.Is(err, escpos.ErrQueryUnsupported):
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "unsupported", Message: err.Error()})
	case errors.Is(err, escpos.ErrQueryTimeout):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "printer_timeout", Message: err.Error()})
	case err != nil:
		h.log.Warn().Err(err).Str("printer", sel.String()).Msg("model query failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "printer_error", Message: err.Error()})
	default:
		c.JSON(http.StatusOK, ModelResponse{Printer: sel.String(), Model: model})
	}
}

func (h *PrinterHandler) resolve(c *gin.Context, sel core.Selector) (core.Handle, bool) {
	handle, err := h.resolver.Resolve(sel)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrPrinterNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "printer_not_found", Message: err.Error()})
		return nil, false
	}
	return handle, true
}
