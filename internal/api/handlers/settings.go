package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/thermal-spool/internal/config"
)

type SettingsHandler struct {
	config *config.Config
}

type ServerConfigResponse struct {
	Port               int     `json:"port"`
	DatabasePath       string  `json:"database_path"`
	ArchivePath        string  `json:"archive_path"`
	SpoolDir           string  `json:"spool_dir"`
	ConnectionTimeout  string  `json:"connection_timeout"`
	WriteTimeout       string  `json:"write_timeout"`
	DefaultDPI         int     `json:"default_dpi"`
	DefaultWidthMM     float64 `json:"default_width_mm"`
	DefaultMaxChars    int     `json:"default_max_chars"`
	SkipUnresolvedText bool    `json:"skip_unresolved_text"`
	MaxAttempts        int     `json:"max_attempts"`
	RetryDelay         string  `json:"retry_delay"`
	WorkerCount        int     `json:"worker_count"`
	LogLevel           string  `json:"log_level"`
	LogFormat          string  `json:"log_format"`
	AuthEnabled        bool    `json:"auth_enabled"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

// GetServerConfig reports the effective configuration the process started
// with.
func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	c.JSON(http.StatusOK, ServerConfigResponse{
		Port:               cfg.Server.Port,
		DatabasePath:       cfg.Database.Path,
		ArchivePath:        cfg.Database.ArchivePath,
		SpoolDir:           cfg.Queue.SpoolDir,
		ConnectionTimeout:  cfg.Printers.ConnectionTimeout.String(),
		WriteTimeout:       cfg.Printers.WriteTimeout.String(),
		DefaultDPI:         cfg.Printers.DefaultDPI,
		DefaultWidthMM:     cfg.Printers.DefaultWidthMM,
		DefaultMaxChars:    cfg.Printers.DefaultMaxChars,
		SkipUnresolvedText: cfg.Printers.SkipUnresolvedText,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		RetryDelay:         cfg.Queue.RetryDelay.String(),
		WorkerCount:        cfg.Queue.WorkerCount,
		LogLevel:           cfg.Logging.Level,
		LogFormat:          cfg.Logging.Format,
		AuthEnabled:        cfg.Auth.Enabled,
	})
}

func RegisterSettingsRoutes(r *gin.RouterGroup, h *SettingsHandler) {
	r.GET("/settings/server", h.GetServerConfig)
}
