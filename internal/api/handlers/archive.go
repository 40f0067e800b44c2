package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/thermal-spool/internal/archive"
	"github.com/orrn/thermal-spool/internal/db"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
	archive  *db.ArchiveOperations
}

func NewArchiveHandler(archiver *archive.Archiver, records *db.ArchiveOperations) *ArchiveHandler {
	return &ArchiveHandler{
		archiver: archiver,
		archive:  records,
	}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives: archives,
		Count:    len(archives),
	})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		writeArchiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *ArchiveHandler) DownloadArchive(c *gin.Context) {
	filename := c.Param("filename")
	if _, err := h.archiver.GetArchiveInfo(c.Request.Context(), filename); err != nil {
		writeArchiveError(c, err)
		return
	}
	path, _ := h.archiver.ArchiveFilePath(filename)

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Transfer-Encoding", "binary")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Header("Content-Type", "application/octet-stream")
	c.File(path)
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	if err := h.archiver.DeleteArchive(c.Request.Context(), c.Param("filename")); err != nil {
		writeArchiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "archive completed with errors",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "archive completed successfully", "archived": n})
}

type ArchivedWorkQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// ListArchivedWork tells which archive each moved work item went to.
func (h *ArchiveHandler) ListArchivedWork(c *gin.Context) {
	var query ArchivedWorkQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Limit <= 0 || query.Limit > 100 {
		query.Limit = 100
	}

	records, err := h.archive.GetArchiveJobs(c.Request.Context(), query.Limit, query.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archived work"})
		return
	}
	if records == nil {
		records = []*db.ArchiveJob{}
	}
	c.JSON(http.StatusOK, gin.H{"work": records, "count": len(records)})
}

type ArchiveSettingsResponse struct {
	ArchivePath string `json:"archive_path"`
	ArchiveDays int    `json:"archive_days"`
}

func (h *ArchiveHandler) GetArchiveSettings(c *gin.Context) {
	c.JSON(http.StatusOK, ArchiveSettingsResponse{
		ArchivePath: h.archiver.GetArchivePath(),
		ArchiveDays: h.archiver.GetArchiveDays(),
	})
}

type UpdateArchiveSettingsRequest struct {
	ArchiveDays int `json:"archive_days" binding:"required,min=1,max=365"`
}

func (h *ArchiveHandler) UpdateArchiveSettings(c *gin.Context) {
	var req UpdateArchiveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.archiver.SetArchiveDays(c.Request.Context(), req.ArchiveDays); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update archive settings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "settings updated",
		"archive_days": req.ArchiveDays,
	})
}

func writeArchiveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrInvalidArchive):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, archive.ErrArchiveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.GET("/archives/work", h.ListArchivedWork)
	r.POST("/archives/run", h.TriggerArchive)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.GET("/archives/:filename/download", h.DownloadArchive)
	r.DELETE("/archives/:filename", h.DeleteArchive)
	r.GET("/settings/archival", h.GetArchiveSettings)
	r.PUT("/settings/archival", h.UpdateArchiveSettings)
}
