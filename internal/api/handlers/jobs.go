package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/core"
)

// JobOptions are shared by every create request. JobID and JobTag are
// copied into the job input bag.
type JobOptions struct {
	Name   string   `json:"name"`
	Tags   []string `json:"tags"`
	After  string   `json:"after"`
	JobID  string   `json:"jobId"`
	JobTag string   `json:"jobTag"`
}

type CreateTextJobRequest struct {
	JobOptions
	Printer     core.Selector `json:"printer"`
	Text        string        `json:"text" binding:"required"`
	CutPaper    bool          `json:"cutPaper"`
	OpenCashBox bool          `json:"openCashBox"`
}

// CommandRequest is one command of an inline command file.
type CommandRequest struct {
	Type    string         `json:"type" binding:"required"`
	Printer *core.Selector `json:"printer,omitempty"`
	Text    string         `json:"text,omitempty"`
	MM      float64        `json:"mm,omitempty"`
}

// CreateFileJobRequest carries either inline commands, written to the spool
// directory, or the path of a command file already on the host.
type CreateFileJobRequest struct {
	JobOptions
	Path     string           `json:"path"`
	Commands []CommandRequest `json:"commands"`
}

type ListJobsQuery struct {
	State  string `form:"state"`
	Tag    string `form:"tag"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type JobResponse struct {
	core.WorkerEvent
	Name       string     `json:"name,omitempty"`
	After      string     `json:"after,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type CreateJobResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type JobHandler struct {
	queue    *core.Queue
	spoolDir string
	log      zerolog.Logger
}

func NewJobHandler(queue *core.Queue, spoolDir string, log zerolog.Logger) *JobHandler {
	return &JobHandler{
		queue:    queue,
		spoolDir: spoolDir,
		log:      log.With().Str("component", "jobs_api").Logger(),
	}
}

func (h *JobHandler) CreateTextJob(c *gin.Context) {
	var req CreateTextJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	if !req.Printer.Connection.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: fmt.Sprintf("unknown printer connection %q", req.Printer.Connection),
		})
		return
	}

	input := core.NewTextJob(req.Printer, req.Text, req.CutPaper, req.OpenCashBox)
	h.enqueue(c, req.JobOptions, input, "")
}

func (h *JobHandler) CreateFileJob(c *gin.Context) {
	var req CreateFileJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	switch {
	case req.Path != "" && len(req.Commands) > 0:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "path and commands are mutually exclusive"})
		return
	case req.Path != "":
		if !filepath.IsAbs(req.Path) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "path must be absolute"})
			return
		}
		h.enqueue(c, req.JobOptions, core.NewFileJob(req.Path), "")
		return
	case len(req.Commands) == 0:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "path or commands is required"})
		return
	}

	b, err := buildCommands(req.Commands)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	if err := os.MkdirAll(h.spoolDir, 0o755); err != nil {
		h.log.Error().Err(err).Str("dir", h.spoolDir).Msg("failed to create spool directory")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "spool_error", Message: "Failed to write command file"})
		return
	}
	path := filepath.Join(h.spoolDir, uuid.NewString()+".txt")
	if err := b.Save(path); err != nil {
		h.log.Error().Err(err).Str("file", path).Msg("failed to write command file")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "spool_error", Message: "Failed to write command file"})
		return
	}

	if !h.enqueue(c, req.JobOptions, core.NewFileJob(path), path) {
		os.Remove(path)
	}
}

func buildCommands(cmds []CommandRequest) (*core.Builder, error) {
	b := core.NewBuilder()
	for i, cmd := range cmds {
		switch cmd.Type {
		case "select_printer":
			if cmd.Printer == nil || !cmd.Printer.Connection.Valid() {
				return nil, fmt.Errorf("command %d: select_printer needs a printer with a known connection", i)
			}
			b.SelectPrinter(*cmd.Printer)
		case "print":
			b.Print(cmd.Text)
		case "feed_paper":
			if err := core.ValidateFeedMM(cmd.MM); err != nil {
				return nil, fmt.Errorf("command %d: %w", i, err)
			}
			b.FeedPaper(cmd.MM)
		case "cut_paper":
			b.CutPaper()
		case "open_cashbox":
			b.OpenCashBox()
		default:
			return nil, fmt.Errorf("command %d: unknown type %q", i, cmd.Type)
		}
	}
	return b, nil
}

// enqueue writes the response and reports whether the job was accepted.
func (h *JobHandler) enqueue(c *gin.Context, opts JobOptions, input core.Data, spoolFile string) bool {
	if opts.JobID != "" {
		input[core.KeyJobID] = opts.JobID
	}
	if opts.JobTag != "" {
		input[core.KeyJobTag] = opts.JobTag
	}

	id, err := h.queue.Enqueue(c.Request.Context(), core.WorkRequest{
		Name:      opts.Name,
		Tags:      opts.Tags,
		Input:     input,
		After:     opts.After,
		SpoolFile: spoolFile,
	})
	switch {
	case errors.Is(err, core.ErrInvalidDescriptor):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return false
	case errors.Is(err, core.ErrWorkNotFound):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return false
	case err != nil:
		h.log.Error().Err(err).Msg("failed to enqueue job")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "queue_error", Message: "Failed to enqueue job"})
		return false
	}

	c.JSON(http.StatusCreated, CreateJobResponse{ID: id.String(), Message: "job submitted successfully"})
	return true
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 100 {
		query.Limit = 100
	}
	state := core.WorkState(query.State)
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: fmt.Sprintf("unknown state %q", query.State)})
		return
	}

	infos, err := h.queue.List(c.Request.Context(), core.ListFilter{
		State:  state,
		Tag:    query.Tag,
		Limit:  query.Limit,
		Offset: query.Offset,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list jobs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to list jobs"})
		return
	}

	responses := make([]JobResponse, 0, len(infos))
	for _, info := range infos {
		responses = append(responses, jobToResponse(info))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   responses,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(responses),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	info, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeQueueError(c, err, "Failed to get job")
		return
	}
	c.JSON(http.StatusOK, jobToResponse(info))
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	if err := h.queue.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeQueueError(c, err, "Failed to cancel job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
}

func (h *JobHandler) RetryJob(c *gin.Context) {
	if err := h.queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.writeQueueError(c, err, "Failed to retry job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job queued for retry"})
}

func (h *JobHandler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get queue stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to get queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *JobHandler) writeQueueError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, core.ErrWorkNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "job not found"})
	case errors.Is(err, core.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "invalid_state", Message: err.Error()})
	default:
		h.log.Error().Err(err).Str("work_id", c.Param("id")).Msg(msg)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: msg})
	}
}

func jobToResponse(info core.WorkInfo) JobResponse {
	return JobResponse{
		WorkerEvent: core.EventFromWorkInfo(info),
		Name:        info.Name,
		After:       info.After,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
		FinishedAt:  info.FinishedAt,
	}
}
