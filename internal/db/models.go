package db

import (
	"database/sql"
	"time"
)

// WorkItem is a work_items row. Bags and tags are stored as JSON text and
// timestamps as unix milliseconds.
type WorkItem struct {
	ID              string
	Name            string
	TagsJSON        string
	State           string
	InputJSON       string
	ProgressJSON    string
	OutputJSON      string
	RunAttemptCount int
	Generation      int
	AfterID         string
	SpoolFile       string
	NextRunAt       int64
	CreatedAt       int64
	UpdatedAt       int64
	FinishedAt      sql.NullInt64
}

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"events_json"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ArchiveJob struct {
	ID          int64     `json:"id"`
	WorkID      string    `json:"work_id"`
	ArchiveFile string    `json:"archive_file"`
	ArchivedAt  time.Time `json:"archived_at"`
}
