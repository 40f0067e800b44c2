package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/db"
)

// SettingArchiveDays persists the retention chosen at runtime.
const SettingArchiveDays = "archive_days"

var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrInvalidArchive  = errors.New("invalid archive name")
)

var archiveName = regexp.MustCompile(`^archive_\d{4}_\d{2}\.db$`)

// Archiver moves finished work out of the live database into monthly sqlite
// files under archivePath.
type Archiver struct {
	db          *db.DB
	archivePath string
	archiveDays int
	interval    time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	DateRange string    `json:"date_range"`
}

type ArchiveConfig struct {
	ArchivePath string
	ArchiveDays int
	Interval    time.Duration
}

func NewArchiver(database *db.DB, config ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.ArchiveDays <= 0 {
		config.ArchiveDays = 30
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}

	if err := os.MkdirAll(config.ArchivePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	a := &Archiver{
		db:          database,
		archivePath: config.ArchivePath,
		archiveDays: config.ArchiveDays,
		interval:    config.Interval,
		now:         time.Now,
		log:         log.With().Str("component", "archiver").Logger(),
	}

	if setting, err := database.Settings.GetSetting(context.Background(), SettingArchiveDays); err == nil {
		if days, err := strconv.Atoi(setting.Value); err == nil && days > 0 {
			a.archiveDays = days
		}
	}

	return a, nil
}

func (a *Archiver) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.runDailyArchive(a.stopCh, a.doneCh)
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	stopCh, doneCh := a.stopCh, a.doneCh
	a.stopCh, a.doneCh = nil, nil
	a.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (a *Archiver) runDailyArchive(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := a.RunArchive(context.Background()); err != nil {
				a.log.Error().Err(err).Msg("archive run failed")
			}
		}
	}
}

// RunArchive moves finished work older than the retention window into this
// month's archive and returns how many items moved.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.AddDate(0, 0, -a.archiveDays).UnixMilli()

	items, err := a.db.WorkItems.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to get work for archival: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	filename := fmt.Sprintf("archive_%s.db", now.Format("2006_01"))
	if err := a.writeArchive(ctx, filepath.Join(a.archivePath, filename), items); err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
		if item.SpoolFile == "" {
			continue
		}
		if err := os.Remove(item.SpoolFile); err != nil && !os.IsNotExist(err) {
			a.log.Warn().Err(err).Str("file", item.SpoolFile).Msg("failed to remove spool file")
		}
	}

	if err := a.db.WorkItems.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete archived work: %w", err)
	}
	if err := a.db.Archive.RecordArchived(ctx, ids, filename); err != nil {
		return 0, fmt.Errorf("failed to record archived work: %w", err)
	}

	a.log.Info().Int("count", len(ids)).Str("archive", filename).Msg("archived finished work")
	return len(ids), nil
}

func (a *Archiver) writeArchive(ctx context.Context, path string, items []*db.WorkItem) error {
	archiveDB, err := openArchiveDB(path)
	if err != nil {
		return fmt.Errorf("failed to create archive database: %w", err)
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, insertArchivedWork,
			item.ID, item.Name, item.TagsJSON, item.State, item.InputJSON, item.ProgressJSON,
			item.OutputJSON, item.RunAttemptCount, item.Generation, item.AfterID,
			item.CreatedAt, item.UpdatedAt, item.FinishedAt,
		); err != nil {
			return fmt.Errorf("failed to insert work %s into archive: %w", item.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, upsertArchiveMetadata, a.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

const (
	archiveSchema = `
		CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL DEFAULT '[]',
			state TEXT NOT NULL,
			input_json TEXT NOT NULL DEFAULT '{}',
			progress_json TEXT NOT NULL DEFAULT '{}',
			output_json TEXT NOT NULL DEFAULT '{}',
			run_attempt_count INTEGER NOT NULL DEFAULT 0,
			generation INTEGER NOT NULL DEFAULT 0,
			after_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			finished_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at INTEGER,
			source_database TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_work_finished_at ON work_items(finished_at);
		CREATE INDEX IF NOT EXISTS idx_archive_work_state ON work_items(state);
	`

	insertArchivedWork = `
		INSERT OR REPLACE INTO work_items (id, name, tags_json, state, input_json, progress_json,
			output_json, run_attempt_count, generation, after_id, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	upsertArchiveMetadata = `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`
)

func openArchiveDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(archiveSchema); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Archiver) ListArchives(ctx context.Context) ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, file := range files {
		if file.IsDir() || !archiveName.MatchString(file.Name()) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		archives = append(archives, a.describe(ctx, file.Name(), info))
	}

	return archives, nil
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	path, err := a.ArchiveFilePath(filename)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	return a.describe(ctx, filename, info), nil
}

func (a *Archiver) describe(ctx context.Context, filename string, info os.FileInfo) *ArchiveFile {
	f := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		DateRange: strings.TrimSuffix(strings.TrimPrefix(filename, "archive_"), ".db"),
	}
	if count, err := a.db.Archive.CountByFile(ctx, filename); err == nil {
		f.JobCount = count
	}
	return f
}

// ArchiveFilePath returns the on-disk path of a named archive. Names that are
// not archive files are rejected.
func (a *Archiver) ArchiveFilePath(filename string) (string, error) {
	if !archiveName.MatchString(filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArchive, filename)
	}
	return filepath.Join(a.archivePath, filename), nil
}

func (a *Archiver) DeleteArchive(ctx context.Context, filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.ArchiveFilePath(filename)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrArchiveNotFound
		}
		return fmt.Errorf("failed to delete archive: %w", err)
	}

	return a.db.Archive.DeleteByFile(ctx, filename)
}

// SetArchiveDays changes and persists the retention window.
func (a *Archiver) SetArchiveDays(ctx context.Context, days int) error {
	if days <= 0 {
		return fmt.Errorf("archive days must be positive, got %d", days)
	}
	if err := a.db.Settings.SetSetting(ctx, SettingArchiveDays, strconv.Itoa(days), false); err != nil {
		return err
	}

	a.mu.Lock()
	a.archiveDays = days
	a.mu.Unlock()
	return nil
}

func (a *Archiver) GetArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}

func (a *Archiver) GetArchivePath() string {
	return a.archivePath
}
