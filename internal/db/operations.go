package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type WorkItemOperations struct {
	db *sql.DB
}

func NewWorkItemOperations(db *sql.DB) *WorkItemOperations {
	return &WorkItemOperations{db: db}
}

type WorkItemFilter struct {
	State  string
	Tag    string
	Limit  int
	Offset int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	w := &WorkItem{}
	err := row.Scan(
		&w.ID, &w.Name, &w.TagsJSON, &w.State, &w.InputJSON, &w.ProgressJSON, &w.OutputJSON,
		&w.RunAttemptCount, &w.Generation, &w.AfterID, &w.SpoolFile,
		&w.NextRunAt, &w.CreatedAt, &w.UpdatedAt, &w.FinishedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanWorkItems(rows *sql.Rows) ([]*WorkItem, error) {
	var items []*WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (o *WorkItemOperations) Create(ctx context.Context, w *WorkItem) error {
	_, err := o.db.ExecContext(ctx, InsertWorkItem,
		w.ID, w.Name, w.TagsJSON, w.State, w.InputJSON,
		w.AfterID, w.SpoolFile, w.NextRunAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create work item: %w", err)
	}
	return nil
}

// Get returns sql.ErrNoRows when the item does not exist.
func (o *WorkItemOperations) Get(ctx context.Context, id string) (*WorkItem, error) {
	w, err := scanWorkItem(o.db.QueryRowContext(ctx, GetWorkItemByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return w, nil
}

func (o *WorkItemOperations) List(ctx context.Context, filter WorkItemFilter) ([]*WorkItem, error) {
	var conditions []string
	var args []any

	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Tag != "" {
		conditions = append(conditions, "tags_json LIKE ?")
		args = append(args, "%\""+filter.Tag+"\"%")
	}

	query := ListWorkItems
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// ClaimNext moves the oldest runnable ENQUEUED item to RUNNING and returns
// it. It returns nil when nothing is runnable at now.
func (o *WorkItemOperations) ClaimNext(ctx context.Context, now int64) (*WorkItem, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, NextRunnableWorkItem, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query runnable work: %w", err)
	}

	if _, err := tx.ExecContext(ctx, ClaimWorkItem, now, id); err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}

	w, err := scanWorkItem(tx.QueryRowContext(ctx, GetWorkItemByID, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload claimed work item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return w, nil
}

// Complete records the terminal state of a RUNNING item. It reports false
// when the item left RUNNING in the meantime, for example by cancellation.
func (o *WorkItemOperations) Complete(ctx context.Context, id, state, outputJSON string, now int64) (bool, error) {
	return o.execChanged(ctx, "complete work item", CompleteWorkItem, state, outputJSON, now, now, id)
}

func (o *WorkItemOperations) Reschedule(ctx context.Context, id string, nextRunAt, now int64) (bool, error) {
	return o.execChanged(ctx, "reschedule work item", RescheduleWorkItem, nextRunAt, now, id)
}

func (o *WorkItemOperations) Cancel(ctx context.Context, id string, now int64) (bool, error) {
	return o.execChanged(ctx, "cancel work item", CancelWorkItem, now, now, id)
}

func (o *WorkItemOperations) Retry(ctx context.Context, id string, now int64) (bool, error) {
	return o.execChanged(ctx, "retry work item", RetryWorkItem, now, now, id)
}

func (o *WorkItemOperations) Unblock(ctx context.Context, id string, now int64) (bool, error) {
	return o.execChanged(ctx, "unblock work item", UnblockWorkItem, now, now, id)
}

func (o *WorkItemOperations) FinishBlocked(ctx context.Context, id, state, outputJSON string, now int64) (bool, error) {
	return o.execChanged(ctx, "finish blocked work item", FinishBlockedWorkItem, state, outputJSON, now, now, id)
}

func (o *WorkItemOperations) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := o.db.QueryContext(ctx, ListBlockedDependents, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

// Recover re-enqueues items left RUNNING by an unclean shutdown.
func (o *WorkItemOperations) Recover(ctx context.Context, now int64) (int64, error) {
	result, err := o.db.ExecContext(ctx, RecoverRunningWorkItems, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover running work: %w", err)
	}
	return result.RowsAffected()
}

func (o *WorkItemOperations) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := o.db.QueryContext(ctx, CountWorkItemsByState)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan work item count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func (o *WorkItemOperations) ListFinishedBefore(ctx context.Context, cutoff int64) ([]*WorkItem, error) {
	rows, err := o.db.QueryContext(ctx, ListFinishedWorkItemsBefore, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list finished work items: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

func (o *WorkItemOperations) Delete(ctx context.Context, ids []string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, DeleteWorkItem, id); err != nil {
			return fmt.Errorf("failed to delete work item %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (o *WorkItemOperations) execChanged(ctx context.Context, what, query string, args ...any) (bool, error) {
	result, err := o.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", what, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

type WebhookOperations struct {
	db *sql.DB
}

func (o *WebhookOperations) CreateWebhook(ctx context.Context, w *Webhook) error {
	result, err := o.db.ExecContext(ctx, InsertWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func (o *WebhookOperations) GetWebhookByID(ctx context.Context, id int64) (*Webhook, error) {
	w := &Webhook{}
	err := o.db.QueryRowContext(ctx, GetWebhookByID, id).Scan(
		&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (o *WebhookOperations) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := o.db.QueryContext(ctx, ListWebhooks)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListActiveWebhooksForEvent returns enabled webhooks whose event list
// contains event.
func (o *WebhookOperations) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	pattern := "%\"" + event + "\"%"
	rows, err := o.db.QueryContext(ctx, ListWebhooksForEvent, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for event: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func scanWebhooks(rows *sql.Rows) ([]*Webhook, error) {
	var webhooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		if err := rows.Scan(
			&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (o *WebhookOperations) UpdateWebhook(ctx context.Context, w *Webhook) error {
	_, err := o.db.ExecContext(ctx, UpdateWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return nil
}

func (o *WebhookOperations) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

type SettingsOperations struct {
	db *sql.DB
}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := o.db.ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := o.db.ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

type ArchiveOperations struct {
	db *sql.DB
}

func (o *ArchiveOperations) RecordArchived(ctx context.Context, workIDs []string, archiveFile string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range workIDs {
		if _, err := tx.ExecContext(ctx, InsertArchiveJob, id, archiveFile); err != nil {
			return fmt.Errorf("failed to record archived work %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (o *ArchiveOperations) GetArchiveJobs(ctx context.Context, limit, offset int) ([]*ArchiveJob, error) {
	rows, err := o.db.QueryContext(ctx, ListArchiveJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get archive jobs: %w", err)
	}
	defer rows.Close()

	var archives []*ArchiveJob
	for rows.Next() {
		a := &ArchiveJob{}
		if err := rows.Scan(&a.ID, &a.WorkID, &a.ArchiveFile, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive job: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func (o *ArchiveOperations) CountByFile(ctx context.Context, archiveFile string) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, CountArchiveJobsByFile, archiveFile).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archive jobs: %w", err)
	}
	return count, nil
}

func (o *ArchiveOperations) DeleteByFile(ctx context.Context, archiveFile string) error {
	if _, err := o.db.ExecContext(ctx, DeleteArchiveJobsByFile, archiveFile); err != nil {
		return fmt.Errorf("failed to delete archive job records: %w", err)
	}
	return nil
}
