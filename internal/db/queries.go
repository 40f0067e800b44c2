package db

const workItemColumns = `id, name, tags_json, state, input_json, progress_json, output_json,
		run_attempt_count, generation, after_id, spool_file, next_run_at, created_at, updated_at, finished_at`

const (
	InsertWorkItem = `
		INSERT INTO work_items (id, name, tags_json, state, input_json, progress_json, output_json,
			run_attempt_count, generation, after_id, spool_file, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', '{}', 0, 0, ?, ?, ?, ?, ?)
	`

	GetWorkItemByID = `SELECT ` + workItemColumns + ` FROM work_items WHERE id = ?`

	ListWorkItems = `SELECT ` + workItemColumns + ` FROM work_items`

	NextRunnableWorkItem = `
		SELECT id FROM work_items
		WHERE state = 'ENQUEUED' AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT 1
	`

	ClaimWorkItem = `
		UPDATE work_items
		SET state = 'RUNNING', run_attempt_count = run_attempt_count + 1,
			progress_json = input_json, updated_at = ?
		WHERE id = ? AND state = 'ENQUEUED'
	`

	CompleteWorkItem = `
		UPDATE work_items
		SET state = ?, output_json = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'RUNNING'
	`

	RescheduleWorkItem = `
		UPDATE work_items
		SET state = 'ENQUEUED', next_run_at = ?, updated_at = ?
		WHERE id = ? AND state = 'RUNNING'
	`

	CancelWorkItem = `
		UPDATE work_items
		SET state = 'CANCELLED', updated_at = ?, finished_at = ?
		WHERE id = ? AND state IN ('ENQUEUED', 'BLOCKED', 'RUNNING')
	`

	RetryWorkItem = `
		UPDATE work_items
		SET state = 'ENQUEUED', run_attempt_count = 0, generation = generation + 1,
			progress_json = '{}', output_json = '{}', next_run_at = ?, updated_at = ?, finished_at = NULL
		WHERE id = ? AND state IN ('FAILED', 'CANCELLED')
	`

	ListBlockedDependents = `SELECT id FROM work_items WHERE state = 'BLOCKED' AND after_id = ?`

	UnblockWorkItem = `
		UPDATE work_items SET state = 'ENQUEUED', next_run_at = ?, updated_at = ?
		WHERE id = ? AND state = 'BLOCKED'
	`

	FinishBlockedWorkItem = `
		UPDATE work_items SET state = ?, output_json = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'BLOCKED'
	`

	RecoverRunningWorkItems = `
		UPDATE work_items SET state = 'ENQUEUED', next_run_at = ?, updated_at = ?
		WHERE state = 'RUNNING'
	`

	CountWorkItemsByState = `SELECT state, COUNT(*) FROM work_items GROUP BY state`

	ListFinishedWorkItemsBefore = `SELECT ` + workItemColumns + ` FROM work_items
		WHERE state IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
		AND finished_at IS NOT NULL AND finished_at < ?
		ORDER BY finished_at ASC
	`

	DeleteWorkItem = `DELETE FROM work_items WHERE id = ?`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	UpdateWebhook = `
		UPDATE webhooks SET name = ?, url = ?, secret = ?, events_json = ?, enabled = ? WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	GetSetting = `SELECT value, encrypted FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)

const (
	InsertArchiveJob = `
		INSERT INTO archive_jobs (work_id, archive_file)
		VALUES (?, ?)
	`

	ListArchiveJobs = `
		SELECT id, work_id, archive_file, archived_at
		FROM archive_jobs ORDER BY archived_at DESC LIMIT ? OFFSET ?
	`

	CountArchiveJobsByFile = `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = ?`

	DeleteArchiveJobsByFile = `DELETE FROM archive_jobs WHERE archive_file = ?`
)

const (
	GetAppliedMigrations = `SELECT version FROM schema_migrations`
)
