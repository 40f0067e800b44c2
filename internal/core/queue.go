package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/db"
)

type WorkState string

const (
	StateEnqueued  WorkState = "ENQUEUED"
	StateRunning   WorkState = "RUNNING"
	StateSucceeded WorkState = "SUCCEEDED"
	StateFailed    WorkState = "FAILED"
	StateBlocked   WorkState = "BLOCKED"
	StateCancelled WorkState = "CANCELLED"
)

func (s WorkState) IsFinished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s WorkState) Valid() bool {
	switch s {
	case StateEnqueued, StateRunning, StateSucceeded, StateFailed, StateBlocked, StateCancelled:
		return true
	}
	return false
}

var (
	ErrWorkNotFound      = errors.New("work not found")
	ErrInvalidTransition = errors.New("invalid work state transition")
)

const maxBackoff = 5 * time.Minute

// WorkRequest asks the queue to run one job. After names a prerequisite work
// id; the request stays BLOCKED until that work finishes.
type WorkRequest struct {
	Name      string
	Tags      []string
	Input     Data
	After     string
	SpoolFile string
}

// WorkInfo is a snapshot of one work item.
type WorkInfo struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Tags            []string   `json:"tags"`
	State           WorkState  `json:"state"`
	Input           Data       `json:"input"`
	Progress        Data       `json:"progress"`
	Output          Data       `json:"output"`
	RunAttemptCount int        `json:"runAttemptCount"`
	Generation      int        `json:"generation"`
	After           string     `json:"after,omitempty"`
	SpoolFile       string     `json:"-"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

type ListFilter struct {
	State  WorkState
	Tag    string
	Limit  int
	Offset int
}

type QueueStats struct {
	Enqueued  int `json:"enqueued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Observer is told about every state transition, in order, from the goroutine
// that made it. Implementations must not block.
type Observer interface {
	WorkChanged(info WorkInfo)
}

type ObserverFunc func(info WorkInfo)

func (f ObserverFunc) WorkChanged(info WorkInfo) { f(info) }

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, input Data, attempt int) Outcome
}

type QueueOptions struct {
	Workers      int
	RetryDelay   time.Duration
	PollInterval time.Duration
}

// Queue is a sqlite-backed work queue drained by a fixed worker pool.
type Queue struct {
	store  *db.WorkItemOperations
	runner Runner
	opts   QueueOptions
	log    zerolog.Logger
	now    func() time.Time

	// transitions serializes state writes with their notifications so
	// observers see each item's states in commit order.
	transitions sync.Mutex

	mu        sync.Mutex
	observers []Observer
	running   map[string]context.CancelFunc
	started   bool
	stopCh    chan struct{}
	wakeCh    chan struct{}
	wg        sync.WaitGroup
}

func NewQueue(store *db.WorkItemOperations, runner Runner, opts QueueOptions, log zerolog.Logger) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	return &Queue{
		store:   store,
		runner:  runner,
		opts:    opts,
		log:     log.With().Str("component", "queue").Logger(),
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
}

func (q *Queue) Subscribe(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

// Start recovers interrupted work and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if _, err := q.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover work: %w", err)
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return nil
}

// Stop halts the workers and waits for in-flight attempts to finish or for
// ctx to expire. Attempts still running afterwards are recovered on the next
// Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

// Recover moves work left RUNNING by an earlier process back to ENQUEUED.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.Recover(ctx, q.nowMillis())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info().Int64("count", n).Msg("recovered interrupted work")
	}
	return n, nil
}

func (q *Queue) Enqueue(ctx context.Context, req WorkRequest) (uuid.UUID, error) {
	if _, err := DescriptorFromData(req.Input); err != nil {
		return uuid.Nil, err
	}

	var prereq *db.WorkItem
	if req.After != "" {
		item, err := q.lookup(ctx, req.After)
		if err != nil {
			return uuid.Nil, fmt.Errorf("prerequisite %s: %w", req.After, err)
		}
		prereq = item
	}

	id := uuid.New()
	input := req.Input.Clone()
	if input.String(KeyJobID) == "" {
		input[KeyJobID] = id.String()
	}
	if input.String(KeyJobName) == "" && req.Name != "" {
		input[KeyJobName] = req.Name
	}
	name := req.Name
	if name == "" {
		name = input.String(KeyJobName)
	}
	tags := append([]string{}, req.Tags...)
	if tag := input.String(KeyJobTag); tag != "" && !containsString(tags, tag) {
		tags = append(tags, tag)
	}

	inputJSON, err := input.Encode()
	if err != nil {
		return uuid.Nil, err
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode tags: %w", err)
	}

	state, after := StateEnqueued, ""
	if prereq != nil {
		state, after = StateBlocked, prereq.ID
	}

	q.transitions.Lock()
	defer q.transitions.Unlock()

	now := q.nowMillis()
	item := &db.WorkItem{
		ID:        id.String(),
		Name:      name,
		TagsJSON:  string(tagsJSON),
		State:     string(state),
		InputJSON: inputJSON,
		AfterID:   after,
		SpoolFile: req.SpoolFile,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Create(ctx, item); err != nil {
		return uuid.Nil, err
	}

	q.log.Info().Str("work_id", item.ID).Str("state", item.State).Msg("work enqueued")
	q.publish(ctx, item.ID)

	// The prerequisite may have finished before this row existed.
	if prereq != nil {
		if current, err := q.store.Get(ctx, prereq.ID); err == nil && WorkState(current.State).IsFinished() {
			q.settleDependents(ctx, current.ID, WorkState(current.State))
		}
	}
	q.wake()

	return id, nil
}

func (q *Queue) Get(ctx context.Context, id string) (WorkInfo, error) {
	item, err := q.lookup(ctx, id)
	if err != nil {
		return WorkInfo{}, err
	}
	return workInfoFromItem(item)
}

func (q *Queue) List(ctx context.Context, filter ListFilter) ([]WorkInfo, error) {
	items, err := q.store.List(ctx, db.WorkItemFilter{
		State:  string(filter.State),
		Tag:    filter.Tag,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
	if err != nil {
		return nil, err
	}

	infos := make([]WorkInfo, 0, len(items))
	for _, item := range items {
		info, err := workInfoFromItem(item)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return QueueStats{}, err
	}

	var stats QueueStats
	for state, count := range counts {
		stats.Total += count
		switch WorkState(state) {
		case StateEnqueued:
			stats.Enqueued = count
		case StateRunning:
			stats.Running = count
		case StateSucceeded:
			stats.Succeeded = count
		case StateFailed:
			stats.Failed = count
		case StateBlocked:
			stats.Blocked = count
		case StateCancelled:
			stats.Cancelled = count
		}
	}
	return stats, nil
}

// Cancel stops work that has not finished. A running attempt has its context
// cancelled and its outcome is discarded.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.transitions.Lock()
	defer q.transitions.Unlock()

	item, err := q.lookup(ctx, id)
	if err != nil {
		return err
	}

	changed, err := q.store.Cancel(ctx, item.ID, q.nowMillis())
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: cannot cancel %s work", ErrInvalidTransition, item.State)
	}

	q.mu.Lock()
	if cancel, ok := q.running[item.ID]; ok {
		cancel()
	}
	q.mu.Unlock()

	q.log.Info().Str("work_id", item.ID).Msg("work cancelled")
	q.publish(ctx, item.ID)
	q.settleDependents(ctx, item.ID, StateCancelled)
	return nil
}

// Retry re-enqueues FAILED or CANCELLED work as a new generation with a fresh
// attempt count.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.transitions.Lock()
	defer q.transitions.Unlock()

	item, err := q.lookup(ctx, id)
	if err != nil {
		return err
	}

	changed, err := q.store.Retry(ctx, item.ID, q.nowMillis())
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: cannot retry %s work", ErrInvalidTransition, item.State)
	}

	q.log.Info().Str("work_id", item.ID).Msg("work re-enqueued")
	q.publish(ctx, item.ID)
	q.wake()
	return nil
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	log := q.log.With().Int("worker", n).Logger()
	for {
		for q.runNext(log) {
			select {
			case <-q.stopCh:
				return
			default:
			}
		}

		select {
		case <-q.stopCh:
			return
		case <-q.wakeCh:
		case <-ticker.C:
		}
	}
}

// runNext claims and runs one runnable item. It reports whether it found one.
func (q *Queue) runNext(log zerolog.Logger) bool {
	ctx := context.Background()

	info, ok := q.claim(ctx, log)
	if !ok {
		return false
	}

	// Another worker may be idle while this one is busy.
	q.wake()

	q.process(ctx, info, log)
	return true
}

func (q *Queue) claim(ctx context.Context, log zerolog.Logger) (WorkInfo, bool) {
	q.transitions.Lock()
	defer q.transitions.Unlock()

	item, err := q.store.ClaimNext(ctx, q.nowMillis())
	if err != nil {
		log.Error().Err(err).Msg("failed to claim work")
		return WorkInfo{}, false
	}
	if item == nil {
		return WorkInfo{}, false
	}

	info, err := workInfoFromItem(item)
	if err != nil {
		log.Error().Err(err).Str("work_id", item.ID).Msg("failed to decode work item")
		q.complete(ctx, item.ID, StateFailed, Data{KeyError: err.Error()}, log)
		return WorkInfo{}, true
	}

	q.notify(info)
	return info, true
}

func (q *Queue) process(ctx context.Context, info WorkInfo, log zerolog.Logger) {
	if info.ID == uuid.Nil {
		return
	}
	id := info.ID.String()
	log = log.With().Str("work_id", id).Int("attempt", info.RunAttemptCount).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.running[id] = cancel
	q.mu.Unlock()

	outcome := q.runner.Run(runCtx, info.Input, info.RunAttemptCount)

	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
	cancel()

	q.transitions.Lock()
	defer q.transitions.Unlock()

	switch outcome.Kind {
	case OutcomeSuccess:
		q.complete(ctx, id, StateSucceeded, outcome.Data, log)
	case OutcomeRetry:
		delay := q.calculateBackoff(info.RunAttemptCount - 1)
		now := q.now()
		changed, err := q.store.Reschedule(ctx, id, now.Add(delay).UnixMilli(), now.UnixMilli())
		if err != nil {
			log.Error().Err(err).Msg("failed to reschedule work")
			return
		}
		if !changed {
			log.Debug().Msg("discarding outcome of work that left RUNNING")
			return
		}
		log.Info().Dur("delay", delay).Msg("work rescheduled")
		q.publish(ctx, id)
	default:
		q.complete(ctx, id, StateFailed, outcome.Data, log)
	}
}

// complete records a terminal outcome. Callers hold q.transitions.
func (q *Queue) complete(ctx context.Context, id string, state WorkState, output Data, log zerolog.Logger) {
	outputJSON, err := output.Encode()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode work output")
		outputJSON = "{}"
	}

	changed, err := q.store.Complete(ctx, id, string(state), outputJSON, q.nowMillis())
	if err != nil {
		log.Error().Err(err).Msg("failed to record work outcome")
		return
	}
	if !changed {
		log.Debug().Msg("discarding outcome of work that left RUNNING")
		return
	}

	log.Info().Str("state", string(state)).Msg("work finished")
	q.publish(ctx, id)
	q.settleDependents(ctx, id, state)
}

// settleDependents moves BLOCKED work waiting on id once id has finished.
// Callers hold q.transitions.
func (q *Queue) settleDependents(ctx context.Context, id string, state WorkState) {
	deps, err := q.store.Dependents(ctx, id)
	if err != nil {
		q.log.Error().Err(err).Str("work_id", id).Msg("failed to load dependent work")
		return
	}

	now := q.nowMillis()
	for _, dep := range deps {
		var (
			changed bool
			next    WorkState
		)
		switch state {
		case StateSucceeded:
			next = StateEnqueued
			changed, err = q.store.Unblock(ctx, dep, now)
		case StateFailed, StateCancelled:
			next = state
			changed, err = q.finishBlocked(ctx, dep, state, id, now)
		default:
			return
		}
		if err != nil {
			q.log.Error().Err(err).Str("work_id", dep).Msg("failed to settle dependent work")
			continue
		}
		if !changed {
			continue
		}

		q.publish(ctx, dep)
		if next.IsFinished() {
			q.settleDependents(ctx, dep, next)
		}
	}
	if state == StateSucceeded && len(deps) > 0 {
		q.wake()
	}
}

func (q *Queue) finishBlocked(ctx context.Context, id string, state WorkState, prereq string, now int64) (bool, error) {
	output := Data{}
	if state == StateFailed {
		item, err := q.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		input, err := DecodeData(item.InputJSON)
		if err != nil {
			return false, err
		}
		output = input
		output[KeyError] = fmt.Sprintf("prerequisite %s failed", prereq)
	}

	outputJSON, err := output.Encode()
	if err != nil {
		return false, err
	}
	return q.store.FinishBlocked(ctx, id, string(state), outputJSON, now)
}

func (q *Queue) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		return maxBackoff
	}
	backoff := q.opts.RetryDelay * time.Duration(1<<uint(retryCount))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func (q *Queue) lookup(ctx context.Context, id string) (*db.WorkItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkNotFound, id)
	}
	item, err := q.store.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// publish reloads id and notifies observers with the stored snapshot.
func (q *Queue) publish(ctx context.Context, id string) {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		q.log.Error().Err(err).Str("work_id", id).Msg("failed to load work for observers")
		return
	}
	info, err := workInfoFromItem(item)
	if err != nil {
		q.log.Error().Err(err).Str("work_id", id).Msg("failed to decode work for observers")
		return
	}
	q.notify(info)
}

func (q *Queue) notify(info WorkInfo) {
	q.mu.Lock()
	observers := append([]Observer(nil), q.observers...)
	q.mu.Unlock()

	for _, o := range observers {
		o.WorkChanged(info)
	}
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *Queue) nowMillis() int64 {
	return q.now().UnixMilli()
}

func workInfoFromItem(item *db.WorkItem) (WorkInfo, error) {
	id, err := uuid.Parse(item.ID)
	if err != nil {
		return WorkInfo{}, fmt.Errorf("invalid work id %q: %w", item.ID, err)
	}

	info := WorkInfo{
		ID:              id,
		Name:            item.Name,
		State:           WorkState(item.State),
		RunAttemptCount: item.RunAttemptCount,
		Generation:      item.Generation,
		After:           item.AfterID,
		SpoolFile:       item.SpoolFile,
		CreatedAt:       time.UnixMilli(item.CreatedAt),
		UpdatedAt:       time.UnixMilli(item.UpdatedAt),
	}
	if item.FinishedAt.Valid {
		t := time.UnixMilli(item.FinishedAt.Int64)
		info.FinishedAt = &t
	}

	if err := json.Unmarshal([]byte(item.TagsJSON), &info.Tags); err != nil {
		return WorkInfo{}, fmt.Errorf("failed to decode tags: %w", err)
	}
	if info.Tags == nil {
		info.Tags = []string{}
	}
	if info.Input, err = DecodeData(item.InputJSON); err != nil {
		return WorkInfo{}, err
	}
	if info.Progress, err = DecodeData(item.ProgressJSON); err != nil {
		return WorkInfo{}, err
	}
	if info.Output, err = DecodeData(item.OutputJSON); err != nil {
		return WorkInfo{}, err
	}
	return info, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
