package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/thermal-spool/internal/core"
	"github.com/orrn/thermal-spool/internal/db"
)

type WebhookEvent string

const (
	EventWorkEnqueued  WebhookEvent = "work_enqueued"
	EventWorkRunning   WebhookEvent = "work_running"
	EventWorkSucceeded WebhookEvent = "work_succeeded"
	EventWorkFailed    WebhookEvent = "work_failed"
	EventWorkBlocked   WebhookEvent = "work_blocked"
	EventWorkCancelled WebhookEvent = "work_cancelled"
)

// Events lists every event a webhook can subscribe to.
var Events = []WebhookEvent{
	EventWorkEnqueued,
	EventWorkRunning,
	EventWorkSucceeded,
	EventWorkFailed,
	EventWorkBlocked,
	EventWorkCancelled,
}

func EventForState(state core.WorkState) WebhookEvent {
	return WebhookEvent("work_" + strings.ToLower(string(state)))
}

func ValidEvent(event string) bool {
	for _, e := range Events {
		if string(e) == event {
			return true
		}
	}
	return false
}

type WebhookPayload struct {
	Event     string           `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Data      core.WorkerEvent `json:"data"`
	Signature string           `json:"signature,omitempty"`
}

type WebhookConfig struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

// WebhookStore is the subset of webhook storage the sender reads.
type WebhookStore interface {
	ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
}

type webhookTask struct {
	event   WebhookEvent
	payload *WebhookPayload
}

// WebhookSender posts signed work events to subscribed webhooks. It is a
// core.Observer; delivery happens on its own workers.
type WebhookSender struct {
	store      WebhookStore
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *webhookTask
	stopCh     chan struct{}
	wg         sync.WaitGroup
	log        zerolog.Logger
}

func NewWebhookSender(store WebhookStore, config WebhookConfig, log zerolog.Logger) *WebhookSender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}

	return &WebhookSender{
		store: store,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
		workers:    config.WorkerCount,
		queue:      make(chan *webhookTask, config.QueueSize),
		stopCh:     make(chan struct{}),
		log:        log.With().Str("component", "webhook").Logger(),
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *WebhookSender) WorkChanged(info core.WorkInfo) {
	event := EventForState(info.State)
	task := &webhookTask{
		event: event,
		payload: &WebhookPayload{
			Event:     string(event),
			Timestamp: time.Now().UTC(),
			Data:      core.EventFromWorkInfo(info),
		},
	}

	select {
	case s.queue <- task:
	default:
		s.log.Warn().Str("event", string(event)).Str("work_id", info.ID.String()).Msg("queue full, dropping event")
	}
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	log := s.log.With().Int("worker", id).Logger()
	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			s.deliver(task, log)
		}
	}
}

func (s *WebhookSender) deliver(task *webhookTask, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	webhooks, err := s.store.ListActiveWebhooksForEvent(ctx, string(task.event))
	cancel()
	if err != nil {
		log.Error().Err(err).Str("event", string(task.event)).Msg("failed to get webhooks for event")
		return
	}

	for _, webhook := range webhooks {
		// Each webhook signs its own copy.
		payload := *task.payload
		if err := s.sendWithRetry(webhook, &payload, log); err != nil {
			log.Error().Err(err).
				Int64("webhook_id", webhook.ID).
				Str("event", string(task.event)).
				Msg("failed to send webhook")
		}
	}
}

func (s *WebhookSender) sendWithRetry(webhook *db.Webhook, payload *WebhookPayload, log zerolog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= s.retryCount; attempt++ {
		err := s.sendRequest(webhook, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(attempt-1))
			log.Warn().Err(err).
				Int64("webhook_id", webhook.ID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("webhook delivery failed, retrying")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (s *WebhookSender) sendRequest(webhook *db.Webhook, payload *WebhookPayload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	payload.Signature = ""
	if webhook.Secret != "" {
		payload.Signature = SignPayload(dataBytes, webhook.Secret)
	}

	fullPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, webhook.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.Event)
	if payload.Signature != "" {
		req.Header.Set("X-Webhook-Signature", payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
