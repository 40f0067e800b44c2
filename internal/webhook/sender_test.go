package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/thermal-spool/internal/core"
	"github.com/orrn/thermal-spool/internal/db"
)

type fakeStore struct {
	mu       sync.Mutex
	webhooks []*db.Webhook
	asked    []string
}

func (s *fakeStore) ListActiveWebhooksForEvent(_ context.Context, event string) ([]*db.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, event)
	return s.webhooks, nil
}

type received struct {
	event     string
	signature string
	body      []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan received, *atomic.Int32) {
	t.Helper()
	ch := make(chan received, 10)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		ch <- received{
			event:     r.Header.Get("X-Webhook-Event"),
			signature: r.Header.Get("X-Webhook-Signature"),
			body:      body,
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch, &hits
}

func failedWork() core.WorkInfo {
	return core.WorkInfo{
		ID:              uuid.New(),
		State:           core.StateFailed,
		Tags:            []string{"kitchen"},
		RunAttemptCount: 3,
		Output: core.Data{
			core.KeyConnection: "NETWORK",
			core.KeyAddress:    "10.0.0.5",
			core.KeyJobID:      "job-1",
			core.KeyError:      "printer not found",
		},
	}
}

func TestWebhookSenderDeliversSignedEvent(t *testing.T) {
	srv, ch, _ := newReceiver(t, http.StatusOK)
	store := &fakeStore{webhooks: []*db.Webhook{{ID: 1, URL: srv.URL, Secret: "s3cret", Enabled: true}}}

	s := NewWebhookSender(store, WebhookConfig{RetryDelay: time.Millisecond}, zerolog.Nop())
	s.Start()
	defer s.Stop()

	info := failedWork()
	s.WorkChanged(info)

	select {
	case got := <-ch:
		assert.Equal(t, "work_failed", got.event)

		var payload struct {
			Event     string          `json:"event"`
			Data      json.RawMessage `json:"data"`
			Signature string          `json:"signature"`
		}
		require.NoError(t, json.Unmarshal(got.body, &payload))
		assert.Equal(t, "work_failed", payload.Event)
		assert.Equal(t, SignPayload(payload.Data, "s3cret"), got.signature)
		assert.Equal(t, got.signature, payload.Signature)

		ev, err := core.DecodeWorkerEvent(string(payload.Data))
		require.NoError(t, err)
		assert.Equal(t, info.ID.String(), ev.ID)
		assert.Equal(t, "printer not found", ev.Error)
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	store.mu.Lock()
	assert.Equal(t, []string{"work_failed"}, store.asked)
	store.mu.Unlock()
}

func TestWebhookSenderRetries(t *testing.T) {
	t.Run("server errors are retried", func(t *testing.T) {
		srv, ch, hits := newReceiver(t, http.StatusBadGateway)
		store := &fakeStore{webhooks: []*db.Webhook{{ID: 1, URL: srv.URL}}}
		s := NewWebhookSender(store, WebhookConfig{RetryCount: 3, RetryDelay: time.Millisecond}, zerolog.Nop())
		s.Start()
		defer s.Stop()

		s.WorkChanged(failedWork())

		for i := 0; i < 3; i++ {
			select {
			case got := <-ch:
				assert.Empty(t, got.signature)
			case <-time.After(5 * time.Second):
				t.Fatalf("attempt %d never arrived", i+1)
			}
		}
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("client errors are not", func(t *testing.T) {
		srv, ch, hits := newReceiver(t, http.StatusNotFound)
		store := &fakeStore{webhooks: []*db.Webhook{{ID: 1, URL: srv.URL}}}
		s := NewWebhookSender(store, WebhookConfig{RetryCount: 3, RetryDelay: time.Millisecond}, zerolog.Nop())
		s.Start()
		defer s.Stop()

		s.WorkChanged(failedWork())

		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("webhook was not delivered")
		}
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), hits.Load())
	})
}

func TestEventForState(t *testing.T) {
	assert.Equal(t, EventWorkEnqueued, EventForState(core.StateEnqueued))
	assert.Equal(t, EventWorkCancelled, EventForState(core.StateCancelled))
	assert.True(t, ValidEvent("work_running"))
	assert.False(t, ValidEvent("job_started"))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, isClientError(&statusError{code: 400}))
	assert.True(t, isClientError(&statusError{code: 499}))
	assert.False(t, isClientError(&statusError{code: 500}))
	assert.False(t, isClientError(assert.AnError))
	assert.False(t, isClientError(nil))
}
