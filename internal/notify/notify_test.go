package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/handiehub/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []Notification
	err   error
	block chan struct{}
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestQueueDeliversAndDrainsOnClose(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender, logging.Discard(), 16, 2, time.Second)
	q.Start()

	ctx := logging.WithRequestID(context.Background(), "req-1")
	for i := 0; i < 10; i++ {
		q.Notify(ctx, int64(i+1), EventOrderCreated, Payload{Title: "New Order"})
	}

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 10, sender.count())
	assert.Equal(t, "req-1", sender.sent[0].RequestID)
}

func TestQueueDropsWhenFull(t *testing.T) {
	sender := &recordingSender{block: make(chan struct{})}
	q := NewQueue(sender, logging.Discard(), 1, 1, time.Second)
	q.Start()

	// One notification occupies the worker, one fills the buffer, the rest
	// are dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			q.Notify(context.Background(), 1, EventOrderCreated, Payload{})
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(sender.block)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 2, sender.count())
}

func TestQueueSwallowsSendErrors(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	q := NewQueue(sender, logging.Discard(), 4, 1, time.Second)
	q.Start()

	q.Notify(context.Background(), 1, EventOrderStatusChanged, Payload{})
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, sender.count())
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	sender := &recordingSender{}
	q := NewQueue(sender, logging.Discard(), 4, 1, time.Second)
	q.Start()
	require.NoError(t, q.Close(context.Background()))

	assert.NotPanics(t, func() {
		q.Notify(context.Background(), 1, EventOrderCreated, Payload{})
	})
	assert.Equal(t, 0, sender.count())
}

func TestWebhookSenderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, string(EventOrderCreated), r.Header.Get("X-Handiehub-Event"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, srv.Client(), 3)
	s.initialInterval = time.Millisecond

	err := s.Send(context.Background(), Notification{
		UserID:  42,
		Event:   EventOrderCreated,
		Payload: Payload{Title: "New Order", Message: "You have a new order"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, "New Order", got.Payload.Title)
}

func TestWebhookSenderStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, srv.Client(), 5)
	s.initialInterval = time.Millisecond

	err := s.Send(context.Background(), Notification{UserID: 1, Event: EventOrderCreated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSenderGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, srv.Client(), 2)
	s.initialInterval = time.Millisecond

	err := s.Send(context.Background(), Notification{UserID: 1, Event: EventOrderCreated})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
