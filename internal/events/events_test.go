package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewlog/internal/config"
	"reviewlog/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []Notification
	block  chan struct{}
	err    error
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, n Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, n := range s.got {
		out[i] = n.Event.ID
	}
	return out
}

func note(id string) Notification {
	return Notification{UserID: "u", Event: domain.Event{ID: id, EntityID: "t", Type: domain.ActionLogIngest}}
}

func quietLogger(buf io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestDispatcherDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, quietLogger(io.Discard))
	for _, id := range []string{"a", "b", "c"} {
		d.Notify(note(id))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, sink.ids())
	assert.True(t, sink.closed)

	d.Notify(note("late"))
	assert.ErrorIs(t, d.Close(context.Background()), ErrClosed)
	assert.Len(t, sink.ids(), 3)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	var logs bytes.Buffer
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, quietLogger(&logs))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(note(string(rune('a' + i))))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Less(t, len(sink.ids()), 10)
	assert.Contains(t, logs.String(), "dropping")
}

func TestDispatcherLogsSinkFailures(t *testing.T) {
	var logs bytes.Buffer
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(sink, 4, quietLogger(&logs))
	d.Notify(note("a"))
	require.NoError(t, d.Close(context.Background()))
	assert.Contains(t, logs.String(), "broker down")
}

func TestWebhookSinkPostsNotification(t *testing.T) {
	var got Notification
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret", time.Second)
	n := note("evt-1")
	n.CounterDelta = 1
	require.NoError(t, sink.Publish(context.Background(), n))
	assert.Equal(t, "evt-1", got.Event.ID)
	assert.Equal(t, 1, got.CounterDelta)
	assert.Equal(t, "ingest", headers.Get("X-Reviewlog-Event"))
	assert.Equal(t, "evt-1", headers.Get("X-Reviewlog-Delivery"))
	assert.Equal(t, "s3cret", headers.Get("X-Reviewlog-Secret"))
	require.NoError(t, sink.Close())
}

func TestWebhookSinkReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, "", 0).Publish(context.Background(), note("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nope")
}

func TestLogSink(t *testing.T) {
	var logs bytes.Buffer
	sink := LogSink{Logger: quietLogger(&logs)}
	require.NoError(t, sink.Publish(context.Background(), note("a")))
	rejected := note("b")
	rejected.Error = "bad log"
	require.NoError(t, sink.Publish(context.Background(), rejected))
	out := logs.String()
	assert.Contains(t, out, "event applied")
	assert.Contains(t, out, "event_id=a")
	assert.Contains(t, out, "event rejected")
	assert.True(t, strings.Contains(out, "bad log"))
}

func TestNATSSubject(t *testing.T) {
	s := &NATSSink{subject: "reviewlog.event"}
	assert.Equal(t, "reviewlog.event.ingest", s.Subject(note("a")))
	bad := note("b")
	bad.Error = "x"
	assert.Equal(t, "reviewlog.event.rejected", s.Subject(bad))
	bad = note("c")
	bad.Event.Type = "a.b"
	assert.Equal(t, "reviewlog.event.unknown", s.Subject(bad))
}

func TestOpen(t *testing.T) {
	sink, err := Open(config.SinkConfig{Kind: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, sink)

	sink, err = Open(config.SinkConfig{Kind: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, LogSink{}, sink)

	sink, err = Open(config.SinkConfig{Kind: "webhook", URL: "http://127.0.0.1:1/hook"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebhookSink{}, sink)

	sink, err = Open(config.SinkConfig{Kind: "kafka", Brokers: []string{"127.0.0.1:9092"}, Topic: "reviewlog"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &KafkaSink{}, sink)
	require.NoError(t, sink.Close())

	_, err = Open(config.SinkConfig{Kind: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
