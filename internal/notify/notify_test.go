package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/config"
)

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := SinkFunc(func(_ context.Context, evt Event) error {
		mu.Lock()
		got = append(got, evt.RequestID)
		mu.Unlock()
		return nil
	})
	var delivered atomic.Int32
	d := NewDispatcher(zerolog.Nop(), 2, 16, []Sink{sink}, OnDelivered(func(context.Context, Event) { delivered.Add(1) }))
	for _, id := range []string{"a", "b", "c"} {
		d.Publish(Event{Type: ApprovalRequested, RequestID: id})
	}
	d.Close()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	assert.EqualValues(t, 3, delivered.Load())
	assert.ErrorIs(t, d.TryPublish(Event{}), ErrClosed)
	d.Close()
}

func TestDispatcherFailingSinkIsNonFatal(t *testing.T) {
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("smtp down") })
	var ok atomic.Int32
	working := SinkFunc(func(context.Context, Event) error { ok.Add(1); return nil })
	var delivered atomic.Int32
	d := NewDispatcher(zerolog.Nop(), 1, 4, []Sink{failing, working}, OnDelivered(func(context.Context, Event) { delivered.Add(1) }))
	d.Publish(Event{Type: ApprovalRequested, RequestID: "r1"})
	d.Close()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 1, delivered.Load())

	d = NewDispatcher(zerolog.Nop(), 1, 4, []Sink{failing}, OnDelivered(func(context.Context, Event) { delivered.Add(1) }))
	d.Publish(Event{Type: ApprovalRequested, RequestID: "r2"})
	d.Close()
	assert.EqualValues(t, 1, delivered.Load(), "no sink accepted the event")
}

func TestDispatcherQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := SinkFunc(func(context.Context, Event) error {
		started <- struct{}{}
		<-release
		return nil
	})
	d := NewDispatcher(zerolog.Nop(), 1, 1, []Sink{blocking})
	require.NoError(t, d.TryPublish(Event{RequestID: "first"}))
	<-started
	require.NoError(t, d.TryPublish(Event{RequestID: "queued"}))
	assert.ErrorIs(t, d.TryPublish(Event{RequestID: "dropped"}), ErrQueueFull)
	close(release)
	d.Close()
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "ops.gate.")
	evt := Event{Type: ApprovalRequested, RequestID: "req-1", Recipients: []string{"admin-1"}}
	require.NoError(t, sink.Deliver(context.Background(), evt))
	require.Equal(t, []string{"ops.gate.requested"}, pub.subjects)

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "req-1", decoded.RequestID)
	assert.Equal(t, []string{"admin-1"}, decoded.Recipients)

	require.NoError(t, sink.Deliver(context.Background(), Event{Type: ApprovalRequested}))
	assert.Len(t, pub.subjects, 1, "events without recipients are skipped")

	pub.err = errors.New("no responders")
	assert.Error(t, sink.Deliver(context.Background(), evt))
}

func TestWebhookSink(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "s3cret", r.Header.Get("X-Cmdgate-Secret"))
		assert.Equal(t, ApprovalApproved, r.Header.Get("X-Cmdgate-Event"))
		body, _ := io.ReadAll(r.Body)
		var evt Event
		assert.NoError(t, json.Unmarshal(body, &evt))
		if evt.RequestID == "boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sinks := NewWebhookSinks([]config.WebhookConfig{{URL: srv.URL, Secret: "s3cret", Events: []string{ApprovalApproved}}})
	require.Len(t, sinks, 1)
	sink := sinks[0]

	require.NoError(t, sink.Deliver(context.Background(), Event{Type: ApprovalApproved, RequestID: "ok"}))
	require.NoError(t, sink.Deliver(context.Background(), Event{Type: ApprovalRequested, RequestID: "filtered"}))
	assert.Error(t, sink.Deliver(context.Background(), Event{Type: ApprovalApproved, RequestID: "boom"}))
	assert.EqualValues(t, 2, hits.Load())
}

func TestNewWebhookSinksSkipsDisabled(t *testing.T) {
	off := false
	sinks := NewWebhookSinks([]config.WebhookConfig{{URL: "http://example.invalid", Enabled: &off}, {URL: " "}})
	assert.Empty(t, sinks)
}
