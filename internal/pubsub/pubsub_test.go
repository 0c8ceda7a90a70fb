package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/query"
	"github.com/vvidic/simple-lookup-service/internal/record"
)

func serviceQuery(t *testing.T) *query.Query {
	t.Helper()
	q, err := query.FromRecord(record.Record{record.KeyType: []string{"service"}})
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	return q
}

func serviceEvent(uri string) record.Record {
	return record.Record{
		record.KeyURI:   uri,
		record.KeyType:  []string{"service"},
		record.KeyState: record.StateRegister,
	}
}

// captureEndpoint collects pushed envelopes on a channel.
func captureEndpoint(t *testing.T) (*httptest.Server, chan pushEnvelope) {
	t.Helper()
	got := make(chan pushEnvelope, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env pushEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode push: %v", err)
		}
		got <- env
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func waitEnvelope(t *testing.T, ch chan pushEnvelope) pushEnvelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push")
		return pushEnvelope{}
	}
}

func TestFanOut_SizeTriggeredFlush(t *testing.T) {
	srv, got := captureEndpoint(t)

	flusher := NewFlusher(NewHTTPPusher(srv.Client()), 4, time.Second, 3)
	m := NewManager(64, flusher)
	m.Start()
	defer m.Stop()

	sub := NewSubscription("sub-1", srv.URL, "{}", serviceQuery(t), 3, time.Hour, time.Now())
	m.Register(sub)

	for _, uri := range []string{"u1", "u2", "u3"} {
		m.Publish(serviceEvent(uri))
	}

	env := waitEnvelope(t, got)
	if env.SubscriptionID != "sub-1" {
		t.Fatalf("subscription id: got %q", env.SubscriptionID)
	}
	if len(env.Batch) != 3 {
		t.Fatalf("batch size: got %d", len(env.Batch))
	}
	for i, want := range []string{"u1", "u2", "u3"} {
		if got := env.Batch[i].URI(); got != want {
			t.Fatalf("batch order at %d: got %q, want %q", i, got, want)
		}
	}
}

func TestDrain_CappedAtMaxPushEvents(t *testing.T) {
	sub := NewSubscription("sub-1", "http://consumer.example/push", "{}", serviceQuery(t), 2, time.Hour, time.Now())
	for _, uri := range []string{"u1", "u2", "u3"} {
		sub.enqueue(serviceEvent(uri))
	}

	batch := sub.drain(time.Now())
	if len(batch) != 2 || batch[0].URI() != "u1" || batch[1].URI() != "u2" {
		t.Fatalf("first batch: %+v", batch)
	}
	if sub.QueuedEvents() != 1 {
		t.Fatalf("leftover queue depth: got %d", sub.QueuedEvents())
	}

	rest := sub.drain(time.Now())
	if len(rest) != 1 || rest[0].URI() != "u3" {
		t.Fatalf("second batch: %+v", rest)
	}
}

func TestPublish_OverflowCounted(t *testing.T) {
	// Not started, so the channel backs up at its capacity of one.
	m := NewManager(1, NewFlusher(NewHTTPPusher(nil), 1, time.Second, 3))

	m.Publish(serviceEvent("u1"))
	m.Publish(serviceEvent("u2"))
	m.Publish(serviceEvent("u3"))

	if got := m.DroppedEvents(); got != 2 {
		t.Fatalf("dropped events: got %d, want 2", got)
	}
}

func TestFanOut_NonMatchingEventsSkipped(t *testing.T) {
	srv, got := captureEndpoint(t)

	flusher := NewFlusher(NewHTTPPusher(srv.Client()), 4, time.Second, 3)
	m := NewManager(64, flusher)
	m.Start()
	defer m.Stop()

	sub := NewSubscription("sub-1", srv.URL, "{}", serviceQuery(t), 2, time.Hour, time.Now())
	m.Register(sub)

	m.Publish(record.Record{record.KeyURI: "h1", record.KeyType: []string{"host"}})
	m.Publish(serviceEvent("s1"))
	m.Publish(serviceEvent("s2"))

	env := waitEnvelope(t, got)
	if len(env.Batch) != 2 || env.Batch[0].URI() != "s1" {
		t.Fatalf("batch: got %+v", env.Batch)
	}
}

func TestFlushDue_TimeTriggeredFlush(t *testing.T) {
	srv, got := captureEndpoint(t)

	flusher := NewFlusher(NewHTTPPusher(srv.Client()), 4, time.Second, 3)
	m := NewManager(64, flusher)
	m.Start()
	defer m.Stop()

	created := time.Now()
	sub := NewSubscription("sub-1", srv.URL, "{}", serviceQuery(t), 100, 30*time.Second, created)
	m.Register(sub)

	m.Publish(serviceEvent("u1"))

	// Wait for the fan-out loop to queue the event.
	deadline := time.Now().Add(5 * time.Second)
	for sub.QueuedEvents() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Interval not elapsed: nothing flushes.
	m.FlushDue(created.Add(10 * time.Second))
	select {
	case env := <-got:
		t.Fatalf("premature flush: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}

	m.FlushDue(created.Add(time.Minute))
	env := waitEnvelope(t, got)
	if len(env.Batch) != 1 || env.Batch[0].URI() != "u1" {
		t.Fatalf("batch: got %+v", env.Batch)
	}
}

type failingPusher struct {
	calls int
}

func (p *failingPusher) Push(context.Context, string, string, []record.Record) error {
	p.calls++
	return errors.New("endpoint down")
}

func TestFlush_RetireAfterRepeatedFailures(t *testing.T) {
	pusher := &failingPusher{}
	flusher := NewFlusher(pusher, 1, time.Second, 3)
	m := NewManager(64, flusher)

	sub := NewSubscription("sub-1", "http://unreachable.invalid/push", "{}", serviceQuery(t), 1, time.Hour, time.Now())
	m.Register(sub)

	for i := 0; i < 3; i++ {
		sub.enqueue(serviceEvent("u"))
		flusher.Flush(sub, m.retire)
	}

	// Each failed flush tries twice.
	if pusher.calls != 6 {
		t.Fatalf("push attempts: got %d", pusher.calls)
	}
	if _, ok := m.Get("sub-1"); ok {
		t.Fatal("subscription should be retired after 3 failed flushes")
	}
}

func TestFlush_FailureCountResetsOnSuccess(t *testing.T) {
	srv, got := captureEndpoint(t)

	failing := &failingPusher{}
	flusher := NewFlusher(failing, 1, time.Second, 3)
	sub := NewSubscription("sub-1", srv.URL, "{}", serviceQuery(t), 1, time.Hour, time.Now())

	sub.enqueue(serviceEvent("u1"))
	flusher.Flush(sub, nil)
	if sub.failures != 1 {
		t.Fatalf("failures: got %d", sub.failures)
	}

	ok := NewFlusher(NewHTTPPusher(srv.Client()), 1, time.Second, 3)
	sub.enqueue(serviceEvent("u2"))
	ok.Flush(sub, nil)
	waitEnvelope(t, got)
	if sub.failures != 0 {
		t.Fatalf("failures after success: got %d", sub.failures)
	}
}

func TestFlush_EmptyQueueIsNoop(t *testing.T) {
	pusher := &failingPusher{}
	flusher := NewFlusher(pusher, 1, time.Second, 3)
	sub := NewSubscription("sub-1", "http://example.invalid/push", "{}", serviceQuery(t), 1, time.Hour, time.Now())

	flusher.Flush(sub, nil)
	if pusher.calls != 0 {
		t.Fatalf("empty flush must not push: %d calls", pusher.calls)
	}
}

func TestSubscriptionDefaults(t *testing.T) {
	sub := NewSubscription("s", "http://e", "{}", serviceQuery(t), 0, 0, time.Now())
	if sub.MaxPushEvents != DefaultMaxPushEvents {
		t.Fatalf("max push events default: got %d", sub.MaxPushEvents)
	}
	if sub.FlushInterval != time.Minute {
		t.Fatalf("flush interval default: got %v", sub.FlushInterval)
	}
}
