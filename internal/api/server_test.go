package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/lease"
	"github.com/vvidic/simple-lookup-service/internal/pubsub"
	"github.com/vvidic/simple-lookup-service/internal/record"
	"github.com/vvidic/simple-lookup-service/internal/service"
	"github.com/vvidic/simple-lookup-service/internal/store"
)

type noopPusher struct{}

func (noopPusher) Push(context.Context, string, string, []record.Record) error { return nil }

func newTestService(capacity int, pusher pubsub.Pusher) (*service.LookupService, func()) {
	leases := lease.NewManager(capacity, time.Hour, 24*time.Hour)
	pub := pubsub.NewManager(256, pubsub.NewFlusher(pusher, 2, 2*time.Second, 3))
	pub.Start()
	svc := service.NewLookupService(store.NewMemoryStore(), store.NewMemoryArchive(), leases, pub, store.NewMemorySubscriptionRepo(), nil, "lookup")
	return svc, pub.Stop
}

func newTestServer(t *testing.T, capacity int, adminToken string, pusher pubsub.Pusher) (*httptest.Server, *service.LookupService) {
	t.Helper()
	svc, stop := newTestService(capacity, pusher)
	t.Cleanup(stop)
	srv := NewServer("127.0.0.1", 0, adminToken, 1<<20, 10*time.Second, svc)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp.StatusCode, data
}

func decodeRecord(t *testing.T, data []byte) map[string]any {
	t.Helper()
	rec := map[string]any{}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record: %v\n%s", err, data)
	}
	return rec
}

func decodeRecords(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var recs []map[string]any
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("decode record list: %v\n%s", err, data)
	}
	return recs
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope ErrorResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v\n%s", err, data)
	}
	return envelope.Error.Code
}

func stringValue(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case string:
		return v
	case []any:
		if len(v) == 1 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func registerRecord(t *testing.T, baseURL string, body map[string]any) map[string]any {
	t.Helper()
	status, data := doJSON(t, http.MethodPost, baseURL+"/lookup/records", body)
	if status != http.StatusOK {
		t.Fatalf("register: status %d: %s", status, data)
	}
	return decodeRecord(t, data)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})
	status, data := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz: status %d: %s", status, data)
	}
}

func TestRegisterAndGet(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	rec := registerRecord(t, ts.URL, map[string]any{
		"type":         []any{"service"},
		"service-name": []any{"alpha"},
		"record-ttl":   []any{"PT1H"},
	})
	uri := stringValue(rec, record.KeyURI)
	if !strings.HasPrefix(uri, "lookup_") {
		t.Fatalf("record-uri: %q", uri)
	}
	if got := stringValue(rec, record.KeyState); got != record.StateRegister {
		t.Fatalf("record-state: %q", got)
	}
	if got := stringValue(rec, record.KeyTTL); got != "PT1H" {
		t.Fatalf("record-ttl: %q", got)
	}
	if stringValue(rec, record.KeyExpires) == "" {
		t.Fatal("record-expires missing")
	}

	status, data := doJSON(t, http.MethodGet, ts.URL+"/lookup/records/"+uri, nil)
	if status != http.StatusOK {
		t.Fatalf("get: status %d: %s", status, data)
	}
	fetched := decodeRecord(t, data)
	if got := stringValue(fetched, "service-name"); got != "alpha" {
		t.Fatalf("service-name: %q", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/records", map[string]any{
		"service-name": []any{"alpha"},
	})
	if status != http.StatusBadRequest || errorCode(t, data) != service.CodeBadRequest {
		t.Fatalf("missing type: status %d: %s", status, data)
	}

	resp, err := http.Post(ts.URL+"/lookup/records", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", resp.StatusCode)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/records/lookup_nope", nil)
	if status != http.StatusNotFound || errorCode(t, data) != service.CodeNotFound {
		t.Fatalf("unknown uri: status %d: %s", status, data)
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	rec := registerRecord(t, ts.URL, map[string]any{
		"type": []any{"service"}, "service-name": []any{"alpha"}, "record-ttl": []any{"PT1H"},
	})
	uri := stringValue(rec, record.KeyURI)

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/records/"+uri, map[string]any{
		"record-ttl": []any{"PT2H"},
	})
	if status != http.StatusOK {
		t.Fatalf("renew: status %d: %s", status, data)
	}
	renewed := decodeRecord(t, data)
	if got := stringValue(renewed, record.KeyState); got != record.StateRenew {
		t.Fatalf("record-state: %q", got)
	}
	expires, err := time.Parse(time.RFC3339, stringValue(renewed, record.KeyExpires))
	if err != nil {
		t.Fatalf("parse record-expires: %v", err)
	}
	until := time.Until(expires)
	if until < 119*time.Minute || until > 121*time.Minute {
		t.Fatalf("renewed expiry not near 2h: %v", until)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/records/"+uri, nil)
	if status != http.StatusOK {
		t.Fatalf("get after renew: status %d: %s", status, data)
	}
	if got := stringValue(decodeRecord(t, data), record.KeyTTL); got != "PT2H" {
		t.Fatalf("record-ttl after renew: %q", got)
	}
}

func TestRenewForbiddenWithoutToken(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	rec := registerRecord(t, ts.URL, map[string]any{
		"type": []any{"service"}, "service-name": []any{"alpha"}, "client-uuid": []any{"secret-token"},
	})
	uri := stringValue(rec, record.KeyURI)

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/records/"+uri, map[string]any{})
	if status != http.StatusForbidden || errorCode(t, data) != service.CodeForbidden {
		t.Fatalf("renew without token: status %d: %s", status, data)
	}

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/lookup/records/"+uri, map[string]any{
		"client-uuid": []any{"secret-token"},
	})
	if status != http.StatusOK {
		t.Fatalf("renew with token: status %d", status)
	}
}

func TestQueryAllVsAny(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "loc": []any{"east"}})
	registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "loc": []any{"west"}})

	status, data := doJSON(t, http.MethodGet, ts.URL+"/lookup/records?type=service&loc=east", nil)
	if status != http.StatusOK {
		t.Fatalf("query all: status %d: %s", status, data)
	}
	recs := decodeRecords(t, data)
	if len(recs) != 1 || stringValue(recs[0], "loc") != "east" {
		t.Fatalf("query all: %s", data)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/records?type=service&loc=east,west&record-operator=any", nil)
	if status != http.StatusOK {
		t.Fatalf("query any: status %d: %s", status, data)
	}
	if recs := decodeRecords(t, data); len(recs) != 2 {
		t.Fatalf("query any: got %d records: %s", len(recs), data)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/records?operator=sideways", nil)
	if status != http.StatusBadRequest || errorCode(t, data) != service.CodeBadRequest {
		t.Fatalf("bad operator: status %d: %s", status, data)
	}
}

func TestDeleteThenQueryAndArchive(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	a := registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "loc": []any{"east"}})
	registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "loc": []any{"west"}})
	uriA := stringValue(a, record.KeyURI)

	status, data := doJSON(t, http.MethodDelete, ts.URL+"/lookup/records/"+uriA, nil)
	if status != http.StatusOK {
		t.Fatalf("delete: status %d: %s", status, data)
	}
	if got := stringValue(decodeRecord(t, data), record.KeyState); got != record.StateDelete {
		t.Fatalf("deleted record-state: %q", got)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/records?type=service", nil)
	if status != http.StatusOK {
		t.Fatalf("query after delete: status %d: %s", status, data)
	}
	recs := decodeRecords(t, data)
	if len(recs) != 1 || stringValue(recs[0], "loc") != "west" {
		t.Fatalf("query after delete: %s", data)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/services/archive?record-uri="+uriA, nil)
	if status != http.StatusOK {
		t.Fatalf("archive query: status %d: %s", status, data)
	}
	snapshots := decodeRecords(t, data)
	if len(snapshots) == 0 {
		t.Fatalf("archive query: no snapshots: %s", data)
	}
	last := snapshots[len(snapshots)-1]
	if got := stringValue(last, record.KeyState); got != record.StateDelete {
		t.Fatalf("last snapshot state: %q", got)
	}
}

func TestLeaseDenial(t *testing.T) {
	ts, _ := newTestServer(t, 1, "", noopPusher{})

	registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "loc": []any{"east"}})

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/records", map[string]any{
		"type": []any{"service"}, "loc": []any{"west"},
	})
	if status != http.StatusServiceUnavailable || errorCode(t, data) != service.CodeUnavailable {
		t.Fatalf("lease denial: status %d: %s", status, data)
	}
}

func TestArchiveReadOnly(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		status, data := doJSON(t, method, ts.URL+"/lookup/services/archive", map[string]any{})
		if status != http.StatusMethodNotAllowed || errorCode(t, data) != service.CodeNotSupported {
			t.Fatalf("%s archive: status %d: %s", method, status, data)
		}
	}
}

type pushEnvelope struct {
	SubscriptionID string           `json:"subscription-id"`
	Batch          []map[string]any `json:"batch"`
}

func TestSubscriptionFlushBySizeThenInterval(t *testing.T) {
	envelopes := make(chan pushEnvelope, 8)
	consumer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env pushEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode push: %v", err)
		}
		envelopes <- env
		w.WriteHeader(http.StatusOK)
	}))
	defer consumer.Close()

	svc, stop := newTestService(0, pubsub.NewHTTPPusher(nil))
	defer stop()
	srv := NewServer("127.0.0.1", 0, "", 1<<20, 10*time.Second, svc)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/subscribe", map[string]any{
		"endpoint":        consumer.URL,
		"query":           map[string]any{"type": []any{"service"}},
		"max-push-events": 2,
		"flush-interval":  "PT1S",
	})
	if status != http.StatusCreated {
		t.Fatalf("subscribe: status %d: %s", status, data)
	}
	var info service.SubscriptionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode subscription: %v", err)
	}
	if info.ID == "" || info.MaxPushEvents != 2 {
		t.Fatalf("subscription info: %+v", info)
	}

	for _, name := range []string{"alpha", "beta", "gamma"} {
		registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "service-name": []any{name}})
	}

	// First batch fills to max-push-events and flushes on its own.
	select {
	case env := <-envelopes:
		if env.SubscriptionID != info.ID || len(env.Batch) != 2 {
			t.Fatalf("first batch: %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("size-triggered batch never arrived")
	}

	// The remaining event goes out once the flush interval elapses.
	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.Pub.FlushDue(time.Now().Add(2 * time.Second))
		select {
		case env := <-envelopes:
			if len(env.Batch) != 1 {
				t.Fatalf("second batch: %+v", env)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("interval-triggered batch never arrived")
		}
	}
}

func TestSubscribeValidationAndLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, 0, "", noopPusher{})

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/subscribe", map[string]any{
		"endpoint": "ftp://bad.example",
		"query":    map[string]any{},
	})
	if status != http.StatusBadRequest || errorCode(t, data) != service.CodeBadRequest {
		t.Fatalf("bad endpoint: status %d: %s", status, data)
	}

	status, data = doJSON(t, http.MethodPost, ts.URL+"/lookup/subscribe", map[string]any{
		"endpoint": "http://consumer.example/push",
		"query":    map[string]any{"type": []any{"service"}},
	})
	if status != http.StatusCreated {
		t.Fatalf("subscribe: status %d: %s", status, data)
	}
	var info service.SubscriptionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("decode subscription: %v", err)
	}

	status, data = doJSON(t, http.MethodGet, ts.URL+"/lookup/subscribe", nil)
	if status != http.StatusOK {
		t.Fatalf("list: status %d: %s", status, data)
	}
	var listed []service.SubscriptionInfo
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != info.ID {
		t.Fatalf("list: %s", data)
	}

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/lookup/subscribe/"+info.ID, nil)
	if status != http.StatusNoContent {
		t.Fatalf("unsubscribe: status %d", status)
	}
	status, data = doJSON(t, http.MethodDelete, ts.URL+"/lookup/subscribe/"+info.ID, nil)
	if status != http.StatusNotFound || errorCode(t, data) != service.CodeNotFound {
		t.Fatalf("double unsubscribe: status %d: %s", status, data)
	}
}

func TestSubscribeAdminToken(t *testing.T) {
	ts, _ := newTestServer(t, 0, "s3cret-admin", noopPusher{})

	status, data := doJSON(t, http.MethodGet, ts.URL+"/lookup/subscribe", nil)
	if status != http.StatusForbidden || errorCode(t, data) != service.CodeForbidden {
		t.Fatalf("no auth: status %d: %s", status, data)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/lookup/subscribe", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer s3cret-admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with auth: status %d", resp.StatusCode)
	}

	// Record operations stay open.
	registerRecord(t, ts.URL, map[string]any{"type": []any{"service"}, "loc": []any{"east"}})
}

func TestRequestBodyLimit(t *testing.T) {
	svc, stop := newTestService(0, noopPusher{})
	defer stop()
	srv := NewServer("127.0.0.1", 0, "", 64, 10*time.Second, svc)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, data := doJSON(t, http.MethodPost, ts.URL+"/lookup/records", map[string]any{
		"type": []any{"service"}, "blob": []any{strings.Repeat("x", 256)},
	})
	if status != http.StatusBadRequest || errorCode(t, data) != service.CodeBadRequest {
		t.Fatalf("oversized body: status %d: %s", status, data)
	}
}
