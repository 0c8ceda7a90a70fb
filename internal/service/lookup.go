// Package service implements the lookup service operations: registration,
// renewal, deletion, queries, expiry, and subscription management. Handlers
// call its methods; business logic lives here, not in handlers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vvidic/simple-lookup-service/internal/geo"
	"github.com/vvidic/simple-lookup-service/internal/lease"
	"github.com/vvidic/simple-lookup-service/internal/pubsub"
	"github.com/vvidic/simple-lookup-service/internal/query"
	"github.com/vvidic/simple-lookup-service/internal/record"
	"github.com/vvidic/simple-lookup-service/internal/store"
)

// LookupService provides all record and subscription operations over the
// store, lease manager, and publisher.
type LookupService struct {
	Store       store.Store
	Archive     store.Archive
	Leases      *lease.Manager
	Pub         *pubsub.Manager
	SubRepo     store.SubscriptionRepo
	Geo         *geo.Resolver
	CachePrefix string

	// uriLocks serializes renew/delete/expire per URI, giving each record
	// a linearizable operation history.
	uriLocks *xsync.Map[string, *sync.Mutex]
}

// NewLookupService wires the service over its collaborators.
func NewLookupService(st store.Store, ar store.Archive, leases *lease.Manager, pub *pubsub.Manager, subRepo store.SubscriptionRepo, g *geo.Resolver, cachePrefix string) *LookupService {
	return &LookupService{
		Store:       st,
		Archive:     ar,
		Leases:      leases,
		Pub:         pub,
		SubRepo:     subRepo,
		Geo:         g,
		CachePrefix: cachePrefix,
		uriLocks:    xsync.NewMap[string, *sync.Mutex](),
	}
}

func (s *LookupService) lockURI(uri string) func() {
	mu, _ := s.uriLocks.LoadOrCompute(uri, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	mu.Lock()
	return mu.Unlock
}

func (s *LookupService) newURI() string {
	id := uuid.NewString()
	if s.CachePrefix == "" {
		return id
	}
	return s.CachePrefix + "_" + id
}

// parseTTL extracts and validates the record-ttl attribute. Zero means the
// record did not request one.
func parseTTL(rec record.Record) (time.Duration, error) {
	raw, ok := rec.TTLString()
	if !ok {
		return 0, nil
	}
	ttl, err := record.ParseTTL(raw)
	if err != nil {
		return 0, badRequest("invalid record-ttl: " + err.Error())
	}
	return ttl, nil
}

// afterCommit appends the state transition to the archive and fans the
// event out to subscriptions. Archive failures are logged, not surfaced:
// the live-store write already committed.
func (s *LookupService) afterCommit(ctx context.Context, rec record.Record) {
	if err := s.Archive.Append(ctx, rec); err != nil {
		log.Printf("[service] archive append for %s: %v", rec.URI(), err)
	}
	s.Pub.Publish(rec.Clone())
}

// Register validates and admits a new record: URI assignment, lease
// admission, optional geo enrichment, store insert, archive, fan-out.
// Returns the stored record including the assigned URI and expiry.
func (s *LookupService) Register(ctx context.Context, raw map[string]any, remoteAddr string) (record.Record, error) {
	rec, err := record.Normalize(raw)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	if rec.Type() == "" {
		return nil, badRequest("record type is required")
	}
	payload := rec.PayloadKeyCount()
	if _, ok := rec["type"]; ok {
		payload--
	}
	if payload < 1 {
		return nil, badRequest("at least one payload key beyond the type is required")
	}

	ttl, err := parseTTL(rec)
	if err != nil {
		return nil, err
	}

	s.Geo.Enrich(rec, remoteAddr)
	rec[record.KeyState] = record.StateRegister
	rec[record.KeyTTL] = record.FormatTTL(s.Leases.Clamp(ttl))

	// One fresh-URI retry on duplicate, then give up.
	for attempt := 0; attempt < 2; attempt++ {
		uri := s.newURI()
		rec[record.KeyURI] = uri

		expires, ok := s.Leases.Request(uri, ttl, time.Now())
		if !ok {
			return nil, unavailable("lease capacity exhausted")
		}
		rec.SetExpires(expires)

		err := s.Store.Insert(ctx, rec)
		if err == nil {
			s.afterCommit(ctx, rec)
			return rec, nil
		}
		s.Leases.Release(uri)
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, internalErr("failed to persist record", err)
		}
	}
	return nil, internalErr("could not assign a unique uri", store.ErrDuplicate)
}

// Get fetches a live record by URI.
func (s *LookupService) Get(ctx context.Context, uri string) (record.Record, error) {
	rec, err := s.Store.GetByURI(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("record not found")
	}
	if err != nil {
		return nil, internalErr("failed to load record", err)
	}
	return rec, nil
}

// authorizeEdit enforces the per-record access token: a stored client-uuid
// must be matched by the request. Records registered without one stay open
// to edits, per the wire contract.
func authorizeEdit(stored, delta record.Record) error {
	token := stored.ClientUUID()
	if token == "" {
		return nil
	}
	if delta.ClientUUID() != token {
		return forbidden("client-uuid does not match")
	}
	return nil
}

// Renew extends a record's lease. The delta may carry a new TTL and the
// access token; an omitted TTL retains the stored one.
func (s *LookupService) Renew(ctx context.Context, uri string, raw map[string]any) (record.Record, error) {
	delta, err := record.Normalize(raw)
	if err != nil {
		return nil, badRequest(err.Error())
	}

	unlock := s.lockURI(uri)
	defer unlock()

	stored, err := s.Store.GetByURI(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("record not found")
	}
	if err != nil {
		return nil, internalErr("failed to load record", err)
	}
	if err := authorizeEdit(stored, delta); err != nil {
		return nil, err
	}

	ttl, err := parseTTL(delta)
	if err != nil {
		return nil, err
	}
	if ttl == 0 {
		if ttl, err = parseTTL(stored); err != nil {
			return nil, err
		}
	}

	expires, ok := s.Leases.Request(uri, ttl, time.Now())
	if !ok {
		return nil, forbidden("failed to secure lease")
	}

	stored[record.KeyState] = record.StateRenew
	stored[record.KeyTTL] = record.FormatTTL(s.Leases.Clamp(ttl))
	stored.SetExpires(expires)

	if err := s.Store.Update(ctx, uri, stored); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("record not found")
		}
		return nil, internalErr("failed to persist renewal", err)
	}
	s.afterCommit(ctx, stored)
	return stored, nil
}

// Delete removes a record: authorize, remove from the store, release the
// lease, and fan out the delete transition.
func (s *LookupService) Delete(ctx context.Context, uri string, raw map[string]any) (record.Record, error) {
	delta, err := record.Normalize(raw)
	if err != nil {
		return nil, badRequest(err.Error())
	}

	unlock := s.lockURI(uri)
	defer unlock()

	stored, err := s.Store.GetByURI(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("record not found")
	}
	if err != nil {
		return nil, internalErr("failed to load record", err)
	}
	if err := authorizeEdit(stored, delta); err != nil {
		return nil, err
	}

	removed, err := s.Store.Delete(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("record not found")
	}
	if err != nil {
		return nil, internalErr("failed to delete record", err)
	}
	s.Leases.Release(uri)

	removed[record.KeyState] = record.StateDelete
	s.afterCommit(ctx, removed)
	return removed, nil
}

// QueryLive evaluates a query against the live store.
func (s *LookupService) QueryLive(ctx context.Context, q *query.Query) ([]record.Record, error) {
	recs, err := s.Store.Query(ctx, q.Matcher(), q.Skip, q.MaxResults)
	if err != nil {
		return nil, internalErr("query failed", err)
	}
	if recs == nil {
		recs = []record.Record{}
	}
	return recs, nil
}

// QueryArchive evaluates a query against the archive namespace.
func (s *LookupService) QueryArchive(ctx context.Context, q *query.Query) ([]record.Record, error) {
	recs, err := s.Archive.Query(ctx, q.Matcher(), q.Skip, q.MaxResults)
	if err != nil {
		return nil, internalErr("archive query failed", err)
	}
	if recs == nil {
		recs = []record.Record{}
	}
	return recs, nil
}

// ExpireDue removes every record whose lease lapsed as of now, fanning out
// the expired transition. Called from the maintenance prune job. Returns the
// number of records expired.
func (s *LookupService) ExpireDue(ctx context.Context, now time.Time) int {
	expired := 0
	for _, uri := range s.Leases.ExpiredURIs(now) {
		unlock := s.lockURI(uri)
		// A renew may have won the URI lock between the sweep pop and
		// here, re-registering a live lease; the popped expiry is then
		// stale and the record must survive.
		if exp, ok := s.Leases.ExpiresAt(uri); ok && exp.After(now) {
			unlock()
			continue
		}
		removed, err := s.Store.Delete(ctx, uri)
		if err == nil {
			removed[record.KeyState] = record.StateExpired
			s.afterCommit(ctx, removed)
			expired++
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[service] expire %s: %v", uri, err)
		}
		unlock()
	}
	return expired
}

// ReconcileLeases aligns the lease table with the store's live record set.
func (s *LookupService) ReconcileLeases(ctx context.Context) (added, removed int, err error) {
	live, err := s.Store.Expiries(ctx)
	if err != nil {
		return 0, 0, err
	}
	added, removed = s.Leases.Reconcile(live)
	return added, removed, nil
}

// Prune removes records whose expiry plus threshold has passed, covering
// records that outlived their lease across a restart.
func (s *LookupService) Prune(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	return s.Store.PruneExpired(ctx, now, threshold)
}

// SubscribeRequest is the decoded subscribe body.
type SubscribeRequest struct {
	Endpoint      string         `json:"endpoint"`
	Query         map[string]any `json:"query"`
	MaxPushEvents int            `json:"max-push-events"`
	FlushInterval string         `json:"flush-interval"`
}

// SubscriptionInfo is the read model returned by ListSubscriptions.
type SubscriptionInfo struct {
	ID            string    `json:"subscription-id"`
	Endpoint      string    `json:"endpoint"`
	MaxPushEvents int       `json:"max-push-events"`
	FlushInterval string    `json:"flush-interval"`
	CreatedAt     time.Time `json:"created-at"`
	QueuedEvents  int       `json:"queued-events"`
}

// Subscribe registers a saved query for push delivery and persists it when
// the backend supports restart survival.
func (s *LookupService) Subscribe(ctx context.Context, req SubscribeRequest) (*pubsub.Subscription, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, badRequest("endpoint must be an http(s) URL")
	}

	qrec, err := record.Normalize(req.Query)
	if err != nil {
		return nil, badRequest("invalid query: " + err.Error())
	}
	q, err := query.FromRecord(qrec)
	if err != nil {
		return nil, badRequest(err.Error())
	}

	var flushInterval time.Duration
	if req.FlushInterval != "" {
		if flushInterval, err = record.ParseTTL(req.FlushInterval); err != nil {
			return nil, badRequest("invalid flush-interval: " + err.Error())
		}
	}

	queryJSON, err := json.Marshal(req.Query)
	if err != nil {
		return nil, badRequest("invalid query: " + err.Error())
	}

	now := time.Now().UTC()
	sub := pubsub.NewSubscription(uuid.NewString(), req.Endpoint, string(queryJSON), q, req.MaxPushEvents, flushInterval, now)

	if err := s.SubRepo.Upsert(ctx, store.StoredSubscription{
		ID:            sub.ID,
		QueryJSON:     sub.QueryJSON,
		Endpoint:      sub.Endpoint,
		MaxPushEvents: sub.MaxPushEvents,
		FlushInterval: sub.FlushInterval,
		CreatedAt:     sub.CreatedAt,
	}); err != nil {
		return nil, internalErr("failed to persist subscription", err)
	}
	s.Pub.Register(sub)
	return sub, nil
}

// Unsubscribe removes a subscription; queued events are discarded.
func (s *LookupService) Unsubscribe(ctx context.Context, id string) error {
	if _, ok := s.Pub.Get(id); !ok {
		return notFound("subscription not found")
	}
	s.Pub.Unregister(id)
	if err := s.SubRepo.Delete(ctx, id); err != nil {
		return internalErr("failed to remove persisted subscription", err)
	}
	return nil
}

// ListSubscriptions returns the live subscription set.
func (s *LookupService) ListSubscriptions() []SubscriptionInfo {
	out := []SubscriptionInfo{}
	s.Pub.Range(func(_ string, sub *pubsub.Subscription) bool {
		out = append(out, SubscriptionInfo{
			ID:            sub.ID,
			Endpoint:      sub.Endpoint,
			MaxPushEvents: sub.MaxPushEvents,
			FlushInterval: record.FormatTTL(sub.FlushInterval),
			CreatedAt:     sub.CreatedAt,
			QueuedEvents:  sub.QueuedEvents(),
		})
		return true
	})
	return out
}

// RestoreSubscriptions reloads persisted subscriptions into the publisher
// at startup. Unparseable rows are logged and skipped.
func (s *LookupService) RestoreSubscriptions(ctx context.Context) (int, error) {
	stored, err := s.SubRepo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, ss := range stored {
		var raw map[string]any
		if err := json.Unmarshal([]byte(ss.QueryJSON), &raw); err != nil {
			log.Printf("[service] skip subscription %s: bad saved query: %v", ss.ID, err)
			continue
		}
		qrec, err := record.Normalize(raw)
		if err != nil {
			log.Printf("[service] skip subscription %s: %v", ss.ID, err)
			continue
		}
		q, err := query.FromRecord(qrec)
		if err != nil {
			log.Printf("[service] skip subscription %s: %v", ss.ID, err)
			continue
		}
		s.Pub.Register(pubsub.NewSubscription(ss.ID, ss.Endpoint, ss.QueryJSON, q, ss.MaxPushEvents, ss.FlushInterval, ss.CreatedAt))
		restored++
	}
	return restored, nil
}
