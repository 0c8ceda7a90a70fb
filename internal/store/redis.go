package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

const (
	redisRecordPrefix = "sls:record:"
	redisOrderKey     = "sls:records"
	redisSeqKey       = "sls:seq"
)

// RedisStore keeps the live record set in Redis: one JSON document per URI
// plus a sorted set preserving insertion order for stable queries. Matching
// happens client-side, the same as the other backends.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the Redis instance at url
// (redis://host:port/db form).
func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opt)}, nil
}

func (s *RedisStore) Insert(ctx context.Context, rec record.Record) error {
	doc, _, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	uri := rec.URI()
	ok, err := s.rdb.SetNX(ctx, redisRecordPrefix+uri, doc, 0).Result()
	if err != nil {
		return fmt.Errorf("store: redis insert %s: %w", uri, err)
	}
	if !ok {
		return ErrDuplicate
	}
	seq, err := s.rdb.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("store: redis insert %s: %w", uri, err)
	}
	if err := s.rdb.ZAdd(ctx, redisOrderKey, redis.Z{Score: float64(seq), Member: uri}).Err(); err != nil {
		return fmt.Errorf("store: redis insert %s: %w", uri, err)
	}
	return nil
}

func (s *RedisStore) GetByURI(ctx context.Context, uri string) (record.Record, error) {
	doc, err := s.rdb.Get(ctx, redisRecordPrefix+uri).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %s: %w", uri, err)
	}
	return decodeRecord(doc)
}

func (s *RedisStore) Update(ctx context.Context, uri string, rec record.Record) error {
	doc, _, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetXX(ctx, redisRecordPrefix+uri, doc, 0).Result()
	if err != nil {
		return fmt.Errorf("store: redis update %s: %w", uri, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, uri string) (record.Record, error) {
	doc, err := s.rdb.GetDel(ctx, redisRecordPrefix+uri).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis delete %s: %w", uri, err)
	}
	if err := s.rdb.ZRem(ctx, redisOrderKey, uri).Err(); err != nil {
		return nil, fmt.Errorf("store: redis delete %s: %w", uri, err)
	}
	return decodeRecord(doc)
}

// all returns every live record in insertion order.
func (s *RedisStore) all(ctx context.Context) ([]record.Record, error) {
	uris, err := s.rdb.ZRange(ctx, redisOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis list: %w", err)
	}
	if len(uris) == 0 {
		return nil, nil
	}

	keys := make([]string, len(uris))
	for i, uri := range uris {
		keys[i] = redisRecordPrefix + uri
	}
	docs, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis mget: %w", err)
	}

	var recs []record.Record
	for _, d := range docs {
		// Members can race with deletes; skip vanished documents.
		doc, ok := d.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *RedisStore) Query(ctx context.Context, m Matcher, skip, limit int) ([]record.Record, error) {
	if m == nil {
		m = MatchAll
	}
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var matched []record.Record
	for _, rec := range recs {
		if m(rec) {
			matched = append(matched, rec)
		}
	}
	return page(matched, skip, limit), nil
}

func (s *RedisStore) Expiries(ctx context.Context) (map[string]time.Time, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]time.Time{}
	for _, rec := range recs {
		if exp, ok := rec.Expires(); ok {
			out[rec.URI()] = exp
		}
	}
	return out, nil
}

func (s *RedisStore) PruneExpired(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, rec := range recs {
		exp, ok := rec.Expires()
		if !ok {
			continue
		}
		if exp.Add(threshold).Before(now) {
			if _, err := s.Delete(ctx, rec.URI()); err != nil && !errors.Is(err, ErrNotFound) {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, redisOrderKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: redis count: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
