// Package idemcache is a Redis read-through cache in front of the idempotency table.
package idemcache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
)

// Cache stores idempotency records under "<prefix>:<key>" until they expire.
type Cache struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

func New(rdb redis.Cmdable, prefix string) *Cache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "idem"
	}
	return &Cache{rdb: rdb, prefix: prefix, now: time.Now}
}

type entry struct {
	AggregateID  string    `json:"aggregateId"`
	RequestHash  string    `json:"requestHash"`
	ResponseData []byte    `json:"responseData,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (c *Cache) key(k string) string { return c.prefix + ":" + k }

func (c *Cache) Get(ctx context.Context, key string) (storage.IdempotencyRecord, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return storage.IdempotencyRecord{}, false, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return storage.IdempotencyRecord{}, false, err
	}
	return storage.IdempotencyRecord{
		Key:          key,
		AggregateID:  e.AggregateID,
		RequestHash:  e.RequestHash,
		ResponseData: e.ResponseData,
		CreatedAt:    e.CreatedAt,
		ExpiresAt:    e.ExpiresAt,
	}, true, nil
}

// Put caches rec for the rest of its lifetime. Already expired records are not cached.
func (c *Cache) Put(ctx context.Context, rec storage.IdempotencyRecord) error {
	ttl := rec.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry{
		AggregateID:  rec.AggregateID,
		RequestHash:  rec.RequestHash,
		ResponseData: rec.ResponseData,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(rec.Key), raw, ttl).Err()
}

// ReadyCheck pings Redis.
func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
