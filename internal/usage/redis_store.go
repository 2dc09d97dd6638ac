package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"storegate/internal/types"
)

const (
	defaultRedisPrefix = "usage"
	maxTxRetries       = 100

	fieldSubscription = "subscription_id"
	fieldStore        = "store_id"
	fieldFeature      = "feature"
	fieldCurrent      = "current_usage"
	fieldQuota        = "annual_quota"
	fieldYearStart    = "year_start"
	fieldYearEnd      = "year_end"
	fieldSoftCap      = "soft_cap"
	fieldSoftCapAt    = "soft_cap_at"
)

// RedisStore keeps each usage row in a hash and each idempotency key in a
// string with a TTL. Multi-key updates use WATCH/MULTI optimistic
// transactions, retried on conflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opTTL  time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store. opTTL bounds how long idempotency keys are
// remembered; zero keeps them forever.
func NewRedisStore(client redis.UniversalClient, prefix string, opTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, opTTL: opTTL}
}

func (s *RedisStore) rowKey(subscriptionID, feature string) string {
	return fmt.Sprintf("%s:row:%s:%s", s.prefix, subscriptionID, feature)
}

func (s *RedisStore) opKey(storeID, key string) string {
	return fmt.Sprintf("%s:op:%s:%s", s.prefix, storeID, key)
}

func (s *RedisStore) Get(ctx context.Context, subscriptionID, feature string) (*types.SubscriptionUsage, error) {
	vals, err := s.client.HGetAll(ctx, s.rowKey(subscriptionID, feature)).Result()
	if err != nil {
		return nil, cacheErr("failed to read usage row", err)
	}
	return decodeRow(vals)
}

func (s *RedisStore) Increment(ctx context.Context, op IncrementOp) (*types.SubscriptionUsage, error) {
	key := s.rowKey(op.Seed.SubscriptionID, op.Seed.Feature)
	opk := s.opKey(op.Seed.StoreID, op.IdempotencyKey)

	var out *types.SubscriptionUsage
	err := s.watch(ctx, func(tx *redis.Tx) error {
		seen, err := tx.Exists(ctx, opk).Result()
		if err != nil {
			return err
		}
		if seen > 0 {
			return DuplicateOperation(op.IdempotencyKey)
		}
		row, err := readRow(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := Apply(row, op)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRow(next))
			pipe.Set(ctx, opk, op.Now.UTC().Format(time.RFC3339Nano), s.opTTL)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}, key, opk)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Rollover(ctx context.Context, seed types.SubscriptionUsage, now time.Time) (*types.SubscriptionUsage, error) {
	key := s.rowKey(seed.SubscriptionID, seed.Feature)

	var out *types.SubscriptionUsage
	err := s.watch(ctx, func(tx *redis.Tx) error {
		row, err := readRow(ctx, tx, key)
		if err != nil || row == nil {
			return err
		}
		next, moved := Rolled(row, seed, now)
		if !moved {
			out = next
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRow(next))
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) MarkSoftCap(ctx context.Context, subscriptionID, feature string, at time.Time) (bool, error) {
	key := s.rowKey(subscriptionID, feature)

	flipped := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		row, err := readRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if row == nil || row.SoftCapTriggered || row.WindowStale(at) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldSoftCap, "1",
				fieldSoftCapAt, at.UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		flipped = err == nil
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return flipped, nil
}

func (s *RedisStore) Set(ctx context.Context, seed types.SubscriptionUsage, value int64, now time.Time) (*types.SubscriptionUsage, error) {
	key := s.rowKey(seed.SubscriptionID, seed.Feature)

	var out *types.SubscriptionUsage
	err := s.watch(ctx, func(tx *redis.Tx) error {
		row, err := readRow(ctx, tx, key)
		if err != nil {
			return err
		}
		next := seed
		if row != nil {
			r, _ := Rolled(row, seed, now)
			next = *r
		}
		next.CurrentUsage = value
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRow(&next))
			return nil
		})
		if err == nil {
			out = &next
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// watch runs fn in an optimistic transaction over keys, retrying when another
// client modified a watched key first.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := types.AsAppError(err); ok {
				return err
			}
			return cacheErr("usage transaction failed", err)
		}
		return nil
	}
	return types.NewAppError(types.ErrCodeConflictConcurrent, "usage row is under heavy contention, retry later", nil)
}

func readRow(ctx context.Context, tx *redis.Tx, key string) (*types.SubscriptionUsage, error) {
	vals, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return decodeRow(vals)
}

func cacheErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalCache, msg, err)
}

func encodeRow(u *types.SubscriptionUsage) map[string]any {
	m := map[string]any{
		fieldSubscription: u.SubscriptionID,
		fieldStore:        u.StoreID,
		fieldFeature:      u.Feature,
		fieldCurrent:      u.CurrentUsage,
		fieldQuota:        "",
		fieldYearStart:    u.YearStart.UTC().Format(time.RFC3339Nano),
		fieldYearEnd:      u.YearEnd.UTC().Format(time.RFC3339Nano),
		fieldSoftCap:      "0",
		fieldSoftCapAt:    "",
	}
	if u.AnnualQuota != nil {
		m[fieldQuota] = strconv.FormatInt(*u.AnnualQuota, 10)
	}
	if u.SoftCapTriggered {
		m[fieldSoftCap] = "1"
	}
	if u.SoftCapTriggeredAt != nil {
		m[fieldSoftCapAt] = u.SoftCapTriggeredAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func decodeRow(m map[string]string) (*types.SubscriptionUsage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	u := &types.SubscriptionUsage{
		SubscriptionID:   m[fieldSubscription],
		StoreID:          m[fieldStore],
		Feature:          m[fieldFeature],
		SoftCapTriggered: m[fieldSoftCap] == "1",
	}
	var err error
	if u.CurrentUsage, err = strconv.ParseInt(m[fieldCurrent], 10, 64); err != nil {
		return nil, cacheErr("corrupt usage counter", err)
	}
	if q := m[fieldQuota]; q != "" {
		v, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			return nil, cacheErr("corrupt annual quota", err)
		}
		u.AnnualQuota = &v
	}
	if u.YearStart, err = time.Parse(time.RFC3339Nano, m[fieldYearStart]); err != nil {
		return nil, cacheErr("corrupt window start", err)
	}
	if u.YearEnd, err = time.Parse(time.RFC3339Nano, m[fieldYearEnd]); err != nil {
		return nil, cacheErr("corrupt window end", err)
	}
	if at := m[fieldSoftCapAt]; at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, cacheErr("corrupt soft cap timestamp", err)
		}
		u.SoftCapTriggeredAt = &t
	}
	return u, nil
}
