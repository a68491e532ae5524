package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists counters in Redis with a 7-day TTL. Loads and saves
// are single pipelined round trips; no lock is taken across the
// read-modify-write cycle.
type RedisStore struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Load(ctx context.Context, ruleID, projectID int64, triggerIDs []int64) (*Snapshot, error) {
	keys := make([]string, 0, 1+2*len(triggerIDs))
	keys = append(keys, ruleKey(ruleID, projectID, statLastUpdate))
	for _, id := range triggerIDs {
		keys = append(keys,
			triggerKey(ruleID, projectID, id, statAlert),
			triggerKey(ruleID, projectID, id, statResolve),
		)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}

	snap := NewSnapshot(triggerIDs)
	if secs, ok := parseInt(vals[0]); ok {
		snap.LastUpdate = time.Unix(secs, 0).UTC()
	}
	for i, id := range triggerIDs {
		if n, ok := parseInt(vals[1+2*i]); ok {
			snap.AlertCounts[id] = int(n)
		}
		if n, ok := parseInt(vals[2+2*i]); ok {
			snap.ResolveCounts[id] = int(n)
		}
	}
	snap.markLoaded()
	return snap, nil
}

func (s *RedisStore) Save(ctx context.Context, ruleID, projectID int64, snap *Snapshot) error {
	dirtyLast, alert, resolve := snap.changed()
	if !dirtyLast && len(alert) == 0 && len(resolve) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	if dirtyLast {
		pipe.Set(ctx, ruleKey(ruleID, projectID, statLastUpdate), snap.LastUpdate.Unix(), TTL)
	}
	for id, c := range alert {
		pipe.Set(ctx, triggerKey(ruleID, projectID, id, statAlert), c, TTL)
	}
	for id, c := range resolve {
		pipe.Set(ctx, triggerKey(ruleID, projectID, id, statResolve), c, TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	snap.markLoaded()
	return nil
}

// parseInt handles MGet results, which arrive as string or nil.
func parseInt(v any) (int64, bool) {
	str, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
