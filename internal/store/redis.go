package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

const rosterTTL = 5 * time.Minute

// RosterCache caches the enrolled-student roster per class in redis. The
// roster changes rarely during a session, and every queued capture needs
// it, so a short TTL keeps the hot path off Postgres without staleness
// concerns worth invalidating over.
type RosterCache struct {
	rdb  *Redis
	repo *Repository
}

// NewRosterCache builds a cache over the repository. A nil Redis degrades
// to direct repository reads.
func NewRosterCache(rdb *Redis, repo *Repository) *RosterCache {
	return &RosterCache{rdb: rdb, repo: repo}
}

// EnrolledStudents returns the student ids enrolled in a class, via cache
// when possible.
func (c *RosterCache) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	key := "webrecog:roster:" + classID

	if c.rdb != nil && c.rdb.Client != nil {
		if raw, err := c.rdb.Client.Get(ctx, key).Result(); err == nil {
			var ids []string
			if jerr := json.Unmarshal([]byte(raw), &ids); jerr == nil {
				return ids, nil
			}
		}
	}

	ids, err := c.repo.EnrolledStudents(ctx, classID)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil && c.rdb.Client != nil {
		if raw, jerr := json.Marshal(ids); jerr == nil {
			_ = c.rdb.Client.Set(ctx, key, raw, rosterTTL).Err()
		}
	}
	return ids, nil
}
