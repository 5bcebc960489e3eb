// Package journal keeps a bounded per-tree log of committed mutation frames
// in Redis so reconnecting clients can catch up without a full snapshot.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultLength = 1000
	DefaultTTL    = 24 * time.Hour
)

// Entry is one journaled frame.
type Entry struct {
	Seq   int64           `json:"seq"`
	Frame json.RawMessage `json:"frame"`
}

// Redis stores frames in a sorted set per tree, scored by sequence.
type Redis struct {
	client *redis.Client
	length int64
	ttl    time.Duration
}

// NewRedis builds a journal keeping at most length entries per tree, each
// tree log expiring ttl after its last write.
func NewRedis(client *redis.Client, length int64, ttl time.Duration) *Redis {
	if length <= 0 {
		length = DefaultLength
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, length: length, ttl: ttl}
}

func key(treeID string) string {
	return fmt.Sprintf("journal:%s", treeID)
}

// Append records frame under seq and trims the log.
func (j *Redis) Append(ctx context.Context, treeID string, seq int64, frame []byte) error {
	member, err := json.Marshal(Entry{Seq: seq, Frame: frame})
	if err != nil {
		return err
	}
	k := key(treeID)
	pipe := j.client.Pipeline()
	pipe.ZAdd(ctx, k, &redis.Z{Score: float64(seq), Member: member})
	pipe.ZRemRangeByRank(ctx, k, 0, -(j.length + 1))
	pipe.Expire(ctx, k, j.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal append %s: %w", treeID, err)
	}
	return nil
}

// Since returns entries with a sequence greater than seq, oldest first.
// Scores are float64 and cannot tell neighbouring wall-clock sequences
// apart, so the range is inclusive and the exact bound is applied to the
// decoded entries.
func (j *Redis) Since(ctx context.Context, treeID string, seq int64) ([]Entry, error) {
	results, err := j.client.ZRangeByScore(ctx, key(treeID), &redis.ZRangeBy{
		Min: strconv.FormatInt(seq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("journal read %s: %w", treeID, err)
	}
	return newerThan(results, seq), nil
}

func newerThan(members []string, seq int64) []Entry {
	entries := make([]Entry, 0, len(members))
	for _, raw := range members {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.Seq > seq {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Seq < entries[b].Seq })
	return entries
}
