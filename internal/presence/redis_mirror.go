package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"treehub/internal/model"
)

const (
	onlineSetKey   = "presence:online"
	identityMapKey = "presence:users"
)

// RedisMirror publishes presence into a Redis set and hash so other
// processes (dashboards, a second gateway) can read who is online.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

// SetOnline adds the user to the online set and stores its identity.
func (m *RedisMirror) SetOnline(ctx context.Context, identity model.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, identity.ID)
	pipe.HSet(ctx, identityMapKey, identity.ID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror online %s: %w", identity.ID, err)
	}
	return nil
}

// SetOffline removes the user from both keys.
func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, userID)
	pipe.HDel(ctx, identityMapKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror offline %s: %w", userID, err)
	}
	return nil
}

// Online reads the mirrored identities.
func (m *RedisMirror) Online(ctx context.Context) ([]model.Identity, error) {
	ids, err := m.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Identity{}, nil
	}
	raw, err := m.client.HMGet(ctx, identityMapKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Identity, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			out = append(out, model.Identity{ID: ids[i]})
			continue
		}
		var identity model.Identity
		if err := json.Unmarshal([]byte(s), &identity); err != nil {
			identity = model.Identity{ID: ids[i]}
		}
		out = append(out, identity)
	}
	return out, nil
}

// Reset clears mirrored state, used at startup since a fresh process holds
// no connections.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, onlineSetKey, identityMapKey).Err()
}
