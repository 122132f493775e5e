package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/treedoc/internal/ws"
)

const (
	keyPrefix     = "treedoc:presence:"
	updateChannel = "treedoc:presence:updates"
)

// shared stores one Redis hash per document (client -> entry JSON) and fans
// changes out on a single pub/sub channel.
type shared struct {
	client *redis.Client
	ttl    time.Duration
}

func hashKey(doc string) string { return keyPrefix + doc }

func (s shared) save(ctx context.Context, entry ws.PresenceEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	key := hashKey(entry.Document)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if entry.Disconnected {
			p.HDel(ctx, key, entry.Client)
		} else {
			p.HSet(ctx, key, entry.Client, payload)
			p.Expire(ctx, key, s.ttl)
		}
		p.Publish(ctx, updateChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	return nil
}

// load returns the live entries of doc and evicts the stale ones.
func (s shared) load(ctx context.Context, doc string, cutoff time.Time) ([]ws.PresenceEntry, error) {
	key := hashKey(doc)
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load presence: %w", err)
	}

	var (
		live  []ws.PresenceEntry
		stale []string
	)
	for client, value := range raw {
		entry, err := decodeEntry([]byte(value))
		if err != nil || entry.SeenAt.Before(cutoff) {
			stale = append(stale, client)
			continue
		}
		live = append(live, entry)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
			return nil, fmt.Errorf("evict stale presence: %w", err)
		}
	}
	sortByClient(live)
	return live, nil
}

func decodeEntry(data []byte) (ws.PresenceEntry, error) {
	var entry ws.PresenceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return ws.PresenceEntry{}, err
	}
	if entry.Document == "" || entry.Client == "" {
		return ws.PresenceEntry{}, errors.New("presence entry missing identifiers")
	}
	return entry, nil
}
