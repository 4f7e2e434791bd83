// Package presence tracks who is active where, derived from recent
// heartbeats rather than explicit leave events: a closed browser tab never
// runs cleanup code, so membership is defined by recency and enforced
// lazily at read time.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is how stale a heartbeat may be before the subject is considered
// gone.
const TTL = 5 * time.Minute

// Entry is one subject's presence in a scope.
type Entry struct {
	SubjectID  string    `json:"subjectId"`
	Location   string    `json:"location,omitempty"`
	Status     string    `json:"status,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Store keeps presence entries in one Redis hash per scope so every API
// replica reads the same membership.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{
		client: client,
		prefix: "presence:",
		ttl:    TTL,
		now:    time.Now,
	}
}

func (s *Store) key(scope string) string {
	return s.prefix + scope
}

// Heartbeat upserts the subject's entry with a fresh lastSeenAt. Two beats
// for the same subject collapse into one entry.
func (s *Store) Heartbeat(ctx context.Context, scope, subjectID, location, status string) error {
	entry := Entry{
		SubjectID:  subjectID,
		Location:   location,
		Status:     status,
		LastSeenAt: s.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(scope), subjectID, data).Err(); err != nil {
		return fmt.Errorf("save presence entry: %w", err)
	}
	// The hash itself expires a TTL after the last write so abandoned
	// scopes do not accumulate.
	if err := s.client.Expire(ctx, s.key(scope), s.ttl*2).Err(); err != nil {
		return fmt.Errorf("expire presence scope: %w", err)
	}
	return nil
}

// Remove deletes the subject's entry. Idempotent.
func (s *Store) Remove(ctx context.Context, scope, subjectID string) error {
	if err := s.client.HDel(ctx, s.key(scope), subjectID).Err(); err != nil {
		return fmt.Errorf("remove presence entry: %w", err)
	}
	return nil
}

// ListActive returns entries seen within the TTL. This is the sole place
// expiry is enforced; stale entries are dropped from the hash as a side
// effect.
func (s *Store) ListActive(ctx context.Context, scope string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	var active []Entry
	var expired []string
	for field, value := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			expired = append(expired, field)
			continue
		}
		if entry.LastSeenAt.Before(cutoff) {
			expired = append(expired, field)
			continue
		}
		active = append(active, entry)
	}
	if len(expired) > 0 {
		_ = s.client.HDel(ctx, s.key(scope), expired...).Err()
	}
	return active, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
