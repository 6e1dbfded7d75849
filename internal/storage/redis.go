package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coedit/internal/models"
	"coedit/internal/utils"
)

const (
	DocumentsChannel = "documents"
	defaultTTL       = 24 * time.Hour
)

// RedisStore keeps document snapshots in redis hashes and announces room
// lifecycle events on the documents channel.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	log *utils.Logger
}

func NewRedisStore(redisAddr string, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return NewRedisStoreFromClient(rdb, ttl)
}

func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, log: utils.NewLogger()}
}

func documentKey(id string) string { return "doc:" + id }

// Load returns the stored snapshot of id, if any.
func (s *RedisStore) Load(ctx context.Context, id string) (models.DocState, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, documentKey(id)).Result()
	if err != nil {
		return models.DocState{}, false, fmt.Errorf("failed to get document from Redis: %w", err)
	}
	if len(fields) == 0 {
		return models.DocState{}, false, nil
	}
	rev, err := strconv.ParseInt(fields["revision"], 10, 64)
	if err != nil {
		return models.DocState{}, false, fmt.Errorf("corrupt revision for document %s: %w", id, err)
	}
	return models.DocState{Text: fields["text"], Revision: rev}, true, nil
}

// Save overwrites the snapshot of id and refreshes its expiry.
func (s *RedisStore) Save(ctx context.Context, id string, doc models.DocState) error {
	key := documentKey(id)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"text":      doc.Text,
			"revision":  doc.Revision,
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) PublishClosed(ctx context.Context, ev models.DocumentClosedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, DocumentsChannel, payload).Err()
}

// SubscribeClosed delivers document_closed events until ctx is done.
func (s *RedisStore) SubscribeClosed(ctx context.Context, fn func(models.DocumentClosedEvent)) {
	subscriber := s.rdb.Subscribe(ctx, DocumentsChannel)
	defer subscriber.Close()
	ch := subscriber.Channel()

	s.log.Info("subscribed to document events", "channel", DocumentsChannel)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev models.DocumentClosedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("failed to parse document event", "error", err.Error())
				continue
			}
			fn(ev)
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.rdb.Close() }
