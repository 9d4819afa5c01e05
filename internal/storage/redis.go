package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/xiy/session-memory/pkg/types"
)

// RedisOptions holds the connection settings for RedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend stores each session snapshot as one string value.
type RedisBackend struct {
	client *redis.Client
	logger *log.Logger
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithPrefix sets the key prefix for snapshot keys.
func WithPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithTTL expires snapshots that are not rewritten within ttl. Zero keeps
// them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(b *RedisBackend) { b.ttl = ttl }
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, opts RedisOptions, logger *log.Logger, options ...RedisOption) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Debug("redis backend ready", "addr", opts.Addr)
	return NewRedisBackend(client, logger, options...), nil
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, logger *log.Logger, options ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client: client,
		logger: logger,
		prefix: "session-memory:",
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

func (b *RedisBackend) key(sessionID string) string {
	return b.prefix + "snapshot:" + sessionID
}

func (b *RedisBackend) Load(ctx context.Context, sessionID string) (*types.Document, error) {
	if err := checkKey(sessionID); err != nil {
		return nil, err
	}
	payload, err := b.client.Get(ctx, b.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return nil, &types.StorageError{Op: "load", SessionID: sessionID, Err: err}
	}
	return decodeSnapshot(sessionID, payload)
}

func (b *RedisBackend) Save(ctx context.Context, doc *types.Document) error {
	if err := checkKey(doc.SessionID); err != nil {
		return err
	}
	payload, err := types.EncodeDocument(doc)
	if err != nil {
		return &types.SerializationError{SessionID: doc.SessionID, Err: err}
	}
	if err := b.client.Set(ctx, b.key(doc.SessionID), payload, b.ttl).Err(); err != nil {
		return &types.StorageError{Op: "save", SessionID: doc.SessionID, Err: err}
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, sessionID string) error {
	if err := b.client.Del(ctx, b.key(sessionID)).Err(); err != nil {
		return &types.StorageError{Op: "delete", SessionID: sessionID, Err: err}
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context) ([]string, error) {
	prefix := b.key("")
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, &types.StorageError{Op: "list", Err: err}
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	// SCAN may return a key more than once.
	return compactSorted(ids), nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func compactSorted(ids []string) []string {
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}
