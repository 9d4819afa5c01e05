// Package storage persists session snapshots. Every backend stores one
// versioned document per session and overwrites it on each save.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/session-memory/internal/config"
	"github.com/xiy/session-memory/pkg/types"
)

// Backend is the durable snapshot store used by the memory manager.
//
// Load returns types.ErrNotFound when no snapshot exists, a
// *types.SerializationError when one exists but cannot be decoded, and a
// *types.StorageError for any read failure.
type Backend interface {
	Load(ctx context.Context, sessionID string) (*types.Document, error)
	Save(ctx context.Context, doc *types.Document) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// RequestLog captures one incoming MCP request handled by the server.
type RequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	SessionID  string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// RequestLogSink receives summarized MCP request events.
type RequestLogSink interface {
	InsertRequestLog(ctx context.Context, rec RequestLog) error
}

// RequestLogReader lists recorded request events, newest first.
type RequestLogReader interface {
	RecentRequestLogs(ctx context.Context, limit int) ([]RequestLog, error)
}

// SummaryLister is implemented by backends that can summarize sessions
// without decoding every snapshot.
type SummaryLister interface {
	Summaries(ctx context.Context) ([]types.SessionSummary, error)
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileBackend(cfg.Dir, logger)
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.DBPath, logger)
	case config.BackendRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger, WithPrefix(cfg.RedisPrefix))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Summaries returns per-session counts for every persisted session, sorted
// by session id. Snapshots that fail to decode are reported as an error.
func Summaries(ctx context.Context, b Backend) ([]types.SessionSummary, error) {
	if sl, ok := b.(SummaryLister); ok {
		return sl.Summaries(ctx)
	}
	ids, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.SessionSummary, 0, len(ids))
	for _, id := range ids {
		doc, err := b.Load(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, types.SessionSummary{Stats: doc.Stats(), UpdatedAt: doc.UpdatedAt.Time()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// checkKey rejects session ids that are unusable as a storage key.
func checkKey(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" ||
		sessionID == "." || sessionID == ".." ||
		filepath.Base(sessionID) != sessionID ||
		strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("%w: %q", types.ErrInvalidSessionID, sessionID)
	}
	return nil
}

func decodeSnapshot(sessionID string, payload []byte) (*types.Document, error) {
	doc, err := types.DecodeDocument(sessionID, payload)
	if err != nil {
		return nil, &types.SerializationError{SessionID: sessionID, Err: err}
	}
	return doc, nil
}
