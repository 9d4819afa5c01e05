package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/session-memory/pkg/types"
)

const snapshotExt = ".json"

// FileBackend keeps one JSON document per session under a directory.
type FileBackend struct {
	dir    string
	logger *log.Logger
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string, logger *log.Logger) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("file backend: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir sessions dir: %w", err)
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding the session files.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(sessionID string) (string, error) {
	if err := checkKey(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, sessionID+snapshotExt), nil
}

func (b *FileBackend) Load(ctx context.Context, sessionID string) (*types.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.path(sessionID)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrNotFound
		}
		return nil, &types.StorageError{Op: "load", SessionID: sessionID, Err: err}
	}
	return decodeSnapshot(sessionID, payload)
}

// Save writes the document to a temporary file and renames it over the
// previous snapshot, so readers never observe a partial file.
func (b *FileBackend) Save(ctx context.Context, doc *types.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.path(doc.SessionID)
	if err != nil {
		return err
	}
	payload, err := types.EncodeDocument(doc)
	if err != nil {
		return &types.SerializationError{SessionID: doc.SessionID, Err: err}
	}

	tmp, err := os.CreateTemp(b.dir, "."+doc.SessionID+".*.tmp")
	if err != nil {
		return &types.StorageError{Op: "save", SessionID: doc.SessionID, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &types.StorageError{Op: "save", SessionID: doc.SessionID, Err: err}
	}
	if _, err := tmp.Write(payload); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return &types.StorageError{Op: "save", SessionID: doc.SessionID, Err: err}
	}
	b.logger.Debug("wrote snapshot", "session", doc.SessionID, "path", p, "bytes", len(payload))
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &types.StorageError{Op: "delete", SessionID: sessionID, Err: err}
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, &types.StorageError{Op: "list", Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) Close() error { return nil }
