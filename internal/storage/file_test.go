package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiy/session-memory/pkg/types"
)

func TestFileBackend(t *testing.T) {
	t.Parallel()
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "nested", "sessions"), testLogger())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	exerciseBackend(t, b)
}

func TestFileBackend_WritesReferenceFormat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	if err := b.Save(context.Background(), testDocument(t, "s1", 2, 1)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "s1.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	for _, key := range []string{"session_id", "version", "updated_at", "memories"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("snapshot missing %q: %s", key, raw)
		}
	}
	mems := doc["memories"].([]any)
	first := mems[0].(map[string]any)
	for _, key := range []string{"id", "role", "scope", "scope_id", "term", "content", "summary", "timestamp", "metadata"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("memory missing %q", key)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestFileBackend_LoadCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err = b.Load(context.Background(), "broken")
	var serr *types.SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("Load() error = %v, want SerializationError", err)
	}
	if serr.SessionID != "broken" {
		t.Fatalf("unexpected session id %q", serr.SessionID)
	}
}

func TestFileBackend_LoadLegacyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	legacy := `{
  "session_id": "old",
  "version": 1,
  "updated_at": 1718000000.25,
  "memories": [
    {"id": "m1", "session_id": "old", "role": "user", "content": "hi", "memory_type": "short_term", "timestamp": "2024-06-10T06:13:20.123456Z", "metadata": {}},
    {"id": "m2", "session_id": "old", "role": "agentA", "content": "plan", "memory_type": "long_term", "timestamp": "2024-06-10T06:13:21.000001Z", "metadata": {"promoted": true}}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, "old.json"), []byte(legacy), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	doc, err := b.Load(context.Background(), "old")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	st := doc.Stats()
	if st.Total != 2 || st.ShortTerm != 1 || st.LongTerm != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if doc.Memories[1].ScopeID != "old" || doc.Memories[1].Role != "agentA" {
		t.Fatalf("unexpected memory %+v", doc.Memories[1])
	}
}

func TestFileBackend_ListSkipsForeignFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	for _, name := range []string{"notes.txt", ".s1.123.tmp", ".hidden.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := b.Save(context.Background(), testDocument(t, "s1", 1, 0)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ids, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("List() = %v, want [s1]", ids)
	}
}

func TestFileBackend_CanceledContext(t *testing.T) {
	t.Parallel()
	b, err := NewFileBackend(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Save(ctx, testDocument(t, "s", 1, 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Save() error = %v, want context.Canceled", err)
	}
}
