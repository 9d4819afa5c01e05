package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/session-memory/internal/memory"
	"github.com/xiy/session-memory/internal/storage"
	"github.com/xiy/session-memory/pkg/types"
)

type captureSink struct {
	mu   sync.Mutex
	rows []storage.RequestLog
}

func (c *captureSink) InsertRequestLog(_ context.Context, rec storage.RequestLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, rec)
	return nil
}

func newTestServer(t *testing.T, sink storage.RequestLogSink) (*Server, string) {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	dir := t.TempDir()
	backend, err := storage.NewFileBackend(dir, logger)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	mgr, err := memory.NewManager(backend, memory.Options{AutoFlush: true}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return NewServer(mgr, logger, sink, Options{Name: "session-memory-test", Version: "test"}), dir
}

// call runs one tools/call and decodes the text content into out.
func call(t *testing.T, srv *Server, name string, args any, out any) bool {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("json.Marshal(args) error = %v", err)
	}
	params, err := json.Marshal(map[string]any{"name": name, "arguments": json.RawMessage(rawArgs)})
	if err != nil {
		t.Fatalf("json.Marshal(params) error = %v", err)
	}
	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if !ok {
		t.Fatalf("%s: expected response", name)
	}
	res, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("%s: unexpected result type %T", name, resp.Result)
	}
	if isErr, _ := res["isError"].(bool); isErr {
		return false
	}
	text := res["content"].([]map[string]any)[0]["text"].(string)
	if out != nil {
		if err := json.Unmarshal([]byte(text), out); err != nil {
			t.Fatalf("%s: decode result error = %v\n%s", name, err, text)
		}
	}
	return true
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	resp, ok := srv.handle(context.Background(), request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/list",
	})
	if !ok {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	tools, ok := result["tools"].([]ToolDefinition)
	if !ok {
		t.Fatalf("unexpected tools type %T", result["tools"])
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"memory_remember", "memory_recall", "memory_context", "memory_promote",
		"memory_promote_short_term", "memory_drop_short_term", "memory_flush",
		"memory_close", "memory_stats", "memory_agent_leave",
	} {
		if !names[want] {
			t.Fatalf("tool %s not listed", want)
		}
	}
}

func TestHandle_NotificationsAndUnknownMethods(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	if _, ok := srv.handle(context.Background(), request{Method: "notifications/initialized"}); ok {
		t.Fatal("expected no reply to a notification")
	}
	if _, ok := srv.handle(context.Background(), request{Method: "bogus"}); ok {
		t.Fatal("expected no reply to an unknown notification")
	}
	resp, ok := srv.handle(context.Background(), request{ID: json.RawMessage(`"a"`), Method: "bogus"})
	if !ok || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
	if resp.ID != "a" {
		t.Fatalf("expected string id echoed, got %v", resp.ID)
	}
}

func TestReadWriteHeaderFramed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := writeMessage(bw, response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}, framingHeader); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("expected Content-Length header, got %q", buf.String())
	}

	payload, f, err := readMessage(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if f != framingHeader {
		t.Fatalf("expected header framing, got %v", f)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestReadMessage_JSONLine(t *testing.T) {
	t.Parallel()
	raw := []byte("\n\n  {\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	payload, f, err := readMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if f != framingLine {
		t.Fatalf("expected line framing, got %v", f)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
}

func TestReadMessage_MissingLength(t *testing.T) {
	t.Parallel()
	raw := []byte("Content-Length: nope\r\n\r\n{}")
	if _, _, err := readMessage(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatal("expected invalid Content-Length error")
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2025-03-26\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}
	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.Result.ProtocolVersion != "2025-03-26" || resp.Result.ServerInfo.Name != "session-memory-test" {
		t.Fatalf("unexpected initialize result %+v", resp.Result)
	}
}

func TestServe_ParseErrorKeepsServing(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	in := bytes.NewBufferString("{oops\n{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 replies, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "-32700") {
		t.Fatalf("expected parse error first, got %s", lines[0])
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv, _ := newTestServer(t, sink)

	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"memory_remember\",\"arguments\":{\"session_id\":\"s1\",\"agent_id\":\"a\",\"content\":\"  \"}}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("expected 1 request log row, got %d", len(sink.rows))
	}
	got := sink.rows[0]
	if got.Method != "tools/call" || got.ToolName != "memory_remember" || got.SessionID != "s1" {
		t.Fatalf("unexpected request log %+v", got)
	}
	if got.Success {
		t.Fatal("expected failed request due to empty content")
	}
	if !strings.Contains(got.ErrorText, "content") {
		t.Fatalf("unexpected error text %q", got.ErrorText)
	}
	if _, failures := srv.Counters(); failures != 1 {
		t.Fatalf("expected 1 failure, got %d", failures)
	}
}

func TestTools_RememberRecallContext(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		var item types.MemoryItem
		if !call(t, srv, "memory_remember", map[string]any{"session_id": "s1", "agent_id": "planner", "content": "step"}, &item) {
			t.Fatal("memory_remember failed")
		}
		if item.Role != "planner" || item.Term != types.TermShort {
			t.Fatalf("unexpected item %+v", item)
		}
	}
	var pinned types.MemoryItem
	if !call(t, srv, "memory_remember", map[string]any{"session_id": "s1", "agent_id": "planner", "content": "goal", "term": "long"}, &pinned) {
		t.Fatal("memory_remember(long) failed")
	}
	var userItem types.MemoryItem
	if !call(t, srv, "memory_remember", map[string]any{"session_id": "s1", "content": "please plan"}, &userItem) {
		t.Fatal("memory_remember(user) failed")
	}
	if userItem.Role != types.RoleUser {
		t.Fatalf("expected user role, got %q", userItem.Role)
	}

	var recalled []types.MemoryItem
	if !call(t, srv, "memory_recall", map[string]any{"session_id": "s1", "agent_id": "planner", "term": "short", "limit": 2}, &recalled) {
		t.Fatal("memory_recall failed")
	}
	if len(recalled) != 2 {
		t.Fatalf("expected 2 recalled items, got %d", len(recalled))
	}
	var everyone []types.MemoryItem
	if !call(t, srv, "memory_recall", map[string]any{"session_id": "s1"}, &everyone) {
		t.Fatal("memory_recall(all) failed")
	}
	if len(everyone) != 5 {
		t.Fatalf("expected 5 items across roles, got %d", len(everyone))
	}

	var window types.ContextWindow
	if !call(t, srv, "memory_context", map[string]any{"session_id": "s1", "agent_id": "planner", "short_term_limit": 1}, &window) {
		t.Fatal("memory_context failed")
	}
	if len(window.MemoryIDs) != 1 || window.MemoryIDs[0] != pinned.ID {
		t.Fatalf("expected only the pinned item (it is also the newest), got %v", window.MemoryIDs)
	}
	if !strings.Contains(window.Text, "planner (long): goal") {
		t.Fatalf("unexpected context text %q", window.Text)
	}

	var stats types.Stats
	if !call(t, srv, "memory_stats", map[string]any{"session_id": "s1"}, &stats) {
		t.Fatal("memory_stats failed")
	}
	if stats.Total != 5 || stats.LongTerm != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestTools_PromoteDropFlushClose(t *testing.T) {
	t.Parallel()
	srv, dir := newTestServer(t, nil)

	var ids []string
	for i := 0; i < 4; i++ {
		var item types.MemoryItem
		if !call(t, srv, "memory_remember", map[string]any{"session_id": "s2", "agent_id": "a", "content": "note"}, &item) {
			t.Fatal("memory_remember failed")
		}
		ids = append(ids, item.ID)
	}

	var count types.CountResult
	if !call(t, srv, "memory_promote", map[string]any{"session_id": "s2", "ids": []string{ids[0]}, "reason": "pinned"}, &count) {
		t.Fatal("memory_promote failed")
	}
	if count.Count != 1 {
		t.Fatalf("expected 1 promoted, got %d", count.Count)
	}
	if !call(t, srv, "memory_promote_short_term", map[string]any{"session_id": "s2", "min_short_term": 3, "promote_last_n": 1}, &count) {
		t.Fatal("memory_promote_short_term failed")
	}
	if count.Count != 1 {
		t.Fatalf("expected 1 promoted by policy, got %d", count.Count)
	}
	if !call(t, srv, "memory_drop_short_term", map[string]any{"session_id": "s2", "keep_last_n": 1}, &count) {
		t.Fatal("memory_drop_short_term failed")
	}
	if count.Count != 1 {
		t.Fatalf("expected 1 dropped, got %d", count.Count)
	}
	if call(t, srv, "memory_drop_short_term", map[string]any{"session_id": "s2", "keep_last_n": -1}, nil) {
		t.Fatal("expected negative keep_last_n to fail")
	}

	var stats types.Stats
	if !call(t, srv, "memory_flush", map[string]any{"session_id": "s2"}, &stats) {
		t.Fatal("memory_flush failed")
	}
	if stats.Total != 3 || stats.LongTerm != 2 || stats.ShortTerm != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(dir, "s2.json")); err != nil {
		t.Fatalf("expected snapshot file after flush: %v", err)
	}

	if !call(t, srv, "memory_agent_leave", map[string]any{"session_id": "s2", "agent_id": "a"}, nil) {
		t.Fatal("memory_agent_leave failed")
	}
	if !call(t, srv, "memory_close", map[string]any{"session_id": "s2"}, nil) {
		t.Fatal("memory_close failed")
	}
	if call(t, srv, "memory_flush", map[string]any{"session_id": "s2"}, nil) {
		t.Fatal("expected flush of a closed session to fail")
	}

	var all struct {
		Sessions []types.Stats `json:"sessions"`
	}
	if !call(t, srv, "memory_stats", map[string]any{}, &all) {
		t.Fatal("memory_stats(all) failed")
	}
	if len(all.Sessions) != 0 {
		t.Fatalf("expected no live sessions, got %+v", all.Sessions)
	}
}

func TestTools_InvalidInput(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	cases := []struct {
		name string
		args map[string]any
	}{
		{"memory_remember", map[string]any{"session_id": "../x", "agent_id": "a", "content": "x"}},
		{"memory_remember", map[string]any{"session_id": "s", "agent_id": "a", "content": "x", "term": "forever"}},
		{"memory_context", map[string]any{"session_id": "s"}},
		{"memory_promote", map[string]any{"session_id": "s"}},
		{"memory_agent_leave", map[string]any{"session_id": "s"}},
		{"memory_unknown", map[string]any{}},
	}
	for _, tc := range cases {
		if call(t, srv, tc.name, tc.args, nil) {
			t.Fatalf("%s(%v): expected failure", tc.name, tc.args)
		}
	}
}

func TestTools_ReadWhileMaintenancePromotes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	for i := 0; i < 60; i++ {
		if !call(t, srv, "memory_remember", map[string]any{"session_id": "s1", "agent_id": "planner", "content": "step <" + strings.Repeat("x", i%5) + ">"}, nil) {
			t.Fatalf("memory_remember %d failed", i)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			if _, err := srv.mgr.Maintain(context.Background()); err != nil {
				t.Errorf("Maintain() error = %v", err)
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		var window types.ContextWindow
		if !call(t, srv, "memory_context", map[string]any{"session_id": "s1", "agent_id": "planner", "short_term_limit": 5}, &window) {
			t.Fatal("memory_context failed")
		}
		var items []types.MemoryItem
		if !call(t, srv, "memory_recall", map[string]any{"session_id": "s1", "agent_id": "planner", "limit": 30}, &items) {
			t.Fatal("memory_recall failed")
		}
	}
	wg.Wait()

	var stats types.Stats
	if !call(t, srv, "memory_stats", map[string]any{"session_id": "s1"}, &stats) {
		t.Fatal("memory_stats failed")
	}
	if stats.LongTerm != 40 || stats.ShortTerm != 20 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
