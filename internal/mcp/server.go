// Package mcp serves the session memory tools to agent processes over the
// MCP stdio transport.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/session-memory/internal/memory"
	"github.com/xiy/session-memory/internal/storage"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
)

// Options describes the server to clients.
type Options struct {
	Name    string
	Version string
	// RecentLimit bounds memory_recall and memory_context when the caller
	// gives no limit.
	RecentLimit int
}

// Server handles MCP JSON-RPC messages for one memory manager.
type Server struct {
	mgr    *memory.Manager
	logger *log.Logger
	sink   storage.RequestLogSink
	opts   Options

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewServer creates an MCP server. sink may be nil.
func NewServer(mgr *memory.Manager, logger *log.Logger, sink storage.RequestLogSink, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "session-memory"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = memory.DefaultRecentLimit
	}
	return &Server{mgr: mgr, logger: logger, sink: sink, opts: opts}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// toolCall is the params object of tools/call.
type toolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Serve reads requests from in and writes replies to out until in is
// exhausted or ctx is canceled.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	br := bufio.NewReader(in)
	bw := bufio.NewWriter(out)
	defer bw.Flush()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, f, err := readMessage(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		started := time.Now()
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			resp := errorResponse(nil, codeParseError, "parse error", err.Error())
			s.record(ctx, request{Method: "parse_error"}, resp, time.Since(started))
			if err := writeMessage(bw, resp, f); err != nil {
				return err
			}
			continue
		}

		resp, reply := s.handle(ctx, req)
		s.record(ctx, req, resp, time.Since(started))
		if !reply {
			continue
		}
		if err := writeMessage(bw, resp, f); err != nil {
			return err
		}
	}
}

// handle dispatches one request. The bool is false for notifications, which
// get no reply.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)
	hasID := len(req.ID) > 0
	id := decodeID(req.ID)

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = defaultProtocolVersion
		}
		return result(id, map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.opts.Name, "version": s.opts.Version},
		}), hasID
	case "ping":
		return result(id, map[string]any{}), hasID
	case "tools/list":
		return result(id, map[string]any{"tools": toolDefinitions()}), hasID
	case "tools/call":
		var call toolCall
		if err := json.Unmarshal(req.Params, &call); err != nil {
			s.failures.Add(1)
			return result(id, toolError(err)), hasID
		}
		res, err := s.callTool(ctx, call)
		if err != nil {
			s.failures.Add(1)
			s.logger.Debug("tool call failed", "tool", call.Name, "error", err)
			return result(id, toolError(err)), hasID
		}
		return result(id, res), hasID
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, codeMethodNotFound, "method not found", req.Method), true
	}
}

func (s *Server) record(ctx context.Context, req request, resp response, d time.Duration) {
	if s.sink == nil {
		return
	}
	rec := storage.RequestLog{
		Method:     strings.TrimSpace(req.Method),
		Success:    succeeded(resp),
		ErrorText:  errorText(resp),
		DurationMS: d.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Method == "" {
		rec.Method = "unknown"
	}
	if req.Method == "tools/call" {
		var call toolCall
		if json.Unmarshal(req.Params, &call) == nil {
			rec.ToolName = strings.TrimSpace(call.Name)
			var target struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(call.Arguments, &target)
			rec.SessionID = target.SessionID
		}
	}
	if err := s.sink.InsertRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

// Counters reports how many requests were handled and how many tool calls failed.
func (s *Server) Counters() (requests, failures uint64) {
	return s.requests.Load(), s.failures.Load()
}

func result(id, v any) response {
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: v}
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func toolError(err error) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": err.Error()}},
		"isError": true,
	}
}

func toolSuccess(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func succeeded(resp response) bool {
	if resp.Error != nil {
		return false
	}
	res, ok := resp.Result.(map[string]any)
	if !ok {
		return true
	}
	isErr, _ := res["isError"].(bool)
	return !isErr
}

func errorText(resp response) string {
	if resp.Error != nil {
		return resp.Error.Message
	}
	if succeeded(resp) {
		return ""
	}
	res := resp.Result.(map[string]any)
	if content, ok := res["content"].([]map[string]any); ok && len(content) > 0 {
		if text, _ := content[0]["text"].(string); strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return "tool call failed"
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
