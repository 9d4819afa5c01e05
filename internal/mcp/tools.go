package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xiy/session-memory/internal/memory"
	"github.com/xiy/session-memory/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var (
	argSession = propString("Session identifier.")
	argAgent   = propString("Agent identifier; items are written and read under this role.")
	argTerm    = propStringEnum("Retention class.", []string{"short", "long"})
)

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "memory_remember",
			Description: "Record a fact in a session, as an agent or as a session-level role such as user.",
			InputSchema: jsonSchema(map[string]any{
				"session_id": argSession,
				"agent_id":   argAgent,
				"role":       propString("Role for session-level writes when agent_id is empty (default user)."),
				"content":    propString("Fact to remember."),
				"term":       argTerm,
				"metadata":   map[string]any{"type": "object"},
			}, []string{"session_id", "content"}),
		},
		{
			Name:        "memory_recall",
			Description: "Return the most recent memories of an agent or role, oldest first.",
			InputSchema: jsonSchema(map[string]any{
				"session_id": argSession,
				"agent_id":   argAgent,
				"role":       propString("Role filter when agent_id is empty; empty returns every role."),
				"term":       argTerm,
				"limit":      propNumber("Maximum items."),
			}, []string{"session_id"}),
		},
		{
			Name:        "memory_context",
			Description: "Build an agent's LLM context: long-term memories plus its most recent ones, in time order.",
			InputSchema: jsonSchema(map[string]any{
				"session_id":        argSession,
				"agent_id":          argAgent,
				"short_term_limit":  propNumber("How many recent items to include."),
				"include_long_term": propBoolean("Include all long-term items (default true)."),
			}, []string{"session_id", "agent_id"}),
		},
		{
			Name:        "memory_promote",
			Description: "Promote memories of a session to long-term by id.",
			InputSchema: jsonSchema(map[string]any{
				"session_id": argSession,
				"ids":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"reason":     propString("Optional promotion reason."),
			}, []string{"session_id", "ids"}),
		},
		{
			Name:        "memory_promote_short_term",
			Description: "Promote the most recent short-term memories once a session holds enough of them.",
			InputSchema: jsonSchema(map[string]any{
				"session_id":     argSession,
				"min_short_term": propNumber("Short-term count that triggers promotion."),
				"promote_last_n": propNumber("How many recent items to promote."),
				"reason":         propString("Promotion reason."),
			}, []string{"session_id"}),
		},
		{
			Name:        "memory_drop_short_term",
			Description: "Discard short-term memories of a session, optionally keeping the most recent ones.",
			InputSchema: jsonSchema(map[string]any{
				"session_id":  argSession,
				"keep_last_n": propNumber("Keep this many of the most recent short-term items."),
			}, []string{"session_id"}),
		},
		{
			Name:        "memory_flush",
			Description: "Persist a live session.",
			InputSchema: jsonSchema(map[string]any{"session_id": argSession}, []string{"session_id"}),
		},
		{
			Name:        "memory_close",
			Description: "Persist and release a live session.",
			InputSchema: jsonSchema(map[string]any{"session_id": argSession}, []string{"session_id"}),
		},
		{
			Name:        "memory_stats",
			Description: "Count memories by term for one session, or for every live session.",
			InputSchema: jsonSchema(map[string]any{"session_id": argSession}, nil),
		},
		{
			Name:        "memory_agent_leave",
			Description: "Signal that an agent is done with a session.",
			InputSchema: jsonSchema(map[string]any{
				"session_id": argSession,
				"agent_id":   argAgent,
			}, []string{"session_id", "agent_id"}),
		},
	}
}

func (s *Server) callTool(ctx context.Context, call toolCall) (map[string]any, error) {
	var (
		out any
		err error
	)
	switch call.Name {
	case "memory_remember":
		var in types.RememberInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.remember(ctx, in)
	case "memory_recall":
		var in types.RecallInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.recall(ctx, in)
	case "memory_context":
		var in types.ContextInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.contextWindow(ctx, in)
	case "memory_promote":
		var in types.PromoteInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.promote(ctx, in)
	case "memory_promote_short_term":
		var in types.PromoteShortTermInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.promoteShortTerm(ctx, in)
	case "memory_drop_short_term":
		var in types.DropShortTermInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.dropShortTerm(ctx, in)
	case "memory_flush":
		var in types.SessionInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.flush(ctx, in)
	case "memory_close":
		var in types.SessionInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		if err = s.mgr.CloseSession(ctx, in.SessionID); err == nil {
			out = map[string]any{"session_id": in.SessionID, "closed": true}
		}
	case "memory_stats":
		var in types.SessionInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		out, err = s.stats(ctx, in)
	case "memory_agent_leave":
		var in types.SessionInput
		if err := decodeArgs(call, &in); err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.AgentID) == "" {
			return nil, errors.New("agent_id is required")
		}
		s.mgr.AgentLeave(in.SessionID, in.AgentID)
		out = map[string]any{"session_id": in.SessionID, "agent_id": in.AgentID, "left": true}
	default:
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	if err != nil {
		return nil, err
	}
	return toolSuccess(out)
}

func decodeArgs(call toolCall, v any) error {
	if len(call.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.Arguments, v); err != nil {
		return fmt.Errorf("invalid %s arguments: %w", call.Name, err)
	}
	return nil
}

func (s *Server) remember(ctx context.Context, in types.RememberInput) (*types.MemoryItem, error) {
	term, err := types.ParseTerm(in.Term)
	if err != nil {
		return nil, err
	}
	store, err := s.mgr.LoadSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	var item *types.MemoryItem
	if strings.TrimSpace(in.AgentID) != "" {
		var view *memory.AgentView
		if view, err = s.mgr.AgentEnter(ctx, in.SessionID, in.AgentID); err != nil {
			return nil, err
		}
		item, err = view.Remember(in.Content, term, in.Metadata)
	} else {
		role := strings.TrimSpace(in.Role)
		if role == "" {
			role = types.RoleUser
		}
		item, err = store.Remember(role, in.Content, term, in.Metadata)
	}
	if err != nil {
		return nil, err
	}
	return store.Copies([]*types.MemoryItem{item})[0], nil
}

func (s *Server) recall(ctx context.Context, in types.RecallInput) ([]*types.MemoryItem, error) {
	store, err := s.mgr.LoadSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	var term types.Term
	if strings.TrimSpace(in.Term) != "" {
		if term, err = types.ParseTerm(in.Term); err != nil {
			return nil, err
		}
	}
	role := strings.TrimSpace(in.AgentID)
	if role == "" {
		role = strings.TrimSpace(in.Role)
	}
	items, err := store.Filter(memory.Query{Role: role, Term: term})
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.opts.RecentLimit
	}
	items = memory.SortByTimestamp(items)
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return store.Copies(items), nil
}

func (s *Server) contextWindow(ctx context.Context, in types.ContextInput) (types.ContextWindow, error) {
	view, err := s.mgr.AgentEnter(ctx, in.SessionID, in.AgentID)
	if err != nil {
		return types.ContextWindow{}, err
	}
	limit := in.ShortTermLimit
	if limit <= 0 {
		limit = s.opts.RecentLimit
	}
	items := view.ContextForLLM(memory.ContextOptions{
		ShortTermLimit:  limit,
		ExcludeLongTerm: in.IncludeLongTerm != nil && !*in.IncludeLongTerm,
	})
	ids := make([]string, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID)
	}
	if items == nil {
		items = []*types.MemoryItem{}
	}
	return types.ContextWindow{Text: memory.Render(items), Items: items, MemoryIDs: ids}, nil
}

func (s *Server) promote(ctx context.Context, in types.PromoteInput) (types.CountResult, error) {
	if len(in.IDs) == 0 {
		return types.CountResult{}, errors.New("ids are required")
	}
	store, err := s.mgr.LoadSession(ctx, in.SessionID)
	if err != nil {
		return types.CountResult{}, err
	}
	n := store.PromoteByIDs(in.IDs, strings.TrimSpace(in.Reason))
	return types.CountResult{SessionID: in.SessionID, Count: n}, nil
}

func (s *Server) promoteShortTerm(ctx context.Context, in types.PromoteShortTermInput) (types.CountResult, error) {
	if _, err := s.mgr.LoadSession(ctx, in.SessionID); err != nil {
		return types.CountResult{}, err
	}
	n := s.mgr.PromoteShortTerm(in.SessionID, memory.PromotionPolicy{
		MinShortTerm: in.MinShortTerm,
		PromoteLastN: in.PromoteLastN,
		Reason:       strings.TrimSpace(in.Reason),
	})
	return types.CountResult{SessionID: in.SessionID, Count: n}, nil
}

func (s *Server) dropShortTerm(ctx context.Context, in types.DropShortTermInput) (types.CountResult, error) {
	store, err := s.mgr.LoadSession(ctx, in.SessionID)
	if err != nil {
		return types.CountResult{}, err
	}
	var n int
	if in.KeepLastN != nil {
		if *in.KeepLastN < 0 {
			return types.CountResult{}, errors.New("keep_last_n must not be negative")
		}
		n = store.DropShortTermKeepLast(*in.KeepLastN)
	} else {
		n = store.DropShortTerm()
	}
	s.logger.Debug("dropped short-term memories", "session", in.SessionID, "count", n)
	return types.CountResult{SessionID: in.SessionID, Count: n}, nil
}

func (s *Server) flush(ctx context.Context, in types.SessionInput) (types.Stats, error) {
	store, ok := s.mgr.Session(in.SessionID)
	if !ok {
		return types.Stats{}, fmt.Errorf("session %q: %w", in.SessionID, types.ErrNotFound)
	}
	if err := s.mgr.FlushSession(ctx, in.SessionID); err != nil {
		return types.Stats{}, err
	}
	return store.Stats(), nil
}

func (s *Server) stats(ctx context.Context, in types.SessionInput) (any, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return map[string]any{"sessions": s.mgr.Stats()}, nil
	}
	store, err := s.mgr.LoadSession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	return store.Stats(), nil
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
