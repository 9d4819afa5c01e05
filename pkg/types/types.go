package types

import "time"

// Stats counts the items held for one session.
type Stats struct {
	SessionID string `json:"session_id"`
	Total     int    `json:"total"`
	ShortTerm int    `json:"short_term"`
	LongTerm  int    `json:"long_term"`
}

// SessionSummary describes a persisted session for listings and dashboards.
type SessionSummary struct {
	Stats
	UpdatedAt time.Time `json:"updated_at"`
	Live      bool      `json:"live,omitempty"`
}

// RememberInput describes a write through an agent view. Without an agent
// id the item is written at session level under Role.
type RememberInput struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content"`
	Term      string         `json:"term,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RecallInput selects an agent's memories.
type RecallInput struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Term      string `json:"term,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ContextInput requests an agent's LLM context window.
type ContextInput struct {
	SessionID       string `json:"session_id"`
	AgentID         string `json:"agent_id"`
	ShortTermLimit  int    `json:"short_term_limit,omitempty"`
	IncludeLongTerm *bool  `json:"include_long_term,omitempty"`
}

// ContextWindow is the rendered context returned to agents.
type ContextWindow struct {
	Text      string        `json:"text"`
	Items     []*MemoryItem `json:"items"`
	MemoryIDs []string      `json:"memory_ids"`
}

// PromoteInput promotes items of a session by id.
type PromoteInput struct {
	SessionID string   `json:"session_id"`
	IDs       []string `json:"ids"`
	Reason    string   `json:"reason,omitempty"`
}

// PromoteShortTermInput runs the size-triggered promotion policy.
type PromoteShortTermInput struct {
	SessionID    string `json:"session_id"`
	MinShortTerm int    `json:"min_short_term,omitempty"`
	PromoteLastN int    `json:"promote_last_n,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DropShortTermInput evicts short-term items of a session.
type DropShortTermInput struct {
	SessionID string `json:"session_id"`
	KeepLastN *int   `json:"keep_last_n,omitempty"`
}

// SessionInput addresses a session, optionally an agent inside it.
type SessionInput struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
}

// CountResult reports how many items an operation touched.
type CountResult struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}
