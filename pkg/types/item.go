package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Term is the retention class of a memory item.
type Term string

const (
	TermShort Term = "short"
	TermLong  Term = "long"
)

// Valid reports whether t is a known term.
func (t Term) Valid() bool {
	return t == TermShort || t == TermLong
}

// ParseTerm normalizes user input into a Term. Empty input yields TermShort.
func ParseTerm(s string) (Term, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "short", "short_term":
		return TermShort, nil
	case "long", "long_term":
		return TermLong, nil
	default:
		return "", fmt.Errorf("invalid term %q", s)
	}
}

// Scope is the namespace kind a memory item belongs to.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
)

// Well-known roles besides agent identifiers.
const (
	RoleUnknown = "unknown"
	RoleUser    = "user"
	RoleSystem  = "system"
)

// Metadata keys written by promotion.
const (
	MetaPromotedAt      = "promoted_at"
	MetaPromotedFrom    = "promoted_from"
	MetaPromotionReason = "promotion_reason"
)

// MemoryItem is one recorded fact. ID and Timestamp never change after
// creation; Term, Summary and Metadata change only through promotion.
type MemoryItem struct {
	ID        string
	Role      string
	Scope     Scope
	ScopeID   string
	Term      Term
	Content   string
	Summary   string
	Timestamp time.Time
	Metadata  map[string]any
}

// ItemOption customizes NewMemoryItem.
type ItemOption func(*MemoryItem)

// WithID overrides the generated identifier.
func WithID(id string) ItemOption {
	return func(m *MemoryItem) {
		if id != "" {
			m.ID = id
		}
	}
}

// WithRole sets the producing identity.
func WithRole(role string) ItemOption {
	return func(m *MemoryItem) {
		if role != "" {
			m.Role = role
		}
	}
}

// WithScope sets the namespace of the item.
func WithScope(scope Scope, scopeID string) ItemOption {
	return func(m *MemoryItem) {
		if scope != "" {
			m.Scope = scope
		}
		m.ScopeID = scopeID
	}
}

// WithTerm sets the initial retention class.
func WithTerm(term Term) ItemOption {
	return func(m *MemoryItem) {
		if term != "" {
			m.Term = term
		}
	}
}

// WithSummary sets the condensed text.
func WithSummary(summary string) ItemOption {
	return func(m *MemoryItem) { m.Summary = summary }
}

// WithTimestamp overrides the creation time. The value is stored in UTC.
func WithTimestamp(ts time.Time) ItemOption {
	return func(m *MemoryItem) {
		if !ts.IsZero() {
			m.Timestamp = ts.UTC()
		}
	}
}

// WithMetadata copies md into the item metadata.
func WithMetadata(md map[string]any) ItemOption {
	return func(m *MemoryItem) {
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// NewMemoryItem builds an item with defaults for every field except content.
func NewMemoryItem(content string, opts ...ItemOption) (*MemoryItem, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	m := &MemoryItem{
		ID:        uuid.NewString(),
		Role:      RoleUnknown,
		Scope:     ScopeSession,
		Term:      TermShort,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.Term.Valid() {
		return nil, fmt.Errorf("invalid term %q", m.Term)
	}
	return m, nil
}

// IsLong reports whether the item has been promoted or written as long-term.
func (m *MemoryItem) IsLong() bool {
	return m.Term == TermLong
}

// PromoteToLong moves a short-term item to long-term and stamps the promotion
// metadata. Items that are already long-term are left untouched and false is
// returned, so promoted_at keeps the time of the first promotion.
func (m *MemoryItem) PromoteToLong(summary string) bool {
	if m.Term == TermLong {
		return false
	}
	m.Term = TermLong
	if summary != "" {
		m.Summary = summary
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[MetaPromotedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	m.Metadata[MetaPromotedFrom] = string(TermShort)
	return true
}

// Clone returns a copy with its own metadata map.
func (m *MemoryItem) Clone() *MemoryItem {
	c := *m
	c.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// itemJSON is the flat wire representation of a MemoryItem.
type itemJSON struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Scope     Scope          `json:"scope"`
	ScopeID   string         `json:"scope_id"`
	Term      Term           `json:"term"`
	Content   string         `json:"content"`
	Summary   *string        `json:"summary"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// MarshalJSON writes every field, summary as null when unset. HTML
// characters are left unescaped.
func (m MemoryItem) MarshalJSON() ([]byte, error) {
	out := itemJSON{
		ID:        m.ID,
		Role:      m.Role,
		Scope:     m.Scope,
		ScopeID:   m.ScopeID,
		Term:      m.Term,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		Metadata:  m.Metadata,
	}
	if m.Summary != "" {
		s := m.Summary
		out.Summary = &s
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON reads current and older payloads. Absent fields take the
// NewMemoryItem defaults; "memory_type" and "session_id" from the first file
// format are mapped onto term and scope_id.
func (m *MemoryItem) UnmarshalJSON(b []byte) error {
	var in struct {
		itemJSON
		MemoryType string `json:"memory_type"`
		SessionID  string `json:"session_id"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	item := MemoryItem{
		ID:       in.ID,
		Role:     in.Role,
		Scope:    in.Scope,
		ScopeID:  in.ScopeID,
		Content:  in.Content,
		Metadata: in.Metadata,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Role == "" {
		item.Role = RoleUnknown
	}
	if item.Scope == "" {
		item.Scope = ScopeSession
	}
	if item.ScopeID == "" {
		item.ScopeID = in.SessionID
	}
	if in.Summary != nil {
		item.Summary = *in.Summary
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}

	rawTerm := string(in.Term)
	if rawTerm == "" {
		rawTerm = in.MemoryType
	}
	term, err := ParseTerm(rawTerm)
	if err != nil {
		return err
	}
	item.Term = term

	item.Timestamp = time.Now().UTC()
	if strings.TrimSpace(in.Timestamp) != "" {
		ts, err := ParseTimestamp(in.Timestamp)
		if err != nil {
			return err
		}
		item.Timestamp = ts
	}

	*m = item
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses ISO-8601 timestamps, with or without a zone.
// Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
