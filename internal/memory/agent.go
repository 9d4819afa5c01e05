package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/xiy/session-memory/pkg/types"
)

// DefaultRecentLimit is used by Recent and ContextForLLM when no limit is given.
const DefaultRecentLimit = 10

// AgentView reads and writes a session store on behalf of one agent. Every
// item it writes carries the agent id as role and every read is filtered to
// that role. A view owns nothing and may be dropped at any time.
type AgentView struct {
	agentID   string
	sessionID string
	store     *Store
}

// NewAgentView binds an agent to a store.
func NewAgentView(agentID string, store *Store) *AgentView {
	return &AgentView{agentID: agentID, sessionID: store.SessionID(), store: store}
}

// AgentID returns the agent this view belongs to.
func (a *AgentView) AgentID() string { return a.agentID }

// SessionID returns the session this view reads from.
func (a *AgentView) SessionID() string { return a.sessionID }

// Remember records content as this agent. An empty term means short-term.
func (a *AgentView) Remember(content string, term types.Term, metadata map[string]any) (*types.MemoryItem, error) {
	return a.store.Remember(a.agentID, content, term, metadata)
}

// RememberLongTerm records content directly as a long-term item.
func (a *AgentView) RememberLongTerm(content string, metadata map[string]any) (*types.MemoryItem, error) {
	return a.Remember(content, types.TermLong, metadata)
}

// Memories returns every item written by this agent.
func (a *AgentView) Memories() []*types.MemoryItem {
	return a.store.filter(a.agentID, "")
}

// ShortTerm returns this agent's short-term items.
func (a *AgentView) ShortTerm() []*types.MemoryItem {
	return a.store.filter(a.agentID, types.TermShort)
}

// LongTerm returns this agent's long-term items.
func (a *AgentView) LongTerm() []*types.MemoryItem {
	return a.store.filter(a.agentID, types.TermLong)
}

// Recent returns the limit most recent items of this agent, oldest first.
// A non-positive limit means DefaultRecentLimit.
func (a *AgentView) Recent(limit int, pred Predicate) ([]*types.MemoryItem, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	items, err := a.store.Filter(Query{Role: a.agentID, Predicate: pred})
	if err != nil {
		return nil, err
	}
	return lastN(SortByTimestamp(items), limit), nil
}

// ContextOptions shapes ContextForLLM. The zero value includes all long-term
// items plus the DefaultRecentLimit most recent items.
type ContextOptions struct {
	ShortTermLimit  int
	ExcludeLongTerm bool
}

// ContextForLLM builds the agent's context window: all long-term items
// (unless excluded) merged with the most recent items of any term, each item
// at most once, ordered by timestamp. The window holds copies, so it can be
// rendered or encoded while the session keeps changing.
func (a *AgentView) ContextForLLM(opts ContextOptions) []*types.MemoryItem {
	var window []*types.MemoryItem
	seen := map[string]struct{}{}
	add := func(items []*types.MemoryItem) {
		for _, m := range items {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			window = append(window, m)
		}
	}

	if !opts.ExcludeLongTerm {
		add(a.LongTerm())
	}
	recent, _ := a.Recent(opts.ShortTermLimit, nil)
	add(recent)

	return a.store.Copies(SortByTimestamp(window))
}

func (a *AgentView) String() string {
	return fmt.Sprintf("<AgentView agent=%s session=%s>", a.agentID, a.sessionID)
}

// Render formats items as plain text, one line per item, for consumers that
// take memory as raw prompt text. Items shared with a live store should be
// passed as Copies.
func Render(items []*types.MemoryItem) string {
	lines := make([]string, 0, len(items))
	for _, m := range items {
		text := m.Content
		if m.Summary != "" {
			text = m.Summary
		}
		lines = append(lines, fmt.Sprintf("[%s] %s (%s): %s",
			m.Timestamp.UTC().Format(time.RFC3339),
			m.Role,
			m.Term,
			strings.TrimSpace(text),
		))
	}
	return strings.Join(lines, "\n")
}
