package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiy/session-memory/pkg/types"
)

// Predicate is a caller-supplied filter. A returned error aborts the
// operation and is handed back to the caller unchanged.
type Predicate func(*types.MemoryItem) (bool, error)

// Query selects items of a store. Zero-valued fields do not filter.
type Query struct {
	Role      string
	Term      types.Term
	Predicate Predicate
}

// Store is the in-process collection of one session's memory items and the
// only source of truth for them. Items are held by reference: accessors
// return a fresh slice, but the items in it are shared so promotion is
// visible to every holder.
//
// Term, Summary and Metadata of a stored item change only under the store
// lock. Code that reads them while other goroutines may promote works on
// Copies.
type Store struct {
	sessionID string

	mu     sync.RWMutex
	items  []*types.MemoryItem
	ids    map[string]struct{}
	closed bool
}

// NewStore creates an empty store for a session.
func NewStore(sessionID string) *Store {
	return &Store{sessionID: sessionID, ids: map[string]struct{}{}}
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

// Add appends an item.
func (s *Store) Add(item *types.MemoryItem) error {
	if item == nil {
		return fmt.Errorf("add memory: nil item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("add memory %s: %w", item.ID, types.ErrSessionClosed)
	}
	if _, ok := s.ids[item.ID]; ok {
		return fmt.Errorf("add memory %s: %w", item.ID, types.ErrDuplicateID)
	}
	s.items = append(s.items, item)
	s.ids[item.ID] = struct{}{}
	return nil
}

// Extend appends items in order. Nothing is appended when any item is nil
// or carries an id that is already present.
func (s *Store) Extend(items []*types.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("extend memories: %w", types.ErrSessionClosed)
	}
	if err := s.checkNew(items); err != nil {
		return err
	}
	for _, item := range items {
		s.items = append(s.items, item)
		s.ids[item.ID] = struct{}{}
	}
	return nil
}

func (s *Store) checkNew(items []*types.MemoryItem) error {
	batch := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item == nil {
			return fmt.Errorf("extend memories: nil item at %d", i)
		}
		if _, ok := s.ids[item.ID]; ok {
			return fmt.Errorf("extend memories %s: %w", item.ID, types.ErrDuplicateID)
		}
		if _, ok := batch[item.ID]; ok {
			return fmt.Errorf("extend memories %s: %w", item.ID, types.ErrDuplicateID)
		}
		batch[item.ID] = struct{}{}
	}
	return nil
}

// Remember constructs and appends a session-level item for any role, such
// as "user" or "system".
func (s *Store) Remember(role, content string, term types.Term, metadata map[string]any) (*types.MemoryItem, error) {
	item, err := types.NewMemoryItem(content,
		types.WithRole(role),
		types.WithScope(types.ScopeSession, s.sessionID),
		types.WithTerm(term),
		types.WithMetadata(metadata),
	)
	if err != nil {
		return nil, err
	}
	if err := s.Add(item); err != nil {
		return nil, err
	}
	return item, nil
}

// All returns every item in insertion order.
func (s *Store) All() []*types.MemoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.MemoryItem(nil), s.items...)
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Filter returns the items matching every criterion of q, in insertion
// order. The predicate runs without the store lock held and is given a copy
// of each candidate, so it may call back into the store.
func (s *Store) Filter(q Query) ([]*types.MemoryItem, error) {
	s.mu.RLock()
	matched := s.match(q.Role, q.Term)
	var views []*types.MemoryItem
	if q.Predicate != nil {
		views = make([]*types.MemoryItem, len(matched))
		for i, m := range matched {
			views[i] = m.Clone()
		}
	}
	s.mu.RUnlock()

	if q.Predicate == nil {
		return matched, nil
	}
	out := make([]*types.MemoryItem, 0, len(matched))
	for i, m := range matched {
		ok, err := q.Predicate(views[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// match returns the items with the given role and term; empty values match
// everything. Callers hold s.mu.
func (s *Store) match(role string, term types.Term) []*types.MemoryItem {
	out := make([]*types.MemoryItem, 0, len(s.items))
	for _, m := range s.items {
		if role != "" && m.Role != role {
			continue
		}
		if term != "" && m.Term != term {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Store) filter(role string, term types.Term) []*types.MemoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.match(role, term)
}

// ShortTerm returns the short-term items.
func (s *Store) ShortTerm() []*types.MemoryItem { return s.filter("", types.TermShort) }

// LongTerm returns the long-term items.
func (s *Store) LongTerm() []*types.MemoryItem { return s.filter("", types.TermLong) }

// ByRole returns the items written by role.
func (s *Store) ByRole(role string) []*types.MemoryItem { return s.filter(role, "") }

// DropShortTerm removes every short-term item and returns how many were removed.
func (s *Store) DropShortTerm() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.retain(func(m *types.MemoryItem) bool { return m.Term == types.TermLong })
}

// DropShortTermKeepLast removes short-term items except the n most recent by
// timestamp. Long-term items are never touched.
func (s *Store) DropShortTermKeepLast(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	var short []*types.MemoryItem
	for _, m := range s.items {
		if m.Term == types.TermShort {
			short = append(short, m)
		}
	}
	keep := map[string]struct{}{}
	for _, m := range lastN(SortByTimestamp(short), n) {
		keep[m.ID] = struct{}{}
	}
	return s.retain(func(m *types.MemoryItem) bool {
		if m.Term == types.TermLong {
			return true
		}
		_, ok := keep[m.ID]
		return ok
	})
}

// retain keeps the items for which keep returns true. Callers hold s.mu.
func (s *Store) retain(keep func(*types.MemoryItem) bool) int {
	before := len(s.items)
	kept := s.items[:0:0]
	ids := make(map[string]struct{}, len(s.items))
	for _, m := range s.items {
		if keep(m) {
			kept = append(kept, m)
			ids[m.ID] = struct{}{}
		}
	}
	s.items = kept
	s.ids = ids
	return before - len(kept)
}

// Promote moves the given short-term items to long-term. When reason is set
// it is recorded as promotion_reason unless the item already has one.
// It returns the number of items whose term changed.
func (s *Store) Promote(items []*types.MemoryItem, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := 0
	for _, m := range items {
		if m == nil || !m.PromoteToLong("") {
			continue
		}
		n++
		if reason == "" {
			continue
		}
		if _, ok := m.Metadata[types.MetaPromotionReason]; !ok {
			m.Metadata[types.MetaPromotionReason] = reason
		}
	}
	return n
}

// PromoteByIDs promotes the store's items with the given ids. Unknown ids
// are skipped.
func (s *Store) PromoteByIDs(ids []string, reason string) int {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var items []*types.MemoryItem
	for _, m := range s.All() {
		if _, ok := want[m.ID]; ok {
			items = append(items, m)
		}
	}
	return s.Promote(items, reason)
}

// Snapshot returns the full item list for serialization.
func (s *Store) Snapshot() []*types.MemoryItem {
	return s.All()
}

// Copies returns detached copies of items taken under the store lock. The
// copies can be encoded or rendered while promotion keeps running.
func (s *Store) Copies(items []*types.MemoryItem) []*types.MemoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(items)
}

// cloneItems copies every item of the store under the read lock.
func (s *Store) cloneItems() []*types.MemoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.items)
}

// seal marks the store closed and returns its final contents. Later writes
// fail with ErrSessionClosed and promotions or drops change nothing.
func (s *Store) seal() []*types.MemoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return cloneAll(s.items)
}

func (s *Store) unseal() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

func cloneAll(items []*types.MemoryItem) []*types.MemoryItem {
	out := make([]*types.MemoryItem, 0, len(items))
	for _, m := range items {
		if m != nil {
			out = append(out, m.Clone())
		}
	}
	return out
}

// LoadSnapshot replaces the store contents wholesale. On error the store
// keeps its previous contents.
func (s *Store) LoadSnapshot(items []*types.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("load snapshot: %w", types.ErrSessionClosed)
	}
	prevItems, prevIDs := s.items, s.ids
	s.items, s.ids = nil, map[string]struct{}{}
	if err := s.checkNew(items); err != nil {
		s.items, s.ids = prevItems, prevIDs
		return err
	}
	s.items = append(s.items, items...)
	for _, m := range items {
		s.ids[m.ID] = struct{}{}
	}
	return nil
}

// Clear removes every item.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.items = nil
	s.ids = map[string]struct{}{}
}

// Stats counts items by term.
func (s *Store) Stats() types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := types.Stats{SessionID: s.sessionID, Total: len(s.items)}
	for _, m := range s.items {
		if m.Term == types.TermLong {
			st.LongTerm++
		} else {
			st.ShortTerm++
		}
	}
	return st
}

func (s *Store) String() string {
	return fmt.Sprintf("<Store session=%s size=%d>", s.sessionID, s.Len())
}

// SortByTimestamp returns a copy of items ordered by timestamp ascending.
// Items with equal timestamps keep their relative order.
func SortByTimestamp(items []*types.MemoryItem) []*types.MemoryItem {
	out := append([]*types.MemoryItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// lastN returns the tail of items holding at most n elements.
func lastN(items []*types.MemoryItem, n int) []*types.MemoryItem {
	if n <= 0 {
		return nil
	}
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
