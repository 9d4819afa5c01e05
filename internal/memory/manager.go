package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xiy/session-memory/internal/storage"
	"github.com/xiy/session-memory/pkg/types"
)

// Default promotion policy values.
const (
	DefaultMinShortTerm  = 20
	DefaultPromoteLastN  = 5
	DefaultPromoteReason = "auto_promote"
)

// flushConcurrency bounds parallel backend writes in FlushAll.
const flushConcurrency = 4

// PromotionPolicy is the size-triggered short-to-long promotion rule: once a
// session holds at least MinShortTerm short-term items, its PromoteLastN most
// recent short-term items are promoted with Reason.
type PromotionPolicy struct {
	MinShortTerm int
	PromoteLastN int
	Reason       string
}

// DefaultPromotionPolicy returns the 20 / 5 / "auto_promote" policy.
func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{
		MinShortTerm: DefaultMinShortTerm,
		PromoteLastN: DefaultPromoteLastN,
		Reason:       DefaultPromoteReason,
	}
}

// orDefault fills zero-valued fields from def.
func (p PromotionPolicy) orDefault(def PromotionPolicy) PromotionPolicy {
	if p.MinShortTerm <= 0 {
		p.MinShortTerm = def.MinShortTerm
	}
	if p.PromoteLastN <= 0 {
		p.PromoteLastN = def.PromoteLastN
	}
	if p.Reason == "" {
		p.Reason = def.Reason
	}
	return p
}

// Options configures a Manager.
type Options struct {
	// AutoFlush writes a session to the backend when it is closed.
	AutoFlush bool
	// SessionIDPattern restricts accepted session ids. Empty accepts any id
	// the backend can store.
	SessionIDPattern string
	// Policy is used by PromoteShortTerm for zero-valued fields and by Maintain.
	Policy PromotionPolicy
}

type liveSession struct {
	store *Store
	// flushMu orders backend writes of one session.
	flushMu sync.Mutex
}

// Manager owns the live session stores and is the only component that
// reads or writes the storage backend. A session id is absent until
// LoadSession, live until CloseSession, then absent again.
type Manager struct {
	backend storage.Backend
	logger  *log.Logger
	opts    Options
	idExpr  *regexp.Regexp

	mu       sync.Mutex
	sessions map[string]*liveSession
	loads    singleflight.Group
}

// NewManager constructs a manager over backend.
func NewManager(backend storage.Backend, opts Options, logger *log.Logger) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("memory manager: backend is required")
	}
	var re *regexp.Regexp
	if opts.SessionIDPattern != "" {
		var err error
		re, err = regexp.Compile(opts.SessionIDPattern)
		if err != nil {
			return nil, fmt.Errorf("compile session id pattern: %w", err)
		}
	}
	opts.Policy = opts.Policy.orDefault(DefaultPromotionPolicy())
	return &Manager{
		backend:  backend,
		logger:   logger,
		opts:     opts,
		idExpr:   re,
		sessions: map[string]*liveSession{},
	}, nil
}

func (m *Manager) validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session id is required", types.ErrInvalidSessionID)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", types.ErrInvalidSessionID, id)
	}
	if m.idExpr != nil && !m.idExpr.MatchString(id) {
		return fmt.Errorf("%w: %q does not match required pattern", types.ErrInvalidSessionID, id)
	}
	return nil
}

func (m *Manager) lookup(id string) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// LoadSession returns the live store for id, reading its snapshot from the
// backend on first use. Concurrent loads of one id share a single read and
// yield the same store. A snapshot that cannot be read or decoded is an
// error; the session is not started empty in that case.
func (m *Manager) LoadSession(ctx context.Context, id string) (*Store, error) {
	if err := m.validateSessionID(id); err != nil {
		return nil, err
	}
	if s, ok := m.lookup(id); ok {
		return s.store, nil
	}

	// The read is shared by every waiter; a canceled caller must not fail
	// the others.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := m.loads.Do(id, func() (any, error) {
		if s, ok := m.lookup(id); ok {
			return s, nil
		}

		store := NewStore(id)
		doc, err := m.backend.Load(loadCtx, id)
		switch {
		case errors.Is(err, types.ErrNotFound):
			m.logger.Info("created session", "session", id)
		case err != nil:
			return nil, fmt.Errorf("load session %s: %w", id, err)
		default:
			if doc.SessionID != id {
				m.logger.Warn("snapshot session id mismatch", "session", id, "snapshot", doc.SessionID)
			}
			if err := store.LoadSnapshot(doc.Memories); err != nil {
				return nil, fmt.Errorf("load session %s: %w", id, &types.SerializationError{SessionID: id, Err: err})
			}
			m.logger.Info("loaded session", "session", id, "count", len(doc.Memories))
		}

		s := &liveSession{store: store}
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*liveSession).store, nil
}

// FlushSession writes the full snapshot of a live session to the backend,
// replacing any earlier snapshot. The session stays live. Flushing a
// session that is not live does nothing.
func (m *Manager) FlushSession(ctx context.Context, id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return nil
	}
	return m.flush(ctx, id, s)
}

func (m *Manager) flush(ctx context.Context, id string, s *liveSession) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return m.save(ctx, id, s.store.cloneItems())
}

func (m *Manager) save(ctx context.Context, id string, items []*types.MemoryItem) error {
	if err := m.backend.Save(ctx, types.NewDocument(id, items)); err != nil {
		return fmt.Errorf("flush session %s: %w", id, err)
	}
	m.logger.Info("flushed session", "session", id, "count", len(items))
	return nil
}

// CloseSession flushes the session when AutoFlush is set and evicts it from
// the live set. The store stops accepting writes when its final snapshot is
// taken, so a write racing the close fails with types.ErrSessionClosed
// instead of being lost. If the flush fails the session stays live and
// writable so the caller can retry. Closing a session that is not live does
// nothing.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	items := s.store.seal()
	if m.opts.AutoFlush {
		if err := m.save(ctx, id, items); err != nil {
			s.store.unseal()
			return fmt.Errorf("close session %s: %w", id, err)
		}
	}
	m.evict(id, s)
	m.logger.Info("closed session", "session", id)
	return nil
}

func (m *Manager) evict(id string, s *liveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok && cur == s {
		delete(m.sessions, id)
	}
}

// DeleteSession evicts a session without flushing and removes its snapshot
// from the backend.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := m.validateSessionID(id); err != nil {
		return err
	}
	if s, ok := m.lookup(id); ok {
		s.store.seal()
		m.evict(id, s)
	}
	if err := m.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	m.logger.Info("deleted session", "session", id)
	return nil
}

// AgentEnter loads the session if needed and returns a view scoped to agentID.
func (m *Manager) AgentEnter(ctx context.Context, sessionID, agentID string) (*AgentView, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("agent id is required")
	}
	store, err := m.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("agent entered session", "agent", agentID, "session", sessionID)
	return NewAgentView(agentID, store), nil
}

// AgentLeave pairs with AgentEnter. Flush timing belongs to the session, so
// leaving changes nothing.
func (m *Manager) AgentLeave(sessionID, agentID string) {
	m.logger.Debug("agent left session", "agent", agentID, "session", sessionID)
}

// PromoteShortTerm applies the promotion policy to a live session and
// returns how many items were promoted. Zero-valued policy fields take the
// manager's configured policy. Sessions that are not live are skipped.
func (m *Manager) PromoteShortTerm(sessionID string, policy PromotionPolicy) int {
	s, ok := m.lookup(sessionID)
	if !ok {
		return 0
	}
	p := policy.orDefault(m.opts.Policy)

	short := s.store.ShortTerm()
	if len(short) < p.MinShortTerm {
		return 0
	}
	n := s.store.Promote(lastN(SortByTimestamp(short), p.PromoteLastN), p.Reason)
	if n > 0 {
		m.logger.Info("promoted short-term memories", "session", sessionID, "count", n, "reason", p.Reason)
	}
	return n
}

// Session returns the live store for id without loading it.
func (m *Manager) Session(id string) (*Store, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return s.store, true
}

// Sessions returns the ids of the live sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Stats returns the counters of every live session, sorted by session id.
func (m *Manager) Stats() []types.Stats {
	ids := m.Sessions()
	out := make([]types.Stats, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.lookup(id); ok {
			out = append(out, s.store.Stats())
		}
	}
	return out
}

// FlushAll flushes every live session, a few at a time. The first error is
// returned after all flushes have finished.
func (m *Manager) FlushAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)
	for _, id := range m.Sessions() {
		id := id
		g.Go(func() error {
			return m.FlushSession(gctx, id)
		})
	}
	return g.Wait()
}

// CloseAll closes every live session. Sessions whose flush fails stay live
// and their errors are joined.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.Sessions() {
		if err := m.CloseSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Maintain runs the configured promotion policy over every live session and
// then flushes them all. It returns the number of promoted items.
func (m *Manager) Maintain(ctx context.Context) (int, error) {
	promoted := 0
	for _, id := range m.Sessions() {
		promoted += m.PromoteShortTerm(id, PromotionPolicy{})
	}
	if err := m.FlushAll(ctx); err != nil {
		return promoted, err
	}
	return promoted, nil
}
