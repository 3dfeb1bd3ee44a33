// Package session keeps bounded per-session conversation history with an LRU
// cache in front of a durable backend.
package session

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/pkg/types"
)

// Stats reports cache occupancy.
type Stats struct {
	SessionCount int `json:"session_count"`
	CacheSize    int `json:"cache_size"`
	MaxCacheSize int `json:"max_cache_size"`
	MaxMessages  int `json:"max_messages"`
}

type cacheEntry struct {
	sess    types.Session
	touched time.Time
}

// Store is the session store. Every mutation is written to the backend before
// the cache is updated, so a crash never loses acknowledged messages.
type Store struct {
	backend     Backend
	clock       clock.Clock
	logger      *log.Logger
	maxMessages int
	cacheTTL    time.Duration
	maxCache    int
	defaultMono time.Duration

	mu    sync.Mutex
	lru   *list.List
	items map[string]*list.Element
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore builds a Store from the session section of cfg.
func NewStore(backend Backend, cfg config.SessionConfig, clk clock.Clock, logger *log.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		backend:     backend,
		clock:       clk,
		logger:      logger,
		maxMessages: cfg.MaxMessages,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		maxCache:    cfg.MaxCacheSize,
		defaultMono: time.Duration(cfg.DefaultMonoTTLSeconds) * time.Second,
		lru:         list.New(),
		items:       map[string]*list.Element{},
		locks:       map[string]*keyLock{},
	}
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func validID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation(op, "session id is required")
	}
	// Backend keys are "<prefix><id>/..."; a slash would let one session's
	// archive scan match another's.
	if strings.Contains(id, "/") {
		return apperr.Validation(op, "session id must not contain '/'")
	}
	return nil
}

// AppendMessage adds msg to the session, creating it if needed. When the
// history exceeds the bound the oldest messages are archived and dropped.
func (s *Store) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	const op = "append message"
	if err := validID(op, id); err != nil {
		return err
	}
	switch msg.Role {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem, types.RoleTool:
	default:
		return apperr.Validation(op, "unknown role %q", msg.Role)
	}

	unlock := s.lock(id)
	defer unlock()

	sess, err := s.loadOrNew(ctx, op, id)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	sess.Messages = append(sess.Messages, msg)

	var overflow []types.Message
	if extra := len(sess.Messages) - s.maxMessages; extra > 0 {
		overflow = append([]types.Message(nil), sess.Messages[:extra]...)
		sess.Messages = append([]types.Message(nil), sess.Messages[extra:]...)
		sess.Archived += int64(extra)
	}
	sess.Mono = liveMono(sess.Mono, now)
	sess.LastActive = now

	if err := s.backend.Save(ctx, sess, overflow); err != nil {
		return apperr.Storage(op, err)
	}
	if len(overflow) > 0 {
		s.logger.Debug("archived session messages", "session", id, "count", len(overflow))
	}
	s.put(sess, now)
	return nil
}

// GetRecent returns up to n most recent messages oldest first; n <= 0 returns
// the full retained history. Unknown sessions yield an empty slice.
func (s *Store) GetRecent(ctx context.Context, id string, n int) ([]types.Message, error) {
	sess, ok, err := s.read(ctx, "get recent messages", id)
	if err != nil || !ok {
		return []types.Message{}, err
	}
	msgs := sess.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]types.Message{}, msgs...), nil
}

// Get returns a copy of the full session record.
func (s *Store) Get(ctx context.Context, id string) (types.Session, error) {
	sess, ok, err := s.read(ctx, "get session", id)
	if err != nil {
		return types.Session{}, err
	}
	if !ok {
		return types.Session{}, apperr.NotFound("get session", "session %s not found", id)
	}
	sess.Mono = liveMono(sess.Mono, s.clock.Now().UTC())
	return sess, nil
}

// Clear drops the session's live history and mono context. Archived messages
// stay in the backend.
func (s *Store) Clear(ctx context.Context, id string) error {
	const op = "clear session"
	if err := validID(op, id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	if err := s.backend.Delete(ctx, id); err != nil {
		return apperr.Storage(op, err)
	}
	s.mu.Lock()
	if el, ok := s.items[id]; ok {
		s.lru.Remove(el)
		delete(s.items, id)
	}
	s.mu.Unlock()
	return nil
}

// AddMono attaches a time-limited fact to the session. A non-positive ttl
// uses the configured default.
func (s *Store) AddMono(ctx context.Context, id, payload string, ttl time.Duration) (types.MonoItem, error) {
	const op = "add mono"
	if err := validID(op, id); err != nil {
		return types.MonoItem{}, err
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return types.MonoItem{}, apperr.Validation(op, "payload must not be empty")
	}
	if ttl <= 0 {
		ttl = s.defaultMono
	}

	unlock := s.lock(id)
	defer unlock()

	sess, err := s.loadOrNew(ctx, op, id)
	if err != nil {
		return types.MonoItem{}, err
	}
	now := s.clock.Now().UTC()
	item := types.MonoItem{Payload: payload, ExpiresAt: now.Add(ttl)}
	sess.Mono = append(liveMono(sess.Mono, now), item)
	sess.LastActive = now

	if err := s.backend.Save(ctx, sess, nil); err != nil {
		return types.MonoItem{}, apperr.Storage(op, err)
	}
	s.put(sess, now)
	return item, nil
}

// GetMono returns the unexpired mono entries.
func (s *Store) GetMono(ctx context.Context, id string) ([]types.MonoItem, error) {
	sess, ok, err := s.read(ctx, "get mono", id)
	if err != nil || !ok {
		return []types.MonoItem{}, err
	}
	return liveMono(sess.Mono, s.clock.Now().UTC()), nil
}

// Archived reports how many messages were evicted from the session.
func (s *Store) Archived(ctx context.Context, id string) (int64, error) {
	sess, _, err := s.read(ctx, "archived count", id)
	if err != nil {
		return 0, err
	}
	return sess.Archived, nil
}

// ArchivedMessages returns the evicted messages of a session, oldest first.
func (s *Store) ArchivedMessages(ctx context.Context, id string) ([]types.Message, error) {
	if err := validID("archived messages", id); err != nil {
		return nil, err
	}
	msgs, err := s.backend.LoadArchive(ctx, id)
	if err != nil {
		return nil, apperr.Storage("archived messages", err)
	}
	return msgs, nil
}

// ListSessions lists sessions by most recent activity. limit <= 0 lists all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]types.SessionInfo, error) {
	items, err := s.backend.List(ctx)
	if err != nil {
		return nil, apperr.Storage("list sessions", err)
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Stats reports session and cache counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	items, err := s.backend.List(ctx)
	if err != nil {
		return Stats{}, apperr.Storage("session stats", err)
	}
	s.mu.Lock()
	size := s.lru.Len()
	s.mu.Unlock()
	return Stats{
		SessionCount: len(items),
		CacheSize:    size,
		MaxCacheSize: s.maxCache,
		MaxMessages:  s.maxMessages,
	}, nil
}

// read serves from the cache and falls back to the backend. A miss is filled
// under the session lock so a slow load cannot overwrite a newer cached write.
func (s *Store) read(ctx context.Context, op, id string) (types.Session, bool, error) {
	if err := validID(op, id); err != nil {
		return types.Session{}, false, err
	}
	if sess, ok := s.cached(id, s.clock.Now().UTC()); ok {
		return sess, true, nil
	}
	unlock := s.lock(id)
	defer unlock()
	return s.readLocked(ctx, op, id)
}

// readLocked must be called with the session lock held.
func (s *Store) readLocked(ctx context.Context, op, id string) (types.Session, bool, error) {
	now := s.clock.Now().UTC()
	if sess, ok := s.cached(id, now); ok {
		return sess, true, nil
	}
	sess, ok, err := s.backend.Load(ctx, id)
	if err != nil {
		return types.Session{}, false, apperr.Storage(op, err)
	}
	if ok {
		s.put(sess, now)
	}
	return cloneSession(sess), ok, nil
}

// loadOrNew must be called with the session lock held.
func (s *Store) loadOrNew(ctx context.Context, op, id string) (types.Session, error) {
	sess, ok, err := s.readLocked(ctx, op, id)
	if err != nil {
		return types.Session{}, err
	}
	if ok {
		return sess, nil
	}
	now := s.clock.Now().UTC()
	return types.Session{
		ID:         id,
		Messages:   []types.Message{},
		Mono:       []types.MonoItem{},
		CreatedAt:  now,
		LastActive: now,
	}, nil
}

func (s *Store) cached(id string, now time.Time) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[id]
	if !ok {
		return types.Session{}, false
	}
	entry := el.Value.(*cacheEntry)
	if now.Sub(entry.touched) > s.cacheTTL {
		s.lru.Remove(el)
		delete(s.items, id)
		return types.Session{}, false
	}
	entry.touched = now
	s.lru.MoveToFront(el)
	return cloneSession(entry.sess), true
}

func (s *Store) put(sess types.Session, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[sess.ID]; ok {
		entry := el.Value.(*cacheEntry)
		entry.sess = cloneSession(sess)
		entry.touched = now
		s.lru.MoveToFront(el)
		return
	}
	s.items[sess.ID] = s.lru.PushFront(&cacheEntry{sess: cloneSession(sess), touched: now})
	for s.lru.Len() > s.maxCache {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.items, oldest.Value.(*cacheEntry).sess.ID)
	}
}

func liveMono(items []types.MonoItem, now time.Time) []types.MonoItem {
	out := make([]types.MonoItem, 0, len(items))
	for _, it := range items {
		if it.ExpiresAt.After(now) {
			out = append(out, it)
		}
	}
	return out
}
