package session

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/xiy/agent-core/pkg/types"
)

// Backend is the durable side of the session store. Save must persist the
// session and append the archived messages atomically.
type Backend interface {
	Load(ctx context.Context, id string) (types.Session, bool, error)
	Save(ctx context.Context, sess types.Session, archived []types.Message) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]types.SessionInfo, error)
	LoadArchive(ctx context.Context, id string) ([]types.Message, error)
	Close() error
}

// MemoryBackend keeps sessions in process memory.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]types.Session
	archive  map[string][]types.Message
	// FailSave makes Save return the given error when set.
	FailSave error
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: map[string]types.Session{},
		archive:  map[string][]types.Message{},
	}
}

func (b *MemoryBackend) Load(_ context.Context, id string) (types.Session, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[id]
	if !ok {
		return types.Session{}, false, nil
	}
	return cloneSession(sess), true, nil
}

func (b *MemoryBackend) Save(_ context.Context, sess types.Session, archived []types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailSave != nil {
		return b.FailSave
	}
	b.sessions[sess.ID] = cloneSession(sess)
	if len(archived) > 0 {
		b.archive[sess.ID] = append(b.archive[sess.ID], archived...)
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]types.SessionInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.SessionInfo, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, infoOf(sess))
	}
	sortInfos(out)
	return out, nil
}

func (b *MemoryBackend) LoadArchive(_ context.Context, id string) ([]types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Message(nil), b.archive[id]...), nil
}

func (b *MemoryBackend) Close() error { return nil }

func infoOf(sess types.Session) types.SessionInfo {
	return types.SessionInfo{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt,
		LastActive:   sess.LastActive,
		MessageCount: len(sess.Messages),
		Archived:     sess.Archived,
	}
}

// sortInfos orders by last activity, most recent first.
func sortInfos(items []types.SessionInfo) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].LastActive.Equal(items[j].LastActive) {
			return items[i].LastActive.After(items[j].LastActive)
		}
		return strings.Compare(items[i].ID, items[j].ID) < 0
	})
}

func cloneSession(sess types.Session) types.Session {
	out := sess
	out.Messages = append([]types.Message(nil), sess.Messages...)
	out.Mono = append([]types.MonoItem(nil), sess.Mono...)
	if sess.Metadata != nil {
		out.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
