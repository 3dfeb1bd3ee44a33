package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

// Service coordinates validation, auditing and retrieval of memories. It is
// shared by the chat path and the maintenance path; mutations are serialized
// so a read-modify-write from one operator never overwrites the other's.
type Service struct {
	store  store.Store
	cfg    config.Config
	clock  clock.Clock
	logger *log.Logger

	mu sync.Mutex
}

// NewService constructs a memory service.
func NewService(st store.Store, cfg config.Config, clk clock.Clock, logger *log.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: st, cfg: cfg, clock: clk, logger: logger}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// Write validates and stores a new memory record.
func (s *Service) Write(ctx context.Context, in types.WriteInput) (types.MemoryRecord, error) {
	const op = "write memory"
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return types.MemoryRecord{}, apperr.Validation(op, "content must not be empty")
	}
	tier := in.Tier
	if tier == "" {
		tier = types.TierLongTerm
	}
	if !tier.Valid() {
		return types.MemoryRecord{}, apperr.Validation(op, "invalid tier %q", tier)
	}
	importance := types.DefaultImportance
	if in.Importance != nil {
		importance = *in.Importance
	}
	if err := validateImportance(op, importance); err != nil {
		return types.MemoryRecord{}, err
	}

	now := s.now()
	rec := types.MemoryRecord{
		ID:         uuid.NewString(),
		Tier:       tier,
		Content:    content,
		Importance: importance,
		Tags:       normalizeTags(in.Tags),
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry := s.audit(types.OpWrite, rec.ID, in.Operator, now, map[string]any{
		"tier":       rec.Tier,
		"importance": rec.Importance,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Apply(ctx, store.Change{Record: rec, Insert: true, Audit: entry}); err != nil {
		return types.MemoryRecord{}, apperr.Storage(op, err)
	}
	s.logger.Debug("memory written", "id", rec.ID, "tier", rec.Tier, "operator", entry.Operator)
	return rec, nil
}

// Get returns a record. Soft-deleted records are NotFound unless includeDeleted.
func (s *Service) Get(ctx context.Context, id string, includeDeleted bool) (types.MemoryRecord, error) {
	rec, err := s.load(ctx, "get memory", id)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	if rec.Deleted && !includeDeleted {
		return types.MemoryRecord{}, apperr.NotFound("get memory", "memory %s not found", id)
	}
	return rec, nil
}

// Search returns live records matching the filter, most important first.
func (s *Service) Search(ctx context.Context, f types.SearchFilter) ([]types.MemoryRecord, error) {
	if f.Tier != "" && !f.Tier.Valid() {
		return nil, apperr.Validation("search memories", "invalid tier %q", f.Tier)
	}
	if f.Limit <= 0 {
		f.Limit = s.cfg.Memory.DefaultSearchLimit
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	f.Tags = normalizeTags(f.Tags)
	items, err := s.store.SearchMemories(ctx, f)
	if err != nil {
		return nil, apperr.Storage("search memories", err)
	}
	return items, nil
}

// Update changes content, importance or tags of a live record.
func (s *Service) Update(ctx context.Context, in types.UpdateInput) (types.MemoryRecord, error) {
	const op = "update memory"
	if in.Content == nil && in.Importance == nil && in.Tags == nil {
		return types.MemoryRecord{}, apperr.Validation(op, "nothing to update")
	}
	if in.Importance != nil {
		if err := validateImportance(op, *in.Importance); err != nil {
			return types.MemoryRecord{}, err
		}
	}
	if in.Content != nil && strings.TrimSpace(*in.Content) == "" {
		return types.MemoryRecord{}, apperr.Validation(op, "content must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLive(ctx, op, in.ID)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	changed := map[string]any{}
	if in.Content != nil {
		rec.Content = strings.TrimSpace(*in.Content)
		changed["content"] = true
	}
	if in.Importance != nil {
		changed["importance"] = map[string]int{"from": rec.Importance, "to": *in.Importance}
		rec.Importance = *in.Importance
	}
	if in.Tags != nil {
		rec.Tags = normalizeTags(*in.Tags)
		changed["tags"] = rec.Tags
	}
	now := s.now()
	rec.UpdatedAt = now

	entry := s.audit(types.OpUpdate, rec.ID, in.Operator, now, changed)
	if err := s.store.Apply(ctx, store.Change{Record: rec, Audit: entry}); err != nil {
		return types.MemoryRecord{}, s.storeErr(op, rec.ID, err)
	}
	return rec, nil
}

// Delete soft-deletes a live record.
func (s *Service) Delete(ctx context.Context, id string, operator types.Operator) error {
	const op = "delete memory"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLive(ctx, op, id)
	if err != nil {
		return err
	}
	now := s.now()
	rec.Deleted = true
	rec.UpdatedAt = now
	entry := s.audit(types.OpDelete, rec.ID, operator, now, map[string]any{"soft": true})
	if err := s.store.Apply(ctx, store.Change{Record: rec, Audit: entry}); err != nil {
		return s.storeErr(op, id, err)
	}
	s.logger.Info("memory deleted", "id", id, "operator", entry.Operator)
	return nil
}

// Restore undoes a soft delete, keeping content and creation time.
func (s *Service) Restore(ctx context.Context, id string, operator types.Operator) (types.MemoryRecord, error) {
	const op = "restore memory"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, op, id)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	if !rec.Deleted {
		return types.MemoryRecord{}, apperr.NotFound(op, "no deleted memory %s", id)
	}
	now := s.now()
	rec.Deleted = false
	rec.UpdatedAt = now
	entry := s.audit(types.OpRestore, rec.ID, operator, now, nil)
	if err := s.store.Apply(ctx, store.Change{Record: rec, Audit: entry}); err != nil {
		return types.MemoryRecord{}, s.storeErr(op, id, err)
	}
	s.logger.Info("memory restored", "id", id, "operator", entry.Operator)
	return rec, nil
}

// Archive moves a short-term record into the long-term tier.
func (s *Service) Archive(ctx context.Context, id string, operator types.Operator) (types.MemoryRecord, error) {
	const op = "archive memory"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLive(ctx, op, id)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	if rec.Tier != types.TierShortTerm {
		return types.MemoryRecord{}, apperr.Validation(op, "memory %s is %s, only short_term can be archived", id, rec.Tier)
	}
	now := s.now()
	ch := s.archiveChange(rec, operator, now)
	if err := s.store.Apply(ctx, ch); err != nil {
		return types.MemoryRecord{}, s.storeErr(op, id, err)
	}
	return ch.Record, nil
}

// ArchiveOlderThan archives every live short-term record older than age in a
// single transaction and returns how many were moved.
func (s *Service) ArchiveOlderThan(ctx context.Context, age time.Duration, operator types.Operator) (int, error) {
	const op = "archive old memories"
	if age <= 0 {
		return 0, apperr.Validation(op, "age must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	items, err := s.store.ListArchivable(ctx, now.Add(-age))
	if err != nil {
		return 0, apperr.Storage(op, err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	changes := make([]store.Change, 0, len(items))
	for _, rec := range items {
		changes = append(changes, s.archiveChange(rec, operator, now))
	}
	if err := s.store.Apply(ctx, changes...); err != nil {
		return 0, apperr.Storage(op, err)
	}
	return len(changes), nil
}

func (s *Service) archiveChange(rec types.MemoryRecord, operator types.Operator, now time.Time) store.Change {
	rec.Tier = types.TierLongTerm
	rec.UpdatedAt = now
	archivedAt := now
	rec.ArchivedAt = &archivedAt
	return store.Change{
		Record: rec,
		Audit: s.audit(types.OpArchive, rec.ID, operator, now, map[string]any{
			"from": types.TierShortTerm,
			"to":   types.TierLongTerm,
		}),
	}
}

// Merge folds the source records into the target. Sources are soft-deleted,
// their tags are unioned into the target and the target keeps the highest
// importance. Every touched record gets its own merge audit entry.
func (s *Service) Merge(ctx context.Context, in types.MergeInput) (types.MemoryRecord, error) {
	const op = "merge memories"
	if strings.TrimSpace(in.TargetID) == "" {
		return types.MemoryRecord{}, apperr.Validation(op, "target_id is required")
	}
	if len(in.SourceIDs) == 0 {
		return types.MemoryRecord{}, apperr.Validation(op, "source_ids must not be empty")
	}
	seen := map[string]struct{}{in.TargetID: {}}
	for _, id := range in.SourceIDs {
		if _, dup := seen[id]; dup {
			return types.MemoryRecord{}, apperr.Validation(op, "memory %s listed more than once", id)
		}
		seen[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.loadLive(ctx, op, in.TargetID)
	if err != nil {
		return types.MemoryRecord{}, err
	}
	sources := make([]types.MemoryRecord, 0, len(in.SourceIDs))
	for _, id := range in.SourceIDs {
		src, err := s.loadLive(ctx, op, id)
		if err != nil {
			return types.MemoryRecord{}, err
		}
		sources = append(sources, src)
	}

	now := s.now()
	parts := []string{target.Content}
	tags := append([]string{}, target.Tags...)
	for _, src := range sources {
		parts = append(parts, src.Content)
		tags = append(tags, src.Tags...)
		if src.Importance > target.Importance {
			target.Importance = src.Importance
		}
	}
	if content := strings.TrimSpace(in.Content); content != "" {
		target.Content = content
	} else {
		target.Content = strings.Join(parts, "\n")
	}
	target.Tags = normalizeTags(tags)
	target.UpdatedAt = now

	changes := make([]store.Change, 0, len(sources)+1)
	changes = append(changes, store.Change{
		Record: target,
		Audit:  s.audit(types.OpMerge, target.ID, in.Operator, now, map[string]any{"source_ids": in.SourceIDs}),
	})
	for _, src := range sources {
		src.Deleted = true
		src.UpdatedAt = now
		changes = append(changes, store.Change{
			Record: src,
			Audit:  s.audit(types.OpMerge, src.ID, in.Operator, now, map[string]any{"merged_into": target.ID}),
		})
	}
	if err := s.store.Apply(ctx, changes...); err != nil {
		return types.MemoryRecord{}, s.storeErr(op, target.ID, err)
	}
	s.logger.Info("memories merged", "target", target.ID, "sources", len(sources))
	return target, nil
}

// Statistics summarizes the store.
func (s *Service) Statistics(ctx context.Context) (types.MemoryStats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return types.MemoryStats{}, apperr.Storage("memory statistics", err)
	}
	return st, nil
}

// AuditLog returns audit entries newest first; an empty id lists all records.
func (s *Service) AuditLog(ctx context.Context, memoryID string, limit int) ([]types.AuditLogEntry, error) {
	items, err := s.store.AuditLog(ctx, memoryID, limit)
	if err != nil {
		return nil, apperr.Storage("audit log", err)
	}
	return items, nil
}

func (s *Service) load(ctx context.Context, op, id string) (types.MemoryRecord, error) {
	if strings.TrimSpace(id) == "" {
		return types.MemoryRecord{}, apperr.Validation(op, "id is required")
	}
	rec, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return types.MemoryRecord{}, s.storeErr(op, id, err)
	}
	return rec, nil
}

func (s *Service) loadLive(ctx context.Context, op, id string) (types.MemoryRecord, error) {
	rec, err := s.load(ctx, op, id)
	if err != nil {
		return rec, err
	}
	if rec.Deleted {
		return types.MemoryRecord{}, apperr.NotFound(op, "memory %s not found", id)
	}
	return rec, nil
}

func (s *Service) storeErr(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(op, "memory %s not found", id)
	}
	return apperr.Storage(op, err)
}

func (s *Service) audit(operation types.Operation, id string, operator types.Operator, now time.Time, details map[string]any) types.AuditLogEntry {
	if operator == "" {
		operator = types.OperatorAPI
	}
	raw := json.RawMessage(`{}`)
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			raw = b
		}
	}
	return types.AuditLogEntry{
		Operation: operation,
		MemoryID:  id,
		Operator:  operator,
		Details:   raw,
		Timestamp: now,
	}
}

func validateImportance(op string, importance int) error {
	if importance < types.MinImportance || importance > types.MaxImportance {
		return apperr.Validation(op, "importance %d outside [%d,%d]", importance, types.MinImportance, types.MaxImportance)
	}
	return nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
