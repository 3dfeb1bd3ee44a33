package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/agent-core/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a memory id has no row.
var ErrNotFound = errors.New("memory not found")

// Change is one record mutation plus the audit entry describing it. Insert
// distinguishes a new row from an update of an existing one.
type Change struct {
	Record types.MemoryRecord
	Insert bool
	Audit  types.AuditLogEntry
}

// RequestLog captures one HTTP request handled by the server.
type RequestLog struct {
	ID         int64
	Method     string
	Path       string
	Status     int
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// Store represents persistence operations used by the memory service.
type Store interface {
	// Apply writes every change and its audit entry in one transaction.
	Apply(ctx context.Context, changes ...Change) error
	GetMemory(ctx context.Context, id string) (types.MemoryRecord, error)
	SearchMemories(ctx context.Context, filter types.SearchFilter) ([]types.MemoryRecord, error)
	ListArchivable(ctx context.Context, createdBefore time.Time) ([]types.MemoryRecord, error)
	Stats(ctx context.Context) (types.MemoryStats, error)
	AuditLog(ctx context.Context, memoryID string, limit int) ([]types.AuditLogEntry, error)
	Close() error
}

// SQLiteStore is a SQLite-backed memory store.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

// Apply persists all changes atomically. If any record or audit write fails
// the whole transaction is rolled back.
func (s *SQLiteStore) Apply(ctx context.Context, changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ch := range changes {
		if ch.Insert {
			err = insertMemory(ctx, tx, ch.Record)
		} else {
			err = updateMemory(ctx, tx, ch.Record)
		}
		if err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, ch.Audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func encodeRecord(rec types.MemoryRecord) (tags, meta string, archived sql.NullString, err error) {
	tagList := rec.Tags
	if tagList == nil {
		tagList = []string{}
	}
	tb, err := json.Marshal(tagList)
	if err != nil {
		return "", "", archived, fmt.Errorf("marshal tags: %w", err)
	}
	m := rec.Metadata
	if m == nil {
		m = map[string]any{}
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", archived, fmt.Errorf("marshal metadata: %w", err)
	}
	if rec.ArchivedAt != nil {
		archived = sql.NullString{String: formatTime(*rec.ArchivedAt), Valid: true}
	}
	return string(tb), string(mb), archived, nil
}

func insertMemory(ctx context.Context, tx *sql.Tx, rec types.MemoryRecord) error {
	tags, meta, archived, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	const q = `INSERT INTO memories (
		id, tier, content, importance, tags_json, metadata_json,
		created_at, updated_at, archived_at, deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		rec.ID,
		string(rec.Tier),
		rec.Content,
		rec.Importance,
		tags,
		meta,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		archived,
		boolToInt(rec.Deleted),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func updateMemory(ctx context.Context, tx *sql.Tx, rec types.MemoryRecord) error {
	tags, meta, archived, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	const q = `UPDATE memories
SET tier = ?, content = ?, importance = ?, tags_json = ?, metadata_json = ?,
    updated_at = ?, archived_at = ?, deleted = ?
WHERE id = ?`
	res, err := tx.ExecContext(ctx, q,
		string(rec.Tier),
		rec.Content,
		rec.Importance,
		tags,
		meta,
		formatTime(rec.UpdatedAt),
		archived,
		boolToInt(rec.Deleted),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry types.AuditLogEntry) error {
	details := string(entry.Details)
	if strings.TrimSpace(details) == "" {
		details = "{}"
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs (
		operation, memory_id, operator, details_json, timestamp
	) VALUES (?, ?, ?, ?, ?)`,
		string(entry.Operation),
		entry.MemoryID,
		string(entry.Operator),
		details,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

const memoryColumns = `id, tier, content, importance, tags_json, metadata_json,
       created_at, updated_at, archived_at, deleted`

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ? LIMIT 1`, id)
	rec, err := scanMemoryRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("get memory: %w", err)
	}
	return rec, nil
}

// SearchMemories filters by substring, tier, any-of tags and creation time.
// Results are ordered by importance then recency.
func (s *SQLiteStore) SearchMemories(ctx context.Context, f types.SearchFilter) ([]types.MemoryRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	base := `SELECT ` + memoryColumns + ` FROM memories m WHERE 1 = 1`
	args := make([]any, 0, 8)
	if !f.IncludeDeleted {
		base += " AND m.deleted = 0"
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		base += ` AND m.content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(q)+"%")
	}
	if f.Tier != "" {
		base += " AND m.tier = ?"
		args = append(args, string(f.Tier))
	}
	if len(f.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Tags)), ",")
		base += " AND EXISTS (SELECT 1 FROM json_each(m.tags_json) WHERE json_each.value IN (" + placeholders + "))"
		for _, tag := range f.Tags {
			args = append(args, tag)
		}
	}
	if !f.Since.IsZero() {
		base += " AND m.created_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	base += " ORDER BY m.importance DESC, m.created_at DESC LIMIT ?"
	args = append(args, limit)

	return s.queryMemories(ctx, base, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListArchivable returns live short-term records created before the cutoff.
func (s *SQLiteStore) ListArchivable(ctx context.Context, createdBefore time.Time) ([]types.MemoryRecord, error) {
	return s.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories
WHERE tier = ? AND deleted = 0 AND created_at < ?
ORDER BY created_at ASC`, string(types.TierShortTerm), formatTime(createdBefore))
}

func (s *SQLiteStore) queryMemories(ctx context.Context, q string, args ...any) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryRecord, 0)
	for rows.Next() {
		rec, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (types.MemoryStats, error) {
	st := types.MemoryStats{ByTier: map[types.Tier]int64{}}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE deleted = 0`).Scan(&st.Total); err != nil {
		return st, fmt.Errorf("count memories: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE deleted = 1`).Scan(&st.SoftDeleted); err != nil {
		return st, fmt.Errorf("count deleted memories: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_logs`).Scan(&st.AuditEntries); err != nil {
		return st, fmt.Errorf("count audit logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tier, count(*) FROM memories WHERE deleted = 0 GROUP BY tier`)
	if err != nil {
		return st, fmt.Errorf("count by tier: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tier string
			n    int64
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return st, fmt.Errorf("scan tier count: %w", err)
		}
		st.ByTier[types.Tier(tier)] = n
	}
	return st, rows.Err()
}

// AuditLog returns audit entries newest first. An empty memoryID lists the
// entries of every record.
func (s *SQLiteStore) AuditLog(ctx context.Context, memoryID string, limit int) ([]types.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, operation, memory_id, operator, details_json, timestamp FROM audit_logs`
	args := []any{}
	if memoryID != "" {
		q += " WHERE memory_id = ?"
		args = append(args, memoryID)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	items := make([]types.AuditLogEntry, 0, limit)
	for rows.Next() {
		var (
			entry     types.AuditLogEntry
			operation string
			operator  string
			details   string
			ts        string
		)
		if err := rows.Scan(&entry.ID, &operation, &entry.MemoryID, &operator, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entry.Operation = types.Operation(operation)
		entry.Operator = types.Operator(operator)
		entry.Details = json.RawMessage(details)
		if t, err := parseTime(ts); err == nil {
			entry.Timestamp = t
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// InsertRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertRequestLog(ctx context.Context, rec RequestLog) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO request_logs (
		method, path, status, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.Path),
		rec.Status,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// RecentRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentRequestLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, path, status, error_text, duration_ms, created_at
FROM request_logs
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	items := make([]RequestLog, 0, limit)
	for rows.Next() {
		var (
			row            RequestLog
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Method,
			&row.Path,
			&row.Status,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		if ts, err := parseTime(createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(sc scanner) (types.MemoryRecord, error) {
	var (
		rec                  types.MemoryRecord
		tier                 string
		tagsJSON, metaJSON   string
		createdAt, updatedAt string
		archivedAt           sql.NullString
		deleted              int
	)
	if err := sc.Scan(
		&rec.ID,
		&tier,
		&rec.Content,
		&rec.Importance,
		&tagsJSON,
		&metaJSON,
		&createdAt,
		&updatedAt,
		&archivedAt,
		&deleted,
	); err != nil {
		return rec, err
	}
	rec.Tier = types.Tier(tier)
	rec.Deleted = deleted == 1

	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil || rec.Tags == nil {
		rec.Tags = []string{}
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		rec.Metadata = map[string]any{}
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return rec, err
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = created
	rec.UpdatedAt = updated

	if archivedAt.Valid {
		if t, err := parseTime(archivedAt.String); err == nil {
			rec.ArchivedAt = &t
		}
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
