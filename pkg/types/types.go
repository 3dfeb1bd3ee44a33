package types

import (
	"encoding/json"
	"time"
)

// Tier classifies a memory record's retention policy.
type Tier string

const (
	TierPermanent Tier = "permanent"
	TierLongTerm  Tier = "long_term"
	TierShortTerm Tier = "short_term"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierPermanent, TierLongTerm, TierShortTerm:
		return true
	}
	return false
}

// Operation names one audited memory mutation.
type Operation string

const (
	OpWrite   Operation = "write"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpRestore Operation = "restore"
	OpArchive Operation = "archive"
	OpMerge   Operation = "merge"
)

// Operator identifies which subsystem initiated a memory mutation.
type Operator string

const (
	OperatorPrimary     Operator = "primary"
	OperatorMaintenance Operator = "maintenance"
	OperatorAPI         Operator = "api"
	OperatorSystem      Operator = "system"
)

const (
	MinImportance     = 1
	MaxImportance     = 5
	DefaultImportance = 3
)

// MemoryRecord represents one persisted memory item.
type MemoryRecord struct {
	ID         string         `json:"id"`
	Tier       Tier           `json:"tier"`
	Content    string         `json:"content"`
	Importance int            `json:"importance"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
	Deleted    bool           `json:"deleted"`
}

// AuditLogEntry is one append-only record of a memory mutation.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	Operation Operation       `json:"operation"`
	MemoryID  string          `json:"memory_id"`
	Operator  Operator        `json:"operator"`
	Details   json.RawMessage `json:"details"`
	Timestamp time.Time       `json:"timestamp"`
}

// WriteInput describes a new memory write operation.
type WriteInput struct {
	Tier       Tier           `json:"tier,omitempty"`
	Content    string         `json:"content"`
	Importance *int           `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Operator   Operator       `json:"-"`
}

// UpdateInput changes selected fields of an existing record. Nil fields are left untouched.
type UpdateInput struct {
	ID         string    `json:"id"`
	Content    *string   `json:"content,omitempty"`
	Importance *int      `json:"importance,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Operator   Operator  `json:"-"`
}

// SearchFilter is used for search operations.
type SearchFilter struct {
	Query          string    `json:"query,omitempty"`
	Tier           Tier      `json:"tier,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Since          time.Time `json:"since,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	IncludeDeleted bool      `json:"include_deleted,omitempty"`
}

// MergeInput folds several records into a target record.
type MergeInput struct {
	TargetID  string   `json:"target_id"`
	SourceIDs []string `json:"source_ids"`
	Content   string   `json:"content"`
	Operator  Operator `json:"-"`
}

// MemoryStats summarizes the memory store.
type MemoryStats struct {
	Total        int64          `json:"total"`
	ByTier       map[Tier]int64 `json:"by_tier"`
	SoftDeleted  int64          `json:"soft_deleted"`
	AuditEntries int64          `json:"audit_entries"`
}
