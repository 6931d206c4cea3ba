package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// AuditRepository is the append-only audit trail writer. It exposes no
// update or delete operations; every regulatory event processed and every
// report status transition becomes one immutable row. A write failure must
// propagate to the caller so the triggering operation is never considered
// complete without its audit record.
type AuditRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// chainLockKey is the advisory lock key serializing audit chain appends
const chainLockKey = 0x41554449 // "AUDI"

// Append writes one audit entry, chaining its hash to the previous entry.
// Appends serialize on a transaction-scoped advisory lock: the lock is only
// granted after the previous holder commits, so the head read always sees the
// latest committed entry. Locking the head row itself is not enough under
// READ COMMITTED, because a waiter resumes with its original snapshot and
// would chain to the superseded head, forking the chain.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("failed to acquire audit chain lock: %w", err)
	}

	var prevHash string
	err = tx.GetContext(ctx, &prevHash,
		`SELECT entry_hash FROM audit_trail ORDER BY sequence DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		prevHash = genesisHash
	} else if err != nil {
		return fmt.Errorf("failed to read audit chain head: %w", err)
	}

	entry.RecordedAt = time.Now().UTC()
	entry.PrevHash = prevHash
	entry.EntryHash = computeEntryHash(entry)

	query := `
		INSERT INTO audit_trail (
			id, entry_type, event_id, rule_id, report_id, action, details,
			source_timestamp, recorded_at, prev_hash, entry_hash
		) VALUES (
			:id, :entry_type, :event_id, :rule_id, :report_id, :action, :details,
			:source_timestamp, :recorded_at, :prev_hash, :entry_hash
		)
		ON CONFLICT (id) DO NOTHING`

	if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}

	r.logger.Debug("Audit entry appended",
		zap.String("audit_id", entry.ID),
		zap.String("entry_type", entry.EntryType),
		zap.String("event_id", entry.EventID),
	)

	return nil
}

// List retrieves audit entries matching the filter, newest first
func (r *AuditRepository) List(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT * FROM audit_trail WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filter.EntryType != "" {
		query += fmt.Sprintf(" AND entry_type = $%d", argIndex)
		args = append(args, filter.EntryType)
		argIndex++
	}
	if filter.EventID != "" {
		query += fmt.Sprintf(" AND event_id = $%d", argIndex)
		args = append(args, filter.EventID)
		argIndex++
	}
	if filter.RuleID != "" {
		query += fmt.Sprintf(" AND rule_id = $%d", argIndex)
		args = append(args, filter.RuleID)
		argIndex++
	}
	if filter.ReportID != "" {
		query += fmt.Sprintf(" AND report_id = $%d", argIndex)
		args = append(args, filter.ReportID)
		argIndex++
	}
	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND recorded_at >= $%d", argIndex)
		args = append(args, *filter.StartTime)
		argIndex++
	}
	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND recorded_at <= $%d", argIndex)
		args = append(args, *filter.EndTime)
		argIndex++
	}
	if filter.SourceStart != nil {
		query += fmt.Sprintf(" AND source_timestamp >= $%d", argIndex)
		args = append(args, *filter.SourceStart)
		argIndex++
	}
	if filter.SourceEnd != nil {
		query += fmt.Sprintf(" AND source_timestamp < $%d", argIndex)
		args = append(args, *filter.SourceEnd)
		argIndex++
	}

	query += " ORDER BY sequence DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	var entries []*AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	return entries, nil
}

// CountByEventID returns how many audit entries reference an event ID
func (r *AuditRepository) CountByEventID(ctx context.Context, eventID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM audit_trail WHERE event_id = $1 AND entry_type = $2`,
		eventID, AuditEntryTypeRegulatoryEvent)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries for event %s: %w", eventID, err)
	}
	return count, nil
}

// Statistics aggregates entry counts by type and action over a time range
func (r *AuditRepository) Statistics(ctx context.Context, start, end *time.Time) (*AuditStatistics, error) {
	query := `SELECT entry_type, action, COUNT(*) AS count FROM audit_trail WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if start != nil {
		query += fmt.Sprintf(" AND recorded_at >= $%d", argIndex)
		args = append(args, *start)
		argIndex++
	}
	if end != nil {
		query += fmt.Sprintf(" AND recorded_at <= $%d", argIndex)
		args = append(args, *end)
	}

	query += " GROUP BY entry_type, action"

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit statistics: %w", err)
	}
	defer rows.Close()

	stats := &AuditStatistics{
		EntryTypeCounts: make(map[string]int),
		ActionCounts:    make(map[string]int),
		GeneratedAt:     time.Now().UTC(),
	}

	for rows.Next() {
		var entryType, action string
		var count int
		if err := rows.Scan(&entryType, &action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit statistics row: %w", err)
		}
		stats.TotalEntries += count
		stats.EntryTypeCounts[entryType] += count
		stats.ActionCounts[action] += count
	}

	return stats, rows.Err()
}

// VerifyChain walks the audit trail in sequence order and recomputes every
// entry hash, reporting the first entry at which the chain is broken.
func (r *AuditRepository) VerifyChain(ctx context.Context) (*ChainVerification, error) {
	var entries []*AuditEntry
	if err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_trail ORDER BY sequence ASC`); err != nil {
		return nil, fmt.Errorf("failed to load audit trail for verification: %w", err)
	}

	return verifyEntries(entries), nil
}

// verifyEntries walks entries in sequence order and recomputes the hash chain
func verifyEntries(entries []*AuditEntry) *ChainVerification {
	result := &ChainVerification{Valid: true, EntriesChecked: len(entries)}
	prevHash := genesisHash

	for _, entry := range entries {
		if entry.PrevHash != prevHash {
			result.Valid = false
			result.BrokenAtSequence = entry.Sequence
			return result
		}
		if computeEntryHash(entry) != entry.EntryHash {
			result.Valid = false
			result.BrokenAtSequence = entry.Sequence
			return result
		}
		prevHash = entry.EntryHash
	}

	return result
}

// AuditStatistics summarizes the audit trail over a time range
type AuditStatistics struct {
	TotalEntries    int            `json:"total_entries"`
	EntryTypeCounts map[string]int `json:"entry_type_counts"`
	ActionCounts    map[string]int `json:"action_counts"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// ChainVerification is the outcome of an audit chain integrity walk
type ChainVerification struct {
	Valid            bool  `json:"valid"`
	EntriesChecked   int   `json:"entries_checked"`
	BrokenAtSequence int64 `json:"broken_at_sequence,omitempty"`
}

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

func computeEntryHash(entry *AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d|%d|%s",
		entry.PrevHash,
		entry.ID,
		entry.EntryType,
		entry.EventID,
		entry.RuleID,
		entry.ReportID,
		entry.SourceTimestamp.UTC().UnixNano(),
		entry.RecordedAt.UTC().UnixNano(),
		entry.Action,
	)
	return hex.EncodeToString(h.Sum(nil))
}
