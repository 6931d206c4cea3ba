package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrReportNotFound is returned when a report ID does not exist
var ErrReportNotFound = errors.New("report not found")

// ErrStatusConflict is returned when a status transition loses a
// compare-and-swap against the stored status.
var ErrStatusConflict = errors.New("report status changed concurrently")

// ReportRepository persists generated regulatory reports
type ReportRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *sqlx.DB, logger *zap.Logger) *ReportRepository {
	return &ReportRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a newly generated report
func (r *ReportRepository) Create(ctx context.Context, record *ReportRecord) error {
	query := `
		INSERT INTO reports (
			report_id, report_name, report_type, jurisdiction,
			period_start, period_end, status, output_format, content,
			failure_code, stale, generated_at, generated_by, updated_at
		) VALUES (
			:report_id, :report_name, :report_type, :jurisdiction,
			:period_start, :period_end, :status, :output_format, :content,
			:failure_code, :stale, :generated_at, :generated_by, :updated_at
		)`

	record.UpdatedAt = time.Now().UTC()

	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to create report %s: %w", record.ReportID, err)
	}

	r.logger.Info("Report persisted",
		zap.String("report_id", record.ReportID),
		zap.String("report_name", record.ReportName),
		zap.String("status", record.Status),
	)

	return nil
}

// GetByID retrieves a report by ID
func (r *ReportRepository) GetByID(ctx context.Context, reportID string) (*ReportRecord, error) {
	var record ReportRecord
	err := r.db.GetContext(ctx, &record,
		`SELECT * FROM reports WHERE report_id = $1`, reportID)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", reportID, err)
	}

	return &record, nil
}

// UpdateStatus transitions a report from an expected status to a new one.
// The transition is a compare-and-swap: if the stored status no longer
// matches fromStatus the update is rejected with ErrStatusConflict, so two
// concurrent transitions cannot both win.
func (r *ReportRepository) UpdateStatus(ctx context.Context, reportID, fromStatus, toStatus string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reports SET status = $1, updated_at = $2 WHERE report_id = $3 AND status = $4`,
		toStatus, time.Now().UTC(), reportID, fromStatus)
	if err != nil {
		return fmt.Errorf("failed to update status of report %s: %w", reportID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, getErr := r.GetByID(ctx, reportID); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}

	r.logger.Info("Report status updated",
		zap.String("report_id", reportID),
		zap.String("from", fromStatus),
		zap.String("to", toStatus),
	)

	return nil
}

// Complete stores the rendered content and final status of a report.
// Content and terminal metadata are written in one statement so a failed
// generation can never leave partial content behind.
func (r *ReportRepository) Complete(ctx context.Context, reportID, status string, content []byte, failureCode string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE reports SET status = $1, content = $2, failure_code = $3, completed_at = $4, updated_at = $4
		 WHERE report_id = $5`,
		status, content, failureCode, now, reportID)
	if err != nil {
		return fmt.Errorf("failed to complete report %s: %w", reportID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrReportNotFound
	}

	return nil
}

// MarkStale flags standing reports in a jurisdiction whose reporting period
// can be affected by a rule change at the given time. Terminal reports are
// left untouched.
func (r *ReportRepository) MarkStale(ctx context.Context, jurisdiction string, changedAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reports SET stale = TRUE, updated_at = $1
		 WHERE jurisdiction = $2
		   AND period_end >= $3
		   AND status NOT IN ('ARCHIVED', 'FAILED', 'REJECTED')
		   AND stale = FALSE`,
		time.Now().UTC(), jurisdiction, changedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to mark reports stale for jurisdiction %s: %w", jurisdiction, err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if count > 0 {
		r.logger.Info("Standing reports marked stale",
			zap.String("jurisdiction", jurisdiction),
			zap.Int64("count", count),
			zap.Time("changed_at", changedAt),
		)
	}

	return count, nil
}

// List retrieves reports filtered by jurisdiction and/or status
func (r *ReportRepository) List(ctx context.Context, jurisdiction, status string, limit, offset int) ([]*ReportRecord, error) {
	query := `SELECT * FROM reports WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if jurisdiction != "" {
		query += fmt.Sprintf(" AND jurisdiction = $%d", argIndex)
		args = append(args, jurisdiction)
		argIndex++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	query += " ORDER BY generated_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, limit)
		argIndex++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, offset)
	}

	var records []*ReportRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	return records, nil
}
