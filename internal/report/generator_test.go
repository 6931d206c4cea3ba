package report

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
)

// fakeReportStore implements Store in memory with the same compare-and-swap
// status semantics as the real repository.
type fakeReportStore struct {
	mu      sync.Mutex
	records map[string]*database.ReportRecord
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{records: make(map[string]*database.ReportRecord)}
}

func (f *fakeReportStore) Create(ctx context.Context, record *database.ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *record
	f.records[record.ReportID] = &clone
	return nil
}

func (f *fakeReportStore) GetByID(ctx context.Context, reportID string) (*database.ReportRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, exists := f.records[reportID]
	if !exists {
		return nil, database.ErrReportNotFound
	}
	clone := *record
	return &clone, nil
}

func (f *fakeReportStore) UpdateStatus(ctx context.Context, reportID, fromStatus, toStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, exists := f.records[reportID]
	if !exists {
		return database.ErrReportNotFound
	}
	if record.Status != fromStatus {
		return database.ErrStatusConflict
	}
	record.Status = toStatus
	return nil
}

func (f *fakeReportStore) Complete(ctx context.Context, reportID, status string, content []byte, failureCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, exists := f.records[reportID]
	if !exists {
		return database.ErrReportNotFound
	}
	record.Status = status
	record.Content = content
	record.FailureCode = failureCode
	now := time.Now().UTC()
	record.CompletedAt = &now
	return nil
}

type fakeDataSource struct {
	mu       sync.Mutex
	failures int
	calls    int
	delay    time.Duration
}

func (f *fakeDataSource) Aggregate(ctx context.Context, jurisdiction string, period Period) (*AggregateResult, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	failures := f.failures
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if calls <= failures {
		return nil, errors.New("data source unavailable")
	}

	return &AggregateResult{
		Jurisdiction: jurisdiction,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		ApplicableRules: []AggregateRule{
			{RuleID: "EU-CRR-ART92", Name: "Own Funds", Framework: "BASEL_III"},
		},
		Summary: map[string]int{"applicable_rules": 1},
	}, nil
}

type generatorFixture struct {
	generator *Generator
	store     *fakeReportStore
	source    *fakeDataSource
	audit     *recordingAuditWriter
}

type recordingAuditWriter struct {
	mu      sync.Mutex
	entries []*database.AuditEntry
	fail    bool
}

func (r *recordingAuditWriter) Append(ctx context.Context, entry *database.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("audit trail unavailable")
	}
	r.entries = append(r.entries, entry)
	return nil
}

func newGeneratorFixture(t *testing.T, mutate func(*config.ReportingConfig)) *generatorFixture {
	t.Helper()

	cfg := config.ReportingConfig{
		MaxConcurrent:     2,
		GenerationTimeout: 5 * time.Second,
		EnableAsync:       false,
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
		DefaultFormat:     FormatJSON,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	registry := regulatory.NewRegistry(config.RegulationsConfig{
		EnabledJurisdictions: []string{"US_FEDERAL", "EU_CENTRAL", "UK_FCA", "APAC_MAS"},
	}, logger)

	fixture := &generatorFixture{
		store:  newFakeReportStore(),
		source: &fakeDataSource{},
		audit:  &recordingAuditWriter{},
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	fixture.generator = NewGenerator(cfg, logger, fixture.store, fixture.audit,
		fixture.source, nil, registry, collector)

	return fixture
}

func validRequest() *Request {
	return &Request{
		ReportName:   "Q1 Basel III Capital Adequacy Report",
		ReportType:   "REGULATORY_CAPITAL",
		StartDate:    "2026-01-01",
		EndDate:      "2026-03-31",
		Jurisdiction: "EU_CENTRAL",
		RequestedBy:  "compliance-officer",
	}
}

func TestGenerateValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"BlankName", func(r *Request) { r.ReportName = "" }, "report_name"},
		{"UnsupportedType", func(r *Request) { r.ReportType = "QUARTERLY" }, "report_type"},
		{"ShortJurisdiction", func(r *Request) { r.Jurisdiction = "X" }, "jurisdiction"},
		{"UnknownJurisdiction", func(r *Request) { r.Jurisdiction = "MARS_COLONY" }, "jurisdiction"},
		{"MalformedStartDate", func(r *Request) { r.StartDate = "01/01/2026" }, "start_date"},
		{"MalformedEndDate", func(r *Request) { r.EndDate = "2026-13-45" }, "end_date"},
		{"StartAfterEnd", func(r *Request) { r.StartDate = "2026-06-01"; r.EndDate = "2026-01-01" }, "start_date"},
		{"UnsupportedFormat", func(r *Request) { r.Parameters = map[string]string{"output_format": "docx"} }, "parameters.output_format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newGeneratorFixture(t, nil)
			req := validRequest()
			tc.mutate(req)

			_, err := fixture.generator.Generate(context.Background(), req)
			require.Error(t, err)

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr), "expected ValidationError, got %T", err)
			assert.Equal(t, tc.field, validationErr.Field)

			// Validation failures must not create report records
			assert.Empty(t, fixture.store.records)
			assert.Empty(t, fixture.audit.entries)
		})
	}
}

func TestGenerateSynchronous(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, response.ReportID)
	assert.Equal(t, StatusDraft, response.ReportStatus)
	assert.Equal(t, "compliance-officer", response.GeneratedBy)
	assert.NotEmpty(t, response.ReportContent)
	assert.Empty(t, response.FailureCode)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(response.ReportContent, &decoded))
	assert.Equal(t, "EU_CENTRAL", decoded["jurisdiction"])

	// One generation audit entry
	require.Len(t, fixture.audit.entries, 1)
	assert.Equal(t, database.AuditEntryTypeReportGeneration, fixture.audit.entries[0].EntryType)
	assert.Equal(t, "generated", fixture.audit.entries[0].Action)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)
	fixture.source.failures = 2

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, response.ReportStatus)
	assert.Equal(t, 3, fixture.source.calls)
}

func TestGenerateFailsWithoutPartialContent(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)
	fixture.source.failures = 10 // beyond the retry budget

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, response.ReportStatus)
	assert.Equal(t, FailureCodeDataSourceUnavailable, response.FailureCode)
	assert.Empty(t, response.ReportContent, "failed reports must carry no partial content")
}

func TestGenerateTimesOut(t *testing.T) {
	fixture := newGeneratorFixture(t, func(cfg *config.ReportingConfig) {
		cfg.GenerationTimeout = 50 * time.Millisecond
		cfg.MaxRetries = 0
	})
	fixture.source.delay = time.Second

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, response.ReportStatus)
	assert.Equal(t, FailureCodeGenerationTimeout, response.FailureCode)
	assert.Empty(t, response.ReportContent)
}

func TestGenerateAuditFailureFailsReport(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)
	fixture.audit.fail = true

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, response.ReportStatus)
	assert.Equal(t, FailureCodeAuditUnavailable, response.FailureCode)
	assert.Empty(t, response.ReportContent)
}

func TestGenerateAsyncReturnsInProgress(t *testing.T) {
	fixture := newGeneratorFixture(t, func(cfg *config.ReportingConfig) {
		cfg.EnableAsync = true
	})

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, response.ReportID)
	assert.Equal(t, StatusInProgress, response.ReportStatus)
	assert.Empty(t, response.ReportContent)

	// Content generation completes in the background
	require.Eventually(t, func() bool {
		record, err := fixture.store.GetByID(context.Background(), response.ReportID)
		return err == nil && record.Status == string(StatusDraft) && len(record.Content) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransitionLifecycle(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	reportID := response.ReportID

	t.Run("FullApprovalPath", func(t *testing.T) {
		for _, to := range []Status{StatusPendingReview, StatusApproved, StatusSubmitted, StatusArchived} {
			result, err := fixture.generator.Transition(context.Background(), reportID, to, "reviewer")
			require.NoError(t, err)
			assert.Equal(t, to, result.ReportStatus)
		}
	})

	t.Run("TerminalStateRejectsFurtherTransitions", func(t *testing.T) {
		_, err := fixture.generator.Transition(context.Background(), reportID, StatusDraft, "reviewer")
		require.Error(t, err)

		var validationErr *ValidationError
		assert.True(t, errors.As(err, &validationErr))
	})
}

func TestTransitionRejection(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = fixture.generator.Transition(context.Background(), response.ReportID, StatusPendingReview, "reviewer")
	require.NoError(t, err)

	rejected, err := fixture.generator.Transition(context.Background(), response.ReportID, StatusRejected, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.ReportStatus)

	// A rejected report re-enters the lifecycle only through a new request
	_, err = fixture.generator.Transition(context.Background(), response.ReportID, StatusPendingReview, "reviewer")
	require.Error(t, err)
}

func TestTransitionSkippingReviewIsIllegal(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = fixture.generator.Transition(context.Background(), response.ReportID, StatusSubmitted, "reviewer")
	require.Error(t, err)

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "status", validationErr.Field)
}

func TestTransitionAuditFailureLeavesStatusUntouched(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)

	response, err := fixture.generator.Generate(context.Background(), validRequest())
	require.NoError(t, err)

	fixture.audit.fail = true
	_, err = fixture.generator.Transition(context.Background(), response.ReportID, StatusPendingReview, "reviewer")
	require.Error(t, err)

	// No status change may exist without its audit record
	record, err := fixture.store.GetByID(context.Background(), response.ReportID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusDraft), record.Status)

	// The retry appends the same deterministic entry and completes the swap
	fixture.audit.fail = false
	result, err := fixture.generator.Transition(context.Background(), response.ReportID, StatusPendingReview, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, result.ReportStatus)

	var transitions []*database.AuditEntry
	for _, entry := range fixture.audit.entries {
		if entry.EntryType == database.AuditEntryTypeReportTransition {
			transitions = append(transitions, entry)
		}
	}
	require.Len(t, transitions, 1)
	assert.Equal(t, "AUDIT_TRANS_"+response.ReportID+"_DRAFT_PENDING_REVIEW", transitions[0].ID)
}

func TestTransitionUnknownReport(t *testing.T) {
	fixture := newGeneratorFixture(t, nil)

	_, err := fixture.generator.Transition(context.Background(), "missing-report", StatusPendingReview, "reviewer")
	assert.ErrorIs(t, err, database.ErrReportNotFound)
}

func TestGenerateRendersRequestedFormats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatCSV, FormatPDF, FormatExcel} {
		t.Run(format, func(t *testing.T) {
			fixture := newGeneratorFixture(t, nil)

			req := validRequest()
			req.Parameters = map[string]string{"output_format": format}

			response, err := fixture.generator.Generate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, StatusDraft, response.ReportStatus)
			assert.NotEmpty(t, response.ReportContent)
		})
	}
}
