package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/dedup"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
)

// fakeAuditWriter keeps entries by ID, matching the conditional-insert
// behavior of the real audit repository.
type fakeAuditWriter struct {
	entries  map[string]*database.AuditEntry
	failNext error
}

func newFakeAuditWriter() *fakeAuditWriter {
	return &fakeAuditWriter{entries: make(map[string]*database.AuditEntry)}
}

func (f *fakeAuditWriter) Append(ctx context.Context, entry *database.AuditEntry) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	if _, exists := f.entries[entry.ID]; !exists {
		f.entries[entry.ID] = entry
	}
	return nil
}

func (f *fakeAuditWriter) countForEvent(eventID string) int {
	count := 0
	for _, entry := range f.entries {
		if entry.EventID == eventID && entry.EntryType == database.AuditEntryTypeRegulatoryEvent {
			count++
		}
	}
	return count
}

// fakeRuleStates mirrors the last-write-wins reconciliation of the real
// rule state repository.
type fakeRuleStates struct {
	states   map[string]*fakeRuleState
	failNext error
}

type fakeRuleState struct {
	changeType    string
	lastChangedAt time.Time
	active        bool
}

func newFakeRuleStates() *fakeRuleStates {
	return &fakeRuleStates{states: make(map[string]*fakeRuleState)}
}

func (f *fakeRuleStates) Apply(ctx context.Context, ruleID, eventID, changeType string, changedAt time.Time, active bool) (bool, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return false, err
	}

	current, exists := f.states[ruleID]
	if exists && changedAt.Before(current.lastChangedAt) {
		return false, nil
	}

	f.states[ruleID] = &fakeRuleState{
		changeType:    changeType,
		lastChangedAt: changedAt,
		active:        active,
	}
	return true, nil
}

type fakeInvalidator struct {
	calls []string
}

func (f *fakeInvalidator) MarkStale(ctx context.Context, jurisdiction string, changedAt time.Time) (int64, error) {
	f.calls = append(f.calls, jurisdiction)
	return 1, nil
}

type processorFixture struct {
	processor   *Processor
	dedupStore  *dedup.MemoryStore
	audit       *fakeAuditWriter
	ruleStates  *fakeRuleStates
	invalidator *fakeInvalidator
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	logger := zap.NewNop()
	registry := regulatory.NewRegistry(config.RegulationsConfig{
		EnabledJurisdictions: []string{"US_FEDERAL", "EU_CENTRAL", "UK_FCA", "APAC_MAS"},
	}, logger)

	fixture := &processorFixture{
		dedupStore:  dedup.NewMemoryStore(time.Hour),
		audit:       newFakeAuditWriter(),
		ruleStates:  newFakeRuleStates(),
		invalidator: &fakeInvalidator{},
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	fixture.processor = NewProcessor(logger, fixture.dedupStore, fixture.audit,
		fixture.ruleStates, fixture.invalidator, registry, collector)

	return fixture
}

func mustEvent(t *testing.T, eventID, ruleID, changeType string, ts time.Time) *RegulatoryEvent {
	t.Helper()
	evt, err := NewRegulatoryEvent(eventID, ruleID, changeType, ts)
	require.NoError(t, err)
	return evt
}

func TestProcessorAppliesEvent(t *testing.T) {
	fixture := newProcessorFixture(t)
	ts := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	evt := mustEvent(t, "EVT_100", "EU-CRR-ART92", "UPDATED", ts)
	require.NoError(t, fixture.processor.Process(context.Background(), evt))

	assert.Equal(t, 1, fixture.audit.countForEvent("EVT_100"))

	state := fixture.ruleStates.states["EU-CRR-ART92"]
	require.NotNil(t, state)
	assert.Equal(t, "UPDATED", state.changeType)
	assert.True(t, state.active)

	// Catalogued rule invalidates only its own jurisdiction
	assert.Equal(t, []string{"EU_CENTRAL"}, fixture.invalidator.calls)
}

func TestProcessorDuplicateDelivery(t *testing.T) {
	fixture := newProcessorFixture(t)
	ts := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	evt := mustEvent(t, "EVT_110", "US-BSA-CTR", "ACTIVATED", ts)

	require.NoError(t, fixture.processor.Process(context.Background(), evt))
	require.NoError(t, fixture.processor.Process(context.Background(), evt))
	require.NoError(t, fixture.processor.Process(context.Background(), evt))

	assert.Equal(t, 1, fixture.audit.countForEvent("EVT_110"))
	assert.Len(t, fixture.invalidator.calls, 1)
}

func TestProcessorInvalidEventIsPermanent(t *testing.T) {
	fixture := newProcessorFixture(t)

	evt := &RegulatoryEvent{EventID: "EVT_120", RuleID: "", ChangeType: "UPDATED", Timestamp: time.Now()}
	err := fixture.processor.Process(context.Background(), evt)
	require.Error(t, err)

	var permErr *PermanentError
	require.True(t, errors.As(err, &permErr))

	var invalidErr *InvalidEventError
	assert.True(t, errors.As(err, &invalidErr))
	assert.Empty(t, fixture.audit.entries)
}

func TestProcessorReleasesClaimOnFailure(t *testing.T) {
	fixture := newProcessorFixture(t)
	ts := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	evt := mustEvent(t, "EVT_130", "US-SOX-404", "UPDATED", ts)

	fixture.ruleStates.failNext = errors.New("connection reset")
	err := fixture.processor.Process(context.Background(), evt)
	require.Error(t, err)

	var permErr *PermanentError
	assert.False(t, errors.As(err, &permErr), "transient failures must stay retryable")

	// Redelivery succeeds because the dedup claim was released, and the
	// deterministic audit ID keeps the trail at one entry
	require.NoError(t, fixture.processor.Process(context.Background(), evt))
	assert.Equal(t, 1, fixture.audit.countForEvent("EVT_130"))
	assert.NotNil(t, fixture.ruleStates.states["US-SOX-404"])
}

func TestProcessorOrderInvariance(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	created := mustEvent(t, "EVT_140", "UK-SMCR-COND", "CREATED", base)
	updated := mustEvent(t, "EVT_141", "UK-SMCR-COND", "UPDATED", base.Add(time.Hour))
	deactivated := mustEvent(t, "EVT_142", "UK-SMCR-COND", "DEACTIVATED", base.Add(2*time.Hour))

	orderings := [][]*RegulatoryEvent{
		{created, updated, deactivated},
		{deactivated, updated, created},
		{updated, deactivated, created},
	}

	for _, ordering := range orderings {
		fixture := newProcessorFixture(t)
		for _, evt := range ordering {
			require.NoError(t, fixture.processor.Process(context.Background(), evt))
		}

		state := fixture.ruleStates.states["UK-SMCR-COND"]
		require.NotNil(t, state)
		assert.Equal(t, "DEACTIVATED", state.changeType, "latest change must win regardless of delivery order")
		assert.False(t, state.active)
	}
}

func TestProcessorDeletedSkipsInvalidation(t *testing.T) {
	fixture := newProcessorFixture(t)
	ts := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	evt := mustEvent(t, "EVT_150", "SG-MAS-626", "DELETED", ts)
	require.NoError(t, fixture.processor.Process(context.Background(), evt))

	assert.Empty(t, fixture.invalidator.calls)
	assert.Equal(t, 1, fixture.audit.countForEvent("EVT_150"))

	state := fixture.ruleStates.states["SG-MAS-626"]
	require.NotNil(t, state)
	assert.False(t, state.active)
}

func TestProcessorUncataloguedRuleInvalidatesAllJurisdictions(t *testing.T) {
	fixture := newProcessorFixture(t)
	ts := time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)

	evt := mustEvent(t, "EVT_160", "UNKNOWN-RULE-99", "UPDATED", ts)
	require.NoError(t, fixture.processor.Process(context.Background(), evt))

	assert.Len(t, fixture.invalidator.calls, 4)
}
