package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegulatoryEvent(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	t.Run("ValidEvent", func(t *testing.T) {
		evt, err := NewRegulatoryEvent("EVT_001", "EU-CRR-ART92", "UPDATED", now)
		require.NoError(t, err)
		assert.Equal(t, "EVT_001", evt.EventID)
		assert.Equal(t, "EU-CRR-ART92", evt.RuleID)
		assert.Equal(t, ChangeTypeUpdated, evt.ChangeType)
		assert.Equal(t, now, evt.Timestamp)
	})

	t.Run("ChangeTypeCaseInsensitive", func(t *testing.T) {
		evt, err := NewRegulatoryEvent("EVT_002", "US-BSA-CTR", "deactivated", now)
		require.NoError(t, err)
		assert.Equal(t, ChangeTypeDeactivated, evt.ChangeType)
	})

	t.Run("TimestampNormalizedToUTC", func(t *testing.T) {
		est := time.FixedZone("EST", -5*3600)
		local := time.Date(2026, 3, 15, 5, 30, 0, 0, est)

		evt, err := NewRegulatoryEvent("EVT_003", "US-SOX-404", "CREATED", local)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, evt.Timestamp.Location())
		assert.True(t, evt.Timestamp.Equal(local))
	})

	t.Run("RejectsBlankFields", func(t *testing.T) {
		cases := []struct {
			name      string
			eventID   string
			ruleID    string
			change    string
			timestamp time.Time
			field     string
		}{
			{"BlankEventID", "  ", "RULE-1", "CREATED", now, "event_id"},
			{"BlankRuleID", "EVT_004", "", "CREATED", now, "rule_id"},
			{"BlankChangeType", "EVT_005", "RULE-1", "", now, "change_type"},
			{"ZeroTimestamp", "EVT_006", "RULE-1", "CREATED", time.Time{}, "timestamp"},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := NewRegulatoryEvent(tc.eventID, tc.ruleID, tc.change, tc.timestamp)
				require.Error(t, err)

				invalidErr, ok := err.(*InvalidEventError)
				require.True(t, ok, "expected InvalidEventError, got %T", err)
				assert.Equal(t, tc.field, invalidErr.Field)
			})
		}
	})

	t.Run("RejectsUnknownChangeType", func(t *testing.T) {
		_, err := NewRegulatoryEvent("EVT_007", "RULE-1", "MODIFIED", now)
		require.Error(t, err)

		invalidErr, ok := err.(*InvalidEventError)
		require.True(t, ok)
		assert.Equal(t, "change_type", invalidErr.Field)
	})
}

func TestRegulatoryEventJSONRoundTrip(t *testing.T) {
	original, err := NewRegulatoryEvent("EVT_010", "UK-SMCR-COND", "ACTIVATED",
		time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded RegulatoryEvent
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.True(t, original.Equal(&decoded))
	assert.NoError(t, decoded.Validate())
}

func TestRegulatoryEventEqual(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := NewRegulatoryEvent("EVT_020", "RULE-A", "CREATED", ts)
	require.NoError(t, err)

	t.Run("EqualTimestampsInDifferentZones", func(t *testing.T) {
		b := *a
		b.Timestamp = ts.In(time.FixedZone("CET", 3600))
		assert.True(t, a.Equal(&b))
	})

	t.Run("DifferentEventID", func(t *testing.T) {
		b := *a
		b.EventID = "EVT_021"
		assert.False(t, a.Equal(&b))
	})

	t.Run("NilComparison", func(t *testing.T) {
		var nilEvent *RegulatoryEvent
		assert.False(t, a.Equal(nil))
		assert.True(t, nilEvent.Equal(nil))
	})
}

func TestTriggersReportInvalidation(t *testing.T) {
	ts := time.Now().UTC()

	affecting := []string{"CREATED", "UPDATED", "ACTIVATED", "DEACTIVATED"}
	for _, change := range affecting {
		evt, err := NewRegulatoryEvent("EVT_030", "RULE-A", change, ts)
		require.NoError(t, err)
		assert.True(t, evt.TriggersReportInvalidation(), "change type %s should invalidate reports", change)
	}

	deleted, err := NewRegulatoryEvent("EVT_031", "RULE-A", "DELETED", ts)
	require.NoError(t, err)
	assert.False(t, deleted.TriggersReportInvalidation())
}

func TestDeriveEventID(t *testing.T) {
	ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	t.Run("Deterministic", func(t *testing.T) {
		first := DeriveEventID("EU-AMLD5-ART13", "UPDATED", ts, "v3")
		second := DeriveEventID("EU-AMLD5-ART13", "UPDATED", ts, "v3")
		assert.Equal(t, first, second)
	})

	t.Run("CaseNormalized", func(t *testing.T) {
		upper := DeriveEventID("RULE-A", "UPDATED", ts, "v1")
		lower := DeriveEventID("RULE-A", "updated", ts, "v1")
		assert.Equal(t, upper, lower)
	})

	t.Run("DistinctChangesGetDistinctIDs", func(t *testing.T) {
		assert.NotEqual(t,
			DeriveEventID("RULE-A", "UPDATED", ts, "v1"),
			DeriveEventID("RULE-A", "UPDATED", ts, "v2"))
		assert.NotEqual(t,
			DeriveEventID("RULE-A", "UPDATED", ts, "v1"),
			DeriveEventID("RULE-B", "UPDATED", ts, "v1"))
		assert.NotEqual(t,
			DeriveEventID("RULE-A", "UPDATED", ts, "v1"),
			DeriveEventID("RULE-A", "UPDATED", ts.Add(time.Second), "v1"))
	})
}
