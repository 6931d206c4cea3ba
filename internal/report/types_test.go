package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Run("LegalTransitions", func(t *testing.T) {
		legal := []struct{ from, to Status }{
			{StatusInProgress, StatusDraft},
			{StatusInProgress, StatusFailed},
			{StatusDraft, StatusPendingReview},
			{StatusDraft, StatusFailed},
			{StatusPendingReview, StatusApproved},
			{StatusPendingReview, StatusRejected},
			{StatusApproved, StatusSubmitted},
			{StatusSubmitted, StatusArchived},
		}
		for _, tc := range legal {
			assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
		}
	})

	t.Run("IllegalTransitions", func(t *testing.T) {
		illegal := []struct{ from, to Status }{
			{StatusDraft, StatusApproved},
			{StatusDraft, StatusSubmitted},
			{StatusPendingReview, StatusSubmitted},
			{StatusApproved, StatusArchived},
			{StatusRejected, StatusPendingReview},
			{StatusArchived, StatusDraft},
			{StatusFailed, StatusDraft},
			{StatusSubmitted, StatusApproved},
		}
		for _, tc := range illegal {
			assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
		}
	})

	t.Run("RejectedIsTerminal", func(t *testing.T) {
		for _, to := range []Status{StatusDraft, StatusPendingReview, StatusApproved, StatusSubmitted, StatusArchived, StatusFailed} {
			assert.False(t, CanTransition(StatusRejected, to))
		}
	})
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusRejected))
	assert.True(t, IsTerminal(StatusArchived))
	assert.True(t, IsTerminal(StatusFailed))

	assert.False(t, IsTerminal(StatusInProgress))
	assert.False(t, IsTerminal(StatusDraft))
	assert.False(t, IsTerminal(StatusPendingReview))
	assert.False(t, IsTerminal(StatusApproved))
	assert.False(t, IsTerminal(StatusSubmitted))
}

func TestRequestOutputFormat(t *testing.T) {
	t.Run("ExplicitParameter", func(t *testing.T) {
		req := &Request{Parameters: map[string]string{"output_format": "pdf"}}
		assert.Equal(t, "pdf", req.OutputFormat("json"))
	})

	t.Run("FallsBackToDefault", func(t *testing.T) {
		req := &Request{}
		assert.Equal(t, "json", req.OutputFormat("json"))
	})

	t.Run("EmptyParameterFallsBack", func(t *testing.T) {
		req := &Request{Parameters: map[string]string{"output_format": ""}}
		assert.Equal(t, "csv", req.OutputFormat("csv"))
	})
}
