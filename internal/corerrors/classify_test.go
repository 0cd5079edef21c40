package corerrors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransportError_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		errText    string
		wantCat    Category
		wantSugg   RetrySuggestion
	}{
		{"unauthorized", 401, "", CategoryAuth, RetryNever},
		{"forbidden", 403, "", CategoryAuth, RetryNever},
		{"rate limited", 429, "", CategoryRateLimit, RetryAfterSchedule},
		{"server error", 503, "", CategoryNetwork, RetryWithBackoff},
		{"timeout text", 0, "dial tcp: i/o timeout", CategoryNetwork, RetryWithBackoff},
		{"too large text", 0, "payload too large", CategoryResourceExhausted, RetryShrinkBatch},
		{"rate limit text", 0, "rate limit exceeded", CategoryRateLimit, RetryAfterSchedule},
		{"missing key text", 0, "missing API key", CategoryAuth, RetryNever},
		{"config text", 0, "invalid config: bad yaml", CategoryConfiguration, RetrySurfaceToUser},
		{"unrecognized", 0, "something weird happened", CategoryUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, sugg := ClassifyTransportError(tt.status, tt.errText)
			assert.Equal(t, tt.wantCat, cat)
			assert.Equal(t, tt.wantSugg, sugg)
		})
	}
}

func TestFromTransport_BuildsCategorizedError(t *testing.T) {
	err := FromTransport("vectorstore", 429, errors.New("rate limited"))
	assert.Equal(t, CategoryRateLimit, err.Category)
	assert.True(t, err.Retryable)
	assert.Equal(t, RetryAfterSchedule, err.Suggestion)
}

func TestCircuitBreaker_ComponentState(t *testing.T) {
	cb := NewCircuitBreaker("vector", WithMaxFailures(3), WithResetTimeout(10*time.Millisecond))
	assert.Equal(t, "idle", cb.ComponentState())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, "resource-exhausted", cb.ComponentState())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, "indexing", cb.ComponentState())
}
