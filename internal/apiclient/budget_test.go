package apiclient

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudget_TakeUntilEmpty(t *testing.T) {
	b := NewBudget(3, time.Hour, 0)

	for i := 0; i < 3; i++ {
		ok, _ := b.Take()
		assert.True(t, ok)
	}
	ok, resumeAt := b.Take()
	assert.False(t, ok)
	assert.True(t, resumeAt.After(time.Now()))

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.Issued)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, 0, stats.Remaining)
}

func TestBudget_ObserveOnlyLowers(t *testing.T) {
	b := NewBudget(10, time.Hour, 0)

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "4")
	b.Observe(h)
	assert.Equal(t, 4, b.Stats().Remaining)

	h.Set("X-RateLimit-Remaining", "4000")
	b.Observe(h)
	assert.Equal(t, 4, b.Stats().Remaining)
}

func TestBudget_ObserveExhaustionMovesReset(t *testing.T) {
	b := NewBudget(10, time.Minute, 0)
	reset := time.Now().Add(30 * time.Minute).Unix()

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	b.Observe(h)

	ok, resumeAt := b.Take()
	assert.False(t, ok)
	assert.Equal(t, reset, resumeAt.Unix())
}

func TestBudget_PacingRejectsBurst(t *testing.T) {
	b := NewBudget(100, time.Hour, 1)

	ok, _ := b.Take()
	assert.True(t, ok)

	ok, resumeAt := b.Take()
	assert.False(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), resumeAt, 200*time.Millisecond)
	// A paced rejection does not spend quota.
	assert.Equal(t, 99, b.Stats().Remaining)
}

func TestBudgetRegistry_SharesPerCredential(t *testing.T) {
	r := NewBudgetRegistry(10, time.Hour, 0)

	a := r.For("github")
	assert.Same(t, a, r.For("github"))
	assert.NotSame(t, a, r.For("jira"))
	assert.Len(t, r.Snapshot(), 2)
}
