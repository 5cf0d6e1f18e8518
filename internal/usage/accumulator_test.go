package usage

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNewAccumulator(t *testing.T) {
	acc := NewAccumulator([]string{"b", "a", "", "b"})

	assert.Equal(t, []string{"b", "a"}, acc.AppIDs())
	snap := acc.Snapshot()
	require.Len(t, snap, 2)
	for id, info := range snap {
		assert.Equal(t, id, info.AppSlug)
		assert.Equal(t, StatusUnknown, info.Status)
		assert.Zero(t, info.ActivityCount)
		assert.Nil(t, info.LastActivityAt)
	}
}

func TestRecordMatch(t *testing.T) {
	acc := NewAccumulator([]string{"a"})
	later := testNow.Add(-time.Hour)
	earlier := testNow.Add(-48 * time.Hour)

	assert.True(t, acc.RecordMatch("a", later))
	assert.True(t, acc.RecordMatch("a", earlier))
	assert.False(t, acc.RecordMatch("untracked", later))

	info := acc.Snapshot()["a"]
	assert.Equal(t, int64(2), info.ActivityCount)
	require.NotNil(t, info.LastActivityAt)
	assert.True(t, info.LastActivityAt.Equal(later), "last activity must not move backwards")
	assert.Equal(t, 1, acc.MatchedApps())
}

func TestRecordMatch_Saturates(t *testing.T) {
	acc := NewAccumulator([]string{"a"})
	acc.apps["a"].info.ActivityCount = math.MaxInt64 - 1

	acc.RecordMatch("a", testNow)
	acc.RecordMatch("a", testNow)

	assert.Equal(t, int64(math.MaxInt64), acc.Snapshot()["a"].ActivityCount)
}

func TestFinalize(t *testing.T) {
	threshold := 90 * 24 * time.Hour
	acc := NewAccumulator([]string{"recent", "boundary", "old", "silent", "unchecked"})

	acc.RecordMatch("recent", testNow.Add(-time.Hour))
	acc.RecordMatch("boundary", testNow.Add(-threshold))
	acc.RecordMatch("old", testNow.Add(-threshold-time.Millisecond))
	acc.MarkChecked("silent")

	acc.Finalize(testNow, threshold)
	snap := acc.Snapshot()

	assert.Equal(t, StatusActive, snap["recent"].Status)
	assert.Equal(t, StatusActive, snap["boundary"].Status)
	assert.Equal(t, StatusInactive, snap["old"].Status)
	assert.Equal(t, StatusInactive, snap["silent"].Status)
	assert.Equal(t, StatusUnknown, snap["unchecked"].Status)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	acc := NewAccumulator([]string{"a"})
	acc.RecordMatch("a", testNow)

	snap := acc.Snapshot()
	*snap["a"].LastActivityAt = time.Time{}

	assert.True(t, acc.Snapshot()["a"].LastActivityAt.Equal(testNow))
}
