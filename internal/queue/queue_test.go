package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyspace(t *testing.T) {
	ks := NewKeyspace("app:")

	assert.Equal(t, "app:job:123", ks.Job("123"))
	assert.Equal(t, "app:q:email:ready", ks.Queue("email", SetReady))
	assert.Equal(t, "app:q:email:dead", ks.Queue("email", SetDead))
	assert.Equal(t, "app:queues", ks.Queues())
	assert.Equal(t, "app:paused", ks.Paused())
	assert.Equal(t, "app:seq", ks.Seq())
	assert.Equal(t, "app:rl:tenant-1", ks.RateLimit("tenant-1"))
	assert.Equal(t, "app:cron:s1:1700000000", ks.TickClaim("s1", 1700000000))

	assert.Equal(t, "elysium", NewKeyspace("").Prefix)
}

func TestRankServesHigherPriorityFirstThenFIFO(t *testing.T) {
	assert.Less(t, Rank(10, 900), Rank(5, 1))
	assert.Less(t, Rank(0, 5), Rank(-3, 1))
	assert.Less(t, Rank(7, 1), Rank(7, 2))
	assert.Less(t, Rank(MaxPriority, RankStride-1), Rank(MaxPriority-1, 1))
	assert.Less(t, Rank(MinPriority+1, RankStride-1), Rank(MinPriority, 1))

	// Neighbouring ranks in the lowest band stay distinct in a float64.
	assert.Less(t, Rank(MinPriority, RankStride-2), Rank(MinPriority, RankStride-1))
}

func TestValidPriority(t *testing.T) {
	assert.True(t, ValidPriority(0))
	assert.True(t, ValidPriority(MaxPriority))
	assert.True(t, ValidPriority(MinPriority))
	assert.False(t, ValidPriority(MaxPriority+1))
	assert.False(t, ValidPriority(MinPriority-1))
}

func TestParseList(t *testing.T) {
	cfgs, err := ParseList([]string{"email:5", " default ", ""})
	require.NoError(t, err)
	assert.Equal(t, []Config{{Name: "email", Concurrency: 5}, {Name: "default"}}, cfgs)
	assert.Equal(t, []string{"email", "default"}, Names(cfgs))

	cfgs, err = ParseList(nil)
	require.NoError(t, err)
	assert.Equal(t, []Config{{Name: DefaultName}}, cfgs)
}

func TestParseListRejectsBadEntries(t *testing.T) {
	for _, entries := range [][]string{
		{"email:x"},
		{"email:-1"},
		{"bad name"},
		{"a", "a"},
	} {
		_, err := ParseList(entries)
		assert.Error(t, err, entries)
	}
}
