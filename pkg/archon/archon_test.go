package archon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRosterHasSeventyTwoSeats(t *testing.T) {
	roster := NewRoster()
	assert.Equal(t, 72, roster.Size())

	// Seats are dense and ids unique.
	seen := make(map[string]bool)
	for i, a := range roster.All() {
		assert.Equal(t, i+1, a.Seat)
		assert.False(t, seen[a.ID], a.ID)
		seen[a.ID] = true
		assert.True(t, strings.HasPrefix(a.ID, "ARCHON:"))
		assert.True(t, a.Rank.Valid(), a.ID)
		assert.NotEmpty(t, a.Branch, a.ID)
	}
}

func TestRosterLookups(t *testing.T) {
	roster := NewRoster()

	paimon, err := roster.ByID("ARCHON:PAIMON")
	require.NoError(t, err)
	assert.Equal(t, RankKing, paimon.Rank)
	assert.Equal(t, "executive", paimon.Branch)

	_, err = roster.ByID("ARCHON:NOBODY")
	assert.Error(t, err)

	kings := roster.Kings()
	assert.Len(t, kings, 9)
	for _, k := range kings {
		assert.Equal(t, RankKing, k.Rank)
	}

	knights := roster.ByRank(RankKnight)
	require.Len(t, knights, 1)
	assert.Equal(t, "Furcas", knights[0].Name)
}

func TestDebateOrderRankThenID(t *testing.T) {
	roster := NewRoster()
	ordered := DebateOrder(roster.All())
	require.Len(t, ordered, 72)

	// Tiers never regress, and ids ascend within a tier.
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		assert.LessOrEqual(t, prev.Rank.Priority(), cur.Rank.Priority())
		if prev.Rank.Priority() == cur.Rank.Priority() {
			assert.Less(t, prev.ID, cur.ID)
		}
	}
	assert.Equal(t, RankKing, ordered[0].Rank)
}

func TestDebateOrderDeterministic(t *testing.T) {
	roster := NewRoster()
	first := DebateOrder(roster.All())

	// Reversed input, same output.
	reversed := roster.All()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	second := DebateOrder(reversed)
	assert.Equal(t, first, second)
}

func TestDrawAdjudicatorsDeterministic(t *testing.T) {
	roster := NewRoster()
	marquises := roster.ByRank(RankMarquis)
	hash := strings.Repeat("ab", 32)

	first, err := DrawAdjudicators(marquises, hash, 3)
	require.NoError(t, err)
	second, err := DrawAdjudicators(marquises, hash, 3)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Distinct panel members.
	assert.NotEqual(t, first[0].ID, first[1].ID)
	assert.NotEqual(t, first[1].ID, first[2].ID)
	assert.NotEqual(t, first[0].ID, first[2].ID)

	// A different hash draws a different panel (with overwhelming
	// probability for this pool size).
	other, err := DrawAdjudicators(marquises, strings.Repeat("cd", 32), 3)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDrawAdjudicatorsIndependentOfInputOrder(t *testing.T) {
	roster := NewRoster()
	pool := roster.ByRank(RankDuke)
	hash := strings.Repeat("12", 32)

	first, err := DrawAdjudicators(pool, hash, 3)
	require.NoError(t, err)

	shuffled := make([]Archon, len(pool))
	copy(shuffled, pool)
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	second, err := DrawAdjudicators(shuffled, hash, 3)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDrawAdjudicatorsPoolTooSmall(t *testing.T) {
	roster := NewRoster()
	knights := roster.ByRank(RankKnight)
	_, err := DrawAdjudicators(knights, strings.Repeat("ab", 32), 3)
	assert.Error(t, err)
}

func TestRankCapabilities(t *testing.T) {
	assert.True(t, RankKing.DefinesExecution())
	assert.True(t, RankDuke.DefinesExecution())
	assert.False(t, RankMarquis.DefinesExecution())
	assert.False(t, RankKnight.DefinesExecution())
	assert.False(t, Rank("baron").Valid())
}
