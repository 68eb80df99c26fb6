package ledguide

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanNoMismatchTurnsOff(t *testing.T) {
	var state [boardSize]bool
	state[4] = true

	got := Plan(state, state)
	assert.Equal(t, Command{Kind: Off}, got)
}

func TestPlanSingleExtraSingleMissingPairsDirectly(t *testing.T) {
	var current, expected [boardSize]bool
	current[10] = true  // piece sitting somewhere wrong
	expected[12] = true // should be two squares over

	got := Plan(current, expected)
	assert.Equal(t, Command{Kind: Move, From: 10, To: 12}, got)
}

func TestPlanOnlyMissingListsEachSquare(t *testing.T) {
	var current, expected [boardSize]bool
	expected[0] = true
	expected[7] = true

	got := Plan(current, expected)
	assert.Equal(t, CommandKind(Individual), got.Kind)
	assert.ElementsMatch(t, []int{0, 7}, got.Squares)
}

func TestPlanOnlyExtraFlashesAll(t *testing.T) {
	var current, expected [boardSize]bool
	current[0] = true
	current[63] = true

	got := Plan(current, expected)
	assert.Equal(t, CommandKind(Flash), got.Kind)
	assert.ElementsMatch(t, []int{0, 63}, got.Squares)
}

func TestPlanMultiPairUsesOptimalAssignment(t *testing.T) {
	// Two extras, two missing: the nearby pairing (0<->1, 56<->57) is strictly cheaper
	// than the crossed one, so the optimal assignment must pick it.
	var current, expected [boardSize]bool
	current[0] = true
	current[56] = true
	expected[1] = true
	expected[57] = true

	got := Plan(current, expected)
	require := assert.New(t)
	require.Equal(Move, got.Kind)
	if got.From == 0 {
		require.Equal(1, got.To)
	} else {
		require.Equal(56, got.From)
		require.Equal(57, got.To)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	var current, expected [boardSize]bool
	current[0], current[8], current[16] = true, true, true
	expected[1], expected[9], expected[50] = true, true, true

	first := Plan(current, expected)
	second := Plan(current, expected)
	assert.Equal(t, first, second)
}

func TestAssignmentRectangularMoreExtraThanMissing(t *testing.T) {
	cost := [][]float64{
		{1, 5},
		{5, 1},
		{2, 2},
	}
	got := assignment(cost)

	require := assert.New(t)
	require.Len(got, 3)
	matched := 0
	for _, j := range got {
		if j >= 0 {
			matched++
		}
	}
	require.Equal(2, matched)
	require.Equal(0, got[0])
	require.Equal(1, got[1])
}
