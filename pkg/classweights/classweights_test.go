package classweights

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeat(label, n int) []int {
	labels := make([]int, n)
	for ii := range labels {
		labels[ii] = label
	}
	return labels
}

func TestCompute(t *testing.T) {
	labels := append(append(repeat(0, 10), repeat(1, 30)...), repeat(2, 60)...)
	table, err := Compute(labels, 3)
	require.NoError(t, err)
	assert.InDelta(t, 100.0/30.0, table[0], 1e-9)
	assert.InDelta(t, 100.0/90.0, table[1], 1e-9)
	assert.InDelta(t, 100.0/180.0, table[2], 1e-9)

	// Rarer classes weigh more.
	assert.Greater(t, table[0], table[1])
	assert.Greater(t, table[1], table[2])

	// Weighted count of examples equals the number of examples.
	sum := 0.0
	for _, label := range labels {
		sum += table[label]
	}
	assert.InDelta(t, float64(len(labels)), sum, 1e-9)

	assert.Equal(t, []float32{float32(100.0 / 30.0), float32(100.0 / 90.0), float32(100.0 / 180.0)}, table.Slice())
}

func TestCompute_Balanced(t *testing.T) {
	table, err := Compute([]int{0, 1, 2, 2, 1, 0}, 3)
	require.NoError(t, err)
	assert.Equal(t, Table{0: 1, 1: 1, 2: 1}, table)
}

func TestCompute_Errors(t *testing.T) {
	_, err := Compute([]int{0, 0, 2}, 3)
	require.ErrorIs(t, err, ErrDegenerateSplit)
	_, err = Compute([]int{0, 3}, 3)
	require.Error(t, err)
	_, err = Compute(nil, 0)
	require.Error(t, err)
	_, err = Compute(nil, 2)
	require.ErrorIs(t, err, ErrDegenerateSplit)
}
