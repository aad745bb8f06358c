package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collectRange(t *testing.T, m *ChainstateManager, start, end int) []int32 {
	t.Helper()
	seq, err := m.ActiveChain().EntryRange(start, end)
	require.NoError(t, err)
	var heights []int32
	for entry, err := range seq {
		require.NoError(t, err)
		heights = append(heights, entry.Height())
	}
	return heights
}

func TestEntryRange(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		extendTip(t, m)
	}

	cases := []struct {
		name       string
		start, end int
		want       []int32
	}{
		{"full ascending", 0, 5, []int32{0, 1, 2, 3, 4, 5}},
		{"full descending", 5, 0, []int32{5, 4, 3, 2, 1, 0}},
		{"single", 2, 2, []int32{2}},
		{"tip only", -1, -1, []int32{5}},
		{"negative ascending", -3, -1, []int32{3, 4, 5}},
		{"negative descending", -1, -3, []int32{5, 4, 3}},
		{"mixed", 1, -2, []int32{1, 2, 3, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, collectRange(t, m, tc.start, tc.end))
		})
	}
}

func TestEntryRangeOutOfRange(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 2; i++ {
		extendTip(t, m)
	}

	chain := m.ActiveChain()
	for _, tc := range []struct{ start, end int }{
		{0, 3},
		{3, 0},
		{-4, 0},
		{0, -4},
	} {
		_, err := chain.EntryRange(tc.start, tc.end)
		require.ErrorIs(t, err, ErrOutOfRange, "range [%d, %d]", tc.start, tc.end)
	}
}

func TestEntryRangeStopsEarly(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 4; i++ {
		extendTip(t, m)
	}

	seq, err := m.ActiveChain().EntryRange(0, 4)
	require.NoError(t, err)
	var seen int
	for _, err := range seq {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	require.Equal(t, 2, seen)
}

func TestEntryRangeBetween(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		extendTip(t, m)
	}

	chain := m.ActiveChain()
	genesis, err := chain.Genesis()
	require.NoError(t, err)
	tip, err := chain.Tip()
	require.NoError(t, err)

	var heights []int32
	for entry, err := range chain.EntryRangeBetween(tip, genesis) {
		require.NoError(t, err)
		heights = append(heights, entry.Height())
	}
	require.Equal(t, []int32{3, 2, 1, 0}, heights)
}
