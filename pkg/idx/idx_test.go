package idx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	t.Parallel()

	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		require.True(t, prev.String() < next.String(), "ids must sort by creation order")
		prev = next
	}
}

func TestNewAtSortsByTime(t *testing.T) {
	t.Parallel()

	earlier := NewAt(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))
	later := NewAt(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	require.True(t, earlier.String() < later.String())
}
