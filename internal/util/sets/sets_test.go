package sets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := New("b", "a")
	s.Add("c")
	s.Add("a")
	require.True(t, s.Has("a"))
	require.False(t, s.Has("d"))
	require.Equal(t, []string{"a", "b", "c"}, Sorted(s))

	s.Delete("b")
	require.False(t, s.Has("b"))
	require.Len(t, s, 2)
}
