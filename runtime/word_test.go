package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoxInt(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		w := BoxInt(v)
		require.True(t, IsInt(w))
		require.False(t, IsHandle(w))
		require.Equal(t, v, UnboxInt(w))
	}
}

func TestOrderPreservingEncoding(t *testing.T) {
	// Native signed comparison of boxed integers must agree with comparison
	// of the underlying integers. The baseline JIT relies on this to compare
	// tagged words without untagging.
	pairs := [][2]int64{{1, 2}, {-5, 3}, {-10, -2}, {100, 100}}
	for _, p := range pairs {
		a, b := BoxInt(p[0]), BoxInt(p[1])
		require.Equal(t, p[0] < p[1], int64(a) < int64(b))
		require.Equal(t, p[0] == p[1], a == b)
	}
}

func TestTruthy(t *testing.T) {
	require.False(t, Truthy(Null))
	require.True(t, Truthy(BoxInt(0))) // boxed zero is a value, not none
	require.True(t, Truthy(True))
	require.Equal(t, True, BoxBool(true))
	require.Equal(t, Null, BoxBool(false))
}

func TestHandles(t *testing.T) {
	h := NewHandles()
	w1 := h.Alloc("hello")
	w2 := h.Alloc(3.14)
	require.True(t, IsHandle(w1))
	require.True(t, IsHandle(w2))
	require.NotEqual(t, w1, w2)
	require.Equal(t, "hello", h.Get(w1))
	require.Equal(t, 3.14, h.Get(w2))
	require.Nil(t, h.Get(Null))
	require.Nil(t, h.Get(BoxInt(7)))
	require.Equal(t, 2, h.Len())
}
