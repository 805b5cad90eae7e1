package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferEviction(t *testing.T) {
	b := New[int](3)
	require.Equal(t, 0, b.Len())
	require.Equal(t, 3, b.Cap())

	b.Push(1)
	b.Push(2)
	assert.Equal(t, []int{1, 2}, b.All())

	b.Push(3)
	b.Push(4) // evicts 1
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{2, 3, 4}, b.All())

	b.Push(5)
	b.Push(6)
	assert.Equal(t, []int{4, 5, 6}, b.All())
}

func TestBufferLast(t *testing.T) {
	b := New[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		b.Push(s)
	}

	assert.Equal(t, []string{"d", "e"}, b.Last(2))
	assert.Equal(t, []string{"b", "c", "d", "e"}, b.Last(10))
	assert.Nil(t, b.Last(0))
}
