package testutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/calvinalkan/kfutex/internal/testutil"
)

func Test_ByteSource_Returns_Zero_When_Exhausted(t *testing.T) {
	t.Parallel()

	src := testutil.NewByteSource([]byte{7, 9})

	assert.False(t, src.Done())
	assert.Equal(t, 3, src.IntN(4))
	assert.Equal(t, 1, src.IntN(4))
	assert.True(t, src.Done())
	assert.Equal(t, 0, src.IntN(4))
}

func Test_RandSource_Repeats_Sequence_When_Seed_Matches(t *testing.T) {
	t.Parallel()

	a, b := testutil.NewRandSource(42), testutil.NewRandSource(42)

	for range 100 {
		assert.Equal(t, a.IntN(1000), b.IntN(1000))
	}

	assert.False(t, a.Done())
}
