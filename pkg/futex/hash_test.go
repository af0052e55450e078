package futex_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfutex/pkg/futex"
)

func Test_Hash_Returns_Same_Value_When_Keys_Are_Equal(t *testing.T) {
	t.Parallel()

	a := futex.NewPrivateKey(3, 0xdead0, 4096)
	b := futex.NewPrivateKey(3, 0xdead0, 4096)

	require.Equal(t, futex.Hash(a), futex.Hash(b))
	assert.NotEqual(t, futex.Hash(a), futex.Hash(futex.NewPrivateKey(4, 0xdead0, 4096)))
}

func Test_Hash_Spreads_Keys_Across_Buckets_When_Addresses_Are_Regular(t *testing.T) {
	t.Parallel()

	const keys = 1024

	testCases := []struct {
		name string
		key  func(i uint64) futex.Key
	}{
		{
			name: "AdjacentWords",
			key:  func(i uint64) futex.Key { return futex.NewPrivateKey(1, 0x400000+4*i, 4096) },
		},
		{
			name: "PageAligned",
			key:  func(i uint64) futex.Key { return futex.NewPrivateKey(1, 0x400000+4096*i, 4096) },
		},
		{
			name: "SameAddressManyProcesses",
			key:  func(i uint64) futex.Key { return futex.NewPrivateKey(i+1, 0x601040, 4096) },
		},
		{
			name: "SharedFrames",
			key:  func(i uint64) futex.Key { return futex.NewSharedKey(0x100000+4096*i, 4096) },
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			table := futex.NewTable(futex.DefaultBuckets)
			load := make(map[int]int)

			for i := range uint64(keys) {
				load[table.BucketIndex(testCase.key(i))]++
			}

			maxLoad := 0
			for _, n := range load {
				maxLoad = max(maxLoad, n)
			}

			// 1024 keys over 257 buckets average about 4 per bucket.
			assert.Greater(t, len(load), 200, "too few buckets used")
			assert.LessOrEqual(t, maxLoad, 20, "bucket overloaded")
		})
	}
}
