package futex

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// DefaultBuckets is the default bucket count. It is prime so that aligned
// addresses do not cluster.
const DefaultBuckets = 257

const keyEncodingSize = 32

// Hash returns a deterministic hash of k.
//
// Every field gets its own little-endian lane, so keys that differ only in
// a low offset bit or in adjacent pages still differ in the hashed bytes;
// xxh3 spreads those differences over the whole result.
func Hash(k Key) uint64 {
	var buf [keyEncodingSize]byte

	buf[0] = byte(k.Kind)
	binary.LittleEndian.PutUint64(buf[8:], k.PID)
	binary.LittleEndian.PutUint64(buf[16:], k.Page)
	binary.LittleEndian.PutUint64(buf[24:], k.Offset)

	return xxh3.Hash(buf[:])
}

// bucketIndex maps k onto one of n buckets.
func bucketIndex(k Key, n int) int {
	return int(Hash(k) % uint64(n))
}
