package kv

import (
	"github.com/NebulousLabs/merkletree"
	"github.com/dchest/blake2b"
)

// checksumSegmentSize is the leaf granularity get_attribute(key, "checksum")
// hashes a value at - values spanning multiple heap blocks get a Merkle
// root over their constituent segments rather than one flat hash, per
// SPEC_FULL §2's merkletree wiring.
const checksumSegmentSize = 64

// checksumValue returns the Merkle root of value's checksumSegmentSize-byte
// segments (the last segment short if value's length isn't a multiple of
// checksumSegmentSize).
func checksumValue(value []byte) [32]byte {
	tree := merkletree.New(blake2b.New256())
	for len(value) > 0 {
		n := checksumSegmentSize
		if n > len(value) {
			n = len(value)
		}
		tree.Push(value[:n])
		value = value[n:]
	}
	var out [32]byte
	copy(out[:], tree.Root())
	return out
}
