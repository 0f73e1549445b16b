package sstable

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Bloom is a fixed-size Bloom filter over WAL sequence numbers, built with
// the standard double-hashing scheme (Kirsch-Mitzenmacher) so only two
// underlying hashes are needed regardless of k. A bitset backs the
// per-table membership test consulted before a block is ever read.
type Bloom struct {
	bits *bitset.BitSet
	m    uint
	k    uint
}

// targetFPRate is the false-positive rate SSTable bloom filters are sized
// for.
const targetFPRate = 0.01

// NewBloom sizes a filter for n expected entries at targetFPRate.
func NewBloom(n int) *Bloom {
	if n <= 0 {
		n = 1
	}
	m := optimalBits(n, targetFPRate)
	k := optimalHashes(m, n)
	return &Bloom{bits: bitset.New(m), m: m, k: k}
}

func optimalBits(n int, p float64) uint {
	m := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	return uint(m)
}

func optimalHashes(m uint, n int) uint {
	k := math.Round(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return uint(k)
}

func (b *Bloom) hashes(seq uint64) (h1, h2 uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	f1 := fnv.New64a()
	f1.Write(buf[:])
	h1 = f1.Sum64()

	f2 := fnv.New64()
	f2.Write(buf[:])
	h2 = f2.Sum64()
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Add records seq as present.
func (b *Bloom) Add(seq uint64) {
	h1, h2 := b.hashes(seq)
	for i := uint(0); i < b.k; i++ {
		idx := uint((h1 + uint64(i)*h2) % uint64(b.m))
		b.bits.Set(idx)
	}
}

// MayContain reports whether seq could be in the table. False means
// definitely absent; true means "maybe" (the caller must check the index).
func (b *Bloom) MayContain(seq uint64) bool {
	h1, h2 := b.hashes(seq)
	for i := uint(0); i < b.k; i++ {
		idx := uint((h1 + uint64(i)*h2) % uint64(b.m))
		if !b.bits.Test(idx) {
			return false
		}
	}
	return true
}

// encode serializes the filter as m(u64) | k(u64) | raw bitset bytes.
func (b *Bloom) encode() []byte {
	raw, _ := b.bits.MarshalBinary()
	buf := make([]byte, 16+len(raw))
	binary.BigEndian.PutUint64(buf[0:8], uint64(b.m))
	binary.BigEndian.PutUint64(buf[8:16], uint64(b.k))
	copy(buf[16:], raw)
	return buf
}

func decodeBloom(buf []byte) (*Bloom, error) {
	if len(buf) < 16 {
		return &Bloom{bits: bitset.New(8), m: 8, k: 1}, nil
	}
	m := binary.BigEndian.Uint64(buf[0:8])
	k := binary.BigEndian.Uint64(buf[8:16])
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(buf[16:]); err != nil {
		return nil, err
	}
	return &Bloom{bits: bs, m: uint(m), k: uint(k)}, nil
}
