package tcq

import (
	"encoding/binary"
	"math/bits"
	"sort"
)

// Murmur3Token hashes a routing key the way the Murmur3 partitioner does:
// the first half of the x64 128-bit murmur3 hash with seed 0, reading tail
// bytes as signed values.
func Murmur3Token(data []byte) int64 {

	const (
		c1 uint64 = 0x87c37b91114253d5
		c2 uint64 = 0x4cf5ad432745937f
	)

	length := len(data)
	var h1, h2 uint64

	nBlocks := length / 16
	for i := 0; i < nBlocks; i++ {
		k1 := binary.LittleEndian.Uint64(data[i*16:])
		k2 := binary.LittleEndian.Uint64(data[i*16+8:])

		k1 *= c1
		k1 = bits.RotateLeft64(k1, 31)
		k1 *= c2
		h1 ^= k1

		h1 = bits.RotateLeft64(h1, 27)
		h1 += h2
		h1 = h1*5 + 0x52dce729

		k2 *= c2
		k2 = bits.RotateLeft64(k2, 33)
		k2 *= c1
		h2 ^= k2

		h2 = bits.RotateLeft64(h2, 31)
		h2 += h1
		h2 = h2*5 + 0x38495ab5
	}

	tail := data[nBlocks*16:]
	var k1, k2 uint64
	signed := func(i int) uint64 { return uint64(int64(int8(tail[i]))) }

	switch length & 15 {
	case 15:
		k2 ^= signed(14) << 48
		fallthrough
	case 14:
		k2 ^= signed(13) << 40
		fallthrough
	case 13:
		k2 ^= signed(12) << 32
		fallthrough
	case 12:
		k2 ^= signed(11) << 24
		fallthrough
	case 11:
		k2 ^= signed(10) << 16
		fallthrough
	case 10:
		k2 ^= signed(9) << 8
		fallthrough
	case 9:
		k2 ^= signed(8)
		k2 *= c2
		k2 = bits.RotateLeft64(k2, 33)
		k2 *= c1
		h2 ^= k2
		fallthrough
	case 8:
		k1 ^= signed(7) << 56
		fallthrough
	case 7:
		k1 ^= signed(6) << 48
		fallthrough
	case 6:
		k1 ^= signed(5) << 40
		fallthrough
	case 5:
		k1 ^= signed(4) << 32
		fallthrough
	case 4:
		k1 ^= signed(3) << 24
		fallthrough
	case 3:
		k1 ^= signed(2) << 16
		fallthrough
	case 2:
		k1 ^= signed(1) << 8
		fallthrough
	case 1:
		k1 ^= signed(0)
		k1 *= c1
		k1 = bits.RotateLeft64(k1, 31)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint64(length)
	h2 ^= uint64(length)

	h1 += h2
	h2 += h1

	h1 = fmix64(h1)
	h2 = fmix64(h2)

	h1 += h2

	return int64(h1)
}

func fmix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

type ringEntry struct {
	token int64
	host  *Host
}

// tokenRing is an immutable snapshot of token ownership.
type tokenRing struct {
	entries []ringEntry
	hosts   int
}

func newTokenRing(hosts []*Host) *tokenRing {

	r := &tokenRing{}
	for _, h := range hosts {
		tokens := h.Tokens()
		if len(tokens) > 0 {
			r.hosts++
		}
		for _, t := range tokens {
			r.entries = append(r.entries, ringEntry{token: t, host: h})
		}
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].token < r.entries[j].token })
	return r
}

// replicas walks the ring clockwise from the owner of token and returns up
// to rf distinct hosts.
func (r *tokenRing) replicas(token int64, rf int) []*Host {

	if len(r.entries) == 0 || rf <= 0 {
		return nil
	}
	if rf > r.hosts {
		rf = r.hosts
	}

	start := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].token >= token })
	out := make([]*Host, 0, rf)
	seen := make(map[*Host]struct{}, rf)

	for i := 0; i < len(r.entries) && len(out) < rf; i++ {
		h := r.entries[(start+i)%len(r.entries)].host
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
