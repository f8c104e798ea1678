// Package digest implements the MD5 message digest described in RFC 1321.
//
// The producer of the message shard files names each per-contact table after
// the MD5 of the contact's username. The table locator depends on this package
// producing exactly that digest, so it is kept free of I/O and of any reliance
// on crypto/md5.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math/bits"
)

const (
	// Size is the length of an MD5 digest in bytes.
	Size = 16
	// BlockSize is the MD5 block size in bytes.
	BlockSize = 64
)

const (
	init0 = 0x67452301
	init1 = 0xefcdab89
	init2 = 0x98badcfe
	init3 = 0x10325476
)

// Per-round left rotation amounts.
var shifts = [64]uint8{
	7, 12, 17, 22, 7, 12, 17, 22, 7, 12, 17, 22, 7, 12, 17, 22,
	5, 9, 14, 20, 5, 9, 14, 20, 5, 9, 14, 20, 5, 9, 14, 20,
	4, 11, 16, 23, 4, 11, 16, 23, 4, 11, 16, 23, 4, 11, 16, 23,
	6, 10, 15, 21, 6, 10, 15, 21, 6, 10, 15, 21, 6, 10, 15, 21,
}

// table[i] = floor(abs(sin(i+1)) * 2^32).
var table = [64]uint32{
	0xd76aa478, 0xe8c7b756, 0x242070db, 0xc1bdceee,
	0xf57c0faf, 0x4787c62a, 0xa8304613, 0xfd469501,
	0x698098d8, 0x8b44f7af, 0xffff5bb1, 0x895cd7be,
	0x6b901122, 0xfd987193, 0xa679438e, 0x49b40821,
	0xf61e2562, 0xc040b340, 0x265e5a51, 0xe9b6c7aa,
	0xd62f105d, 0x02441453, 0xd8a1e681, 0xe7d3fbc8,
	0x21e1cde6, 0xc33707d6, 0xf4d50d87, 0x455a14ed,
	0xa9e3e905, 0xfcefa3f8, 0x676f02d9, 0x8d2a4c8a,
	0xfffa3942, 0x8771f681, 0x6d9d6122, 0xfde5380c,
	0xa4beea44, 0x4bdecfa9, 0xf6bb4b60, 0xbebfbc70,
	0x289b7ec6, 0xeaa127fa, 0xd4ef3085, 0x04881d05,
	0xd9d4d039, 0xe6db99e5, 0x1fa27cf8, 0xc4ac5665,
	0xf4292244, 0x432aff97, 0xab9423a7, 0xfc93a039,
	0x655b59c3, 0x8f0ccc92, 0xffeff47d, 0x85845dd1,
	0x6fa87e4f, 0xfe2ce6e0, 0xa3014314, 0x4e0811a1,
	0xf7537e82, 0xbd3af235, 0x2ad7d2bb, 0xeb86d391,
}

// Digest is a streaming MD5 computation. The zero value is not ready for
// use; call New or Reset first.
type Digest struct {
	s   [4]uint32
	x   [BlockSize]byte
	nx  int
	len uint64
}

var _ hash.Hash = (*Digest)(nil)

// New returns a new Digest ready to accept input.
func New() *Digest {
	d := &Digest{}
	d.Reset()
	return d
}

// Reset restores the initial chaining state.
func (d *Digest) Reset() {
	d.s = [4]uint32{init0, init1, init2, init3}
	d.nx = 0
	d.len = 0
}

// Size returns the digest length in bytes.
func (d *Digest) Size() int { return Size }

// BlockSize returns the block length in bytes.
func (d *Digest) BlockSize() int { return BlockSize }

// Write absorbs p into the running digest. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	nn := len(p)
	d.len += uint64(nn)
	if d.nx > 0 {
		n := copy(d.x[d.nx:], p)
		d.nx += n
		if d.nx == BlockSize {
			blocks(&d.s, d.x[:])
			d.nx = 0
		}
		p = p[n:]
	}
	if len(p) >= BlockSize {
		n := len(p) &^ (BlockSize - 1)
		blocks(&d.s, p[:n])
		p = p[n:]
	}
	if len(p) > 0 {
		d.nx = copy(d.x[:], p)
	}
	return nn, nil
}

// Sum appends the digest of everything written so far to in. The running
// state is not modified.
func (d *Digest) Sum(in []byte) []byte {
	d0 := *d
	sum := d0.finish()
	return append(in, sum[:]...)
}

// finish applies the RFC 1321 padding: a single 0x80 byte, zeros up to
// 56 mod 64, then the message length in bits as a little-endian uint64.
func (d *Digest) finish() [Size]byte {
	length := d.len

	var tmp [BlockSize + 8]byte
	tmp[0] = 0x80
	pad := (55 - length) % BlockSize
	_, _ = d.Write(tmp[:1+pad])

	binary.LittleEndian.PutUint64(tmp[:8], length<<3)
	_, _ = d.Write(tmp[:8])

	var out [Size]byte
	for i, v := range d.s {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

// blocks runs the compression function over every complete 64-byte block
// in p. len(p) must be a multiple of BlockSize.
func blocks(s *[4]uint32, p []byte) {
	var m [16]uint32
	for len(p) >= BlockSize {
		for i := range m {
			m[i] = binary.LittleEndian.Uint32(p[4*i:])
		}

		a, b, c, d := s[0], s[1], s[2], s[3]
		for i := 0; i < 64; i++ {
			var f uint32
			var g int
			switch i >> 4 {
			case 0:
				f = (b & c) | (^b & d)
				g = i
			case 1:
				f = (d & b) | (^d & c)
				g = (5*i + 1) & 15
			case 2:
				f = b ^ c ^ d
				g = (3*i + 5) & 15
			default:
				f = c ^ (b | ^d)
				g = (7 * i) & 15
			}
			f += a + table[i] + m[g]
			a, d, c = d, c, b
			b += bits.RotateLeft32(f, int(shifts[i]))
		}

		s[0] += a
		s[1] += b
		s[2] += c
		s[3] += d
		p = p[BlockSize:]
	}
}

// Sum returns the MD5 digest of data.
func Sum(data []byte) [Size]byte {
	d := New()
	_, _ = d.Write(data)
	return d.finish()
}

// HexString returns the lowercase hexadecimal MD5 digest of data.
func HexString(data []byte) string {
	sum := Sum(data)
	return hex.EncodeToString(sum[:])
}
