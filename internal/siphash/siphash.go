// Package siphash derives the process-wide keyed hash used by the TCP hash
// index (spec.md §4.2) and by initial sequence number generation (spec.md
// §4.3.5, RFC 6528). A single 128-bit secret is chosen once at process start
// and reused for every keyed hash so that two runs of the process never
// produce a predictable mapping between flow tuples and hash buckets or ISNs.
package siphash

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Secret is the 128-bit per-process key described in spec.md §4.2 and
// §4.3.5. It is generated by NewSecret and never persisted.
type Secret struct {
	k0, k1 uint64
}

// NewSecret draws a fresh 128-bit secret from the OS CSPRNG.
func NewSecret() (Secret, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Secret{}, err
	}
	return Secret{
		k0: binary.LittleEndian.Uint64(buf[0:8]),
		k1: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Hash64 computes the keyed SipHash-2-4 of data under this secret. Used for
// the TCP hash index bucket computation (spec.md §4.2).
func (s Secret) Hash64(data []byte) uint64 {
	return siphash.Hash(s.k0, s.k1, data)
}

// TCPKey is the natural key of a tracked TCP flow, as used both for hash
// index lookups (spec.md §4.2) and for dup-ACK hashing inputs.
type TCPKey struct {
	FAddr [16]byte // far (peer) address, IPv4-mapped-in-IPv6 form
	EPort uint16   // near (tap-side) port
	FPort uint16   // far port
}

// Bytes serializes the key in a fixed, stable layout for hashing.
func (k TCPKey) Bytes() []byte {
	var b [20]byte
	copy(b[0:16], k.FAddr[:])
	binary.BigEndian.PutUint16(b[16:18], k.EPort)
	binary.BigEndian.PutUint16(b[18:20], k.FPort)
	return b[:]
}

// HashKey returns the bucket hash for key under secret (spec.md §4.2).
func (s Secret) HashKey(k TCPKey) uint64 {
	return s.Hash64(k.Bytes())
}

// ISNInput is the 4-tuple fed into SipHash for RFC 6528 initial sequence
// number generation (spec.md §4.3.5).
type ISNInput struct {
	FAddr   [16]byte
	LAddr   [16]byte
	FPort   uint16
	EPort   uint16
}

func (in ISNInput) bytes() []byte {
	var b [36]byte
	copy(b[0:16], in.FAddr[:])
	copy(b[16:32], in.LAddr[:])
	binary.BigEndian.PutUint16(b[32:34], in.FPort)
	binary.BigEndian.PutUint16(b[34:36], in.EPort)
	return b[:]
}

// ISN computes the initial sequence number: SipHash(tuple) plus a monotonic
// tick counter derived from nowNanos >> 5, per spec.md §4.3.5.
func (s Secret) ISN(in ISNInput, nowNanos uint64) uint32 {
	h := s.Hash64(in.bytes())
	tick := uint32(nowNanos >> 5)
	return uint32(h) + tick
}

// DupAckHash returns the 8-bit hash of seqFromTap used to tolerate
// sequence-space collisions when detecting duplicate ACKs (spec.md §4.3).
func (s Secret) DupAckHash(seqFromTap uint32) uint8 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seqFromTap)
	return uint8(s.Hash64(b[:]))
}
