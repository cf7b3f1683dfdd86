// Package blockhdr defines the block header layout shared by the R and G
// mining paths and by JobBroker. The layout is fixed by spec.md §4.1; this
// package is the single place that encodes and decodes it so HashEngine,
// SieveEngine and JobBroker never disagree about byte offsets.
package blockhdr

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Size of the fixed-width fields before the two variable-length fields.
const fixedPrefixSize = 4 + 32 + 32 + 4 + 4 + 4 + 32 + 32

// Size of the fixed-width suffix after the two variable-length fields.
const fixedSuffixSize = 4 + 32 + 4

// NonceOffset is the fixed byte offset of the nonce field, used by
// HashEngine to mutate a header copy in place without re-serializing.
const NonceOffset = 4 + 32 + 32 + 4 + 4

// Header is the full block header consumed by both mining paths.
// PrevoutStake and BlockSigDelegation carry the legacy stake fields;
// Shift/Adder/GapSize are the legacy prime-gap fields G operates on.
type Header struct {
	Version            int32
	PrevHash           [32]byte
	MerkleRoot         [32]byte
	Time               uint32
	Bits               uint32
	Nonce              uint32
	StateRoot          [32]byte
	UTXORoot           [32]byte
	PrevoutStake       []byte
	BlockSigDelegation []byte
	Shift              uint32
	Adder              [32]byte
	GapSize            uint32
}

// Clone returns a deep copy, the unit each mining thread mutates locally.
func (h *Header) Clone() *Header {
	out := *h
	out.PrevoutStake = append([]byte(nil), h.PrevoutStake...)
	out.BlockSigDelegation = append([]byte(nil), h.BlockSigDelegation...)
	return &out
}

// Serialize produces the exact byte sequence that is hashed. The nonce is
// always written at NonceOffset regardless of host endianness.
func (h *Header) Serialize() []byte {
	buf := make([]byte, 0, fixedPrefixSize+fixedSuffixSize+len(h.PrevoutStake)+len(h.BlockSigDelegation)+20)

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(h.Version))
	buf = append(buf, tmp[:]...)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	binary.LittleEndian.PutUint32(tmp[:], h.Time)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], h.Bits)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], h.Nonce)
	buf = append(buf, tmp[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.UTXORoot[:]...)
	buf = appendVarBytes(buf, h.PrevoutStake)
	buf = appendVarBytes(buf, h.BlockSigDelegation)
	binary.LittleEndian.PutUint32(tmp[:], h.Shift)
	buf = append(buf, tmp[:]...)
	buf = append(buf, h.Adder[:]...)
	binary.LittleEndian.PutUint32(tmp[:], h.GapSize)
	buf = append(buf, tmp[:]...)

	return buf
}

// SerializeWithoutGapFields serializes everything up to (not including)
// shift/adder/gap_size, the input to G's base-prime derivation
// (P0 = SHA256(headerWithoutGapFields) << shift).
func (h *Header) SerializeWithoutGapFields() []byte {
	full := h.Serialize()
	return full[:len(full)-4-32-4]
}

// SetNonceLE writes the nonce into a pre-serialized header blob at
// NonceOffset, always little-endian regardless of host byte order.
func SetNonceLE(blob []byte, nonce uint32) {
	binary.LittleEndian.PutUint32(blob[NonceOffset:NonceOffset+4], nonce)
}

func appendVarBytes(buf []byte, b []byte) []byte {
	buf = appendVarInt(buf, uint64(len(b)))
	return append(buf, b...)
}

// appendVarInt writes a Bitcoin-style CompactSize integer.
func appendVarInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(v))
		return append(append(buf, 0xfd), tmp[:]...)
	case v <= 0xffffffff:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		return append(append(buf, 0xfe), tmp[:]...)
	default:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		return append(append(buf, 0xff), tmp[:]...)
	}
}

// CompactToTarget decodes a Bitcoin-style compact `bits` value into a
// 256-bit unsigned target.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		mantissa = 0
	}

	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}
	return target
}

// TargetToBE32 renders a target as a 32-byte big-endian array, padding
// with leading zeros.
func TargetToBE32(target *big.Int) [32]byte {
	var out [32]byte
	b := target.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}

// MeetsTarget reports hash <= target under big-endian unsigned
// lexicographic comparison, per spec.md §8's equivalence property.
func MeetsTarget(hashBE, targetBE []byte) bool {
	if len(hashBE) != len(targetBE) {
		panic(fmt.Sprintf("blockhdr: length mismatch %d vs %d", len(hashBE), len(targetBE)))
	}
	for i := range hashBE {
		if hashBE[i] < targetBE[i] {
			return true
		}
		if hashBE[i] > targetBE[i] {
			return false
		}
	}
	return true
}
