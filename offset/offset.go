// Package offset implements the tagged, pool-relative pointer encoding
// described in this module's design: a single 64-bit word carrying, besides a
// pool-relative byte offset, the auxiliary bits the detectable CAS and
// PMwCAS protocols rely on.
//
//	bit 63        : aux        (dirty / parity)
//	bit 62        : descriptor (points to MwCas/RDCSS descriptor)
//	bits 61..53   : tid        (9 bits, 0 = unowned)
//	bits 52..42   : high_tag   (11 bits, client-defined)
//	bits 41..align: offset     (pool-relative, low bits zero from alignment)
//	bits align-1..0: low_tag   (client-defined, occupies the alignment's
//	                            trailing zero bits)
//
// Offset never stores an absolute address: mmap base addresses vary
// between runs, so dereferencing always goes through a Pool (see
// package pmpool) that adds its mapped base to ByteOffset.
package offset

import "fmt"

// Offset is a tagged, pool-relative 64-bit reference. The zero value
// represents a null reference (all fields zero).
type Offset uint64

const (
	auxShift  = 63
	descShift = 62

	tidShift = 53
	tidBits  = 9
	tidMask  = uint64(1)<<tidBits - 1

	highTagShift = 42
	highTagBits  = 11
	highTagMask  = uint64(1)<<highTagBits - 1

	// lowRegionBits is the width, in bits, of the combined offset+low_tag
	// region (bits 41..0).
	lowRegionBits = 42
)

// MaxTid is the largest value the 9-bit tid field can hold.
const MaxTid = tidMask

// Nil is the zero Offset: no aux/desc bits, tid 0, tag 0, offset 0.
const Nil Offset = 0

func lowRegionMask() uint64 { return uint64(1)<<lowRegionBits - 1 }

func offsetFieldMask(alignShift uint) uint64 {
	return lowRegionMask() &^ (uint64(1)<<alignShift - 1)
}

func lowTagFieldMask(alignShift uint) uint64 {
	return uint64(1)<<alignShift - 1
}

// Aux reports the aux (dirty/parity) bit.
func (o Offset) Aux() bool { return uint64(o)&(1<<auxShift) != 0 }

// WithAux returns a copy of o with the aux bit set to v.
func (o Offset) WithAux(v bool) Offset {
	if v {
		return Offset(uint64(o) | 1<<auxShift)
	}
	return Offset(uint64(o) &^ (1 << auxShift))
}

// Desc reports the descriptor bit (the word holds a pointer to an
// RDCSS/MwCAS descriptor rather than plain data).
func (o Offset) Desc() bool { return uint64(o)&(1<<descShift) != 0 }

// WithDesc returns a copy of o with the descriptor bit set to v.
func (o Offset) WithDesc(v bool) Offset {
	if v {
		return Offset(uint64(o) | 1<<descShift)
	}
	return Offset(uint64(o) &^ (1 << descShift))
}

// Tid returns the 9-bit owning-thread field, 0 meaning unowned.
func (o Offset) Tid() uint16 { return uint16((uint64(o) >> tidShift) & tidMask) }

// WithTid returns a copy of o with the tid field set. It panics if tid
// exceeds MaxTid.
func (o Offset) WithTid(tid uint16) Offset {
	if uint64(tid) > tidMask {
		panic(fmt.Sprintf("offset: tid %d exceeds %d-bit field", tid, tidBits))
	}
	cleared := uint64(o) &^ (tidMask << tidShift)
	return Offset(cleared | uint64(tid)<<tidShift)
}

// HighTag returns the 11-bit client-defined tag field.
func (o Offset) HighTag() uint16 { return uint16((uint64(o) >> highTagShift) & highTagMask) }

// WithHighTag returns a copy of o with the high_tag field set. It panics
// if tag exceeds the 11-bit field width.
func (o Offset) WithHighTag(tag uint16) Offset {
	if uint64(tag) > highTagMask {
		panic(fmt.Sprintf("offset: high_tag %d exceeds %d-bit field", tag, highTagBits))
	}
	cleared := uint64(o) &^ (highTagMask << highTagShift)
	return Offset(cleared | uint64(tag)<<highTagShift)
}

// ByteOffset returns the pool-relative byte offset, given the alignment
// (expressed as its base-2 log, i.e. trailing-zero count) of the
// pointee type. Low_tag bits are masked off — callers must not
// dereference without doing so, per the package invariant.
func (o Offset) ByteOffset(alignShift uint) uintptr {
	return uintptr(uint64(o) & offsetFieldMask(alignShift))
}

// WithByteOffset returns a copy of o with the offset field set to off.
// off must already be aligned: its low alignShift bits must be zero.
// It panics otherwise, since silently truncating would corrupt the
// pointer.
func (o Offset) WithByteOffset(off uintptr, alignShift uint) Offset {
	mask := offsetFieldMask(alignShift)
	if uint64(off)&^mask != 0 {
		panic(fmt.Sprintf("offset: byte offset %#x not aligned to shift %d or exceeds field width", off, alignShift))
	}
	cleared := uint64(o) &^ mask
	return Offset(cleared | uint64(off))
}

// LowTag returns the client-defined tag packed into the alignment's
// trailing zero bits.
func (o Offset) LowTag(alignShift uint) uint16 {
	return uint16(uint64(o) & lowTagFieldMask(alignShift))
}

// WithLowTag returns a copy of o with the low_tag field set. It panics
// if tag does not fit within alignShift bits.
func (o Offset) WithLowTag(tag uint16, alignShift uint) Offset {
	mask := lowTagFieldMask(alignShift)
	if uint64(tag) > mask {
		panic(fmt.Sprintf("offset: low_tag %d exceeds %d-bit field", tag, alignShift))
	}
	cleared := uint64(o) &^ mask
	return Offset(cleared | uint64(tag))
}

// IsNil reports whether o is the zero Offset.
func (o Offset) IsNil() bool { return o == Nil }

// Bits returns the raw 64-bit word, for storage in a TaggedAtomic or a
// PMwCAS descriptor word.
func (o Offset) Bits() uint64 { return uint64(o) }

// FromBits reconstructs an Offset from a raw 64-bit word.
func FromBits(bits uint64) Offset { return Offset(bits) }
