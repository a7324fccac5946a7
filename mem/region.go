// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem describes the board memory map and the arithmetic shared by
// the loader and the protection region manager.
package mem

import (
	"fmt"
	"math/bits"
)

// Permissions is the access set of a memory region.
type Permissions uint8

const (
	Read Permissions = 1 << iota
	Write
	Execute
)

const (
	ReadOnly         = Read
	ReadWrite        = Read | Write
	ReadExecute      = Read | Execute
	ReadWriteExecute = Read | Write | Execute
)

func (p Permissions) String() string {
	b := []byte("---")

	if p&Read != 0 {
		b[0] = 'r'
	}

	if p&Write != 0 {
		b[1] = 'w'
	}

	if p&Execute != 0 {
		b[2] = 'x'
	}

	return string(b)
}

// Region is a contiguous physical address range.
type Region struct {
	Name  string
	Start uint32
	Size  uint32
	Perm  Permissions
}

// End returns the first address past the region, as a 64-bit value so that
// regions ending at the top of the address space are representable.
func (r Region) End() uint64 {
	return uint64(r.Start) + uint64(r.Size)
}

// Contains reports whether [addr, addr+size) lies entirely inside r.
func (r Region) Contains(addr uint32, size uint32) bool {
	return addr >= r.Start && uint64(addr)+uint64(size) <= r.End()
}

// Overlaps reports whether r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}

	return uint64(r.Start) < o.End() && uint64(o.Start) < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s %#.8x-%#.8x %s", r.Name, r.Start, r.End(), r.Perm)
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n, or 0 when the
// result does not fit 32 bits.
func NextPowerOfTwo(n uint32) uint32 {
	if n <= 1 {
		return 1
	}

	shift := bits.Len32(n - 1)

	if shift >= 32 {
		return 0
	}

	return 1 << shift
}

// Log2 returns the base two logarithm of a power of two.
func Log2(n uint32) int {
	return bits.TrailingZeros32(n)
}

// AlignUp rounds addr up to a multiple of align (a power of two), reporting
// false on overflow.
func AlignUp(addr uint32, align uint32) (uint32, bool) {
	a := (uint64(addr) + uint64(align) - 1) &^ (uint64(align) - 1)

	if a > 0xffffffff {
		return 0, false
	}

	return uint32(a), true
}

// IsNAPOT reports whether [start, start+size) is a naturally aligned power
// of two region of at least 8 bytes.
func IsNAPOT(start uint32, size uint32) bool {
	return size >= 8 && IsPowerOfTwo(size) && start&(size-1) == 0
}
