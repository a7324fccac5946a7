// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"sync"

	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

// PMPEntries is the number of entries of the simulated hart.
const PMPEntries = 16

type pmpEntry struct {
	addr uint64
	perm mem.Permissions
	a    int
	lock bool
}

// PMP models the RISC-V Physical Memory Protection unit of one hart as seen
// from user mode.
type PMP struct {
	sync.Mutex
	entries [PMPEntries]pmpEntry
}

// AccessError is a user mode access denied by the PMP.
type AccessError struct {
	Addr   uint32
	Size   uint32
	Access mem.Permissions
	// Entry is the matching entry, -1 when none matched.
	Entry int
}

func (e *AccessError) Error() string {
	if e.Entry < 0 {
		return fmt.Sprintf("%s access at %#.8x-%#.8x matches no PMP entry", e.Access, e.Addr, uint64(e.Addr)+uint64(e.Size))
	}

	return fmt.Sprintf("%s access at %#.8x-%#.8x denied by PMP entry %d", e.Access, e.Addr, uint64(e.Addr)+uint64(e.Size), e.Entry)
}

// WritePMP writes entry i, addr is the byte address stored shifted right by
// two in pmpaddr.
func (p *PMP) WritePMP(i int, addr uint64, r bool, w bool, x bool, a int, lock bool) error {
	p.Lock()
	defer p.Unlock()

	if i < 0 || i >= PMPEntries {
		return fmt.Errorf("invalid PMP entry %d", i)
	}

	if p.entries[i].lock {
		return fmt.Errorf("PMP entry %d is locked", i)
	}

	if a < mpu.PMP_A_OFF || a > mpu.PMP_A_NAPOT {
		return fmt.Errorf("invalid PMP mode %d", a)
	}

	var perm mem.Permissions

	if r {
		perm |= mem.Read
	}

	if w {
		perm |= mem.Write
	}

	if x {
		perm |= mem.Execute
	}

	p.entries[i] = pmpEntry{
		addr: addr &^ 3,
		perm: perm,
		a:    a,
		lock: lock,
	}

	return nil
}

// bounds returns the byte range matched by entry i.
func (p *PMP) bounds(i int) (start uint64, end uint64, ok bool) {
	e := p.entries[i]

	switch e.a {
	case mpu.PMP_A_TOR:
		if i > 0 {
			start = p.entries[i-1].addr
		}

		return start, e.addr, start < e.addr
	case mpu.PMP_A_NA4:
		return e.addr, e.addr + 4, true
	case mpu.PMP_A_NAPOT:
		pmpaddr := e.addr >> 2
		t := 0

		for ; pmpaddr&1 == 1; pmpaddr >>= 1 {
			t++
		}

		size := uint64(8) << t
		start = (e.addr >> 2) &^ (1<<t - 1) << 2

		return start, start + size, true
	}

	return
}

// Check verifies a user mode access of size bytes at addr, the lowest
// numbered matching entry decides and accesses matching none are denied.
func (p *PMP) Check(addr uint32, size uint32, access mem.Permissions) error {
	p.Lock()
	defer p.Unlock()

	lo := uint64(addr)
	hi := lo + uint64(size)

	if size == 0 {
		hi = lo + 1
	}

	for i := 0; i < PMPEntries; i++ {
		start, end, ok := p.bounds(i)

		if !ok || hi <= start || lo >= end {
			continue
		}

		// partial matches fail
		if lo < start || hi > end || p.entries[i].perm&access != access {
			return &AccessError{Addr: addr, Size: size, Access: access, Entry: i}
		}

		return nil
	}

	return &AccessError{Addr: addr, Size: size, Access: access, Entry: -1}
}

// Dump lists the active entries.
func (p *PMP) Dump() (s string) {
	p.Lock()
	defer p.Unlock()

	for i := 0; i < PMPEntries; i++ {
		e := p.entries[i]

		if e.a == mpu.PMP_A_OFF {
			continue
		}

		start, end, _ := p.bounds(i)

		s += fmt.Sprintf("%2d %#.8x-%#.8x %s %s\n", i, start, end, e.perm, mpu.Mode(e.a))
	}

	return
}
