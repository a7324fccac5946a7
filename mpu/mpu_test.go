// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mpu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/alistair23/tock/mem"
)

type pmpEntry struct {
	Addr    uint64
	R, W, X bool
	A       int
}

type recorder struct {
	entries map[int]pmpEntry
}

func (r *recorder) WritePMP(i int, addr uint64, rd bool, wr bool, x bool, a int, lock bool) error {
	if r.entries == nil {
		r.entries = make(map[int]pmpEntry)
	}

	r.entries[i] = pmpEntry{Addr: addr, R: rd, W: wr, X: x, A: a}

	return nil
}

var kernelRAM = mem.Region{Name: "kernel", Start: 0x80000000, Size: 0x10000, Perm: mem.ReadWrite}

func newManager(entries int, tor bool) (*Manager, *recorder) {
	csr := &recorder{}
	hw := &PMP{CSR: csr, Entries: entries, NoTOR: !tor}

	return NewManager(hw, []mem.Region{kernelRAM}), csr
}

func TestNAPOTEncoding(t *testing.T) {
	m, _ := newManager(8, false)
	c := m.NewConfig()

	flash := mem.Region{Name: "flash", Start: 0x20010000, Size: 0x800, Perm: mem.ReadExecute}

	if err := m.AddRegion(c, flash); err != nil {
		t.Fatal(err)
	}

	s := c.Slots()[0]

	if s.Mode != NAPOT || s.Addr != 0x20010000>>2|0xff {
		t.Fatalf("slot %+v", s)
	}

	if start, size := s.Range(); start != uint64(flash.Start) || size != uint64(flash.Size) {
		t.Errorf("decoded %#x+%#x", start, size)
	}

	eight := Slot{Mode: NAPOT, Addr: napot(0x1008, 8)}

	if start, size := eight.Range(); start != 0x1008 || size != 8 {
		t.Errorf("8 byte region decoded %#x+%#x", start, size)
	}
}

func TestMisalignedWithoutTOR(t *testing.T) {
	m, _ := newManager(8, false)
	c := m.NewConfig()

	err := m.AddRegion(c, mem.Region{Start: 0x20010400, Size: 0x800, Perm: mem.ReadExecute})

	if !errors.Is(err, ErrMisaligned) {
		t.Fatalf("got %v", err)
	}

	m, _ = newManager(8, true)
	c = m.NewConfig()

	if err = m.AddRegion(c, mem.Region{Start: 0x20010400, Size: 0x800, Perm: mem.ReadExecute}); err != nil {
		t.Fatalf("TOR fallback failed, %v", err)
	}

	want := []Slot{
		{Mode: Off, Addr: 0x20010400 >> 2},
		{Mode: TOR, Addr: 0x20010c00 >> 2, Perm: mem.ReadExecute},
	}

	if diff := cmp.Diff(want, c.Slots()[:2]); diff != "" {
		t.Errorf("slots (-want +got):\n%s", diff)
	}
}

func TestSlotExhaustion(t *testing.T) {
	m, _ := newManager(2, false)
	c := m.NewConfig()

	for i := uint32(0); i < 2; i++ {
		if err := m.AddRegion(c, mem.Region{Start: 0x1000 * (i + 1), Size: 0x1000, Perm: mem.ReadOnly}); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.AddRegion(c, mem.Region{Start: 0x4000, Size: 0x1000}); !errors.Is(err, ErrSlotsExhausted) {
		t.Fatalf("got %v", err)
	}
}

func TestKernelNeverMapped(t *testing.T) {
	m, _ := newManager(8, true)
	c := m.NewConfig()

	if err := m.AddRegion(c, mem.Region{Start: 0x80008000, Size: 0x1000}); !errors.Is(err, ErrKernelOverlap) {
		t.Fatalf("got %v", err)
	}

	// rounding the RAM block up to its alignment must not reach the kernel
	pool := mem.Region{Start: 0x7fffc000, Size: 0x14000}

	if _, err := m.AllocateAppMemoryRegion(c, pool, 0x8000, 0x1000, 0x1000, mem.ReadWrite); err == nil {
		t.Fatal("app memory overlapping kernel accepted")
	}
}

func TestOverlappingRegions(t *testing.T) {
	m, _ := newManager(8, true)
	c := m.NewConfig()

	m.AddRegion(c, mem.Region{Start: 0x1000, Size: 0x1000})

	if err := m.AddRegion(c, mem.Region{Start: 0x1800, Size: 0x800}); !errors.Is(err, mem.ErrOverlap) {
		t.Fatalf("got %v", err)
	}
}

func TestAppMemoryRegion(t *testing.T) {
	if n := AppMemorySize(0x1000, 0x1800, 0x400); n != 0x2000 {
		t.Errorf("AppMemorySize = %#x", n)
	}

	if n := AppMemorySize(0x4000, 0x100, 0x100); n != 0x4000 {
		t.Errorf("AppMemorySize = %#x", n)
	}

	m, csr := newManager(8, true)
	c := m.NewConfig()
	pool := mem.Region{Start: 0x80010100, Size: 0x30000}

	r, err := m.AllocateAppMemoryRegion(c, pool, 0, 0x1000, 0x800, mem.ReadWrite)

	if err != nil {
		t.Fatal(err)
	}

	if r.Start != 0x80012000 || r.Size != 0x2000 {
		t.Fatalf("app region %v", r)
	}

	if got, ok := c.AppRegion(); !ok || got != r {
		t.Fatalf("AppRegion = %v %v", got, ok)
	}

	if err = m.UpdateAppMemoryRegion(c, r.Start+0x1800, r.Start+0x1800); err != nil {
		t.Fatal(err)
	}

	if err = m.UpdateAppMemoryRegion(c, r.Start+0x1804, r.Start+0x1800); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("break crossing accepted, %v", err)
	}

	if err = m.Configure(c); err != nil {
		t.Fatal(err)
	}

	want := map[int]pmpEntry{
		0: {Addr: 0x80012000},
		1: {Addr: 0x80013800, R: true, W: true, A: int(TOR)},
	}

	for i := 2; i < 8; i++ {
		want[i] = pmpEntry{}
	}

	if diff := cmp.Diff(want, csr.entries); diff != "" {
		t.Errorf("PMP entries (-want +got):\n%s", diff)
	}

	if err = m.Disable(); err != nil {
		t.Fatal(err)
	}

	if csr.entries[1].A != int(Off) {
		t.Error("disable left entries active")
	}
}

func TestAppMemoryRegionNAPOT(t *testing.T) {
	m, _ := newManager(4, false)
	c := m.NewConfig()
	pool := mem.Region{Start: 0x80010000, Size: 0x30000}

	r, err := m.AllocateAppMemoryRegion(c, pool, 0x4000, 0, 0, mem.ReadWrite)

	if err != nil {
		t.Fatal(err)
	}

	s := c.Slots()[0]

	if start, size := s.Range(); start != uint64(r.Start) || size != uint64(r.Size) {
		t.Errorf("slot covers %#x+%#x, want %v", start, size, r)
	}

	// the whole block stays mapped without TOR
	if err = m.UpdateAppMemoryRegion(c, r.Start+0x100, r.Start+0x3000); err != nil {
		t.Fatal(err)
	}

	if c.Slots()[0] != s {
		t.Error("NAPOT app region changed")
	}
}
