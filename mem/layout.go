// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"fmt"

	"go.uber.org/multierr"
)

// Memory gives the kernel unchecked access to physical memory.
type Memory interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, buf []byte) error
}

// Map is the board memory map consumed by the kernel.
type Map struct {
	// Kernel lists regions never mapped into a process.
	Kernel []Region
	// Boot is the boot code span at the base of flash.
	Boot Region
	// Program holds the concatenated application images.
	Program Region
	// Storage is the writable flash pool handed out to processes.
	Storage Region
	// RAM is the pool process memory is carved from.
	RAM Region
}

// Flash returns the contiguous flash span covering boot code, programs and
// storage.
func (m Map) Flash() Region {
	start := m.Boot.Start
	end := m.Storage.End()

	if m.Storage.Size == 0 {
		end = m.Program.End()
	}

	return Region{
		Name:  "flash",
		Start: start,
		Size:  uint32(end - uint64(start)),
		Perm:  ReadExecute,
	}
}

// Protected returns every region a process must never be able to reach.
func (m Map) Protected() []Region {
	return append([]Region{m.Boot}, m.Kernel...)
}

// Validate checks that the map regions are pairwise disjoint and that flash
// is contiguous.
func (m Map) Validate() (err error) {
	l := NewLedger()

	for _, r := range m.Kernel {
		err = multierr.Append(err, l.Claim("kernel", r))
	}

	if m.Program.Size == 0 {
		err = multierr.Append(err, fmt.Errorf("program region is empty"))
	}

	if m.RAM.Size == 0 {
		err = multierr.Append(err, fmt.Errorf("RAM region is empty"))
	}

	for _, r := range []Region{m.Boot, m.Program, m.Storage, m.RAM} {
		if r.Size != 0 {
			err = multierr.Append(err, l.Claim("board", r))
		}
	}

	if m.Boot.End() != uint64(m.Program.Start) {
		err = multierr.Append(err, fmt.Errorf("program flash does not follow boot code"))
	}

	if m.Storage.Size != 0 && m.Program.End() != uint64(m.Storage.Start) {
		err = multierr.Append(err, fmt.Errorf("storage flash does not follow program flash"))
	}

	return
}

// Host simulator memory map, 1MB of flash followed by 256KB of RAM.
const (
	SimBootStart    = 0x20000000
	SimBootSize     = 0x00010000
	SimProgramStart = 0x20010000
	SimProgramSize  = 0x000e0000
	SimStorageStart = 0x200f0000
	SimStorageSize  = 0x00010000

	SimKernelRAMStart = 0x80000000
	SimKernelRAMSize  = 0x00010000
	SimAppRAMStart    = 0x80010000
	SimAppRAMSize     = 0x00030000
)

// SimMap returns the host simulator memory map.
func SimMap() Map {
	return Map{
		Kernel: []Region{
			{Name: "kernel-ram", Start: SimKernelRAMStart, Size: SimKernelRAMSize, Perm: ReadWrite},
		},
		Boot:    Region{Name: "boot", Start: SimBootStart, Size: SimBootSize, Perm: ReadExecute},
		Program: Region{Name: "program", Start: SimProgramStart, Size: SimProgramSize, Perm: ReadExecute},
		Storage: Region{Name: "storage", Start: SimStorageStart, Size: SimStorageSize, Perm: ReadWrite},
		RAM:     Region{Name: "app-ram", Start: SimAppRAMStart, Size: SimAppRAMSize, Perm: ReadWrite},
	}
}
