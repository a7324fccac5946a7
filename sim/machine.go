// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim implements a host simulated RISC-V board: flash and RAM, a
// PMP model and an executor running processes as goroutines.
package sim

import (
	"fmt"
	"sync"

	"github.com/alistair23/tock/mem"
)

type bank struct {
	mem.Region
	buf []byte
}

// Machine is the physical memory of the simulated board.
type Machine struct {
	sync.Mutex

	Map   mem.Map
	PMP   *PMP
	banks []*bank
}

// NewMachine allocates the flash and RAM described by m, flash starts out
// erased.
func NewMachine(m mem.Map) (*Machine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	mc := &Machine{
		Map: m,
		PMP: &PMP{},
	}

	flash := &bank{Region: m.Flash(), buf: make([]byte, m.Flash().Size)}

	for i := range flash.buf {
		flash.buf[i] = mem.Erased
	}

	mc.banks = append(mc.banks, flash)
	mc.banks = append(mc.banks, &bank{Region: m.RAM, buf: make([]byte, m.RAM.Size)})

	for _, r := range m.Kernel {
		mc.banks = append(mc.banks, &bank{Region: r, buf: make([]byte, r.Size)})
	}

	return mc, nil
}

func (mc *Machine) find(addr uint32, n int) ([]byte, error) {
	for _, b := range mc.banks {
		if b.Contains(addr, uint32(n)) {
			off := addr - b.Start
			return b.buf[off : off+uint32(n)], nil
		}
	}

	return nil, fmt.Errorf("bus error at %#.8x-%#.8x", addr, uint64(addr)+uint64(n))
}

// Read copies memory at addr into buf.
func (mc *Machine) Read(addr uint32, buf []byte) error {
	mc.Lock()
	defer mc.Unlock()

	b, err := mc.find(addr, len(buf))

	if err != nil {
		return err
	}

	copy(buf, b)

	return nil
}

// Write copies buf to memory at addr.
func (mc *Machine) Write(addr uint32, buf []byte) error {
	mc.Lock()
	defer mc.Unlock()

	b, err := mc.find(addr, len(buf))

	if err != nil {
		return err
	}

	copy(b, buf)

	return nil
}

// Flash erases the program region and writes images to it.
func (mc *Machine) Flash(images [][]byte) (addrs []uint32, err error) {
	return mem.Flash(mc, mc.Map.Program, images)
}
