// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u

// Package board wires the kernel to the QEMU sifive_u machine.
package board

import (
	"fmt"

	"github.com/usbarmory/tamago/dma"

	"github.com/alistair23/tock/mem"
)

type bank struct {
	mem.Region
	dma *dma.Region
}

// Memory gives the kernel access to the reserved flash and RAM pools.
type Memory struct {
	banks []bank
}

// NewMemory returns the memory of map m, backed by the flash and ram DMA
// regions reserved at boot.
func NewMemory(m mem.Map, flash *dma.Region, ram *dma.Region) *Memory {
	return &Memory{
		banks: []bank{
			{m.Flash(), flash},
			{m.RAM, ram},
		},
	}
}

func (m *Memory) find(addr uint32, n int) (*bank, error) {
	for i := range m.banks {
		if m.banks[i].Contains(addr, uint32(n)) {
			return &m.banks[i], nil
		}
	}

	return nil, fmt.Errorf("no memory at %#.8x-%#.8x", addr, uint64(addr)+uint64(n))
}

// Read copies memory at addr into buf.
func (m *Memory) Read(addr uint32, buf []byte) error {
	b, err := m.find(addr, len(buf))

	if err != nil {
		return err
	}

	b.dma.Read(uint(b.Start), int(addr-b.Start), buf)

	return nil
}

// Write copies buf to memory at addr.
func (m *Memory) Write(addr uint32, buf []byte) error {
	b, err := m.find(addr, len(buf))

	if err != nil {
		return err
	}

	b.dma.Write(uint(b.Start), int(addr-b.Start), buf)

	return nil
}
