// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && riscv64

package mem

import (
	"github.com/usbarmory/tamago/dma"
)

const (
	// Kernel (machine mode)
	KernelStart = 0x90000000
	KernelSize  = 0x07f00000 // 127MB

	// Kernel DMA (relocated to avoid conflicts with processes)
	KernelDMAStart = 0x97f00000
	KernelDMASize  = 0x00100000 // 1MB

	// Application images, QEMU has no flash so images are copied here at
	// boot and never written again.
	BootStart    = 0x98000000
	BootSize     = 0x00010000 // 64KB
	ProgramStart = 0x98010000
	ProgramSize  = 0x00ff0000 // 16MB - 64KB
	StorageStart = 0x99000000
	StorageSize  = 0x00100000 // 1MB

	// Process RAM pool
	AppRAMStart = 0x9a000000
	AppRAMSize  = 0x01000000 // 16MB
)

var (
	FlashRegion  *dma.Region
	AppRAMRegion *dma.Region
)

// Init reserves the process flash and RAM pools so that the Go runtime never
// allocates from them.
func Init() {
	FlashRegion, _ = dma.NewRegion(BootStart, BootSize+ProgramSize+StorageSize, false)
	FlashRegion.Reserve(BootSize+ProgramSize+StorageSize, 0)

	AppRAMRegion, _ = dma.NewRegion(AppRAMStart, AppRAMSize, false)
	AppRAMRegion.Reserve(AppRAMSize, 0)
}

// BoardMap returns the sifive_u memory map.
func BoardMap() Map {
	return Map{
		Kernel: []Region{
			{Name: "kernel", Start: KernelStart, Size: KernelSize, Perm: ReadWriteExecute},
			{Name: "kernel-dma", Start: KernelDMAStart, Size: KernelDMASize, Perm: ReadWrite},
		},
		Boot:    Region{Name: "boot", Start: BootStart, Size: BootSize, Perm: ReadExecute},
		Program: Region{Name: "program", Start: ProgramStart, Size: ProgramSize, Perm: ReadExecute},
		Storage: Region{Name: "storage", Start: StorageStart, Size: StorageSize, Perm: ReadWrite},
		RAM:     Region{Name: "app-ram", Start: AppRAMStart, Size: AppRAMSize, Perm: ReadWrite},
	}
}
