// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mpu

import (
	"fmt"

	"github.com/alistair23/tock/mem"
)

// pmpcfg A field values passed to CSR.WritePMP.
const (
	PMP_A_OFF   = int(Off)
	PMP_A_TOR   = int(TOR)
	PMP_A_NA4   = int(NA4)
	PMP_A_NAPOT = int(NAPOT)
)

// CSR writes one RISC-V PMP entry, addr is a byte address which is stored
// shifted right by two in pmpaddr.
type CSR interface {
	WritePMP(i int, addr uint64, r bool, w bool, x bool, a int, lock bool) error
}

// PMP is the RISC-V Physical Memory Protection backend.
type PMP struct {
	// CSR is the register writer.
	CSR CSR
	// Entries is the number of implemented PMP entries.
	Entries int
	// NoTOR disables top of range matching.
	NoTOR bool
}

func (p *PMP) Slots() int {
	return p.Entries
}

func (p *PMP) TOR() bool {
	return !p.NoTOR
}

// Write programs the PMP entries, unlocked so that machine mode retains full
// access.
func (p *PMP) Write(slots []Slot) (err error) {
	if len(slots) > p.Entries {
		return fmt.Errorf("%d slots exceed %d PMP entries", len(slots), p.Entries)
	}

	for i := 0; i < p.Entries; i++ {
		var s Slot

		if i < len(slots) {
			s = slots[i]
		}

		r := s.Perm&mem.Read != 0
		w := s.Perm&mem.Write != 0
		x := s.Perm&mem.Execute != 0

		if err = p.CSR.WritePMP(i, uint64(s.Addr)<<2, r, w, x, int(s.Mode), false); err != nil {
			return fmt.Errorf("could not write PMP entry %d, %v", i, err)
		}
	}

	return
}
