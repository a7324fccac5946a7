// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u

package board

import (
	"github.com/usbarmory/tamago/soc/sifive/fu540"

	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

// PMPEntries is the number of PMP entries of the FU540 harts.
const PMPEntries = 16

type csr struct{}

func (csr) WritePMP(i int, addr uint64, r bool, w bool, x bool, a int, lock bool) error {
	return fu540.RV64.WritePMP(i, addr, r, w, x, a, lock)
}

// NewMPU returns the protection unit manager of the running hart. Without a
// matching entry user mode has no access, protected regions are therefore
// never mapped.
func NewMPU(entries int, tor bool, protected []mem.Region) *mpu.Manager {
	if entries <= 0 || entries > PMPEntries {
		entries = PMPEntries
	}

	return mpu.NewManager(&mpu.PMP{CSR: csr{}, Entries: entries, NoTOR: !tor}, protected)
}
