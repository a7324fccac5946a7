// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"fmt"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

// Board is a simulated machine running a kernel.
type Board struct {
	Machine *Machine
	Exec    *Executor
	Kernel  *kernel.Kernel
}

// BoardOption customizes a Board.
type BoardOption func(*mpu.PMP) error

// WithPMP limits the protection unit to the first entries PMP entries, top
// of range matching is left unused when tor is false.
func WithPMP(entries int, tor bool) BoardOption {
	return func(p *mpu.PMP) error {
		if entries < 1 || entries > PMPEntries {
			return fmt.Errorf("invalid number of PMP entries %d, the machine has %d", entries, PMPEntries)
		}

		p.Entries = entries
		p.NoTOR = !tor

		return nil
	}
}

// NewBoard builds the machine described by opts.Map, the simulator map
// when unset, and a kernel driving it. The memory, protection unit and
// executor options are filled in.
func NewBoard(opts kernel.Options, options ...BoardOption) (b *Board, err error) {
	if opts.Map.RAM.Size == 0 {
		opts.Map = mem.SimMap()
	}

	b = &Board{}

	if b.Machine, err = NewMachine(opts.Map); err != nil {
		return nil, err
	}

	b.Exec = NewExecutor(b.Machine)

	pmp := &mpu.PMP{CSR: b.Machine.PMP, Entries: PMPEntries}

	for _, o := range options {
		if err = o(pmp); err != nil {
			return nil, err
		}
	}

	opts.Memory = b.Machine
	opts.MPU = mpu.NewManager(pmp, opts.Map.Protected())
	opts.Executor = b.Exec

	if b.Kernel, err = kernel.New(opts); err != nil {
		return nil, err
	}

	b.Exec.Interrupted = b.Kernel.WorkPending

	return
}

// Load flashes images and loads the processes they hold.
func (b *Board) Load(images ...[]byte) ([]kernel.LoadResult, error) {
	if _, err := b.Machine.Flash(images); err != nil {
		return nil, err
	}

	return b.Kernel.LoadProcesses()
}
