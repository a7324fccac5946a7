// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package board

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alistair23/tock/kernel"
)

var errNoTrap = errors.New("context stopped without a trap")

// quantum bounds one user mode run to its budget.
type quantum struct {
	timer   kernel.Timer
	expired atomic.Bool
	trapped atomic.Bool
}

// arm starts a quantum of budget on clock, stop is called if it expires
// before the process traps.
func arm(clock kernel.Clock, budget time.Duration, stop func()) *quantum {
	q := &quantum{}

	q.timer = clock.AfterFunc(budget, func() {
		if q.trapped.Load() {
			return
		}

		q.expired.Store(true)
		stop()
	})

	return q
}

// trap records a trap taken by the process.
func (q *quantum) trap() {
	q.trapped.Store(true)
}

// disarm stops the quantum and classifies the exit of a run which returned
// err after elapsed. A trap wins over an expiry as its request is pending in
// the saved registers.
func (q *quantum) disarm(err error, elapsed time.Duration) kernel.Trap {
	q.timer.Stop()

	switch {
	case err != nil:
		return kernel.Trap{Kind: kernel.TrapFault, Elapsed: elapsed, Err: err}
	case q.trapped.Load():
		return kernel.Trap{Kind: kernel.TrapSyscall, Elapsed: elapsed}
	case q.expired.Load():
		return kernel.Trap{Kind: kernel.TrapTimeslice, Elapsed: elapsed}
	}

	return kernel.Trap{Kind: kernel.TrapFault, Elapsed: elapsed, Err: errNoTrap}
}

// narrow checks that the RV64 argument registers a0-a4 carry 32-bit values,
// either zero or sign extended.
func narrow(a ...uint64) error {
	for i, v := range a {
		hi := v >> 32

		if hi == 0 || (hi == 0xffffffff && v&(1<<31) != 0) {
			continue
		}

		return fmt.Errorf("a%d %#x exceeds 32 bits", i, v)
	}

	return nil
}
