// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"time"
)

// TrapKind is the reason control returned to the kernel.
type TrapKind int

const (
	// TrapSyscall leaves the request in the saved registers.
	TrapSyscall TrapKind = iota
	// TrapFault carries the cause in Trap.Err.
	TrapFault
	// TrapTimeslice is raised once the budget expires.
	TrapTimeslice
	// TrapInterrupted is raised when kernel work became pending.
	TrapInterrupted
)

func (t TrapKind) String() string {
	switch t {
	case TrapSyscall:
		return "syscall"
	case TrapFault:
		return "fault"
	case TrapTimeslice:
		return "timeslice"
	case TrapInterrupted:
		return "interrupt"
	}

	return fmt.Sprintf("trap(%d)", int(t))
}

// Trap describes an exit from user mode.
type Trap struct {
	Kind    TrapKind
	Elapsed time.Duration
	Err     error
}

// Executor switches to processes. The protection configuration of the
// process is active when Switch is called, registers are restored from and
// saved to p.Registers().
type Executor interface {
	Switch(p *Process, budget time.Duration) Trap
	// Release drops any context kept for an incarnation that will never
	// run again.
	Release(pid ProcessID)
}
