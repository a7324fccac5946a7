// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u

package board

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/usbarmory/tamago/dma"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/alistair23/tock/kernel"
)

// Executor runs processes in user mode through the GoTEE monitor, one
// execution context per process incarnation.
//
// Every run is bounded by a quantum timer which stops the context once the
// budget expires. Go timers fire once the runtime regains control, a process
// that never traps is therefore stopped at the next machine mode interrupt.
type Executor struct {
	// RAM is the process memory pool, every context shares it as the PMP
	// confines each process to its own part.
	RAM *dma.Region
	// Log receives context lifecycle events.
	Log logrus.FieldLogger
	// Clock arms the quantum of each run.
	Clock kernel.Clock

	ctxs map[kernel.ProcessID]*monitor.ExecCtx
	q    *quantum
}

// NewExecutor returns an executor for processes allocated from ram.
func NewExecutor(ram *dma.Region, log logrus.FieldLogger) *Executor {
	return &Executor{
		RAM:   ram,
		Log:   log,
		Clock: kernel.WallClock{},
		ctxs:  make(map[kernel.ProcessID]*monitor.ExecCtx),
	}
}

func (e *Executor) context(p *kernel.Process) (ctx *monitor.ExecCtx, err error) {
	if ctx, ok := e.ctxs[p.ID()]; ok {
		return ctx, nil
	}

	if ctx, err = monitor.Load(uint(p.Registers().PC), e.RAM, true); err != nil {
		return
	}

	// the kernel programs the PMP before every switch
	ctx.PMP = func(*monitor.ExecCtx, int) error { return nil }

	ctx.Handler = func(ctx *monitor.ExecCtx) error {
		// every trap returns control to the kernel loop
		if e.q != nil {
			e.q.trap()
		}

		ctx.Stop()
		return nil
	}

	e.ctxs[p.ID()] = ctx
	e.Log.Debugf("%s context created pc:%#.8x", p, ctx.PC)

	return
}

func restore(ctx *monitor.ExecCtx, r *kernel.Registers) {
	ctx.PC = uint64(r.PC)
	ctx.X1 = uint64(r.RA)
	ctx.X2 = uint64(r.SP)
	ctx.X10 = uint64(r.A[0])
	ctx.X11 = uint64(r.A[1])
	ctx.X12 = uint64(r.A[2])
	ctx.X13 = uint64(r.A[3])
	ctx.X14 = uint64(r.A[4])
	ctx.X15 = uint64(r.A[5])
	ctx.X16 = uint64(r.A[6])
	ctx.X17 = uint64(r.A[7])
}

func save(ctx *monitor.ExecCtx, r *kernel.Registers) {
	r.PC = uint32(ctx.PC)
	r.RA = uint32(ctx.X1)
	r.SP = uint32(ctx.X2)
	r.A[0] = uint32(ctx.X10)
	r.A[1] = uint32(ctx.X11)
	r.A[2] = uint32(ctx.X12)
	r.A[3] = uint32(ctx.X13)
	r.A[4] = uint32(ctx.X14)
	r.A[5] = uint32(ctx.X15)
	r.A[6] = uint32(ctx.X16)
	r.A[7] = uint32(ctx.X17)
}

// Switch runs p until its next trap or until budget expires.
func (e *Executor) Switch(p *kernel.Process, budget time.Duration) kernel.Trap {
	ctx, err := e.context(p)

	if err != nil {
		return kernel.Trap{Kind: kernel.TrapFault, Err: err}
	}

	restore(ctx, p.Registers())

	start := e.Clock.Now()
	e.q = arm(e.Clock, budget, ctx.Stop)
	err = ctx.Run()
	trap := e.q.disarm(err, e.Clock.Now().Sub(start))
	e.q = nil

	if trap.Kind == kernel.TrapSyscall {
		if err = narrow(ctx.X10, ctx.X11, ctx.X12, ctx.X13, ctx.X14); err != nil {
			trap = kernel.Trap{Kind: kernel.TrapFault, Elapsed: trap.Elapsed, Err: err}
		}
	}

	save(ctx, p.Registers())

	if trap.Kind == kernel.TrapFault {
		e.Log.Debugf("%s trapped sp:%#.8x ra:%#.8x pc:%#.8x err:%v", p, ctx.X2, ctx.X1, ctx.PC, trap.Err)
	}

	return trap
}

// Release drops the context of pid.
func (e *Executor) Release(pid kernel.ProcessID) {
	delete(e.ctxs, pid)
}
