// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"runtime"
	"time"

	"github.com/alistair23/tock/kernel"
)

// Default virtual time costs.
const (
	DefaultSyscallCost = 10 * time.Microsecond
	DefaultTick        = 100 * time.Microsecond
)

// Program is the behaviour of a simulated process.
type Program func(a *App)

// Executor runs every process incarnation on its own goroutine, only one of
// them runs at a time, handing control back and forth with the kernel loop.
//
// Time is virtual: processes consume it explicitly through App.Spin and
// system calls.
type Executor struct {
	// Interrupted is polled while a process runs, when it returns true the
	// process is preempted with kernel.TrapInterrupted.
	Interrupted func() bool
	// SyscallCost is the virtual time charged for every system call.
	SyscallCost time.Duration
	// Tick is the preemption check granularity of App.Spin.
	Tick time.Duration

	machine  *Machine
	programs map[string]Program
	ctxs     map[kernel.ProcessID]*execCtx
}

// execCtx is one process incarnation.
type execCtx struct {
	pid    kernel.ProcessID
	resume chan time.Duration
	trap   chan kernel.Trap
	kill   chan struct{}
	dead   bool
}

// NewExecutor returns an executor for programs keyed by process name.
func NewExecutor(mc *Machine) *Executor {
	return &Executor{
		SyscallCost: DefaultSyscallCost,
		Tick:        DefaultTick,
		machine:     mc,
		programs:    make(map[string]Program),
		ctxs:        make(map[kernel.ProcessID]*execCtx),
	}
}

// Install sets the program run by processes named name.
func (e *Executor) Install(name string, prog Program) {
	e.programs[name] = prog
}

// Programs returns the installed program names.
func (e *Executor) Programs() (names []string) {
	for name := range e.programs {
		names = append(names, name)
	}

	return
}

func (e *Executor) start(p *kernel.Process, prog Program) *execCtx {
	c := &execCtx{
		pid:    p.ID(),
		resume: make(chan time.Duration),
		trap:   make(chan kernel.Trap),
		kill:   make(chan struct{}),
	}

	a := newApp(e, c, p)

	go func() {
		if !a.wait() {
			return
		}

		prog(a)

		// returning from main is an exit
		a.Exit(kernel.ExitTerminate, 0)
	}()

	return c
}

// Switch resumes p until its next trap.
func (e *Executor) Switch(p *kernel.Process, budget time.Duration) kernel.Trap {
	c, ok := e.ctxs[p.ID()]

	if !ok {
		prog, ok := e.programs[p.Name()]

		if !ok {
			return kernel.Trap{Kind: kernel.TrapFault, Err: fmt.Errorf("no program installed for %s", p.Name())}
		}

		c = e.start(p, prog)
		e.ctxs[p.ID()] = c
	}

	if c.dead {
		return kernel.Trap{Kind: kernel.TrapFault, Err: fmt.Errorf("%s resumed after a fatal trap", p.ID())}
	}

	c.resume <- budget

	t := <-c.trap

	if t.Kind == kernel.TrapFault {
		c.dead = true
	}

	return t
}

// Release stops the goroutine of pid.
func (e *Executor) Release(pid kernel.ProcessID) {
	c, ok := e.ctxs[pid]

	if !ok {
		return
	}

	close(c.kill)
	delete(e.ctxs, pid)
}

// Running returns the number of live process goroutines.
func (e *Executor) Running() int {
	return len(e.ctxs)
}

// goexit unwinds the calling process goroutine.
func goexit() {
	runtime.Goexit()
}
