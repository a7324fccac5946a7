// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/mem"
)

// Upcall is a process function invoked by the kernel.
type Upcall func(a0 uint32, a1 uint32, a2 uint32, appData uint32)

// App is the user mode view of a simulated process, every method must be
// called from the program goroutine.
type App struct {
	exec *Executor
	c    *execCtx
	regs *kernel.Registers

	name     string
	code     mem.Region
	image    uint32
	ramStart uint32
	ramSize  uint32
	brk      uint32

	budget time.Duration
	used   time.Duration

	// handlers maps fake code addresses to upcall functions
	handlers map[uint32]Upcall
	next     uint32
	ecall    uint32
}

func newApp(e *Executor, c *execCtx, p *kernel.Process) *App {
	regs := p.Registers()

	return &App{
		exec:     e,
		c:        c,
		regs:     regs,
		name:     p.Name(),
		code:     p.Code(),
		image:    regs.A[0],
		ramStart: regs.A[1],
		ramSize:  regs.A[2],
		brk:      regs.A[3],
		handlers: make(map[uint32]Upcall),
		ecall:    p.Code().Start,
		next:     p.Code().Start + 4,
	}
}

// wait blocks until the kernel resumes the process, it returns false once
// the incarnation is released.
func (a *App) wait() bool {
	select {
	case b := <-a.c.resume:
		a.budget = b
		a.used = 0
		return true
	case <-a.c.kill:
		return false
	}
}

func (a *App) trap(t kernel.Trap) {
	t.Elapsed = a.used
	a.c.trap <- t

	if !a.wait() {
		goexit()
	}
}

// Fault raises a fatal trap, it never returns.
func (a *App) Fault(err error) {
	a.c.trap <- kernel.Trap{Kind: kernel.TrapFault, Elapsed: a.used, Err: err}
	goexit()
}

func (a *App) Name() string {
	return a.name
}

// Image returns the flash address of the process image.
func (a *App) Image() uint32 {
	return a.image
}

// RAM returns the process memory block.
func (a *App) RAM() (start uint32, size uint32) {
	return a.ramStart, a.ramSize
}

// InitialBreak returns the application break at start.
func (a *App) InitialBreak() uint32 {
	return a.brk
}

// Spin consumes d of virtual CPU time, the process may be preempted.
func (a *App) Spin(d time.Duration) {
	for d > 0 {
		step := a.exec.Tick

		if step > d {
			step = d
		}

		if left := a.budget - a.used; left > 0 && step > left {
			step = left
		}

		a.used += step
		d -= step

		if a.used >= a.budget {
			a.trap(kernel.Trap{Kind: kernel.TrapTimeslice})
			continue
		}

		if a.exec.Interrupted != nil && a.exec.Interrupted() {
			a.trap(kernel.Trap{Kind: kernel.TrapInterrupted})
		}
	}
}

// Syscall traps into the kernel with the request in a0-a4 and returns the
// result registers. Upcalls delivered on return run before it returns.
func (a *App) Syscall(class kernel.Class, r0 uint32, r1 uint32, r2 uint32, r3 uint32) kernel.CommandReturn {
	a.regs.PC = a.ecall
	a.regs.A = [8]uint32{r0, r1, r2, r3, uint32(class)}
	a.used += a.exec.SyscallCost

	a.trap(kernel.Trap{Kind: kernel.TrapSyscall})

	r := kernel.CommandReturn{
		Variant: kernel.Variant(a.regs.A[0]),
		Data:    [3]uint32{a.regs.A[1], a.regs.A[2], a.regs.A[3]},
	}

	a.upcalls()

	return r
}

// upcalls runs the functions the kernel jumped to.
func (a *App) upcalls() {
	for a.regs.PC != a.ecall {
		fn, ok := a.handlers[a.regs.PC]

		if !ok {
			a.Fault(fmt.Errorf("jump to %#.8x", a.regs.PC))
		}

		ret := a.regs.RA
		fn(a.regs.A[0], a.regs.A[1], a.regs.A[2], a.regs.A[3])
		a.regs.PC = ret
	}
}

// Command invokes command num of a capsule.
func (a *App) Command(capsule kernel.CapsuleID, num uint32, arg1 uint32, arg2 uint32) kernel.CommandReturn {
	return a.Syscall(kernel.CommandClass, uint32(capsule), num, arg1, arg2)
}

// Subscribe registers fn as upcall num of a capsule, a nil fn unsubscribes.
func (a *App) Subscribe(capsule kernel.CapsuleID, num uint32, fn Upcall, appData uint32) kernel.CommandReturn {
	var addr uint32

	if fn != nil {
		if uint64(a.next)+4 > a.code.End() {
			a.Fault(errors.New("out of upcall entry points"))
		}

		addr = a.next
		a.handlers[addr] = fn
		a.next += 4
	}

	return a.Syscall(kernel.SubscribeClass, uint32(capsule), num, addr, appData)
}

// AllowReadWrite shares [addr, addr+size) with a capsule.
func (a *App) AllowReadWrite(capsule kernel.CapsuleID, num uint32, addr uint32, size uint32) kernel.CommandReturn {
	return a.Syscall(kernel.ReadWriteAllowClass, uint32(capsule), num, addr, size)
}

// AllowReadOnly shares [addr, addr+size) with a capsule for reading.
func (a *App) AllowReadOnly(capsule kernel.CapsuleID, num uint32, addr uint32, size uint32) kernel.CommandReturn {
	return a.Syscall(kernel.ReadOnlyAllowClass, uint32(capsule), num, addr, size)
}

// Yield blocks until an upcall has run.
func (a *App) Yield() {
	a.Syscall(kernel.YieldClass, kernel.YieldWait, 0, 0, 0)
}

// YieldNoWait runs one queued upcall, if any, and reports whether it did.
func (a *App) YieldNoWait() bool {
	// the bottom of the stack holds the flag
	flag := a.ramStart
	a.Store(flag, []byte{0xff})
	a.Syscall(kernel.YieldClass, kernel.YieldNoWait, flag, 0, 0)

	b := make([]byte, 1)
	a.Load(flag, b)

	return b[0] == 1
}

// YieldFor yields until done returns true.
func (a *App) YieldFor(done func() bool) {
	for !done() {
		a.Yield()
	}
}

// Memop runs memory operation op.
func (a *App) Memop(op uint32, arg uint32) kernel.CommandReturn {
	return a.Syscall(kernel.MemopClass, op, arg, 0, 0)
}

// Brk moves the application break to addr.
func (a *App) Brk(addr uint32) error {
	return a.Memop(kernel.MemopBrk, addr).Err()
}

// Sbrk moves the application break by inc bytes, returning the previous
// break.
func (a *App) Sbrk(inc int32) (uint32, error) {
	r := a.Memop(kernel.MemopSbrk, uint32(inc))
	return r.Data[0], r.Err()
}

// Exit ends the process, it never returns.
func (a *App) Exit(typ uint32, code uint32) {
	a.Syscall(kernel.ExitClass, typ, code, 0, 0)
	a.Fault(errors.New("exit returned"))
}

// Load reads memory through the PMP, denied accesses fault the process.
func (a *App) Load(addr uint32, buf []byte) {
	if err := a.exec.machine.PMP.Check(addr, uint32(len(buf)), mem.Read); err != nil {
		a.Fault(err)
	}

	if err := a.exec.machine.Read(addr, buf); err != nil {
		a.Fault(err)
	}
}

// Store writes memory through the PMP, denied accesses fault the process.
func (a *App) Store(addr uint32, buf []byte) {
	if err := a.exec.machine.PMP.Check(addr, uint32(len(buf)), mem.Write); err != nil {
		a.Fault(err)
	}

	if err := a.exec.machine.Write(addr, buf); err != nil {
		a.Fault(err)
	}
}

func (a *App) LoadWord(addr uint32) uint32 {
	b := make([]byte, 4)
	a.Load(addr, b)

	return binary.LittleEndian.Uint32(b)
}

func (a *App) StoreWord(addr uint32, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	a.Store(addr, b)
}
