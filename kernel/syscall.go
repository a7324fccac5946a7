// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"fmt"
)

// Class is the syscall class, passed in a4.
type Class uint32

const (
	YieldClass          Class = 0
	SubscribeClass      Class = 1
	CommandClass        Class = 2
	ReadWriteAllowClass Class = 3
	ReadOnlyAllowClass  Class = 4
	MemopClass          Class = 5
	ExitClass           Class = 6
)

func (c Class) String() string {
	switch c {
	case YieldClass:
		return "yield"
	case SubscribeClass:
		return "subscribe"
	case CommandClass:
		return "command"
	case ReadWriteAllowClass:
		return "allow-rw"
	case ReadOnlyAllowClass:
		return "allow-ro"
	case MemopClass:
		return "memop"
	case ExitClass:
		return "exit"
	}

	return fmt.Sprintf("class(%d)", uint32(c))
}

// Variant is the return value encoding, passed back in a0.
type Variant uint32

const (
	FailureVariant          Variant = 0
	FailureU32Variant       Variant = 1
	FailureU32U32Variant    Variant = 2
	FailureU64Variant       Variant = 3
	SuccessVariant          Variant = 128
	SuccessU32Variant       Variant = 129
	SuccessU32U32Variant    Variant = 130
	SuccessU64Variant       Variant = 131
	SuccessU32U32U32Variant Variant = 132
	SuccessU32U64Variant    Variant = 133
)

// Yield types, passed in a0.
const (
	YieldNoWait = 0
	YieldWait   = 1
)

// Exit types, passed in a0.
const (
	ExitTerminate = 0
	ExitRestart   = 1
)

func (p *Process) ret(v Variant, a uint32, b uint32, c uint32) {
	p.regs.A[0] = uint32(v)
	p.regs.A[1] = a
	p.regs.A[2] = b
	p.regs.A[3] = c
}

func (p *Process) retCommand(r CommandReturn) {
	p.ret(r.Variant, r.Data[0], r.Data[1], r.Data[2])
}

// handleSyscall decodes the request saved in the registers of p and writes
// the result back into them.
func (k *Kernel) handleSyscall(p *Process) {
	r := &p.regs
	class := Class(r.A[4])

	p.stats.Syscalls++
	p.stats.LastSyscall = uint32(class)

	k.log.Debugf("%s syscall %s a0:%#x a1:%#x a2:%#x a3:%#x", p, class, r.A[0], r.A[1], r.A[2], r.A[3])

	switch class {
	case YieldClass:
		k.yield(p, r.A[0], r.A[1])
	case SubscribeClass:
		k.subscribe(p, CapsuleID(r.A[0]), r.A[1], r.A[2], r.A[3])
	case CommandClass:
		k.command(p, CapsuleID(r.A[0]), r.A[1], r.A[2], r.A[3])
	case ReadWriteAllowClass:
		k.allow(p, CapsuleID(r.A[0]), r.A[1], r.A[2], r.A[3], true)
	case ReadOnlyAllowClass:
		k.allow(p, CapsuleID(r.A[0]), r.A[1], r.A[2], r.A[3], false)
	case MemopClass:
		k.memop(p, r.A[0], r.A[1])
	case ExitClass:
		k.exit(p, r.A[0], r.A[1])
	default:
		k.fault(p, fmt.Errorf("invalid syscall class %d", uint32(class)))
	}
}

func (k *Kernel) yield(p *Process, which uint32, flag uint32) {
	switch which {
	case YieldWait:
		if u, ok := p.upcalls.pop(); ok {
			p.deliver(u)
			return
		}

		p.state = Yielded
	case YieldNoWait:
		var delivered byte

		if u, ok := p.upcalls.pop(); ok {
			p.deliver(u)
			delivered = 1
		}

		if flag != 0 && p.inRAM(flag, 1) {
			if err := k.mem.Write(flag, []byte{delivered}); err != nil {
				k.Panic("could not write yield flag of %s, %v", p, err)
			}
		}
	default:
		k.fault(p, fmt.Errorf("invalid yield type %d", which))
	}
}

func (k *Kernel) subscribe(p *Process, capsule CapsuleID, num uint32, fn uint32, appData uint32) {
	d, ok := k.capsules[capsule]

	switch {
	case !ok:
		p.ret(FailureU32U32Variant, uint32(NODEVICE), fn, appData)
		return
	case num >= d.Counts().Upcalls:
		p.ret(FailureU32U32Variant, uint32(NOSUPPORT), fn, appData)
		return
	case fn != 0 && !p.code.Contains(fn, 4):
		p.ret(FailureU32U32Variant, uint32(INVAL), fn, appData)
		return
	}

	key := subscriptionKey{capsule, num}
	prev := p.subs[key]

	if fn == 0 {
		delete(p.subs, key)
	} else {
		p.subs[key] = subscription{fn: fn, appData: appData}
	}

	// upcalls queued for the replaced function are never delivered
	p.upcalls.purge(func(u Upcall) bool {
		return u.Capsule == capsule && u.Num == num
	})

	p.ret(SuccessU32U32Variant, prev.fn, prev.appData, 0)
}

func (k *Kernel) command(p *Process, capsule CapsuleID, num uint32, arg1 uint32, arg2 uint32) {
	d, ok := k.capsules[capsule]

	if !ok {
		p.ret(FailureVariant, uint32(NODEVICE), 0, 0)
		return
	}

	p.retCommand(d.Command(p.id, num, arg1, arg2))
}

func (k *Kernel) allow(p *Process, capsule CapsuleID, num uint32, addr uint32, size uint32, rw bool) {
	d, ok := k.capsules[capsule]

	if !ok {
		p.ret(FailureU32U32Variant, uint32(NODEVICE), addr, size)
		return
	}

	count := d.Counts().ReadOnly

	if rw {
		count = d.Counts().ReadWrite
	}

	if num >= count {
		p.ret(FailureU32U32Variant, uint32(NOSUPPORT), addr, size)
		return
	}

	// buffers are validated before a capsule can ever see them
	if size != 0 {
		valid := p.inRAM(addr, size)

		if !rw && !valid {
			valid = p.inFlash(addr, size)
		}

		if !valid {
			p.ret(FailureU32U32Variant, uint32(INVAL), addr, size)
			return
		}
	} else {
		addr = 0
	}

	key := allowKey{capsule: capsule, num: num, rw: rw}
	prev := p.allows[key]

	if size == 0 {
		delete(p.allows, key)
	} else {
		p.allows[key] = allowance{addr: addr, size: size}

		if end := addr + size; rw && end > p.allowHighWater {
			p.allowHighWater = end
		}
	}

	p.ret(SuccessU32U32Variant, prev.addr, prev.size, 0)
}

func (k *Kernel) exit(p *Process, which uint32, code uint32) {
	p.stats.CompletionCode = code
	p.stats.HasCompletion = true

	switch which {
	case ExitTerminate:
		k.log.Printf("%s exited, completion code %d", p, code)
		k.terminate(p)
	case ExitRestart:
		k.log.Printf("%s restarting, completion code %d", p, code)
		k.restart(p, 0)
	default:
		k.fault(p, fmt.Errorf("invalid exit type %d", which))
	}
}
