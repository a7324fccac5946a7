// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

// Memop operations, passed in a0.
const (
	MemopBrk                = 0
	MemopSbrk               = 1
	MemopRAMStart           = 2
	MemopRAMEnd             = 3
	MemopFlashStart         = 4
	MemopFlashEnd           = 5
	MemopGrantStart         = 6
	MemopWritableFlashCount = 7
	MemopWritableFlashStart = 8
	MemopWritableFlashEnd   = 9
	MemopStackTop           = 10
	MemopHeapStart          = 11
)

// setBreak moves the app break of p to brk.
func (k *Kernel) setBreak(p *Process, brk uint32) ErrorCode {
	// TOR entries have word granularity
	brk = (brk + 3) &^ 3

	switch {
	case brk < p.ram.Start || brk < p.ram.Start+p.stackSize:
		return NOMEM
	case brk > p.kernelBreak:
		return NOMEM
	case brk < p.allowHighWater:
		// a capsule may still hold a buffer above brk, the mark only drops
		// on restart so unallowing does not lift this
		return INVAL
	}

	if err := k.mpu.UpdateAppMemoryRegion(p.mpu, brk, p.kernelBreak); err != nil {
		return NOMEM
	}

	p.appBreak = brk

	// the running process sees the new break on return
	if k.current == p {
		if err := k.mpu.Configure(p.mpu); err != nil {
			k.Panic("could not configure protection for %s, %v", p, err)
		}
	}

	return 0
}

func (k *Kernel) memop(p *Process, op uint32, arg uint32) {
	switch op {
	case MemopBrk:
		if code := k.setBreak(p, arg); code != 0 {
			p.ret(FailureVariant, uint32(code), 0, 0)
			return
		}

		p.ret(SuccessVariant, 0, 0, 0)
	case MemopSbrk:
		prev := p.appBreak
		brk := int64(prev) + int64(int32(arg))

		if brk < 0 || brk > int64(^uint32(0)) {
			p.ret(FailureVariant, uint32(NOMEM), 0, 0)
			return
		}

		if code := k.setBreak(p, uint32(brk)); code != 0 {
			p.ret(FailureVariant, uint32(code), 0, 0)
			return
		}

		p.ret(SuccessU32Variant, prev, 0, 0)
	case MemopRAMStart:
		p.ret(SuccessU32Variant, p.ram.Start, 0, 0)
	case MemopRAMEnd:
		p.ret(SuccessU32Variant, uint32(p.ram.End()), 0, 0)
	case MemopFlashStart:
		p.ret(SuccessU32Variant, p.image.Start, 0, 0)
	case MemopFlashEnd:
		p.ret(SuccessU32Variant, uint32(p.image.End()), 0, 0)
	case MemopGrantStart:
		p.ret(SuccessU32Variant, p.kernelBreak, 0, 0)
	case MemopWritableFlashCount:
		var n uint32

		if p.storage.Size != 0 {
			n = 1
		}

		p.ret(SuccessU32Variant, n, 0, 0)
	case MemopWritableFlashStart, MemopWritableFlashEnd:
		if p.storage.Size == 0 || arg != 0 {
			p.ret(FailureVariant, uint32(INVAL), 0, 0)
			return
		}

		addr := p.storage.Start

		if op == MemopWritableFlashEnd {
			addr = uint32(p.storage.End())
		}

		p.ret(SuccessU32Variant, addr, 0, 0)
	case MemopStackTop:
		p.ret(SuccessU32Variant, p.ram.Start+p.stackSize, 0, 0)
	case MemopHeapStart:
		p.ret(SuccessU32Variant, p.ram.Start+p.stackSize, 0, 0)
	default:
		p.ret(FailureVariant, uint32(NOSUPPORT), 0, 0)
	}
}
