// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"errors"
	"fmt"

	"github.com/alistair23/tock/manifest"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

// Process memory defaults, used when the manifest has no matching extension.
const (
	DefaultMinRAM        = 4096
	DefaultStackSize     = 1024
	DefaultKernelReserve = 1024
	DefaultPriority      = 1
	DefaultWeight        = 1
)

// LoadResult is the outcome of loading the image found at Addr, Err is set
// when it was rejected.
type LoadResult struct {
	Addr     uint32
	Name     string
	Manifest *manifest.Manifest
	ID       ProcessID
	Err      error
}

// erased reports whether buf holds no header.
func erased(buf []byte) bool {
	ones, zeros := true, true

	for _, b := range buf {
		ones = ones && b == 0xff
		zeros = zeros && b == 0x00

		if !ones && !zeros {
			return false
		}
	}

	return true
}

// LoadProcesses scans program flash and creates a process for every valid
// image. Images are expected back to back, the scan stops at erased flash
// or at a header that cannot be parsed since the next image cannot be
// located. Rejected images are reported in the results, the returned error
// is set only when the protection unit cannot be configured.
func (k *Kernel) LoadProcesses() (results []LoadResult, err error) {
	region := k.memoryMap.Program
	addr := region.Start
	hdr := make([]byte, manifest.HeaderSize)

	for uint64(addr)+manifest.HeaderSize <= region.End() {
		if err = k.mem.Read(addr, hdr); err != nil {
			return results, fmt.Errorf("could not read program flash at %#x, %v", addr, err)
		}

		if erased(hdr) {
			break
		}

		m, perr := manifest.Parse(hdr)

		if perr == nil {
			perr = m.Validate()
		}

		if perr == nil && !region.Contains(addr, m.Length) {
			perr = fmt.Errorf("%w, image at %#x exceeds program flash", manifest.ErrMalformed, addr)
		}

		if perr != nil {
			k.log.Warnf("kernel stopped scanning at %#x, %v", addr, perr)
			results = append(results, LoadResult{Addr: addr, Err: perr})
			break
		}

		res, ferr := k.load(addr, m)
		results = append(results, res)

		if ferr != nil {
			return results, ferr
		}

		addr += m.Length
	}

	return
}

// load verifies and instantiates the image at addr. Rejections are reported
// in the result, protection unit errors are returned.
func (k *Kernel) load(addr uint32, m *manifest.Manifest) (res LoadResult, err error) {
	res = LoadResult{Addr: addr, Manifest: m}

	reject := func(err error) (LoadResult, error) {
		res.Err = err
		k.log.Warnf("kernel rejected image addr:%#x id:%#x, %v", addr, m.Identifier, err)
		return res, nil
	}

	image := make([]byte, m.Length)

	if err = k.mem.Read(addr, image); err != nil {
		return res, fmt.Errorf("could not read image at %#x, %v", addr, err)
	}

	if res.Name = m.Name(image); res.Name == "" {
		res.Name = fmt.Sprintf("app-%x", m.Identifier)
	}

	if err := m.Verify(image, k.keys); err != nil {
		return reject(err)
	}

	if err := m.UsageConstraints.Check(k.device); err != nil {
		return reject(err)
	}

	if m.SecurityVersion < k.minSecurity {
		return reject(fmt.Errorf("%w, version %d below device minimum %d", ErrRollback, m.SecurityVersion, k.minSecurity))
	}

	if v, ok := k.rollback.MinVersion(m.Identifier); ok && m.SecurityVersion < v {
		return reject(fmt.Errorf("%w, version %d below committed %d", ErrRollback, m.SecurityVersion, v))
	}

	slot := -1

	for i, p := range k.procs {
		if p != nil && p.state != Terminated && p.manifest.Identifier == m.Identifier {
			return reject(fmt.Errorf("%w %#x, already loaded as %s", ErrDuplicate, m.Identifier, p))
		}

		if slot < 0 && (p == nil || p.state == Terminated) {
			slot = i
		}
	}

	if slot < 0 {
		return reject(ErrNoSlot)
	}

	minRAM := m.ExtOr(manifest.ExtMinRAM, DefaultMinRAM)
	stack := m.ExtOr(manifest.ExtStackSize, DefaultStackSize)

	if stack > minRAM || minRAM%4 != 0 || stack%4 != 0 {
		return reject(fmt.Errorf("%w, stack %d does not fit memory %d", manifest.ErrMalformed, stack, minRAM))
	}

	p := &Process{
		name:      res.Name,
		manifest:  m,
		image:     mem.Region{Name: "flash", Start: addr, Size: m.Length, Perm: mem.ReadExecute},
		code:      mem.Region{Name: "code", Start: addr + m.CodeStart, Size: m.CodeEnd - m.CodeStart, Perm: mem.ReadExecute},
		stackSize: stack,
		policy:    k.policy,
		priority:  m.ExtOr(manifest.ExtPriority, DefaultPriority),
		weight:    m.ExtOr(manifest.ExtWeight, DefaultWeight),
	}

	if err = k.place(p, slot, minRAM, m.ExtOr(manifest.ExtKernelReserve, DefaultKernelReserve), m.ExtOr(manifest.ExtStorageSize, 0)); err != nil {
		k.ledger.Release(slotOwner(slot))

		if errors.Is(err, ErrNoMemory) {
			return reject(err)
		}

		return res, fmt.Errorf("could not configure protection for %s, %v", res.Name, err)
	}

	if k.procs[slot] != nil {
		k.gens[slot]++
	}

	p.id = ProcessID{Index: slot, Gen: k.gens[slot]}
	p.state = Unstarted
	p.resetState(k.upcallDepth)

	if err = k.mem.Write(p.ram.Start, make([]byte, p.ram.Size)); err != nil {
		k.ledger.Release(slotOwner(slot))
		return res, fmt.Errorf("could not clear memory of %s, %v", res.Name, err)
	}

	if err = k.rollback.Commit(m.Identifier, m.SecurityVersion); err != nil {
		k.log.Warnf("kernel could not commit security version of %s, %v", res.Name, err)
	}

	k.procs[slot] = p
	res.ID = p.id

	k.log.Printf("kernel loaded %s addr:%#x entry:%#x size:%d ram:%#x-%#x", p.name, addr, p.regs.PC, m.Length, p.ram.Start, p.ram.End())

	return res, nil
}

// place claims RAM and storage for p and builds its protection
// configuration. Lack of free memory is reported as ErrNoMemory.
func (k *Kernel) place(p *Process, slot int, minRAM uint32, reserve uint32, storage uint32) (err error) {
	owner := slotOwner(slot)
	cfg := k.mpu.NewConfig()

	size := mpu.AppMemorySize(0, minRAM, reserve)
	start, ok := k.ledger.FindFree(k.memoryMap.RAM, size, size)

	if !ok {
		return fmt.Errorf("%w, no %d byte block left for %s", ErrNoMemory, size, p.name)
	}

	pool := mem.Region{Name: "ram", Start: start, Size: size}

	ram, err := k.mpu.AllocateAppMemoryRegion(cfg, pool, 0, minRAM, reserve, mem.ReadWrite)

	if err != nil {
		return
	}

	if err = k.ledger.Claim(owner, ram); err != nil {
		return
	}

	if err = k.mpu.AddRegion(cfg, p.image); err != nil {
		return
	}

	if err = k.ledger.Claim(owner, p.image); err != nil {
		return
	}

	if storage > 0 {
		ssize := mem.NextPowerOfTwo(storage)

		if ssize < 8 {
			ssize = 8
		}

		sstart, ok := k.ledger.FindFree(k.memoryMap.Storage, ssize, ssize)

		if !ok {
			return fmt.Errorf("%w, no %d byte storage block left for %s", ErrNoMemory, ssize, p.name)
		}

		p.storage = mem.Region{Name: "storage", Start: sstart, Size: ssize, Perm: mem.ReadWrite}

		if err = k.mpu.AddRegion(cfg, p.storage); err != nil {
			return
		}

		if err = k.ledger.Claim(owner, p.storage); err != nil {
			return
		}
	}

	p.ram = ram
	p.initialBreak = ram.Start + minRAM
	p.mpu = cfg

	return
}
