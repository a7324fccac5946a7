// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"
)

const grantAlign = 8

// Grant is capsule state of type T kept inside the memory of every process
// using the capsule. T must have a fixed size encoding, it is stored
// little-endian below the kernel break.
type Grant[T any] struct {
	k       *Kernel
	capsule CapsuleID
	raw     int
	size    uint32
	init    func(*T)
}

// NewGrant declares the grant of capsule, init sets up the value of every
// new allocation and may be nil for a zero value.
func NewGrant[T any](k *Kernel, capsule CapsuleID, init func(*T)) (*Grant[T], error) {
	var v T

	n := binary.Size(v)

	if n <= 0 {
		return nil, fmt.Errorf("grant type %T has no fixed size encoding", v)
	}

	return &Grant[T]{
		k:       k,
		capsule: capsule,
		raw:     n,
		size:    uint32(n+grantAlign-1) &^ (grantAlign - 1),
		init:    init,
	}, nil
}

func (g *Grant[T]) decode(buf []byte, v *T) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func (g *Grant[T]) encode(v *T) ([]byte, error) {
	out := new(bytes.Buffer)
	out.Grow(g.raw)

	if err := binary.Write(out, binary.LittleEndian, v); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// allocate returns the grant of p, carving it below the kernel break on first
// use.
func (g *Grant[T]) allocate(p *Process) (a *grantAlloc, err error) {
	if a, ok := p.grants[g.capsule]; ok {
		return a, nil
	}

	var v T

	if g.init != nil {
		g.init(&v)
	}

	buf, err := g.encode(&v)

	if err != nil {
		return
	}

	addr, err := g.k.allocateGrant(p, g.size)

	if err != nil {
		return
	}

	if err = g.k.mem.Write(addr, buf); err != nil {
		return
	}

	a = &grantAlloc{addr: addr, size: g.size}
	p.grants[g.capsule] = a
	p.stats.GrantsAllocated++

	return
}

// Allocate makes sure the grant of process pid exists.
func (g *Grant[T]) Allocate(pid ProcessID) error {
	p, err := g.k.lookup(pid)

	if err != nil {
		return err
	}

	if !p.Alive() {
		return ErrNoProc
	}

	_, err = g.allocate(p)

	return err
}

// Allocated reports whether process pid holds this grant.
func (g *Grant[T]) Allocated(pid ProcessID) bool {
	p, err := g.k.lookup(pid)

	if err != nil {
		return false
	}

	_, ok := p.grants[g.capsule]

	return ok
}

// Enter lends the grant of process pid to fn, allocating it if needed. While
// fn runs the grant cannot be entered again, a nested attempt fails with
// BUSY. Changes made by fn are stored back when it returns.
func (g *Grant[T]) Enter(pid ProcessID, fn func(*T) error) (err error) {
	p, err := g.k.lookup(pid)

	if err != nil {
		return
	}

	if !p.Alive() {
		return ErrNoProc
	}

	a, err := g.allocate(p)

	if err != nil {
		return
	}

	if a.entered {
		return ErrBusy
	}

	a.entered = true
	defer func() { a.entered = false }()

	buf := make([]byte, g.raw)

	if err = g.k.mem.Read(a.addr, buf); err != nil {
		return
	}

	var v T

	if err = g.decode(buf, &v); err != nil {
		return
	}

	err = fn(&v)

	// the process may have been restarted by fn
	if p.id != pid || p.grants[g.capsule] != a {
		return
	}

	if buf, e := g.encode(&v); e != nil {
		err = multierr.Append(err, e)
	} else {
		err = multierr.Append(err, g.k.mem.Write(a.addr, buf))
	}

	return
}

// Each enters the grant of every live process already holding it, grants
// currently entered are skipped.
func (g *Grant[T]) Each(fn func(pid ProcessID, v *T) error) (err error) {
	for _, p := range g.k.procs {
		if p == nil || !p.Alive() {
			continue
		}

		a, ok := p.grants[g.capsule]

		if !ok || a.entered {
			continue
		}

		pid := p.id

		err = multierr.Append(err, g.Enter(pid, func(v *T) error {
			return fn(pid, v)
		}))
	}

	return
}

// allocateGrant moves the kernel break of p down by size bytes.
func (k *Kernel) allocateGrant(p *Process, size uint32) (addr uint32, err error) {
	if size > p.kernelBreak {
		return 0, ErrNoMem
	}

	addr = (p.kernelBreak - size) &^ (grantAlign - 1)

	if addr < p.appBreak {
		return 0, ErrNoMem
	}

	if err = k.mpu.UpdateAppMemoryRegion(p.mpu, p.appBreak, addr); err != nil {
		return 0, ErrNoMem
	}

	p.kernelBreak = addr

	return
}
