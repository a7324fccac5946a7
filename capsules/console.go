// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package capsules implements the kernel extensions exposed to processes.
package capsules

import (
	"sync"

	"github.com/alistair23/tock/kernel"
)

// Capsule identifiers.
const (
	AlarmID       kernel.CapsuleID = 0x00000
	ConsoleID     kernel.CapsuleID = 0x00001
	RNGID         kernel.CapsuleID = 0x40001
	ProcessInfoID kernel.CapsuleID = 0x10000
)

// Console commands.
const (
	ConsoleExists = 0
	ConsoleWrite  = 1
	ConsoleRead   = 2
	ConsoleAbort  = 3
)

// Console upcalls and buffers.
const (
	ConsoleWriteDone = 1
	ConsoleReadDone  = 2

	consoleWriteBuffer = 1
	consoleReadBuffer  = 1
)

// Output receives process console output tagged with the process name.
type Output interface {
	Write(source string, b []byte)
}

type consoleState struct {
	ReadLen uint32
	Reading uint32
	Written uint64
}

// Console is the process console, writes go to an Output and reads are
// served from input handed over by the host console.
type Console struct {
	k     *kernel.Kernel
	out   Output
	grant *kernel.Grant[consoleState]

	// pending is host input not yet consumed by any reader.
	mu      sync.Mutex
	pending []byte
}

// NewConsole registers the console capsule.
func NewConsole(k *kernel.Kernel, out Output) (c *Console, err error) {
	c = &Console{
		k:   k,
		out: out,
	}

	if c.grant, err = kernel.NewGrant[consoleState](k, ConsoleID, nil); err != nil {
		return
	}

	err = k.Register(ConsoleID, c)

	return
}

func (c *Console) Counts() kernel.Counts {
	return kernel.Counts{Upcalls: 3, ReadOnly: 2, ReadWrite: 2}
}

func (c *Console) Command(pid kernel.ProcessID, num uint32, arg1 uint32, arg2 uint32) kernel.CommandReturn {
	switch num {
	case ConsoleExists:
		return kernel.Success()
	case ConsoleWrite:
		return c.write(pid, arg1)
	case ConsoleRead:
		return c.read(pid, arg1)
	case ConsoleAbort:
		return c.abort(pid)
	}

	return kernel.Failure(kernel.NOSUPPORT)
}

func (c *Console) write(pid kernel.ProcessID, n uint32) kernel.CommandReturn {
	buf, err := c.k.ReadOnlyAllow(pid, ConsoleID, consoleWriteBuffer)

	if err != nil {
		return kernel.FailureOf(err)
	}

	if buf.Len() == 0 {
		return kernel.Failure(kernel.RESERVE)
	}

	if n > uint32(buf.Len()) {
		n = uint32(buf.Len())
	}

	b := make([]byte, n)

	if err = buf.ReadAt(b, 0); err != nil {
		return kernel.FailureOf(err)
	}

	p, err := c.k.Process(pid)

	if err != nil {
		return kernel.FailureOf(err)
	}

	err = c.grant.Enter(pid, func(s *consoleState) error {
		s.Written += uint64(n)
		return nil
	})

	if err != nil {
		return kernel.FailureOf(err)
	}

	c.out.Write(p.Name(), b)

	// the transmission completes immediately, the process sees it once it
	// yields
	if err = c.k.ScheduleUpcall(pid, ConsoleID, ConsoleWriteDone, n); err != nil {
		return kernel.FailureOf(err)
	}

	return kernel.Success()
}

func (c *Console) read(pid kernel.ProcessID, n uint32) kernel.CommandReturn {
	buf, err := c.k.ReadWriteAllow(pid, ConsoleID, consoleReadBuffer)

	if err != nil {
		return kernel.FailureOf(err)
	}

	if buf.Len() == 0 {
		return kernel.Failure(kernel.RESERVE)
	}

	if n > uint32(buf.Len()) {
		n = uint32(buf.Len())
	}

	// only one reader at a time
	busy := false

	c.grant.Each(func(other kernel.ProcessID, s *consoleState) error {
		busy = busy || (other != pid && s.Reading != 0)
		return nil
	})

	if busy {
		return kernel.Failure(kernel.BUSY)
	}

	err = c.grant.Enter(pid, func(s *consoleState) error {
		if s.Reading != 0 {
			return kernel.ALREADY
		}

		s.Reading = 1
		s.ReadLen = n

		return nil
	})

	if err != nil {
		return kernel.FailureOf(err)
	}

	c.deliver()

	return kernel.Success()
}

func (c *Console) abort(pid kernel.ProcessID) kernel.CommandReturn {
	aborted := false

	err := c.grant.Enter(pid, func(s *consoleState) error {
		aborted = s.Reading != 0
		s.Reading = 0
		return nil
	})

	if err != nil {
		return kernel.FailureOf(err)
	}

	if !aborted {
		return kernel.Failure(kernel.ALREADY)
	}

	if err = c.k.ScheduleUpcall(pid, ConsoleID, ConsoleReadDone, uint32(kernel.CANCEL), 0); err != nil {
		return kernel.FailureOf(err)
	}

	return kernel.Success()
}

// Input hands host console input to the process waiting for it, it is safe
// to call from any goroutine.
func (c *Console) Input(b []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, b...)
	c.mu.Unlock()

	c.k.Submit(func(*kernel.Kernel) {
		c.deliver()
	})
}

// deliver completes the pending read, if any, with buffered input.
func (c *Console) deliver() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return
	}

	c.grant.Each(func(pid kernel.ProcessID, s *consoleState) (err error) {
		if s.Reading == 0 || len(c.pending) == 0 {
			return
		}

		buf, err := c.k.ReadWriteAllow(pid, ConsoleID, consoleReadBuffer)

		if err != nil {
			return
		}

		n := int(s.ReadLen)

		if n > buf.Len() {
			n = buf.Len()
		}

		if n > len(c.pending) {
			n = len(c.pending)
		}

		if err = buf.WriteAt(c.pending[:n], 0); err != nil {
			return
		}

		c.pending = c.pending[n:]
		s.Reading = 0

		return c.k.ScheduleUpcall(pid, ConsoleID, ConsoleReadDone, 0, uint32(n))
	})
}
