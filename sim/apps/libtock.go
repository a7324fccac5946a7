// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package apps provides the demonstration processes run by the simulator,
// written against the capsule system call interface.
package apps

import (
	"fmt"
	"time"

	"github.com/alistair23/tock/capsules"
	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/sim"
)

// bufferSize is the scratch buffer size at the heap start.
const bufferSize = 256

// Lib wraps the capsule interfaces used by the demo processes.
type Lib struct {
	*sim.App

	buf      uint32
	handlers map[upcallKey]sim.Upcall
}

type upcallKey struct {
	capsule kernel.CapsuleID
	num     uint32
}

// NewLib returns the process library, the scratch buffer sits at the start
// of the heap.
func NewLib(a *sim.App) *Lib {
	r := a.Memop(kernel.MemopHeapStart, 0)

	if err := r.Err(); err != nil {
		a.Fault(fmt.Errorf("heap start, %v", err))
	}

	return &Lib{
		App:      a,
		buf:      r.Data[0],
		handlers: make(map[upcallKey]sim.Upcall),
	}
}

// on sets the handler of upcall num of a capsule, the kernel sees a single
// subscription per upcall for the lifetime of the process.
func (l *Lib) on(capsule kernel.CapsuleID, num uint32, fn sim.Upcall) {
	key := upcallKey{capsule, num}

	if _, ok := l.handlers[key]; !ok {
		l.Subscribe(capsule, num, func(a0 uint32, a1 uint32, a2 uint32, data uint32) {
			l.handlers[key](a0, a1, a2, data)
		}, 0)
	}

	l.handlers[key] = fn
}

// Print writes s to the console.
func (l *Lib) Print(s string) error {
	b := []byte(s)

	for len(b) > 0 {
		n := len(b)

		if n > bufferSize {
			n = bufferSize
		}

		if err := l.write(b[:n]); err != nil {
			return err
		}

		b = b[n:]
	}

	return nil
}

// Printf formats to the console.
func (l *Lib) Printf(format string, args ...interface{}) error {
	return l.Print(fmt.Sprintf(format, args...))
}

func (l *Lib) write(b []byte) (err error) {
	done := false

	l.Store(l.buf, b)

	if err = l.AllowReadOnly(capsules.ConsoleID, 1, l.buf, uint32(len(b))).Err(); err != nil {
		return
	}

	defer l.AllowReadOnly(capsules.ConsoleID, 1, 0, 0)

	l.on(capsules.ConsoleID, capsules.ConsoleWriteDone, func(uint32, uint32, uint32, uint32) {
		done = true
	})

	if err = l.Command(capsules.ConsoleID, capsules.ConsoleWrite, uint32(len(b)), 0).Err(); err != nil {
		return
	}

	l.YieldFor(func() bool { return done })

	return
}

// Read waits for up to n bytes of console input.
func (l *Lib) Read(n int) (b []byte, err error) {
	var res, got uint32
	done := false

	if n > bufferSize {
		n = bufferSize
	}

	if err = l.AllowReadWrite(capsules.ConsoleID, 1, l.buf, uint32(n)).Err(); err != nil {
		return
	}

	defer l.AllowReadWrite(capsules.ConsoleID, 1, 0, 0)

	l.on(capsules.ConsoleID, capsules.ConsoleReadDone, func(status uint32, count uint32, _ uint32, _ uint32) {
		res, got, done = status, count, true
	})

	if err = l.Command(capsules.ConsoleID, capsules.ConsoleRead, uint32(n), 0).Err(); err != nil {
		return
	}

	l.YieldFor(func() bool { return done })

	if res != 0 {
		return nil, kernel.ErrorCode(res)
	}

	b = make([]byte, got)
	l.Load(l.buf, b)

	return
}

// Sleep waits for d using the alarm.
func (l *Lib) Sleep(d time.Duration) error {
	fired := false

	l.on(capsules.AlarmID, capsules.AlarmFired, func(uint32, uint32, uint32, uint32) {
		fired = true
	})

	ticks := uint32(d / (time.Second / capsules.AlarmFrequency))

	if err := l.Command(capsules.AlarmID, capsules.AlarmRelative, ticks, 0).Err(); err != nil {
		return err
	}

	l.YieldFor(func() bool { return fired })

	return nil
}

// Random returns n bytes from the kernel RNG.
func (l *Lib) Random(n int) (b []byte, err error) {
	var got uint32
	done := false

	if n > bufferSize {
		n = bufferSize
	}

	if err = l.AllowReadWrite(capsules.RNGID, 0, l.buf, uint32(n)).Err(); err != nil {
		return
	}

	defer l.AllowReadWrite(capsules.RNGID, 0, 0, 0)

	l.on(capsules.RNGID, capsules.RNGDone, func(_ uint32, count uint32, _ uint32, _ uint32) {
		got, done = count, true
	})

	if err = l.Command(capsules.RNGID, capsules.RNGFill, uint32(n), 0).Err(); err != nil {
		return
	}

	l.YieldFor(func() bool { return done })

	b = make([]byte, got)
	l.Load(l.buf, b)

	return
}
