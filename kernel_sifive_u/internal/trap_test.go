// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package board

import (
	"errors"
	"testing"
	"time"

	"github.com/alistair23/tock/kernel"
)

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock fires its timers on request only.
type manualClock struct {
	timers []*manualTimer
	delays []time.Duration
}

func (c *manualClock) Now() time.Time {
	return time.Unix(0, 0)
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) kernel.Timer {
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)

	return t
}

func (c *manualClock) fire() {
	for _, t := range c.timers {
		if !t.stopped {
			t.f()
		}
	}
}

func TestQuantumExpires(t *testing.T) {
	clock := &manualClock{}
	stops := 0

	q := arm(clock, 10*time.Millisecond, func() { stops++ })

	if len(clock.delays) != 1 || clock.delays[0] != 10*time.Millisecond {
		t.Fatalf("timer armed with %v", clock.delays)
	}

	clock.fire()

	if stops != 1 {
		t.Fatalf("context stopped %d times", stops)
	}

	trap := q.disarm(nil, 11*time.Millisecond)

	if trap.Kind != kernel.TrapTimeslice || trap.Elapsed != 11*time.Millisecond {
		t.Fatalf("got %v %v", trap.Kind, trap.Elapsed)
	}

	if !clock.timers[0].stopped {
		t.Fatal("timer left armed")
	}
}

func TestQuantumTrapWins(t *testing.T) {
	for _, before := range []bool{true, false} {
		clock := &manualClock{}
		stops := 0

		q := arm(clock, time.Millisecond, func() { stops++ })

		if before {
			q.trap()
			clock.fire()
		} else {
			clock.fire()
			q.trap()
		}

		if before && stops != 0 {
			t.Errorf("context stopped after trap")
		}

		if trap := q.disarm(nil, time.Millisecond); trap.Kind != kernel.TrapSyscall {
			t.Errorf("trap before expiry %v, got %v", before, trap.Kind)
		}
	}
}

func TestQuantumFault(t *testing.T) {
	clock := &manualClock{}
	q := arm(clock, time.Millisecond, func() {})
	q.trap()

	bad := errors.New("access fault")

	if trap := q.disarm(bad, 0); trap.Kind != kernel.TrapFault || trap.Err != bad {
		t.Fatalf("got %v %v", trap.Kind, trap.Err)
	}

	q = arm(clock, time.Millisecond, func() {})

	if trap := q.disarm(nil, 0); trap.Kind != kernel.TrapFault || !errors.Is(trap.Err, errNoTrap) {
		t.Fatalf("got %v %v", trap.Kind, trap.Err)
	}
}

func TestNarrow(t *testing.T) {
	for _, tc := range []struct {
		regs []uint64
		ok   bool
	}{
		{[]uint64{0, 1, 0xffffffff, 0x7fffffff, 4}, true},
		{[]uint64{0xffffffff80000000}, true},
		{[]uint64{0, 0x100000000}, false},
		{[]uint64{0xffffffff7fffffff}, false},
		{[]uint64{0, 0, 0, 0, 0xdead00000000beef}, false},
	} {
		if err := narrow(tc.regs...); (err == nil) != tc.ok {
			t.Errorf("%#x, got %v", tc.regs, err)
		}
	}
}
