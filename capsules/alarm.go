// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package capsules

import (
	"time"

	"github.com/alistair23/tock/kernel"
)

// AlarmFrequency is the tick rate exposed to processes.
const AlarmFrequency = 1000000

// Alarm commands.
const (
	AlarmExists   = 0
	AlarmFreq     = 1
	AlarmNow      = 2
	AlarmStop     = 3
	AlarmRelative = 5
	AlarmAbsolute = 6
)

// AlarmFired is the upcall raised on expiration with the current tick and
// the expiration tick.
const AlarmFired = 0

type alarmState struct {
	Armed      uint32
	Expiration uint32
}

// Alarm gives each process one virtual alarm. Expirations arrive on timer
// goroutines and are turned into upcalls by deferred calls on the kernel
// loop.
type Alarm struct {
	k      *kernel.Kernel
	clock  kernel.Clock
	epoch  time.Time
	grant  *kernel.Grant[alarmState]
	timers map[kernel.ProcessID]kernel.Timer
}

// NewAlarm registers the alarm capsule.
func NewAlarm(k *kernel.Kernel) (a *Alarm, err error) {
	a = &Alarm{
		k:      k,
		clock:  k.Clock(),
		epoch:  k.Clock().Now(),
		timers: make(map[kernel.ProcessID]kernel.Timer),
	}

	if a.grant, err = kernel.NewGrant[alarmState](k, AlarmID, nil); err != nil {
		return
	}

	err = k.Register(AlarmID, a)

	return
}

func (a *Alarm) Counts() kernel.Counts {
	return kernel.Counts{Upcalls: 1}
}

// ticks returns the current tick counter, it wraps every 2^32 ticks.
func (a *Alarm) ticks() uint32 {
	return uint32(a.clock.Now().Sub(a.epoch) / (time.Second / AlarmFrequency))
}

func (a *Alarm) Command(pid kernel.ProcessID, num uint32, arg1 uint32, arg2 uint32) kernel.CommandReturn {
	switch num {
	case AlarmExists:
		return kernel.Success()
	case AlarmFreq:
		return kernel.SuccessU32(AlarmFrequency)
	case AlarmNow:
		return kernel.SuccessU32(a.ticks())
	case AlarmStop:
		return a.stop(pid)
	case AlarmRelative:
		now := a.ticks()
		return a.arm(pid, now, now, arg1)
	case AlarmAbsolute:
		return a.arm(pid, a.ticks(), arg1, arg2)
	}

	return kernel.Failure(kernel.NOSUPPORT)
}

// arm sets the alarm of pid to reference+dt.
func (a *Alarm) arm(pid kernel.ProcessID, now uint32, reference uint32, dt uint32) kernel.CommandReturn {
	exp := reference + dt

	err := a.grant.Enter(pid, func(s *alarmState) error {
		s.Armed = 1
		s.Expiration = exp
		return nil
	})

	if err != nil {
		return kernel.FailureOf(err)
	}

	// ticks left until the expiration, zero when already passed
	var left uint32

	if elapsed := now - reference; elapsed < dt {
		left = dt - elapsed
	}

	if t, ok := a.timers[pid]; ok {
		t.Stop()
	}

	d := time.Duration(left) * (time.Second / AlarmFrequency)

	a.timers[pid] = a.clock.AfterFunc(d, func() {
		a.k.Submit(func(*kernel.Kernel) {
			a.fire(pid, exp)
		})
	})

	return kernel.SuccessU32(exp)
}

func (a *Alarm) stop(pid kernel.ProcessID) kernel.CommandReturn {
	armed := false

	err := a.grant.Enter(pid, func(s *alarmState) error {
		armed = s.Armed != 0
		s.Armed = 0
		return nil
	})

	if err != nil {
		return kernel.FailureOf(err)
	}

	if t, ok := a.timers[pid]; ok {
		t.Stop()
		delete(a.timers, pid)
	}

	if !armed {
		return kernel.Failure(kernel.ALREADY)
	}

	return kernel.Success()
}

// fire runs on the kernel loop once the alarm of pid set for exp expires.
func (a *Alarm) fire(pid kernel.ProcessID, exp uint32) {
	fired := false

	err := a.grant.Enter(pid, func(s *alarmState) error {
		// re-armed or stopped in the meantime
		if s.Armed == 0 || s.Expiration != exp {
			return nil
		}

		s.Armed = 0
		fired = true

		return nil
	})

	if err != nil {
		a.k.Log().Warnf("alarm of %s not delivered, %v", pid, err)
		return
	}

	if !fired {
		return
	}

	delete(a.timers, pid)

	if err := a.k.ScheduleUpcall(pid, AlarmID, AlarmFired, a.ticks(), exp); err != nil {
		a.k.Log().Warnf("alarm upcall for %s dropped, %v", pid, err)
	}
}

// ProcessExited cancels the timer of pid.
func (a *Alarm) ProcessExited(pid kernel.ProcessID) {
	if t, ok := a.timers[pid]; ok {
		t.Stop()
		delete(a.timers, pid)
	}
}
