// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"time"

	"github.com/cenkalti/backoff"
)

// FaultAction is the outcome of a fault policy.
type FaultAction int

const (
	FaultStop FaultAction = iota
	FaultRestart
	FaultPanic
)

func (a FaultAction) String() string {
	switch a {
	case FaultStop:
		return "stop"
	case FaultRestart:
		return "restart"
	case FaultPanic:
		return "panic"
	}

	return "unknown"
}

// FaultPolicy decides what happens to a faulted process, a restart may be
// delayed.
type FaultPolicy interface {
	Action(p *Process) (action FaultAction, delay time.Duration)
}

// StopFaultPolicy terminates faulted processes.
type StopFaultPolicy struct{}

func (StopFaultPolicy) Action(*Process) (FaultAction, time.Duration) {
	return FaultStop, 0
}

// PanicFaultPolicy halts the kernel on any process fault, for debugging.
type PanicFaultPolicy struct{}

func (PanicFaultPolicy) Action(*Process) (FaultAction, time.Duration) {
	return FaultPanic, 0
}

// RestartFaultPolicy restarts faulted processes after the delay returned by
// a per process BackOff, the process is stopped once it returns
// backoff.Stop.
type RestartFaultPolicy struct {
	NewBackOff func() backoff.BackOff
}

// NewThresholdRestartPolicy restarts a process immediately at most n times.
func NewThresholdRestartPolicy(n uint64) *RestartFaultPolicy {
	return &RestartFaultPolicy{
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, n)
		},
	}
}

// NewExponentialRestartPolicy restarts a process at most n times, waiting
// exponentially longer between restarts.
func NewExponentialRestartPolicy(initial time.Duration, max time.Duration, n uint64, clock Clock) *RestartFaultPolicy {
	return &RestartFaultPolicy{
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial

			if max > 0 {
				b.MaxInterval = max
			}

			// restarts stop only through the retry count
			b.MaxElapsedTime = 0

			if clock != nil {
				b.Clock = clock
			}

			b.Reset()

			return backoff.WithMaxRetries(b, n)
		},
	}
}

func (r *RestartFaultPolicy) Action(p *Process) (FaultAction, time.Duration) {
	if p.backoff == nil {
		if r.NewBackOff == nil {
			p.backoff = &backoff.ZeroBackOff{}
		} else {
			p.backoff = r.NewBackOff()
		}
	}

	d := p.backoff.NextBackOff()

	if d == backoff.Stop {
		return FaultStop, 0
	}

	return FaultRestart, d
}
