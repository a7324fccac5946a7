// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"time"
)

// StopReason tells a scheduler why a dispatched process returned.
type StopReason int

const (
	// StopYielded processes wait for an upcall.
	StopYielded StopReason = iota
	// StopTimeslice processes used up their budget.
	StopTimeslice
	// StopKernelWork processes were interrupted by deferred kernel work
	// and are still runnable.
	StopKernelWork
	// StopFaulted processes faulted, they may have been restarted.
	StopFaulted
	// StopExited processes terminated or restarted themselves.
	StopExited
	// StopStopped processes were not runnable.
	StopStopped
)

func (r StopReason) String() string {
	switch r {
	case StopYielded:
		return "yielded"
	case StopTimeslice:
		return "timeslice"
	case StopKernelWork:
		return "kernel-work"
	case StopFaulted:
		return "faulted"
	case StopExited:
		return "exited"
	case StopStopped:
		return "stopped"
	}

	return fmt.Sprintf("stop(%d)", int(r))
}

// ProcessSet is the scheduler view of the process table.
type ProcessSet interface {
	// Len returns the number of slots, some may be empty.
	Len() int
	// Process returns the process in slot i, nil when empty.
	Process(i int) *Process
	// Ready reports whether slot i holds a runnable process.
	Ready(i int) bool
}

// Decision is the process to dispatch next and its budget.
type Decision struct {
	Index  int
	Budget time.Duration
}

// Scheduler picks the next process. Next returns false when nothing is
// ready, Result reports how the dispatched process returned.
type Scheduler interface {
	Next(set ProcessSet) (d Decision, ok bool)
	Result(index int, reason StopReason, elapsed time.Duration)
}

type processSet struct {
	k *Kernel
}

func (s processSet) Len() int {
	return len(s.k.procs)
}

func (s processSet) Process(i int) *Process {
	return s.k.procs[i]
}

func (s processSet) Ready(i int) bool {
	p := s.k.procs[i]
	return p != nil && p.ready(s.k.clock.Now())
}
