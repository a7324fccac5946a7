// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"time"
)

// DefaultQuantum is the default timeslice.
const DefaultQuantum = 10 * time.Millisecond

// RoundRobin dispatches ready processes in slot order, a process preempted
// by its quantum goes to the back of the ring. A process that returned for
// kernel work keeps the rest of its quantum and is dispatched first.
type RoundRobin struct {
	Quantum time.Duration

	next      int
	current   int
	remaining time.Duration
}

func NewRoundRobin(quantum time.Duration) *RoundRobin {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}

	return &RoundRobin{
		Quantum: quantum,
		current: -1,
	}
}

func (s *RoundRobin) Next(set ProcessSet) (d Decision, ok bool) {
	n := set.Len()

	if n == 0 {
		return
	}

	if s.current >= 0 && s.current < n && s.remaining > 0 && set.Ready(s.current) {
		return Decision{Index: s.current, Budget: s.remaining}, true
	}

	s.current = -1

	for i := 0; i < n; i++ {
		idx := (s.next + i) % n

		if !set.Ready(idx) {
			continue
		}

		s.next = (idx + 1) % n
		s.current = idx
		s.remaining = s.Quantum

		return Decision{Index: idx, Budget: s.remaining}, true
	}

	return
}

func (s *RoundRobin) Result(index int, reason StopReason, elapsed time.Duration) {
	if reason == StopKernelWork && index == s.current && elapsed < s.remaining {
		s.remaining -= elapsed
		return
	}

	s.current = -1
	s.remaining = 0
}
