// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"time"
)

// PriorityScheduler runs the ready process with the highest counter. Every
// dispatch costs one unit, once no ready process has any left all counters
// age to counter/2 + priority. Low priority processes therefore run at least
// once per epoch while high priority ones get more dispatches.
type PriorityScheduler struct {
	Quantum time.Duration

	counters []uint32
	ids      []ProcessID
	last     int
}

func NewPriorityScheduler(quantum time.Duration) *PriorityScheduler {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}

	return &PriorityScheduler{Quantum: quantum, last: -1}
}

func priorityOf(p *Process) uint32 {
	if p.priority == 0 {
		return 1
	}

	return p.priority
}

// sync resets the counter of every slot holding a new incarnation.
func (s *PriorityScheduler) sync(set ProcessSet) {
	n := set.Len()

	for len(s.counters) < n {
		s.counters = append(s.counters, 0)
		s.ids = append(s.ids, ProcessID{Index: -1})
	}

	for i := 0; i < n; i++ {
		p := set.Process(i)

		if p == nil {
			continue
		}

		if s.ids[i] != p.id {
			s.ids[i] = p.id
			s.counters[i] = priorityOf(p)
		}
	}
}

func (s *PriorityScheduler) pick(set ProcessSet) (best int) {
	n := set.Len()
	best = -1

	// ties go to the slot following the last dispatched one
	for i := 1; i <= n; i++ {
		idx := (s.last + i) % n

		if idx < 0 {
			idx += n
		}

		if !set.Ready(idx) || s.counters[idx] == 0 {
			continue
		}

		if best < 0 || s.counters[idx] > s.counters[best] {
			best = idx
		}
	}

	return
}

func (s *PriorityScheduler) Next(set ProcessSet) (d Decision, ok bool) {
	if set.Len() == 0 {
		return
	}

	s.sync(set)

	idx := s.pick(set)

	if idx < 0 {
		for i := range s.counters {
			if p := set.Process(i); p != nil {
				s.counters[i] = s.counters[i]/2 + priorityOf(p)
			}
		}

		if idx = s.pick(set); idx < 0 {
			return
		}
	}

	s.last = idx

	return Decision{Index: idx, Budget: s.Quantum}, true
}

func (s *PriorityScheduler) Result(index int, reason StopReason, elapsed time.Duration) {
	if index < 0 || index >= len(s.counters) {
		return
	}

	if s.counters[index] > 0 {
		s.counters[index]--
	}
}
