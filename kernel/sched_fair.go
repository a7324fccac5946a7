// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"time"
)

const stride1 = 1 << 20

// FairShare is a stride scheduler, each process receives CPU time in
// proportion to its weight. The ready process with the lowest pass runs
// next and is charged for the time it used.
type FairShare struct {
	Quantum time.Duration

	pass    []uint64
	strides []uint64
	ids     []ProcessID
	ready   []bool
	global  uint64
}

func NewFairShare(quantum time.Duration) *FairShare {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}

	return &FairShare{Quantum: quantum}
}

func strideOf(p *Process) uint64 {
	w := p.weight

	if w == 0 {
		w = 1
	}

	return stride1 / uint64(w)
}

func (s *FairShare) Next(set ProcessSet) (d Decision, ok bool) {
	n := set.Len()

	for len(s.pass) < n {
		s.pass = append(s.pass, 0)
		s.strides = append(s.strides, stride1)
		s.ids = append(s.ids, ProcessID{Index: -1})
		s.ready = append(s.ready, false)
	}

	best := -1

	for i := 0; i < n; i++ {
		p := set.Process(i)
		ready := p != nil && set.Ready(i)

		if p != nil && s.ids[i] != p.id {
			s.ids[i] = p.id
			s.strides[i] = strideOf(p)
			s.ready[i] = false
		}

		// processes rejoining the ready set start at the current
		// virtual time, sleeping earns no credit
		if ready && !s.ready[i] && s.pass[i] < s.global {
			s.pass[i] = s.global
		}

		s.ready[i] = ready

		if ready && (best < 0 || s.pass[i] < s.pass[best]) {
			best = i
		}
	}

	if best < 0 {
		return
	}

	s.global = s.pass[best]

	return Decision{Index: best, Budget: s.Quantum}, true
}

func (s *FairShare) Result(index int, reason StopReason, elapsed time.Duration) {
	if index < 0 || index >= len(s.pass) || s.ids[index].Index < 0 {
		return
	}

	// every dispatch is charged at least a sixteenth of a quantum
	charge := elapsed

	if floor := s.Quantum / 16; charge < floor {
		charge = floor
	}

	if charge <= 0 {
		charge = 1
	}

	step := s.strides[index] * uint64(charge) / uint64(s.Quantum)

	if step == 0 {
		step = 1
	}

	s.pass[index] += step
}
