// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

// Upcall is a notification queued for a process.
type Upcall struct {
	Capsule CapsuleID
	Num     uint32
	Fn      uint32
	AppData uint32
	Args    [3]uint32
}

// upcallQueue is a bounded FIFO.
type upcallQueue struct {
	buf  []Upcall
	head int
	n    int
}

func newUpcallQueue(depth int) *upcallQueue {
	return &upcallQueue{buf: make([]Upcall, depth)}
}

func (q *upcallQueue) len() int {
	return q.n
}

func (q *upcallQueue) push(u Upcall) bool {
	if q.n == len(q.buf) {
		return false
	}

	q.buf[(q.head+q.n)%len(q.buf)] = u
	q.n++

	return true
}

func (q *upcallQueue) pop() (u Upcall, ok bool) {
	if q.n == 0 {
		return
	}

	u = q.buf[q.head]
	q.buf[q.head] = Upcall{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--

	return u, true
}

// purge drops every queued upcall matching fn, preserving order.
func (q *upcallQueue) purge(fn func(Upcall) bool) (dropped int) {
	n := q.n
	keep := make([]Upcall, 0, n)

	for i := 0; i < n; i++ {
		u, _ := q.pop()

		if fn(u) {
			dropped++
			continue
		}

		keep = append(keep, u)
	}

	for _, u := range keep {
		q.push(u)
	}

	return
}

// ScheduleUpcall queues upcall num of capsule for process pid with the given
// arguments. Upcalls towards a null subscription are discarded, a full queue
// is reported as NOMEM.
func (k *Kernel) ScheduleUpcall(pid ProcessID, capsule CapsuleID, num uint32, args ...uint32) error {
	p, err := k.lookup(pid)

	if err != nil {
		return err
	}

	if !p.Alive() {
		return ErrNoProc
	}

	sub, ok := p.subs[subscriptionKey{capsule, num}]

	if !ok || sub.fn == 0 {
		return nil
	}

	u := Upcall{
		Capsule: capsule,
		Num:     num,
		Fn:      sub.fn,
		AppData: sub.appData,
	}

	copy(u.Args[:], args)

	if !p.upcalls.push(u) {
		p.stats.UpcallsDropped++
		k.limited.Warnf("%s upcall queue full, dropped capsule:%#x num:%d", p, capsule, num)
		return ErrNoMem
	}

	p.stats.UpcallsQueued++

	return nil
}

// deliver sets up p to run upcall u, returning to the saved PC once the
// upcall function returns.
func (p *Process) deliver(u Upcall) {
	p.regs.RA = p.regs.PC
	p.regs.PC = u.Fn
	p.regs.A[0] = u.Args[0]
	p.regs.A[1] = u.Args[1]
	p.regs.A[2] = u.Args[2]
	p.regs.A[3] = u.AppData
	p.state = Running
}
