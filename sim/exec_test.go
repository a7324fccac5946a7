// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"testing"
	"time"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/mem"
)

func TestProgramExitCode(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"adder": func(a *App) {
			r := a.Command(testCapsule, 2, 3, 4)

			if r.Err() != nil {
				a.Fault(r.Err())
			}

			a.Exit(kernel.ExitTerminate, r.Data[0])
		},
	})

	p := process(t, b, "adder")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if p.State() != kernel.Terminated {
		t.Fatalf("process %s", p)
	}

	if s := p.Stats(); !s.HasCompletion || s.CompletionCode != 7 {
		t.Errorf("completion %+v", s)
	}

	if b.Exec.Running() != 0 {
		t.Errorf("%d goroutines left", b.Exec.Running())
	}
}

func TestReturnFromMainExits(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"short": func(a *App) {},
	})

	p := process(t, b, "short")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if p.State() != kernel.Terminated {
		t.Fatalf("process %s", p)
	}
}

func TestUpcallRunsOnYield(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"waiter": func(a *App) {
			var got uint32

			a.Subscribe(testCapsule, 0, func(a0 uint32, _ uint32, _ uint32, data uint32) {
				got = a0 + data
			}, 100)

			a.Command(testCapsule, 1, 23, 0)
			a.YieldFor(func() bool { return got != 0 })
			a.Exit(kernel.ExitTerminate, got)
		},
	})

	p := process(t, b, "waiter")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if s := p.Stats(); s.CompletionCode != 123 {
		t.Errorf("completion code %d", s.CompletionCode)
	}
}

func TestYieldNoWait(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"poller": func(a *App) {
			ran := 0

			a.Subscribe(testCapsule, 0, func(uint32, uint32, uint32, uint32) {
				ran++
			}, 0)

			empty := a.YieldNoWait()
			a.Command(testCapsule, 1, 1, 0)
			delivered := a.YieldNoWait()

			code := uint32(0)

			if !empty && delivered && ran == 1 {
				code = 1
			}

			a.Exit(kernel.ExitTerminate, code)
		},
	})

	p := process(t, b, "poller")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if s := p.Stats(); s.CompletionCode != 1 {
		t.Errorf("completion code %d", s.CompletionCode)
	}
}

func TestSpinningProcessesShareCPU(t *testing.T) {
	spin := func(a *App) {
		for {
			a.Spin(time.Millisecond)
		}
	}

	b := newBoard(t, kernel.Options{Scheduler: kernel.NewRoundRobin(4 * time.Millisecond)}, map[string]Program{
		"a": spin,
		"b": spin,
	})

	pa := process(t, b, "a")
	pb := process(t, b, "b")

	run(t, b, 20, func() bool { return false })

	for _, p := range []*kernel.Process{pa, pb} {
		s := p.Stats()

		if s.Dispatches != 10 || s.Timeslices != 10 {
			t.Errorf("%s dispatches:%d timeslices:%d", p.Name(), s.Dispatches, s.Timeslices)
		}

		if s.CPU != 40*time.Millisecond {
			t.Errorf("%s cpu %v", p.Name(), s.CPU)
		}
	}
}

func TestInterruptedSpin(t *testing.T) {
	b := newBoard(t, kernel.Options{Scheduler: kernel.NewRoundRobin(10 * time.Millisecond)}, map[string]Program{
		"spin": func(a *App) {
			for {
				a.Spin(time.Millisecond)
			}
		},
	})

	polls := 0

	b.Exec.Interrupted = func() bool {
		polls++
		return polls == 5
	}

	p := process(t, b, "spin")

	run(t, b, 1, func() bool { return false })

	if s := p.Stats(); s.Timeslices != 0 || s.CPU != 5*DefaultTick {
		t.Errorf("timeslices:%d cpu:%v", s.Timeslices, s.CPU)
	}

	if p.State() != kernel.Running {
		t.Errorf("process %s", p)
	}
}

func TestAccessFaultRestarts(t *testing.T) {
	starts := 0

	b := newBoard(t, kernel.Options{FaultPolicy: kernel.NewThresholdRestartPolicy(1)}, map[string]Program{
		"rogue": func(a *App) {
			starts++
			a.LoadWord(mem.SimKernelRAMStart)
		},
	})

	p := process(t, b, "rogue")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if p.State() != kernel.Terminated {
		t.Fatalf("process %s", p)
	}

	if s := p.Stats(); starts != 2 || s.Restarts != 1 || s.Faults != 2 {
		t.Errorf("starts:%d restarts:%d faults:%d", starts, s.Restarts, s.Faults)
	}

	if b.Exec.Running() != 0 {
		t.Errorf("%d goroutines left", b.Exec.Running())
	}
}

func TestMemoryAboveBreakInaccessible(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"peeker": func(a *App) {
			a.LoadWord(a.InitialBreak())
		},
	})

	p := process(t, b, "peeker")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if s := p.Stats(); s.Faults != 1 || s.LastFault == "" {
		t.Fatalf("faults:%d last:%q", s.Faults, s.LastFault)
	}
}

func TestHeapGrowth(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"heap": func(a *App) {
			prev, err := a.Sbrk(1024)

			if err != nil {
				a.Fault(err)
			}

			// the new memory is usable in the same timeslice
			a.StoreWord(prev, 0xcafebabe)

			if err = a.Brk(prev); err != nil {
				a.Fault(err)
			}

			a.Exit(kernel.ExitTerminate, a.LoadWord(prev-4))
		},
	})

	p := process(t, b, "heap")

	run(t, b, 10, func() bool { return p.State() == kernel.Terminated })

	if s := p.Stats(); s.Faults != 0 || !s.HasCompletion {
		t.Errorf("stats %+v", s)
	}
}

func TestUnknownProgramFaults(t *testing.T) {
	b := newBoard(t, kernel.Options{}, map[string]Program{
		"ghost": nil,
	})

	delete(b.Exec.programs, "ghost")

	p := process(t, b, "ghost")

	run(t, b, 3, func() bool { return p.State() == kernel.Terminated })

	if p.Stats().Faults != 1 {
		t.Errorf("process %s", p)
	}
}
