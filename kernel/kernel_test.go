// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFirstDispatchStartsAtEntry(t *testing.T) {
	var start Registers

	env, p, _ := newSyscallEnv(t, func(p *Process, _ time.Duration) Trap {
		start = p.regs
		return syscall(p, YieldClass, YieldWait)
	})

	env.steps(t, 1)

	if start.PC != p.image.Start+p.manifest.EntryPoint {
		t.Errorf("pc %#x", start.PC)
	}

	if start.SP != p.ram.Start+p.stackSize {
		t.Errorf("sp %#x", start.SP)
	}

	if start.A[1] != p.ram.Start || start.A[3] != p.appBreak {
		t.Errorf("registers %s", &start)
	}
}

func TestRestartOnFault(t *testing.T) {
	var entries []uint32

	env, p, drv := newSyscallEnv(t, nil)
	p.policy = NewThresholdRestartPolicy(1)

	faults := 0

	env.exec.programs["app"] = func(p *Process, _ time.Duration) Trap {
		if p.regs.PC == p.image.Start+p.manifest.EntryPoint {
			entries = append(entries, p.regs.PC)
		}

		// dirty memory and kernel state before faulting
		env.mem.Write(p.ram.Start+0x10, []byte{1, 2, 3, 4})
		p.subs[subscriptionKey{testCapsule, 0}] = subscription{fn: p.code.Start}
		p.regs.PC += 4

		faults++

		return Trap{Kind: TrapFault, Err: errors.New("store access fault")}
	}

	g, _ := NewGrant[counterState](env.k, testCapsule, nil)
	g.Allocate(p.id)

	gen := p.id.Gen
	env.steps(t, 1)

	if p.State() != Unstarted || p.id.Gen != gen+1 {
		t.Fatalf("after first fault %v", p)
	}

	buf := make([]byte, p.ram.Size)
	env.mem.Read(p.ram.Start, buf)

	if !bytes.Equal(buf, make([]byte, p.ram.Size)) {
		t.Error("memory not cleared on restart")
	}

	if len(p.subs) != 0 || g.Allocated(p.id) || p.PendingUpcalls() != 0 {
		t.Error("kernel state survived restart")
	}

	if p.regs.PC != p.image.Start+p.manifest.EntryPoint {
		t.Errorf("pc %#x", p.regs.PC)
	}

	// the second fault exceeds the threshold
	env.steps(t, 1)

	if p.State() != Terminated {
		t.Fatalf("after second fault %v", p)
	}

	if len(entries) != 2 || faults != 2 {
		t.Errorf("entries %v faults %d", entries, faults)
	}

	if len(drv.exited) != 2 || len(env.exec.released) != 2 {
		t.Errorf("exits %v released %v", drv.exited, env.exec.released)
	}

	if st := p.Stats(); st.Restarts != 1 || st.Faults != 2 || st.LastFault != "store access fault" {
		t.Errorf("stats %+v", st)
	}
}

func TestRestartBackoff(t *testing.T) {
	env, p, _ := newSyscallEnv(t, func(p *Process, _ time.Duration) Trap {
		return Trap{Kind: TrapFault, Err: errors.New("illegal instruction")}
	})

	p.policy = NewExponentialRestartPolicy(100*time.Millisecond, time.Second, 5, env.clock)
	env.steps(t, 1)

	if p.State() != Unstarted {
		t.Fatalf("state %v", p.State())
	}

	if ran, _ := env.k.Step(); ran {
		t.Fatal("restarted before its delay")
	}

	env.clock.Advance(time.Second)

	if !env.k.WorkPending() {
		t.Fatal("delay expiry did not wake the kernel")
	}

	if ran, _ := env.k.Step(); !ran {
		t.Fatal("not restarted after its delay")
	}
}

func TestPanicPolicy(t *testing.T) {
	env := newEnv(t, func(o *Options) { o.FaultPolicy = PanicFaultPolicy{} })
	env.exec.programs["app"] = func(p *Process, _ time.Duration) Trap {
		return Trap{Kind: TrapFault, Err: errors.New("load access fault")}
	}

	env.load(t, app{name: "app", id: 1})

	_, err := env.k.Step()

	var kp *KernelPanic

	if !errors.As(err, &kp) {
		t.Fatalf("got %v", err)
	}

	if _, err = env.k.Step(); err != kp {
		t.Fatalf("kernel kept running, %v", err)
	}

	if env.k.Run(context.Background()) != kp {
		t.Fatal("run ignored panic")
	}
}

func TestStopResume(t *testing.T) {
	env, p, _ := newSyscallEnv(t, func(p *Process, budget time.Duration) Trap {
		return Trap{Kind: TrapTimeslice, Elapsed: budget}
	})

	env.steps(t, 1)

	if err := env.k.StopProcess(p); err != nil {
		t.Fatal(err)
	}

	if err := env.k.StopProcess(p); err != ALREADY {
		t.Fatalf("second stop, %v", err)
	}

	if ran, _ := env.k.Step(); ran {
		t.Fatal("stopped process ran")
	}

	if err := env.k.ResumeProcess(p); err != nil {
		t.Fatal(err)
	}

	if p.State() != Running {
		t.Fatalf("state %v", p.State())
	}

	if ran, _ := env.k.Step(); !ran {
		t.Fatal("resumed process did not run")
	}
}

func TestStopYielded(t *testing.T) {
	env, p, _ := newSyscallEnv(t, nil)
	p.subs[subscriptionKey{testCapsule, 0}] = subscription{fn: p.code.Start}
	env.exec.programs["app"] = func(p *Process, _ time.Duration) Trap {
		return syscall(p, YieldClass, YieldWait)
	}

	env.steps(t, 1)
	env.k.StopProcess(p)

	if p.State() != StoppedYielded {
		t.Fatalf("state %v", p.State())
	}

	// upcalls are still queued while stopped
	if err := env.k.ScheduleUpcall(p.id, testCapsule, 0); err != nil {
		t.Fatal(err)
	}

	env.k.ResumeProcess(p)

	if p.State() != Yielded || !p.ready(env.clock.Now()) {
		t.Fatalf("state %v", p.State())
	}
}

func TestFaultAndTerminateFromConsole(t *testing.T) {
	env := newEnv(t)
	env.load(t, app{name: "a", id: 1}, app{name: "b", id: 2})

	a := env.proc(t, "a")
	b := env.proc(t, "b")

	if err := env.k.FaultProcess(a); err != nil {
		t.Fatal(err)
	}

	if a.State() != Terminated {
		t.Fatalf("state %v", a.State())
	}

	if err := env.k.FaultProcess(a); err != ErrNoProc {
		t.Fatalf("fault of terminated process, %v", err)
	}

	if err := env.k.TerminateProcess(b); err != nil {
		t.Fatal(err)
	}

	if err := env.k.RestartProcess(b); err != ErrNoProc {
		t.Fatalf("restart of terminated process, %v", err)
	}

	// terminated slots are reused
	res := env.load(t, app{name: "c", id: 3})

	if res[0].Err != nil || res[0].ID.Index != 0 || res[0].ID.Gen == 0 {
		t.Fatalf("results %+v", res)
	}
}

func TestDeferredCalls(t *testing.T) {
	env, p, _ := newSyscallEnv(t, nil)
	p.subs[subscriptionKey{testCapsule, 0}] = subscription{fn: p.code.Start}

	env.exec.programs["app"] = func(p *Process, _ time.Duration) Trap {
		return syscall(p, YieldClass, YieldWait)
	}

	env.steps(t, 1)

	var wg sync.WaitGroup

	// interrupt context hands upcalls to the kernel loop
	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			env.k.Submit(func(k *Kernel) {
				k.ScheduleUpcall(p.id, testCapsule, 0, uint32(i))
			})
		}(i)
	}

	wg.Wait()

	if !env.k.WorkPending() {
		t.Fatal("no pending work")
	}

	env.steps(t, 1)

	if env.k.WorkPending() {
		t.Fatal("work left after step")
	}

	if p.Stats().UpcallsQueued != 4 {
		t.Fatalf("queued %d", p.Stats().UpcallsQueued)
	}
}

func TestInterruptedProcessKeepsQuantum(t *testing.T) {
	var budgets []time.Duration

	env, p, _ := newSyscallEnv(t, nil)

	env.exec.programs["app"] = func(p *Process, budget time.Duration) Trap {
		budgets = append(budgets, budget)

		if len(budgets) == 1 {
			env.k.Submit(func(*Kernel) {})
			return Trap{Kind: TrapInterrupted, Elapsed: 3 * time.Millisecond}
		}

		return Trap{Kind: TrapTimeslice, Elapsed: budget}
	}

	env.steps(t, 2)

	if len(budgets) != 2 || budgets[1] != DefaultQuantum-3*time.Millisecond {
		t.Fatalf("budgets %v", budgets)
	}

	if p.Stats().Dispatches != 2 || p.Stats().Timeslices != 1 {
		t.Fatalf("stats %+v", p.Stats())
	}
}

func TestRunAndDo(t *testing.T) {
	env, _, _ := newSyscallEnv(t, func(p *Process, _ time.Duration) Trap {
		return syscall(p, YieldClass, YieldWait)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- env.k.Run(ctx)
	}()

	var info []Info

	err := env.k.Do(context.Background(), func(k *Kernel) error {
		info = k.Processes()
		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if len(info) != 1 || info[0].Name != "app" {
		t.Fatalf("info %+v", info)
	}

	cancel()

	select {
	case err = <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	env := newEnv(t)

	if err := env.k.Register(1, &testDriver{}); err != nil {
		t.Fatal(err)
	}

	if err := env.k.Register(1, &testDriver{}); err == nil {
		t.Fatal("duplicate capsule registered")
	}
}

func TestFind(t *testing.T) {
	env := newEnv(t)
	env.load(t, app{name: "blink", id: 1}, app{name: "hello", id: 2})

	for _, name := range []string{"1", "hello"} {
		p, err := env.k.Find(name)

		if err != nil || p.Name() != "hello" {
			t.Fatalf("find %q, %v %v", name, p, err)
		}
	}

	if _, err := env.k.Find("nope"); err == nil {
		t.Fatal("found missing process")
	}
}
