// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kernel implements process isolation and scheduling on a single
// core with a region based protection unit.
package kernel

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alistair23/tock/manifest"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

// Defaults applied by New.
const (
	DefaultMaxProcesses = 4
	DefaultUpcallQueue  = 10
)

// Options configures a Kernel.
type Options struct {
	Map       mem.Map
	Memory    mem.Memory
	MPU       *mpu.Manager
	Executor  Executor
	Scheduler Scheduler
	Clock     Clock
	Log       logrus.FieldLogger

	MaxProcesses int
	UpcallQueue  int

	// FaultPolicy is applied to every process, the default stops them.
	FaultPolicy FaultPolicy

	TrustedKeys        []*rsa.PublicKey
	Device             manifest.DeviceState
	MinSecurityVersion uint32
	Rollback           RollbackStore
}

// Kernel owns the process table, the capsules and the main loop. Except for
// Submit and Do its methods must only be called from the loop goroutine,
// which includes capsule commands and deferred calls.
type Kernel struct {
	memoryMap mem.Map
	mem       mem.Memory
	mpu       *mpu.Manager
	exec      Executor
	sched     Scheduler
	clock     Clock
	log       logrus.FieldLogger
	limited   *limitedLogger

	upcallDepth int
	policy      FaultPolicy

	keys        []*rsa.PublicKey
	device      manifest.DeviceState
	minSecurity uint32
	rollback    RollbackStore

	procs     []*Process
	gens      []uint32
	ledger    *mem.Ledger
	capsules  map[CapsuleID]Driver
	observers []ProcessObserver

	mu      sync.Mutex
	pending []func(*Kernel)
	wake    chan struct{}

	current *Process
	halted  error
}

// New returns a kernel with an empty process table.
func New(opts Options) (k *Kernel, err error) {
	if opts.Memory == nil || opts.MPU == nil || opts.Executor == nil {
		return nil, errors.New("memory, protection unit and executor are required")
	}

	if err = opts.Map.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory map, %v", err)
	}

	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = DefaultMaxProcesses
	}

	if opts.UpcallQueue <= 0 {
		opts.UpcallQueue = DefaultUpcallQueue
	}

	if opts.Scheduler == nil {
		opts.Scheduler = NewRoundRobin(DefaultQuantum)
	}

	if opts.Clock == nil {
		opts.Clock = WallClock{}
	}

	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	if opts.FaultPolicy == nil {
		opts.FaultPolicy = StopFaultPolicy{}
	}

	if opts.Rollback == nil {
		opts.Rollback = NewMemoryRollbackStore()
	}

	k = &Kernel{
		memoryMap:   opts.Map,
		mem:         opts.Memory,
		mpu:         opts.MPU,
		exec:        opts.Executor,
		sched:       opts.Scheduler,
		clock:       opts.Clock,
		log:         opts.Log,
		limited:     newLimitedLogger(opts.Log, 100*time.Millisecond, 10),
		upcallDepth: opts.UpcallQueue,
		policy:      opts.FaultPolicy,
		keys:        opts.TrustedKeys,
		device:      opts.Device,
		minSecurity: opts.MinSecurityVersion,
		rollback:    opts.Rollback,
		procs:       make([]*Process, opts.MaxProcesses),
		gens:        make([]uint32, opts.MaxProcesses),
		ledger:      mem.NewLedger(),
		capsules:    make(map[CapsuleID]Driver),
		wake:        make(chan struct{}, 1),
	}

	return
}

// Register installs capsule d under id, capsules implementing
// ProcessObserver are told about process exits.
func (k *Kernel) Register(id CapsuleID, d Driver) error {
	if _, ok := k.capsules[id]; ok {
		return fmt.Errorf("capsule %#x already registered", uint32(id))
	}

	k.capsules[id] = d

	if o, ok := d.(ProcessObserver); ok {
		k.observers = append(k.observers, o)
	}

	return nil
}

// Clock returns the kernel time source.
func (k *Kernel) Clock() Clock {
	return k.clock
}

// Log returns the kernel logger.
func (k *Kernel) Log() logrus.FieldLogger {
	return k.log
}

// Memory returns the physical memory accessor.
func (k *Kernel) Memory() mem.Memory {
	return k.mem
}

// MemoryMap returns the board memory map.
func (k *Kernel) MemoryMap() mem.Map {
	return k.memoryMap
}

// Ledger returns the memory claims of loaded processes.
func (k *Kernel) Ledger() *mem.Ledger {
	return k.ledger
}

// MPU returns the protection region manager.
func (k *Kernel) MPU() *mpu.Manager {
	return k.mpu
}

func (k *Kernel) lookup(pid ProcessID) (*Process, error) {
	if pid.Index < 0 || pid.Index >= len(k.procs) {
		return nil, ErrNoProc
	}

	p := k.procs[pid.Index]

	if p == nil || p.id != pid {
		return nil, ErrNoProc
	}

	return p, nil
}

// Process returns the current incarnation of pid.
func (k *Kernel) Process(pid ProcessID) (*Process, error) {
	return k.lookup(pid)
}

// Current returns the process being run, nil outside of a dispatch.
func (k *Kernel) Current() *Process {
	return k.current
}

// Find returns the process named name, or in slot index when name is a
// number.
func (k *Kernel) Find(name string) (*Process, error) {
	var idx int

	if _, err := fmt.Sscanf(name, "%d", &idx); err == nil && fmt.Sprint(idx) == name {
		if idx >= 0 && idx < len(k.procs) && k.procs[idx] != nil {
			return k.procs[idx], nil
		}
	}

	for _, p := range k.procs {
		if p != nil && p.name == name {
			return p, nil
		}
	}

	return nil, fmt.Errorf("process %q not found", name)
}

// Processes returns a snapshot of every loaded process.
func (k *Kernel) Processes() (info []Info) {
	for _, p := range k.procs {
		if p != nil {
			info = append(info, p.info())
		}
	}

	return
}

// Live returns the number of processes that may still run.
func (k *Kernel) Live() (n int) {
	for _, p := range k.procs {
		if p != nil && p.state != Terminated {
			n++
		}
	}

	return
}

// Submit queues fn to run on the loop goroutine before the next dispatch, it
// is the only kernel entry point safe to call from interrupt context.
func (k *Kernel) Submit(fn func(*Kernel)) {
	k.mu.Lock()
	k.pending = append(k.pending, fn)
	k.mu.Unlock()

	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// WorkPending reports whether deferred calls wait for the loop, executors
// use it to return early.
func (k *Kernel) WorkPending() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.pending) > 0
}

// Do runs fn on the loop goroutine and waits for its result.
func (k *Kernel) Do(ctx context.Context, fn func(*Kernel) error) error {
	done := make(chan error, 1)

	k.Submit(func(k *Kernel) {
		done <- fn(k)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kernel) drain() {
	for {
		k.mu.Lock()
		pending := k.pending
		k.pending = nil
		k.mu.Unlock()

		if len(pending) == 0 {
			return
		}

		for _, fn := range pending {
			fn(k)
		}
	}
}

// Panic halts the kernel, the loop returns a *KernelPanic.
func (k *Kernel) Panic(format string, args ...interface{}) {
	reason := fmt.Sprintf(format, args...)
	k.log.Errorf("kernel panic, %s", reason)

	if k.halted == nil {
		k.halted = &KernelPanic{Reason: reason}
	}
}

// Halted returns the panic that stopped the kernel, if any.
func (k *Kernel) Halted() error {
	return k.halted
}

// Step runs pending deferred calls and dispatches at most one process, it
// reports whether a process ran.
func (k *Kernel) Step() (ran bool, err error) {
	k.drain()

	if k.halted != nil {
		return false, k.halted
	}

	d, ok := k.sched.Next(processSet{k})

	if !ok {
		return false, nil
	}

	if d.Index < 0 || d.Index >= len(k.procs) || !(processSet{k}).Ready(d.Index) {
		k.Panic("scheduler picked slot %d which is not ready", d.Index)
		return false, k.halted
	}

	p := k.procs[d.Index]
	reason, elapsed := k.runProcess(p, d.Budget)
	k.sched.Result(d.Index, reason, elapsed)

	return true, k.halted
}

// Run is the kernel main loop, it returns once ctx is done or the kernel
// panics.
func (k *Kernel) Run(ctx context.Context) (err error) {
	var ran bool

	k.log.Printf("kernel running %d processes", k.Live())

	for {
		if err = ctx.Err(); err != nil {
			return
		}

		if ran, err = k.Step(); err != nil {
			return
		}

		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.wake:
		}
	}
}

// runProcess activates p for at most budget, serving its syscalls until it
// yields, exhausts the budget, faults or kernel work becomes pending.
func (k *Kernel) runProcess(p *Process, budget time.Duration) (reason StopReason, elapsed time.Duration) {
	switch p.state {
	case Unstarted:
		k.log.Debugf("%s starting at %#x", p, p.regs.PC)
		p.state = Running
	case Yielded:
		u, ok := p.upcalls.pop()

		if !ok {
			return StopYielded, 0
		}

		p.deliver(u)
	case Running:
	default:
		return StopStopped, 0
	}

	if err := k.mpu.Configure(p.mpu); err != nil {
		k.Panic("could not configure protection for %s, %v", p, err)
		return StopStopped, 0
	}

	k.current = p
	defer func() { k.current = nil }()

	p.stats.Dispatches++
	pid := p.id

	for {
		if elapsed >= budget {
			p.stats.Timeslices++
			return StopTimeslice, elapsed
		}

		trap := k.exec.Switch(p, budget-elapsed)

		elapsed += trap.Elapsed
		p.stats.CPU += trap.Elapsed

		switch trap.Kind {
		case TrapSyscall:
			k.handleSyscall(p)
		case TrapTimeslice:
			p.stats.Timeslices++
			return StopTimeslice, elapsed
		case TrapInterrupted:
			return StopKernelWork, elapsed
		case TrapFault:
			k.fault(p, trap.Err)
			return StopFaulted, elapsed
		default:
			k.Panic("invalid trap %v from %s", trap.Kind, p)
			return StopStopped, elapsed
		}

		switch {
		case k.halted != nil:
			return StopStopped, elapsed
		case p.id != pid:
			return StopExited, elapsed
		case p.state == Yielded:
			return StopYielded, elapsed
		case p.state == Terminated:
			return StopExited, elapsed
		case p.state == Faulted:
			return StopFaulted, elapsed
		case p.state != Running:
			return StopStopped, elapsed
		}

		if k.WorkPending() {
			return StopKernelWork, elapsed
		}
	}
}

func (k *Kernel) notifyExited(pid ProcessID) {
	k.exec.Release(pid)

	for _, o := range k.observers {
		o.ProcessExited(pid)
	}
}

// fault applies the fault policy of p.
func (k *Kernel) fault(p *Process, cause error) {
	p.state = Faulted
	p.stats.Faults++

	if cause != nil {
		p.stats.LastFault = cause.Error()
	}

	k.limited.Warnf("%s faulted, %v (%s)", p, cause, &p.regs)

	action, delay := p.policy.Action(p)

	switch action {
	case FaultRestart:
		k.restart(p, delay)
	case FaultPanic:
		k.Panic("process %s faulted, %v", p.name, cause)
	default:
		k.terminate(p)
	}
}

// restart reloads p into its slot with fresh memory, it becomes ready again
// after delay.
func (k *Kernel) restart(p *Process, delay time.Duration) {
	old := p.id

	k.gens[old.Index]++
	p.id = ProcessID{Index: old.Index, Gen: k.gens[old.Index]}

	k.notifyExited(old)

	if err := k.mem.Write(p.ram.Start, make([]byte, p.ram.Size)); err != nil {
		k.Panic("could not clear memory of %s, %v", p, err)
		return
	}

	p.resetState(k.upcallDepth)

	if err := k.mpu.UpdateAppMemoryRegion(p.mpu, p.appBreak, p.kernelBreak); err != nil {
		k.Panic("could not reset protection of %s, %v", p, err)
		return
	}

	p.state = Unstarted
	p.stats.Restarts++
	p.resumeAt = k.clock.Now().Add(delay)

	if delay > 0 {
		k.clock.AfterFunc(delay, func() {
			k.Submit(func(*Kernel) {})
		})
	}

	k.log.Printf("%s restarted (%s), resuming in %v", p, old, delay)
}

// terminate stops p for good and reclaims its memory.
func (k *Kernel) terminate(p *Process) {
	old := p.id

	k.gens[old.Index]++
	p.id = ProcessID{Index: old.Index, Gen: k.gens[old.Index]}
	p.state = Terminated

	k.notifyExited(old)

	p.grants = make(map[CapsuleID]*grantAlloc)
	p.subs = make(map[subscriptionKey]subscription)
	p.allows = make(map[allowKey]allowance)
	p.upcalls = newUpcallQueue(0)

	k.ledger.Release(slotOwner(old.Index))

	k.log.Printf("%s terminated", p)
}

func slotOwner(index int) string {
	return fmt.Sprintf("process-%d", index)
}

// StopProcess suspends p until ResumeProcess.
func (k *Kernel) StopProcess(p *Process) error {
	switch p.state {
	case Running, Unstarted:
		p.state = StoppedRunning
	case Yielded:
		p.state = StoppedYielded
	case StoppedRunning, StoppedYielded:
		return ALREADY
	default:
		return ErrNoProc
	}

	k.log.Printf("%s stopped", p)

	return nil
}

// ResumeProcess undoes StopProcess.
func (k *Kernel) ResumeProcess(p *Process) error {
	switch p.state {
	case StoppedRunning:
		p.state = Running
	case StoppedYielded:
		p.state = Yielded
	default:
		return ALREADY
	}

	k.log.Printf("%s resumed", p)

	return nil
}

// FaultProcess injects a fault into p, its fault policy applies.
func (k *Kernel) FaultProcess(p *Process) error {
	if !p.Alive() {
		return ErrNoProc
	}

	k.fault(p, errors.New("fault injected from console"))

	return nil
}

// TerminateProcess stops p for good.
func (k *Kernel) TerminateProcess(p *Process) error {
	if p.state == Terminated {
		return ALREADY
	}

	k.terminate(p)

	return nil
}

// RestartProcess restarts p from its entry point.
func (k *Kernel) RestartProcess(p *Process) error {
	if p.state == Terminated {
		return ErrNoProc
	}

	k.restart(p, 0)

	return nil
}
