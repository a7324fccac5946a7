// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/alistair23/tock/manifest"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

// State is the lifecycle state of a process.
type State int

const (
	// Unstarted processes are loaded and start at their entry point once
	// scheduled.
	Unstarted State = iota
	// Running processes are ready to execute.
	Running
	// Yielded processes wait for an upcall.
	Yielded
	// StoppedRunning processes were Running when stopped from the console.
	StoppedRunning
	// StoppedYielded processes were Yielded when stopped from the console.
	StoppedYielded
	// Faulted processes await their fault policy.
	Faulted
	// Terminated processes never run again, their memory is reclaimed.
	Terminated
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "Unstarted"
	case Running:
		return "Running"
	case Yielded:
		return "Yielded"
	case StoppedRunning:
		return "StoppedRunning"
	case StoppedYielded:
		return "StoppedYielded"
	case Faulted:
		return "Faulted"
	case Terminated:
		return "Terminated"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// ProcessID names one incarnation of a process, the generation changes on
// every restart so that stale identifiers are rejected.
type ProcessID struct {
	Index int
	Gen   uint32
}

func (id ProcessID) String() string {
	return fmt.Sprintf("%d.%d", id.Index, id.Gen)
}

// Registers is the saved register context, RISC-V ABI names.
type Registers struct {
	PC uint32
	RA uint32
	SP uint32
	A  [8]uint32
}

func (r *Registers) String() string {
	return fmt.Sprintf("pc:%#.8x ra:%#.8x sp:%#.8x a0:%#x a1:%#x a2:%#x a3:%#x a4:%#x",
		r.PC, r.RA, r.SP, r.A[0], r.A[1], r.A[2], r.A[3], r.A[4])
}

// Stats counts process events.
type Stats struct {
	Syscalls        uint64
	Dispatches      uint64
	Timeslices      uint64
	UpcallsDropped  uint64
	UpcallsQueued   uint64
	Restarts        uint64
	Faults          uint64
	LastFault       string
	LastSyscall     uint32
	CPU             time.Duration
	CompletionCode  uint32
	HasCompletion   bool
	GrantsAllocated int
}

// grantAlloc is the placement of one capsule grant inside process RAM.
type grantAlloc struct {
	addr    uint32
	size    uint32
	entered bool
}

type subscriptionKey struct {
	capsule CapsuleID
	num     uint32
}

type subscription struct {
	fn      uint32
	appData uint32
}

type allowKey struct {
	capsule CapsuleID
	num     uint32
	rw      bool
}

type allowance struct {
	addr uint32
	size uint32
}

// Process is the kernel state of one loaded application.
type Process struct {
	id    ProcessID
	name  string
	state State

	manifest *manifest.Manifest
	image    mem.Region
	code     mem.Region
	storage  mem.Region
	ram      mem.Region

	stackSize      uint32
	initialBreak   uint32
	appBreak       uint32
	kernelBreak    uint32
	allowHighWater uint32

	regs   Registers
	mpu    *mpu.Config
	policy FaultPolicy

	grants  map[CapsuleID]*grantAlloc
	subs    map[subscriptionKey]subscription
	allows  map[allowKey]allowance
	upcalls *upcallQueue

	priority uint32
	weight   uint32

	backoff  backoff.BackOff
	resumeAt time.Time

	stats Stats
}

func (p *Process) ID() ProcessID {
	return p.id
}

func (p *Process) Name() string {
	return p.name
}

func (p *Process) State() State {
	return p.state
}

func (p *Process) Manifest() *manifest.Manifest {
	return p.manifest
}

// Image returns the flash span of the whole image.
func (p *Process) Image() mem.Region {
	return p.image
}

// Code returns the executable part of the image.
func (p *Process) Code() mem.Region {
	return p.code
}

// Storage returns the writable flash region, if any.
func (p *Process) Storage() mem.Region {
	return p.storage
}

// RAM returns the whole process memory block, grants included.
func (p *Process) RAM() mem.Region {
	return p.ram
}

func (p *Process) AppBreak() uint32 {
	return p.appBreak
}

func (p *Process) KernelBreak() uint32 {
	return p.kernelBreak
}

// Registers returns the saved register context, executors restore and save
// it around every switch.
func (p *Process) Registers() *Registers {
	return &p.regs
}

// MPUConfig returns the protection configuration activated when p runs.
func (p *Process) MPUConfig() *mpu.Config {
	return p.mpu
}

func (p *Process) Stats() Stats {
	return p.stats
}

func (p *Process) Priority() uint32 {
	return p.priority
}

func (p *Process) Weight() uint32 {
	return p.weight
}

// PendingUpcalls returns the number of queued upcalls.
func (p *Process) PendingUpcalls() int {
	return p.upcalls.len()
}

// Alive reports whether p may still run.
func (p *Process) Alive() bool {
	return p.state != Terminated && p.state != Faulted
}

// ready reports whether the scheduler may dispatch p at time now.
func (p *Process) ready(now time.Time) bool {
	switch p.state {
	case Unstarted:
		return !now.Before(p.resumeAt)
	case Running:
		return true
	case Yielded:
		return p.upcalls.len() > 0
	}

	return false
}

// inRAM reports whether [addr, addr+size) lies in process accessible RAM.
func (p *Process) inRAM(addr uint32, size uint32) bool {
	return addr >= p.ram.Start && uint64(addr)+uint64(size) <= uint64(p.appBreak)
}

// inFlash reports whether [addr, addr+size) lies in the process image or its
// storage region.
func (p *Process) inFlash(addr uint32, size uint32) bool {
	return p.image.Contains(addr, size) || (p.storage.Size != 0 && p.storage.Contains(addr, size))
}

// initContext places the registers at the entry point with a fresh stack.
func (p *Process) initContext() {
	p.regs = Registers{
		PC: p.image.Start + p.manifest.EntryPoint,
		SP: p.ram.Start + p.stackSize,
	}

	p.regs.A[0] = p.image.Start
	p.regs.A[1] = p.ram.Start
	p.regs.A[2] = p.ram.Size
	p.regs.A[3] = p.appBreak
}

// resetState drops every per incarnation resource.
func (p *Process) resetState(depth int) {
	p.appBreak = p.initialBreak
	p.kernelBreak = uint32(p.ram.End())
	p.allowHighWater = p.ram.Start
	p.grants = make(map[CapsuleID]*grantAlloc)
	p.subs = make(map[subscriptionKey]subscription)
	p.allows = make(map[allowKey]allowance)
	p.upcalls = newUpcallQueue(depth)
	p.stats.GrantsAllocated = 0
	p.initContext()
}

func (p *Process) String() string {
	return fmt.Sprintf("%s %s %s", p.id, p.name, p.state)
}

// Info is a snapshot of a process for consoles.
type Info struct {
	ID          ProcessID
	Name        string
	State       State
	Identifier  uint32
	Image       mem.Region
	RAM         mem.Region
	AppBreak    uint32
	KernelBreak uint32
	Registers   Registers
	Upcalls     int
	Regions     string
	Stats       Stats
}

func (p *Process) info() Info {
	return Info{
		ID:          p.id,
		Name:        p.name,
		State:       p.state,
		Identifier:  p.manifest.Identifier,
		Image:       p.image,
		RAM:         p.ram,
		AppBreak:    p.appBreak,
		KernelBreak: p.kernelBreak,
		Registers:   p.regs,
		Upcalls:     p.upcalls.len(),
		Regions:     p.mpu.String(),
		Stats:       p.stats,
	}
}
