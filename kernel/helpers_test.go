// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alistair23/tock/manifest"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/mpu"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	keyOnce.Do(func() {
		var err error

		if testKey, err = rsa.GenerateKey(rand.Reader, 3072); err != nil {
			panic(err)
		}
	})

	return testKey
}

type bank struct {
	start uint32
	buf   []byte
}

// flatMemory backs the flash and RAM of a memory map.
type flatMemory struct {
	banks []*bank
}

func newFlatMemory(m mem.Map) *flatMemory {
	f := &flatMemory{}

	for _, r := range []mem.Region{m.Program, m.Storage} {
		b := &bank{start: r.Start, buf: make([]byte, r.Size)}

		for i := range b.buf {
			b.buf[i] = 0xff
		}

		f.banks = append(f.banks, b)
	}

	f.banks = append(f.banks, &bank{start: m.RAM.Start, buf: make([]byte, m.RAM.Size)})

	return f
}

func (f *flatMemory) find(addr uint32, n int) ([]byte, error) {
	for _, b := range f.banks {
		if addr >= b.start && uint64(addr)+uint64(n) <= uint64(b.start)+uint64(len(b.buf)) {
			off := addr - b.start
			return b.buf[off : off+uint32(n)], nil
		}
	}

	return nil, fmt.Errorf("invalid access %#x-%#x", addr, uint64(addr)+uint64(n))
}

func (f *flatMemory) Read(addr uint32, buf []byte) error {
	b, err := f.find(addr, len(buf))

	if err != nil {
		return err
	}

	copy(buf, b)

	return nil
}

func (f *flatMemory) Write(addr uint32, buf []byte) error {
	b, err := f.find(addr, len(buf))

	if err != nil {
		return err
	}

	copy(b, buf)

	return nil
}

type nullCSR struct{}

func (nullCSR) WritePMP(int, uint64, bool, bool, bool, int, bool) error {
	return nil
}

// program is the behaviour of a process under the scripted executor, it is
// called on every switch and returns the trap to report.
type program func(p *Process, budget time.Duration) Trap

// scriptExec runs programs keyed by process name.
type scriptExec struct {
	programs map[string]program
	released []ProcessID
	switches []string
}

func (e *scriptExec) Switch(p *Process, budget time.Duration) Trap {
	e.switches = append(e.switches, p.name)

	prog, ok := e.programs[p.name]

	if !ok {
		return Trap{Kind: TrapFault, Err: fmt.Errorf("no program for %s", p.name)}
	}

	return prog(p, budget)
}

func (e *scriptExec) Release(pid ProcessID) {
	e.released = append(e.released, pid)
}

// syscall loads a request into the registers of p.
func syscall(p *Process, class Class, args ...uint32) Trap {
	copy(p.regs.A[:4], append(args, 0, 0, 0, 0))
	p.regs.A[4] = uint32(class)

	return Trap{Kind: TrapSyscall, Elapsed: time.Millisecond}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.Lock()
	defer c.Unlock()

	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)

	var due []*fakeTimer
	var rest []*fakeTimer

	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			due = append(due, t)
		} else if !t.stopped {
			rest = append(rest, t)
		}
	}

	c.timers = rest
	c.Unlock()

	for _, t := range due {
		t.f()
	}
}

type app struct {
	name     string
	id       uint32
	sv       uint32
	codeSize int
	ext      map[uint32]uint32
	uc       *manifest.UsageConstraints
	unsigned bool
}

func buildImage(t *testing.T, a app) []byte {
	t.Helper()

	m := manifest.Manifest{
		Identifier:       a.id,
		SecurityVersion:  a.sv,
		UsageConstraints: manifest.Unconstrained(),
	}

	if a.uc != nil {
		m.UsageConstraints = *a.uc
	}

	for typ, v := range a.ext {
		if err := m.SetExt(typ, v); err != nil {
			t.Fatal(err)
		}
	}

	if a.codeSize == 0 {
		a.codeSize = 64
	}

	image, err := manifest.Build(m, make([]byte, a.codeSize), a.name)

	if err != nil {
		t.Fatal(err)
	}

	if !a.unsigned {
		if err = manifest.Sign(image, signingKey(t)); err != nil {
			t.Fatal(err)
		}
	}

	return image
}

type testEnv struct {
	k     *Kernel
	mem   *flatMemory
	exec  *scriptExec
	clock *fakeClock
	mm    mem.Map
}

type envOption func(*Options)

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	exec := &scriptExec{programs: make(map[string]program)}
	clock := newFakeClock()

	log := logrus.New()
	log.SetOutput(io.Discard)

	o := Options{
		Map:         mem.SimMap(),
		Executor:    exec,
		Clock:       clock,
		Log:         log,
		TrustedKeys: []*rsa.PublicKey{&signingKey(t).PublicKey},
	}

	for _, opt := range opts {
		opt(&o)
	}

	// memory and protection follow the final map
	fm := newFlatMemory(o.Map)
	o.Memory = fm

	if o.MPU == nil {
		o.MPU = mpu.NewManager(&mpu.PMP{CSR: nullCSR{}, Entries: 16}, o.Map.Protected())
	}

	k, err := New(o)

	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{k: k, mem: fm, exec: exec, clock: clock, mm: o.Map}
}

// withPMP selects the number of PMP entries and top of range support.
func withPMP(entries int, tor bool) envOption {
	return func(o *Options) {
		o.MPU = mpu.NewManager(&mpu.PMP{CSR: nullCSR{}, Entries: entries, NoTOR: !tor}, o.Map.Protected())
	}
}

// flash writes images back to back, largest first so that each stays
// naturally aligned.
func (e *testEnv) flash(t *testing.T, images ...[]byte) {
	t.Helper()

	addr := e.mm.Program.Start

	for _, image := range images {
		if err := e.mem.Write(addr, image); err != nil {
			t.Fatal(err)
		}

		addr += uint32(len(image))
	}
}

func (e *testEnv) load(t *testing.T, apps ...app) []LoadResult {
	t.Helper()

	var images [][]byte

	for _, a := range apps {
		images = append(images, buildImage(t, a))
	}

	e.flash(t, images...)

	res, err := e.k.LoadProcesses()

	if err != nil {
		t.Fatal(err)
	}

	return res
}

func (e *testEnv) proc(t *testing.T, name string) *Process {
	t.Helper()

	p, err := e.k.Find(name)

	if err != nil {
		t.Fatal(err)
	}

	return p
}

func (e *testEnv) steps(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		if _, err := e.k.Step(); err != nil {
			t.Fatal(err)
		}
	}
}

// testDriver records commands and serves fixed slot counts.
type testDriver struct {
	counts   Counts
	commands []uint32
	exited   []ProcessID
	onCmd    func(pid ProcessID, num uint32, a1 uint32, a2 uint32) CommandReturn
}

func (d *testDriver) Command(pid ProcessID, num uint32, a1 uint32, a2 uint32) CommandReturn {
	d.commands = append(d.commands, num)

	if d.onCmd != nil {
		return d.onCmd(pid, num, a1, a2)
	}

	return Success()
}

func (d *testDriver) Counts() Counts {
	return d.counts
}

func (d *testDriver) ProcessExited(pid ProcessID) {
	d.exited = append(d.exited, pid)
}
