// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mpu assigns process memory regions to the scarce entries of a
// region based memory protection unit.
package mpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alistair23/tock/mem"
)

// Mode is the address matching mode of a protection entry, the values match
// the RISC-V pmpcfg A field.
type Mode int

const (
	Off Mode = iota
	TOR
	NA4
	NAPOT
)

func (m Mode) String() string {
	return [...]string{"OFF", "TOR", "NA4", "NAPOT"}[m&3]
}

var (
	ErrSlotsExhausted = errors.New("no protection slots left")
	ErrMisaligned     = errors.New("region cannot be encoded")
	ErrKernelOverlap  = errors.New("region overlaps kernel memory")
	ErrNoAppRegion    = errors.New("app memory region not allocated")
	ErrOutOfMemory    = errors.New("app break past kernel break")
)

// Slot is the hardware encoding of one protection entry.
type Slot struct {
	Mode Mode
	// Addr is the address register value, a byte address shifted right by
	// two, or'ed with the size mask for NAPOT entries.
	Addr uint32
	Perm mem.Permissions
}

// Range decodes the byte range matched by a NAPOT or NA4 entry.
func (s Slot) Range() (start uint64, size uint64) {
	switch s.Mode {
	case NA4:
		return uint64(s.Addr) << 2, 4
	case NAPOT:
		t := 0

		for a := s.Addr; a&1 == 1; a >>= 1 {
			t++
		}

		size = 8 << t
		start = uint64(s.Addr&^(1<<t-1)) << 2
	}

	return
}

// Hardware is a protection unit backend.
type Hardware interface {
	// Slots returns the number of protection entries.
	Slots() int
	// TOR reports whether top of range matching is available.
	TOR() bool
	// Write programs every entry, in order.
	Write(slots []Slot) error
}

// Config is the protection configuration of one process.
type Config struct {
	slots   []Slot
	regions []mem.Region
	used    []bool

	app    int
	appTOR bool
}

// Slots returns a copy of the hardware entries.
func (c *Config) Slots() []Slot {
	return append([]Slot(nil), c.slots...)
}

// Regions returns the logical regions held by the configuration.
func (c *Config) Regions() (r []mem.Region) {
	for _, region := range c.regions {
		if region.Size != 0 {
			r = append(r, region)
		}
	}

	return
}

// AppRegion returns the whole process RAM block.
func (c *Config) AppRegion() (mem.Region, bool) {
	if c.app < 0 {
		return mem.Region{}, false
	}

	return c.regions[c.app], true
}

func (c *Config) String() string {
	var b strings.Builder

	for i, s := range c.slots {
		if !c.used[i] {
			continue
		}

		fmt.Fprintf(&b, "%.2d %-5s addr:%#.8x %s", i, s.Mode, s.Addr, s.Perm)

		if r := c.regions[i]; r.Size != 0 {
			fmt.Fprintf(&b, " %s", r)
		}

		b.WriteByte('\n')
	}

	return b.String()
}

// Manager applies the slot assignment rules of a protection unit.
type Manager struct {
	hw        Hardware
	protected []mem.Region
}

// NewManager returns a manager for hw that refuses to map any of the
// protected regions.
func NewManager(hw Hardware, protected []mem.Region) *Manager {
	return &Manager{
		hw:        hw,
		protected: protected,
	}
}

// Hardware returns the backend.
func (m *Manager) Hardware() Hardware {
	return m.hw
}

// NewConfig returns an empty configuration.
func (m *Manager) NewConfig() *Config {
	n := m.hw.Slots()

	return &Config{
		slots:   make([]Slot, n),
		regions: make([]mem.Region, n),
		used:    make([]bool, n),
		app:     -1,
	}
}

// AppMemorySize returns the RAM block size needed to satisfy the requested
// process and kernel memory, which is a power of two.
func AppMemorySize(min uint32, app uint32, kernel uint32) uint32 {
	size := app + kernel

	if size < app || size < min {
		size = min
	}

	if size < 8 {
		size = 8
	}

	return mem.NextPowerOfTwo(size)
}

func (m *Manager) check(c *Config, r mem.Region) error {
	for _, p := range m.protected {
		if p.Overlaps(r) {
			return fmt.Errorf("%v, %w", r, ErrKernelOverlap)
		}
	}

	for _, o := range c.regions {
		if o.Overlaps(r) {
			return fmt.Errorf("%v conflicts with %v, %w", r, o, mem.ErrOverlap)
		}
	}

	return nil
}

// free returns the first index of n consecutive unused slots.
func (c *Config) free(n int) (int, error) {
	run := 0

	for i := range c.slots {
		if c.used[i] {
			run = 0
			continue
		}

		if run++; run == n {
			return i - n + 1, nil
		}
	}

	return 0, ErrSlotsExhausted
}

func napot(start uint32, size uint32) uint32 {
	return start>>2 | (size>>3 - 1)
}

func (c *Config) setNAPOT(i int, r mem.Region) {
	c.slots[i] = Slot{Mode: NAPOT, Addr: napot(r.Start, r.Size), Perm: r.Perm}
	c.regions[i] = r
	c.used[i] = true
}

func (c *Config) setTOR(i int, r mem.Region, top uint64) {
	c.slots[i] = Slot{Mode: Off, Addr: r.Start >> 2}
	c.slots[i+1] = Slot{Mode: TOR, Addr: uint32(top >> 2), Perm: r.Perm}
	c.regions[i+1] = r
	c.used[i] = true
	c.used[i+1] = true
}

// AddRegion maps r into c with the cheapest encoding the hardware allows.
func (m *Manager) AddRegion(c *Config, r mem.Region) (err error) {
	if err = m.check(c, r); err != nil {
		return
	}

	switch {
	case mem.IsNAPOT(r.Start, r.Size):
		i, err := c.free(1)

		if err != nil {
			return err
		}

		c.setNAPOT(i, r)
	case m.hw.TOR() && r.Start%4 == 0 && r.Size%4 == 0 && r.Size != 0 && r.End() <= 1<<32:
		i, err := c.free(2)

		if err != nil {
			return err
		}

		c.setTOR(i, r, r.End())
	default:
		return fmt.Errorf("%v, %w", r, ErrMisaligned)
	}

	return
}

// AllocateAppMemoryRegion maps the process RAM block at the start of pool,
// aligned to its power of two size. The process initially reaches only the
// first app bytes when the hardware supports top of range matching, the
// whole block otherwise.
func (m *Manager) AllocateAppMemoryRegion(c *Config, pool mem.Region, min uint32, app uint32, kernel uint32, perm mem.Permissions) (r mem.Region, err error) {
	if c.app >= 0 {
		return r, fmt.Errorf("app memory region already allocated")
	}

	size := AppMemorySize(min, app, kernel)
	start, ok := mem.AlignUp(pool.Start, size)

	if !ok || !pool.Contains(start, size) {
		return r, fmt.Errorf("%d bytes do not fit %v, %w", size, pool, ErrOutOfMemory)
	}

	r = mem.Region{Name: "ram", Start: start, Size: size, Perm: perm}

	if err = m.check(c, r); err != nil {
		return
	}

	if m.hw.TOR() {
		i, err := c.free(2)

		if err != nil {
			return r, err
		}

		c.setTOR(i, r, uint64(start)+uint64(app))
		c.app = i + 1
		c.appTOR = true
	} else {
		i, err := c.free(1)

		if err != nil {
			return r, err
		}

		c.setNAPOT(i, r)
		c.app = i
	}

	return
}

// UpdateAppMemoryRegion moves the top of the process accessible window to
// appBreak, which must not cross kernelBreak.
func (m *Manager) UpdateAppMemoryRegion(c *Config, appBreak uint32, kernelBreak uint32) error {
	if c.app < 0 {
		return ErrNoAppRegion
	}

	r := c.regions[c.app]

	if appBreak > kernelBreak {
		return ErrOutOfMemory
	}

	if appBreak < r.Start || uint64(kernelBreak) > r.End() {
		return fmt.Errorf("break %#x-%#x outside %v, %w", appBreak, kernelBreak, r, ErrMisaligned)
	}

	if c.appTOR {
		if appBreak%4 != 0 {
			return fmt.Errorf("app break %#x, %w", appBreak, ErrMisaligned)
		}

		c.slots[c.app].Addr = appBreak >> 2
	}

	return nil
}

// Configure activates c, every entry not used by c is cleared.
func (m *Manager) Configure(c *Config) error {
	return m.hw.Write(c.slots)
}

// Disable clears every entry.
func (m *Manager) Disable() error {
	return m.hw.Write(make([]Slot, m.hw.Slots()))
}
