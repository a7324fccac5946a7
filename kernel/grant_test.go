// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/alistair23/tock/manifest"
	"github.com/alistair23/tock/mem"
)

type counterState struct {
	Count uint32
	Last  uint64
	Flags [3]byte
}

func TestGrantEnter(t *testing.T) {
	env, p, _ := newSyscallEnv(t, nil)

	g, err := NewGrant(env.k, testCapsule, func(s *counterState) { s.Count = 10 })

	if err != nil {
		t.Fatal(err)
	}

	if g.Allocated(p.id) {
		t.Fatal("grant allocated before first use")
	}

	kb := p.kernelBreak

	for i := 0; i < 3; i++ {
		err = g.Enter(p.id, func(s *counterState) error {
			s.Count++
			s.Last = 0x1122334455667788
			return nil
		})

		if err != nil {
			t.Fatal(err)
		}
	}

	if want := kb - 16; p.kernelBreak != want {
		t.Errorf("kernel break %#x, want %#x", p.kernelBreak, want)
	}

	if p.kernelBreak%grantAlign != 0 || p.kernelBreak < p.appBreak {
		t.Errorf("grant at %#x", p.kernelBreak)
	}

	g.Enter(p.id, func(s *counterState) error {
		if s.Count != 13 || s.Last != 0x1122334455667788 {
			t.Errorf("state %+v", s)
		}

		return nil
	})

	// the grant lives in process RAM, outside the app accessible part
	if p.inRAM(p.kernelBreak, 4) {
		t.Error("grant reachable by the process")
	}
}

func TestGrantNestedEnterBusy(t *testing.T) {
	env, p, _ := newSyscallEnv(t, nil)

	g, err := NewGrant[counterState](env.k, testCapsule, nil)

	if err != nil {
		t.Fatal(err)
	}

	var nested error

	err = g.Enter(p.id, func(s *counterState) error {
		nested = g.Enter(p.id, func(*counterState) error {
			t.Error("nested enter ran")
			return nil
		})

		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if !errors.Is(nested, ErrBusy) || CodeOf(nested) != BUSY {
		t.Fatalf("nested enter, %v", nested)
	}

	// released once the outer borrow returns
	if err = g.Enter(p.id, func(*counterState) error { return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestGrantReleasedOnError(t *testing.T) {
	env, p, _ := newSyscallEnv(t, nil)
	g, _ := NewGrant[counterState](env.k, testCapsule, nil)

	boom := errors.New("boom")

	if err := g.Enter(p.id, func(s *counterState) error { s.Count = 5; return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}

	g.Enter(p.id, func(s *counterState) error {
		if s.Count != 5 {
			t.Errorf("count %d", s.Count)
		}

		return nil
	})
}

func TestGrantExhaustion(t *testing.T) {
	type big struct {
		Buf [2048]byte
	}

	env, p, _ := newSyscallEnv(t, nil)
	var errs []error

	// the grant area left by the default memory sizes fits two of them
	for i := CapsuleID(0); i < 4; i++ {
		g, _ := NewGrant[big](env.k, 0x100+i, nil)
		errs = append(errs, g.Allocate(p.id))
	}

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("errors %v", errs)
	}

	if !errors.Is(errs[2], ErrNoMem) || !errors.Is(errs[3], ErrNoMem) {
		t.Fatalf("errors %v", errs)
	}

	if p.kernelBreak < p.appBreak {
		t.Fatalf("kernel break %#x below app break %#x", p.kernelBreak, p.appBreak)
	}
}

func TestGrantStaleProcess(t *testing.T) {
	env, p, _ := newSyscallEnv(t, nil)
	g, _ := NewGrant[counterState](env.k, testCapsule, nil)
	pid := p.id

	g.Allocate(pid)
	env.k.RestartProcess(p)

	if err := g.Enter(pid, func(*counterState) error { return nil }); err != ErrNoProc {
		t.Fatalf("stale enter, %v", err)
	}

	if g.Allocated(p.id) {
		t.Fatal("grant survived restart")
	}

	if p.kernelBreak != uint32(p.ram.End()) {
		t.Fatalf("kernel break %#x", p.kernelBreak)
	}
}

func TestGrantEach(t *testing.T) {
	env := newEnv(t)
	env.load(t, app{name: "a", id: 1}, app{name: "b", id: 2}, app{name: "c", id: 3})

	g, _ := NewGrant[counterState](env.k, testCapsule, nil)

	for _, name := range []string{"a", "c"} {
		g.Allocate(env.proc(t, name).id)
	}

	var seen []int

	err := g.Each(func(pid ProcessID, s *counterState) error {
		seen = append(seen, pid.Index)
		s.Count = uint32(pid.Index)
		return nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || seen[0] != 0 || seen[1] != 2 {
		t.Fatalf("visited %v", seen)
	}
}

func TestGrantInvalidType(t *testing.T) {
	env := newEnv(t)

	if _, err := NewGrant[map[int]int](env.k, testCapsule, nil); err == nil {
		t.Fatal("variable size grant accepted")
	}
}

type smallGrant struct {
	N uint32
}

type midGrant struct {
	N   uint32
	Pad [20]byte
}

type bigGrant struct {
	N   uint32
	Pad [252]byte
}

// counted is a grant of any type exposing a counter field.
type counted struct {
	id    CapsuleID
	enter func(pid ProcessID, fn func(n *uint32) error) error
}

func countedGrant[T any](t *testing.T, k *Kernel, id CapsuleID, field func(*T) *uint32) counted {
	t.Helper()

	g, err := NewGrant[T](k, id, nil)

	if err != nil {
		t.Fatal(err)
	}

	return counted{
		id: id,
		enter: func(pid ProcessID, fn func(n *uint32) error) error {
			return g.Enter(pid, func(v *T) error { return fn(field(v)) })
		},
	}
}

func TestGrantRandomSequences(t *testing.T) {
	for seed := int64(1); seed <= 16; seed++ {
		seed := seed

		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			env := newEnv(t)

			var apps []app

			for i := 0; i < 3; i++ {
				apps = append(apps, app{
					name: fmt.Sprintf("app%d", i),
					id:   uint32(i + 1),
					ext: map[uint32]uint32{
						manifest.ExtMinRAM:        1024,
						manifest.ExtStackSize:     512,
						manifest.ExtKernelReserve: uint32(64 << r.Intn(4)),
					},
				})
			}

			env.load(t, apps...)

			var procs []*Process

			for _, a := range apps {
				procs = append(procs, env.proc(t, a.name))
			}

			var grants []counted

			for i := 0; i < 6; i++ {
				id := CapsuleID(0x200 + i)

				switch i % 3 {
				case 0:
					grants = append(grants, countedGrant(t, env.k, id, func(v *smallGrant) *uint32 { return &v.N }))
				case 1:
					grants = append(grants, countedGrant(t, env.k, id, func(v *midGrant) *uint32 { return &v.N }))
				case 2:
					grants = append(grants, countedGrant(t, env.k, id, func(v *bigGrant) *uint32 { return &v.N }))
				}
			}

			counts := make(map[ProcessID]map[CapsuleID]uint32)
			full := 0

			for _, p := range procs {
				counts[p.id] = make(map[CapsuleID]uint32)
			}

			for step := 0; step < 200; step++ {
				p := procs[r.Intn(len(procs))]
				g := grants[r.Intn(len(grants))]

				if r.Intn(5) == 0 {
					brk := p.ram.Start + p.stackSize + uint32(r.Intn(int(p.ram.Size-p.stackSize)+1))
					code := env.k.setBreak(p, brk)

					if (brk+3)&^3 > p.kernelBreak {
						if code != NOMEM {
							t.Fatalf("break %#x past grants %#x, got %v", brk, p.kernelBreak, code)
						}
					} else if code != 0 || p.appBreak != (brk+3)&^3 {
						t.Fatalf("break %#x, got %v app break %#x", brk, code, p.appBreak)
					}

					continue
				}

				_, held := p.grants[g.id]
				kb := p.kernelBreak
				var nested error

				err := g.enter(p.id, func(n *uint32) error {
					if *n != counts[p.id][g.id] {
						t.Errorf("%s grant %#x count %d, want %d", p.name, g.id, *n, counts[p.id][g.id])
					}

					nested = g.enter(p.id, func(*uint32) error {
						t.Error("nested enter ran")
						return nil
					})

					*n++

					return nil
				})

				switch {
				case err == nil:
					counts[p.id][g.id]++

					if !errors.Is(nested, ErrBusy) {
						t.Fatalf("nested enter, %v", nested)
					}
				case errors.Is(err, ErrNoMem):
					full++

					if held {
						t.Fatalf("held grant failed, %v", err)
					}

					if _, ok := p.grants[g.id]; ok || p.kernelBreak != kb {
						t.Fatalf("failed allocation moved the kernel break %#x to %#x", kb, p.kernelBreak)
					}
				default:
					t.Fatalf("enter, %v", err)
				}

				if p.appBreak > p.kernelBreak || p.kernelBreak%grantAlign != 0 {
					t.Fatalf("%s app break %#x kernel break %#x", p.name, p.appBreak, p.kernelBreak)
				}

				var spans []mem.Region

				for id, a := range p.grants {
					if a.addr < p.kernelBreak || uint64(a.addr)+uint64(a.size) > p.ram.End() {
						t.Fatalf("grant %#x at %#x outside %#x-%#x", id, a.addr, p.kernelBreak, p.ram.End())
					}

					spans = append(spans, mem.Region{Start: a.addr, Size: a.size})
				}

				for i := range spans {
					for j := i + 1; j < len(spans); j++ {
						if spans[i].Overlaps(spans[j]) {
							t.Fatalf("grants %v and %v overlap", spans[i], spans[j])
						}
					}
				}
			}

			t.Logf("%d allocations refused", full)
		})
	}
}
