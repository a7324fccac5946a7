// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package apps

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/sim"
)

// Programs lists the demo processes by name.
var Programs = map[string]sim.Program{
	"hello": Hello,
	"blink": Blink,
	"spin":  Spin,
	"rng":   Random,
	"crash": Crash,
	"echo":  Echo,
	"heap":  Heap,
}

// Install makes every demo program available to e.
func Install(e *sim.Executor) {
	for name, prog := range Programs {
		e.Install(name, prog)
	}
}

// Hello greets and exits.
func Hello(a *sim.App) {
	l := NewLib(a)
	start, size := a.RAM()

	l.Printf("hello from %s\n", a.Name())
	l.Printf("image:%#.8x ram:%#.8x-%#.8x break:%#.8x\n", a.Image(), start, start+size, a.InitialBreak())

	a.Exit(kernel.ExitTerminate, 0)
}

// Blink ticks twice a second forever.
func Blink(a *sim.App) {
	l := NewLib(a)

	for i := 0; ; i++ {
		if err := l.Sleep(500 * time.Millisecond); err != nil {
			a.Fault(err)
		}

		l.Printf("tick %d\n", i)
	}
}

// Spin burns CPU forever and relies on preemption.
func Spin(a *sim.App) {
	l := NewLib(a)

	for i := 1; ; i++ {
		a.Spin(5 * time.Millisecond)

		if i%200 == 0 {
			l.Printf("spun %d rounds\n", i)
		}
	}
}

// Random prints random bytes and exits.
func Random(a *sim.App) {
	l := NewLib(a)

	b, err := l.Random(16)

	if err != nil {
		a.Fault(err)
	}

	l.Printf("random %s\n", hex.EncodeToString(b))

	a.Exit(kernel.ExitTerminate, 0)
}

// Crash reads kernel memory after a second.
func Crash(a *sim.App) {
	l := NewLib(a)

	l.Sleep(time.Second)
	l.Printf("reading kernel memory at %#x\n", mem.SimKernelRAMStart)

	a.LoadWord(mem.SimKernelRAMStart)

	l.Print("unreachable\n")
}

// Echo returns console input in upper case.
func Echo(a *sim.App) {
	l := NewLib(a)

	for {
		b, err := l.Read(64)

		if err != nil {
			l.Printf("read error %v\n", err)
			continue
		}

		l.Print(strings.ToUpper(string(b)))
	}
}

// Heap grows the break one kilobyte at a time until the kernel refuses and
// exits with the number of kilobytes obtained.
func Heap(a *sim.App) {
	l := NewLib(a)
	n := uint32(0)

	for {
		prev, err := a.Sbrk(1024)

		if err != nil {
			l.Printf("sbrk refused after %dKB, %v\n", n, err)
			break
		}

		a.StoreWord(prev, 0xcafebabe)
		n++
	}

	a.Exit(kernel.ExitTerminate, n)
}
