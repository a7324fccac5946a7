// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/mem"
)

const maxBufferSize = 102400

func init() {
	Add(Cmd{
		Name:    "peek",
		Args:    2,
		Pattern: regexp.MustCompile(`^peek ([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex offset> <size>",
		Help:    "memory display (use with caution)",
		Fn:      memReadCmd,
	})

	Add(Cmd{
		Name:    "poke",
		Args:    2,
		Pattern: regexp.MustCompile(`^poke ([[:xdigit:]]+) ([[:xdigit:]]+)$`),
		Syntax:  "<hex offset> <hex value>",
		Help:    "memory write   (use with caution)",
		Fn:      memWriteCmd,
	})

	Add(Cmd{
		Name: "regions",
		Help: "memory map and allocations",
		Fn:   regionsCmd,
	})
}

func memCopy(addr uint32, size int, w []byte) (b []byte, err error) {
	err = do(func(k *kernel.Kernel) error {
		if len(w) > 0 {
			return k.Memory().Write(addr, w)
		}

		b = make([]byte, size)

		return k.Memory().Read(addr, b)
	})

	return
}

func memReadCmd(_ *term.Terminal, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	size, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid size, %v", err)
	}

	if (addr%4) != 0 || (size%4) != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	if size > maxBufferSize {
		return "", fmt.Errorf("size argument must be <= %d", maxBufferSize)
	}

	b, err := memCopy(uint32(addr), int(size), nil)

	if err != nil {
		return
	}

	return hex.Dump(b), nil
}

func memWriteCmd(_ *term.Terminal, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	if addr%4 != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	val, err := strconv.ParseUint(arg[1], 16, 32)

	if err != nil {
		return "", fmt.Errorf("invalid data, %v", err)
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(val))

	_, err = memCopy(uint32(addr), 4, buf)

	return
}

func regionsCmd(_ *term.Terminal, _ []string) (string, error) {
	var buf bytes.Buffer

	err := do(func(k *kernel.Kernel) error {
		m := k.MemoryMap()

		fmt.Fprintf(&buf, "memory map\n")

		for _, r := range append(append([]mem.Region{}, m.Kernel...), m.Boot, m.Program, m.Storage, m.RAM) {
			if r.Size != 0 {
				fmt.Fprintf(&buf, "  %s\n", r)
			}
		}

		fmt.Fprintf(&buf, "allocations\n")

		k.Ledger().Each(func(owner string, r mem.Region) bool {
			fmt.Fprintf(&buf, "  %-12s %s\n", owner, r)
			return true
		})

		return nil
	})

	return buf.String(), err
}
