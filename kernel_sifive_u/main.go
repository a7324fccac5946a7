// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u

// kernel_sifive_u runs the kernel in machine mode on the QEMU sifive_u
// machine, processes run in user mode under the PMP.
package main

import (
	"context"
	"crypto/rand"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	_ "unsafe"

	"github.com/sirupsen/logrus"
	"github.com/usbarmory/tamago/board/qemu/sifive_u"
	"github.com/usbarmory/tamago/dma"

	"github.com/alistair23/tock/capsules"
	"github.com/alistair23/tock/cmd"
	"github.com/alistair23/tock/config"
	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/kernel_sifive_u/internal"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/util"
)

// Application images are copied to program flash at boot, QEMU exposes no
// flash to the machine.

//go:embed assets
var assets embed.FS

//go:embed board.toml
var boardConfig []byte

//go:linkname ramStart runtime.ramStart
var ramStart uint64 = mem.KernelStart

//go:linkname ramSize runtime.ramSize
var ramSize uint64 = mem.KernelSize

func init() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	mem.Init()
	dma.Init(mem.KernelDMAStart, mem.KernelDMASize)

	cmd.Banner = fmt.Sprintf("%s/%s (%s) • kernel (M-mode)", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func newKernel(cfg *config.Config, out *util.BufferedLog) (k *kernel.Kernel, console *capsules.Console, err error) {
	log := logrus.WithField("board", "sifive_u")

	if cfg.Memory != nil {
		log.Warn("memory map overrides are not supported on this board")
	}

	opts, err := cfg.Options(nil)

	if err != nil {
		return
	}

	m := mem.BoardMap()

	opts.Map = m
	opts.Log = log
	opts.Memory = board.NewMemory(m, mem.FlashRegion, mem.AppRAMRegion)
	opts.MPU = board.NewMPU(cfg.Kernel.PMPRegions, cfg.Kernel.PMPTOR, m.Protected())
	opts.Executor = board.NewExecutor(mem.AppRAMRegion, log)

	if k, err = kernel.New(opts); err != nil {
		return
	}

	if _, err = capsules.NewAlarm(k); err != nil {
		return
	}

	if console, err = capsules.NewConsole(k, out); err != nil {
		return
	}

	if _, err = capsules.NewRNG(k, rand.Reader, []byte(cmd.Banner)); err != nil {
		return
	}

	_, err = capsules.NewProcessInfo(k)

	return
}

func main() {
	cfg, err := config.Parse(boardConfig)

	if err != nil {
		logrus.Fatalf("invalid board configuration, %v", err)
	}

	out := util.NewBufferedStdoutLog()
	k, console, err := newKernel(cfg, out)

	if err != nil {
		logrus.Fatalf("could not start kernel, %v", err)
	}

	images, err := board.Images(mustSub(assets, "assets"))

	if err != nil {
		logrus.Fatalf("could not read images, %v", err)
	}

	if err = board.Load(k, images, k.Log()); err != nil {
		logrus.Fatalf("could not load images, %v", err)
	}

	cmd.Kernel = k
	cmd.Logger = logrus.StandardLogger()
	cmd.Input = console.Input

	go func() {
		if err := k.Run(context.Background()); err != nil {
			logrus.Errorf("kernel halted, %v", err)
		}
	}()

	serial := &util.Console{
		Banner:  cmd.Banner,
		Help:    "type `help` for the command list",
		Handler: cmd.Handle,
		Attach:  out.SetTerminal,
	}

	serial.Run(&board.Serial{UART: sifive_u.UART0})

	logrus.Printf("kernel says goodbye")
}

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)

	if err != nil {
		panic(err)
	}

	return sub
}
