// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/alistair23/tock/capsules"
	"github.com/alistair23/tock/cmd"
	"github.com/alistair23/tock/config"
	"github.com/alistair23/tock/mem"
	"github.com/alistair23/tock/sim"
	"github.com/alistair23/tock/sim/apps"
	"github.com/alistair23/tock/util"
)

const banner = "tock kernel simulator"

type runCmd struct {
	config  string
	ssh     string
	keys    string
	level   string
	noStdin bool
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the kernel on the simulated board" }
func (*runCmd) Usage() string {
	return "run [-config <board.toml>] [-ssh <addr>] <image>...\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "board configuration, built-in defaults when empty")
	f.StringVar(&c.ssh, "ssh", "", "management console listen address, disabled when empty")
	f.StringVar(&c.keys, "authorized_keys", "", "SSH authorized keys file, any client is accepted when empty")
	f.StringVar(&c.level, "log", "info", "kernel log level")
	f.BoolVar(&c.noStdin, "no_stdin", false, "do not forward standard input to the process console")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.run(ctx, f.Args()); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Error(err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func (c *runCmd) loadConfig() (*config.Config, error) {
	if c.config == "" {
		return config.Default(), nil
	}

	return config.Load(c.config)
}

func (c *runCmd) authorizedKeys() (keys []ssh.PublicKey, err error) {
	if c.keys == "" {
		return
	}

	buf, err := os.ReadFile(c.keys)

	if err != nil {
		return
	}

	for len(buf) > 0 {
		var key ssh.PublicKey

		if key, _, _, buf, err = ssh.ParseAuthorizedKey(buf); err != nil {
			return nil, fmt.Errorf("%s, %v", c.keys, err)
		}

		keys = append(keys, key)
	}

	return
}

func (c *runCmd) board(cfg *config.Config, out *util.BufferedLog) (b *sim.Board, console *capsules.Console, err error) {
	opts, err := cfg.Options(nil)

	if err != nil {
		return
	}

	opts.Map = cfg.Map(mem.SimMap())
	opts.Log = logrus.WithField("board", "sim")

	if b, err = sim.NewBoard(opts, sim.WithPMP(cfg.Kernel.PMPRegions, cfg.Kernel.PMPTOR)); err != nil {
		return
	}

	k := b.Kernel

	if _, err = capsules.NewAlarm(k); err != nil {
		return
	}

	if console, err = capsules.NewConsole(k, out); err != nil {
		return
	}

	if _, err = capsules.NewRNG(k, rand.Reader, []byte(banner)); err != nil {
		return
	}

	if _, err = capsules.NewProcessInfo(k); err != nil {
		return
	}

	apps.Install(b.Exec)

	return
}

func (c *runCmd) load(b *sim.Board, paths []string) error {
	var images [][]byte

	for _, path := range paths {
		image, err := os.ReadFile(path)

		if err != nil {
			return err
		}

		images = append(images, image)
	}

	results, err := b.Load(images...)

	if err != nil {
		return err
	}

	for _, res := range results {
		if res.Err != nil {
			logrus.Warnf("image at %#x rejected, %v", res.Addr, res.Err)
			continue
		}

		logrus.Infof("loaded %s at %#x as %s", res.Name, res.Addr, res.ID)
	}

	return nil
}

func (c *runCmd) run(ctx context.Context, paths []string) (err error) {
	level, err := logrus.ParseLevel(c.level)

	if err != nil {
		return
	}

	logrus.SetLevel(level)

	cfg, err := c.loadConfig()

	if err != nil {
		return
	}

	out := util.NewBufferedStdoutLog()
	b, console, err := c.board(cfg, out)

	if err != nil {
		return
	}

	if err = c.load(b, paths); err != nil {
		return
	}

	cmd.Banner = banner
	cmd.Kernel = b.Kernel
	cmd.Logger = logrus.StandardLogger()
	cmd.PMP = b.Machine.PMP
	cmd.Input = console.Input

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Kernel.Run(ctx)
	})

	if c.ssh != "" {
		keys, err := c.authorizedKeys()

		if err != nil {
			return err
		}

		listener, err := net.Listen("tcp", c.ssh)

		if err != nil {
			return err
		}

		srv := &util.Console{
			Banner:         banner,
			Help:           "type `help` for the command list",
			Handler:        cmd.Handle,
			Attach:         out.SetTerminal,
			AuthorizedKeys: keys,
			Log:            logrus.WithField("ssh", c.ssh),
		}

		g.Go(func() error {
			return srv.Serve(ctx, listener)
		})

		logrus.Infof("management console on %s", listener.Addr())
	}

	// stdin reads cannot be interrupted, the goroutine is left behind on
	// exit
	if !c.noStdin {
		go forward(os.Stdin, console)
	}

	return g.Wait()
}

// forward hands standard input lines to the process console.
func forward(f *os.File, console *capsules.Console) {
	r := bufio.NewReader(f)

	for {
		line, err := r.ReadBytes('\n')

		if len(line) > 0 {
			console.Input(line)
		}

		if err != nil {
			return
		}
	}
}
