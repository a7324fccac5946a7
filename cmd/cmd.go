// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmd implements the kernel management console commands.
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/alistair23/tock/kernel"
)

// Timeout bounds the wait for the kernel loop to serve a command.
var Timeout = 5 * time.Second

// Banner is the console welcome banner.
var Banner string

// Kernel is the kernel managed by the console.
var Kernel *kernel.Kernel

var ErrUnknown = errors.New("unknown command, type `help`")

// CmdFn runs a command with the arguments matched by its pattern.
type CmdFn func(term *term.Terminal, arg []string) (res string, err error)

// Cmd is a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      CmdFn
}

var cmds = make(map[string]*Cmd)

// Add registers a command.
func Add(cmd Cmd) {
	if cmd.Pattern == nil {
		cmd.Pattern = regexp.MustCompile(`^` + regexp.QuoteMeta(cmd.Name) + `$`)
	}

	cmds[cmd.Name] = &cmd
}

// Help returns the command list.
func Help(term *term.Terminal) string {
	var help bytes.Buffer
	var names []string

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		_, _ = fmt.Fprintf(t, "%s\t%s\t # %s\n", cmds[name].Name, cmds[name].Syntax, cmds[name].Help)
	}

	_ = t.Flush()

	if term != nil {
		return string(term.Escape.Cyan) + help.String() + string(term.Escape.Reset)
	}

	return help.String()
}

// Handle runs the command matching line and writes its output to term.
func Handle(term *term.Terminal, line string) (err error) {
	var match *Cmd
	var arg []string
	var res string

	line = strings.TrimSpace(line)

	if len(line) == 0 {
		return
	}

	for _, cmd := range cmds {
		if m := cmd.Pattern.FindStringSubmatch(line); len(m) > 0 && len(m)-1 == cmd.Args {
			match = cmd
			arg = m[1:]
			break
		}
	}

	if match == nil {
		return ErrUnknown
	}

	res, err = match.Fn(term, arg)

	if len(res) > 0 {
		fmt.Fprintln(term, res)
	}

	return
}

// do runs fn on the kernel loop.
func do(fn func(k *kernel.Kernel) error) error {
	if Kernel == nil {
		return errors.New("no kernel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	return Kernel.Do(ctx, fn)
}
