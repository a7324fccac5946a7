// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Logger is the kernel logger, its level can be changed from the console.
var Logger *logrus.Logger

func init() {
	Add(Cmd{
		Name: "help",
		Help: "this help",
		Fn:   helpCmd,
	})

	Add(Cmd{
		Name:    "exit, quit",
		Args:    1,
		Pattern: regexp.MustCompile(`^(exit|quit)$`),
		Help:    "close session",
		Fn:      exitCmd,
	})

	Add(Cmd{
		Name: "stack",
		Help: "stack trace of current goroutine",
		Fn:   stackCmd,
	})

	Add(Cmd{
		Name: "stackall",
		Help: "stack trace of all goroutines",
		Fn:   stackallCmd,
	})

	Add(Cmd{
		Name:    "log",
		Args:    1,
		Pattern: regexp.MustCompile(`^log (\w+)$`),
		Syntax:  "<level>",
		Help:    "set kernel log level",
		Fn:      logCmd,
	})
}

func helpCmd(term *term.Terminal, _ []string) (string, error) {
	return Help(term), nil
}

func exitCmd(_ *term.Terminal, _ []string) (string, error) {
	return "logout", io.EOF
}

func stackCmd(_ *term.Terminal, _ []string) (string, error) {
	return string(debug.Stack()), nil
}

func stackallCmd(_ *term.Terminal, _ []string) (string, error) {
	buf := new(bytes.Buffer)
	pprof.Lookup("goroutine").WriteTo(buf, 1)

	return buf.String(), nil
}

func logCmd(_ *term.Terminal, arg []string) (string, error) {
	if Logger == nil {
		return "", fmt.Errorf("no logger")
	}

	level, err := logrus.ParseLevel(arg[0])

	if err != nil {
		return "", err
	}

	Logger.SetLevel(level)

	return fmt.Sprintf("log level %s", level), nil
}
