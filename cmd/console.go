// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"regexp"

	"golang.org/x/term"
)

// Input receives text sent to the process console.
var Input func(b []byte)

func init() {
	Add(Cmd{
		Name:    "input",
		Args:    1,
		Pattern: regexp.MustCompile(`^input (.*)$`),
		Syntax:  "<text>",
		Help:    "send a line to the process console",
		Fn:      inputCmd,
	})
}

func inputCmd(_ *term.Terminal, arg []string) (string, error) {
	if Input == nil {
		return "", errors.New("no process console")
	}

	Input([]byte(arg[0] + "\n"))

	return "", nil
}
