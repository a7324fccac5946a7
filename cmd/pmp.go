// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !sifive_u
// +build !sifive_u

package cmd

import (
	"errors"

	"golang.org/x/term"

	"github.com/alistair23/tock/kernel"
)

// PMP is the protection unit shown by the pmp command.
var PMP interface {
	Dump() string
}

func init() {
	Add(Cmd{
		Name: "pmp",
		Help: "show active PMP entries",
		Fn:   pmpRead,
	})
}

func pmpRead(_ *term.Terminal, _ []string) (res string, err error) {
	if PMP == nil {
		return "", errors.New("no PMP")
	}

	// entries change on every dispatch
	err = do(func(*kernel.Kernel) error {
		res = PMP.Dump()
		return nil
	})

	return
}
