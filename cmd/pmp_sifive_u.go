// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u
// +build sifive_u

package cmd

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/tamago/soc/sifive/fu540"

	"github.com/alistair23/tock/kernel"
)

func init() {
	Add(Cmd{
		Name: "pmp",
		Help: "read all PMP CSRs",
		Fn:   pmpReadAll,
	})

	Add(Cmd{
		Name:    "pmp ",
		Args:    1,
		Pattern: regexp.MustCompile(`^pmp (\d+)$`),
		Syntax:  "<index>",
		Help:    "read PMP CSR",
		Fn:      pmpRead,
	})
}

func pmpEntry(i int) (string, error) {
	addr, r, w, x, a, l, err := fu540.RV64.ReadPMP(i)

	if err != nil {
		return "", err
	}

	return fmt.Sprintf("PMP:%.2d addr:%.16x A:%d R:%v W:%v X:%v l:%v", i, addr, a, r, w, x, l), nil
}

func pmpReadAll(_ *term.Terminal, _ []string) (res string, err error) {
	var buf bytes.Buffer

	err = do(func(*kernel.Kernel) error {
		for i := 0; i < 16; i++ {
			s, err := pmpEntry(i)

			if err != nil {
				return err
			}

			buf.WriteString(s + "\n")
		}

		return nil
	})

	return buf.String(), err
}

func pmpRead(_ *term.Terminal, arg []string) (res string, err error) {
	i, err := strconv.ParseUint(arg[0], 10, 8)

	if err != nil {
		return "", fmt.Errorf("invalid index, %v", err)
	}

	return pmpEntry(int(i))
}
