// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// kernel_sim runs the kernel on a host simulated RISC-V board and manages
// the signed application images it loads.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(mkimageCmd), "images")
	subcommands.Register(new(inspectCmd), "images")
	subcommands.Register(new(keygenCmd), "images")

	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}
