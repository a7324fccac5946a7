// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"regexp"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/alistair23/tock/kernel"
)

func init() {
	Add(Cmd{
		Name: "ps",
		Help: "process list",
		Fn:   psCmd,
	})

	Add(Cmd{
		Name:    "info",
		Args:    1,
		Pattern: regexp.MustCompile(`^info (\S+)$`),
		Syntax:  "<name|slot>",
		Help:    "process details",
		Fn:      infoCmd,
	})

	for name, help := range map[string]string{
		"stop":      "suspend process",
		"resume":    "resume suspended process",
		"fault":     "inject process fault",
		"terminate": "terminate process",
		"restart":   "restart process",
	} {
		Add(Cmd{
			Name:    name,
			Args:    1,
			Pattern: regexp.MustCompile(`^` + name + ` (\S+)$`),
			Syntax:  "<name|slot>",
			Help:    help,
			Fn:      controlCmd(name),
		})
	}
}

func psCmd(_ *term.Terminal, _ []string) (string, error) {
	var procs []kernel.Info

	err := do(func(k *kernel.Kernel) error {
		procs = k.Processes()
		return nil
	})

	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	t := tabwriter.NewWriter(&buf, 0, 8, 2, ' ', 0)

	fmt.Fprintf(t, "PID\tNAME\tSTATE\tID\tFLASH\tRAM\tBREAK\tUPCALLS\tSYSCALLS\tRESTARTS\tCPU\n")

	for _, p := range procs {
		fmt.Fprintf(t, "%s\t%s\t%s\t%#x\t%#.8x\t%#.8x\t%#.8x\t%d\t%d\t%d\t%v\n",
			p.ID, p.Name, p.State, p.Identifier, p.Image.Start, p.RAM.Start, p.AppBreak,
			p.Upcalls, p.Stats.Syscalls, p.Stats.Restarts, p.Stats.CPU)
	}

	t.Flush()

	return buf.String(), nil
}

func infoCmd(_ *term.Terminal, arg []string) (string, error) {
	var info kernel.Info

	err := do(func(k *kernel.Kernel) error {
		p, err := k.Find(arg[0])

		if err != nil {
			return err
		}

		for _, i := range k.Processes() {
			if i.ID == p.ID() {
				info = i
			}
		}

		return nil
	})

	if err != nil {
		return "", err
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s %s (%s) id:%#x\n", info.ID, info.Name, info.State, info.Identifier)
	fmt.Fprintf(&buf, "flash  %s\n", info.Image)
	fmt.Fprintf(&buf, "ram    %s break:%#.8x kernel break:%#.8x\n", info.RAM, info.AppBreak, info.KernelBreak)
	fmt.Fprintf(&buf, "regs   %s\n", &info.Registers)
	fmt.Fprintf(&buf, "stats  syscalls:%d dispatches:%d timeslices:%d cpu:%v\n",
		info.Stats.Syscalls, info.Stats.Dispatches, info.Stats.Timeslices, info.Stats.CPU)
	fmt.Fprintf(&buf, "       upcalls queued:%d pending:%d dropped:%d grants:%d\n",
		info.Stats.UpcallsQueued, info.Upcalls, info.Stats.UpcallsDropped, info.Stats.GrantsAllocated)
	fmt.Fprintf(&buf, "       restarts:%d faults:%d", info.Stats.Restarts, info.Stats.Faults)

	if info.Stats.LastFault != "" {
		fmt.Fprintf(&buf, " last fault: %s", info.Stats.LastFault)
	}

	if info.Stats.HasCompletion {
		fmt.Fprintf(&buf, " completion code:%d", info.Stats.CompletionCode)
	}

	fmt.Fprintf(&buf, "\nregions\n%s", info.Regions)

	return buf.String(), nil
}

func controlCmd(op string) CmdFn {
	return func(_ *term.Terminal, arg []string) (res string, err error) {
		err = do(func(k *kernel.Kernel) error {
			p, err := k.Find(arg[0])

			if err != nil {
				return err
			}

			switch op {
			case "stop":
				err = k.StopProcess(p)
			case "resume":
				err = k.ResumeProcess(p)
			case "fault":
				err = k.FaultProcess(p)
			case "terminate":
				err = k.TerminateProcess(p)
			case "restart":
				err = k.RestartProcess(p)
			}

			if err == nil {
				res = p.String()
			}

			return err
		})

		return
	}
}
