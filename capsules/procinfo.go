// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package capsules

import (
	"github.com/alistair23/tock/kernel"
)

// Process info commands.
const (
	ProcessInfoExists   = 0
	ProcessInfoCount    = 1
	ProcessInfoSelf     = 2
	ProcessInfoState    = 3
	ProcessInfoRestarts = 4
)

// ProcessInfo lets processes inspect the process table.
type ProcessInfo struct {
	kernel.UnsupportedDriver
	k *kernel.Kernel
}

// NewProcessInfo registers the process info capsule.
func NewProcessInfo(k *kernel.Kernel) (*ProcessInfo, error) {
	p := &ProcessInfo{k: k}
	return p, k.Register(ProcessInfoID, p)
}

func (c *ProcessInfo) Command(pid kernel.ProcessID, num uint32, arg1 uint32, arg2 uint32) kernel.CommandReturn {
	switch num {
	case ProcessInfoExists:
		return kernel.Success()
	case ProcessInfoCount:
		return kernel.SuccessU32(uint32(c.k.Live()))
	case ProcessInfoSelf:
		return kernel.SuccessU32U32(uint32(pid.Index), pid.Gen)
	case ProcessInfoState:
		for _, info := range c.k.Processes() {
			if info.ID.Index == int(arg1) {
				return kernel.SuccessU32(uint32(info.State))
			}
		}

		return kernel.Failure(kernel.INVAL)
	case ProcessInfoRestarts:
		p, err := c.k.Process(pid)

		if err != nil {
			return kernel.FailureOf(err)
		}

		return kernel.SuccessU32(uint32(p.Stats().Restarts))
	}

	return c.UnsupportedDriver.Command(pid, num, arg1, arg2)
}
