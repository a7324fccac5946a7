// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package config

import (
	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/manifest"
)

// Scheduler returns the configured scheduler.
func (c *Config) Scheduler() kernel.Scheduler {
	q := c.Kernel.Quantum.Duration

	switch c.Kernel.Scheduler {
	case Priority:
		return kernel.NewPriorityScheduler(q)
	case FairShare:
		return kernel.NewFairShare(q)
	}

	return kernel.NewRoundRobin(q)
}

// FaultPolicy returns the configured fault policy, restarts back off
// exponentially when a delay is set.
func (c *Config) FaultPolicy(clock kernel.Clock) kernel.FaultPolicy {
	switch c.Fault.Policy {
	case FaultPanic:
		return kernel.PanicFaultPolicy{}
	case FaultRestart:
		if c.Fault.Delay.Duration > 0 {
			return kernel.NewExponentialRestartPolicy(c.Fault.Delay.Duration, c.Fault.MaxDelay.Duration, c.Fault.Threshold, clock)
		}

		return kernel.NewThresholdRestartPolicy(c.Fault.Threshold)
	}

	return kernel.StopFaultPolicy{}
}

// DeviceState returns the device state usage constraints are checked
// against.
func (c *Config) DeviceState() (d manifest.DeviceState, err error) {
	if d.DeviceID, err = c.DeviceID(); err != nil {
		return
	}

	d.ManufStateCreator = c.Device.Creator
	d.ManufStateOwner = c.Device.Owner
	d.LifeCycleState = c.Device.LifeCycle

	return
}

// Options returns the kernel options set by the configuration, the board
// fills in memory, protection and execution.
func (c *Config) Options(clock kernel.Clock) (opts kernel.Options, err error) {
	if clock == nil {
		clock = kernel.WallClock{}
	}

	opts = kernel.Options{
		Scheduler:          c.Scheduler(),
		Clock:              clock,
		MaxProcesses:       c.Kernel.MaxProcesses,
		UpcallQueue:        c.Kernel.UpcallQueue,
		FaultPolicy:        c.FaultPolicy(clock),
		MinSecurityVersion: c.Device.MinSecurityVersion,
	}

	if opts.Device, err = c.DeviceState(); err != nil {
		return
	}

	opts.TrustedKeys, err = c.TrustedKeys()

	return
}
