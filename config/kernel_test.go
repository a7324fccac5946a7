// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/alistair23/tock/kernel"
)

func TestScheduler(t *testing.T) {
	c := Default()

	c.Kernel.Scheduler = RoundRobin

	if _, ok := c.Scheduler().(*kernel.RoundRobin); !ok {
		t.Error("round robin not selected")
	}

	c.Kernel.Scheduler = Priority

	if _, ok := c.Scheduler().(*kernel.PriorityScheduler); !ok {
		t.Error("priority scheduler not selected")
	}

	c.Kernel.Scheduler = FairShare

	if _, ok := c.Scheduler().(*kernel.FairShare); !ok {
		t.Error("fair share not selected")
	}
}

func TestFaultPolicy(t *testing.T) {
	c := Default()

	c.Fault.Policy = FaultStop

	if _, ok := c.FaultPolicy(nil).(kernel.StopFaultPolicy); !ok {
		t.Error("stop policy not selected")
	}

	c.Fault.Policy = FaultPanic

	if _, ok := c.FaultPolicy(nil).(kernel.PanicFaultPolicy); !ok {
		t.Error("panic policy not selected")
	}

	c.Fault.Policy = FaultRestart
	c.Fault.Threshold = 2

	r, ok := c.FaultPolicy(nil).(*kernel.RestartFaultPolicy)

	if !ok {
		t.Fatal("restart policy not selected")
	}

	b := r.NewBackOff()

	for i := 0; i < 2; i++ {
		if d := b.NextBackOff(); d != 0 {
			t.Fatalf("restart %d delayed by %v", i, d)
		}
	}

	if d := b.NextBackOff(); d != backoff.Stop {
		t.Fatalf("third restart allowed after %v", d)
	}

	c.Fault.Delay = Duration{100 * time.Millisecond}
	r = c.FaultPolicy(nil).(*kernel.RestartFaultPolicy)
	b = r.NewBackOff()

	// randomized around the initial interval
	if d := b.NextBackOff(); d < 50*time.Millisecond || d > 150*time.Millisecond {
		t.Errorf("first delay %v", d)
	}
}

func TestOptions(t *testing.T) {
	c := Default()
	c.Kernel.MaxProcesses = 6
	c.Device.ID = "01" + strings.Repeat("00", 31)
	c.Device.MinSecurityVersion = 3

	opts, err := c.Options(nil)

	if err != nil {
		t.Fatal(err)
	}

	if opts.MaxProcesses != 6 || opts.UpcallQueue != 10 || opts.MinSecurityVersion != 3 {
		t.Errorf("options %+v", opts)
	}

	if opts.Device.DeviceID[0] != 1 {
		t.Errorf("device id %x", opts.Device.DeviceID)
	}

	if _, ok := opts.Clock.(kernel.WallClock); !ok {
		t.Error("wall clock not used by default")
	}

	if len(opts.TrustedKeys) != 0 {
		t.Error("unexpected trusted keys")
	}
}
