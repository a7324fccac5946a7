// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/alistair23/tock/kernel"
	"github.com/alistair23/tock/manifest"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		var err error

		if testKey, err = rsa.GenerateKey(rand.Reader, 3072); err != nil {
			panic(err)
		}
	})

	return testKey
}

const testCapsule kernel.CapsuleID = 0x90000

// testDriver answers command 1 by queueing upcall 0 with arg1, and command
// 2 with the sum of its arguments.
type testDriver struct {
	k *kernel.Kernel
}

func (d *testDriver) Command(pid kernel.ProcessID, num uint32, arg1 uint32, arg2 uint32) kernel.CommandReturn {
	switch num {
	case 0:
		return kernel.Success()
	case 1:
		if err := d.k.ScheduleUpcall(pid, testCapsule, 0, arg1); err != nil {
			return kernel.FailureOf(err)
		}

		return kernel.Success()
	case 2:
		return kernel.SuccessU32(arg1 + arg2)
	}

	return kernel.Failure(kernel.NOSUPPORT)
}

func (d *testDriver) Counts() kernel.Counts {
	return kernel.Counts{Upcalls: 1, ReadWrite: 1}
}

func newBoard(t *testing.T, opts kernel.Options, programs map[string]Program) *Board {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	opts.Log = log
	opts.TrustedKeys = []*rsa.PublicKey{&signingKey().PublicKey}

	b, err := NewBoard(opts)

	if err != nil {
		t.Fatal(err)
	}

	if err = b.Kernel.Register(testCapsule, &testDriver{k: b.Kernel}); err != nil {
		t.Fatal(err)
	}

	var images [][]byte

	for name, prog := range programs {
		b.Exec.Install(name, prog)

		m := manifest.Manifest{
			Identifier:       uint32(len(images) + 1),
			UsageConstraints: manifest.Unconstrained(),
		}

		image, err := NewImage(name, m, signingKey())

		if err != nil {
			t.Fatal(err)
		}

		images = append(images, image)
	}

	res, err := b.Load(images...)

	if err != nil {
		t.Fatal(err)
	}

	for _, r := range res {
		if r.Err != nil {
			t.Fatalf("%s not loaded, %v", r.Name, r.Err)
		}
	}

	return b
}

// run steps the kernel until done returns true or n steps were taken.
func run(t *testing.T, b *Board, n int, done func() bool) {
	t.Helper()

	for i := 0; i < n && !done(); i++ {
		if _, err := b.Kernel.Step(); err != nil {
			t.Fatal(err)
		}
	}
}

func process(t *testing.T, b *Board, name string) *kernel.Process {
	t.Helper()

	p, err := b.Kernel.Find(name)

	if err != nil {
		t.Fatal(err)
	}

	return p
}
