// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package capsules

import (
	"fmt"
	"io"

	"github.com/canonical/go-sp800.90a-drbg"

	"github.com/alistair23/tock/kernel"
)

// RNG commands.
const (
	RNGExists = 0
	RNGFill   = 1
)

// RNGDone is the upcall raised once the buffer is filled, with the number of
// bytes written.
const RNGDone = 0

const rngBuffer = 0

// RNG fills process buffers from a NIST SP 800-90A CTR-DRBG seeded once from
// the platform entropy source, processes never reach the entropy source
// itself.
type RNG struct {
	k   *kernel.Kernel
	rng *drbg.DRBG
}

// NewRNG registers the rng capsule, seeding the DRBG from entropy.
func NewRNG(k *kernel.Kernel, entropy io.Reader, personalization []byte) (r *RNG, err error) {
	seed := make([]byte, 256)

	if _, err = io.ReadFull(entropy, seed); err != nil {
		return nil, fmt.Errorf("could not read seed, %v", err)
	}

	nonce := make([]byte, 128)

	if _, err = io.ReadFull(entropy, nonce); err != nil {
		return nil, fmt.Errorf("could not read nonce, %v", err)
	}

	rng, err := drbg.NewCTRWithExternalEntropy(32, seed, nonce, personalization, nil)

	if err != nil {
		return nil, fmt.Errorf("could not instantiate DRBG, %v", err)
	}

	r = &RNG{
		k:   k,
		rng: rng,
	}

	err = k.Register(RNGID, r)

	return
}

func (r *RNG) Counts() kernel.Counts {
	return kernel.Counts{Upcalls: 1, ReadWrite: 1}
}

func (r *RNG) Command(pid kernel.ProcessID, num uint32, arg1 uint32, arg2 uint32) kernel.CommandReturn {
	switch num {
	case RNGExists:
		return kernel.Success()
	case RNGFill:
		return r.fill(pid, arg1)
	}

	return kernel.Failure(kernel.NOSUPPORT)
}

func (r *RNG) fill(pid kernel.ProcessID, n uint32) kernel.CommandReturn {
	buf, err := r.k.ReadWriteAllow(pid, RNGID, rngBuffer)

	if err != nil {
		return kernel.FailureOf(err)
	}

	if buf.Len() == 0 {
		return kernel.Failure(kernel.RESERVE)
	}

	if n > uint32(buf.Len()) {
		n = uint32(buf.Len())
	}

	b := make([]byte, n)

	if _, err = r.rng.Read(b); err != nil {
		return kernel.Failure(kernel.FAIL)
	}

	if err = buf.WriteAt(b, 0); err != nil {
		return kernel.FailureOf(err)
	}

	if err = r.k.ScheduleUpcall(pid, RNGID, RNGDone, 0, n); err != nil {
		return kernel.FailureOf(err)
	}

	return kernel.Success()
}
