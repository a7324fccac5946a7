// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"crypto/rsa"

	"github.com/alistair23/tock/manifest"
)

// CodeSize is the code size of simulated images, every four bytes of code
// give one upcall entry point.
const CodeSize = 1024

// NewImage builds the image of the program called name, it is signed with
// key unless nil.
func NewImage(name string, m manifest.Manifest, key *rsa.PrivateKey) (image []byte, err error) {
	if image, err = manifest.Build(m, make([]byte, CodeSize), name); err != nil {
		return
	}

	if key != nil {
		err = manifest.Sign(image, key)
	}

	return
}
