// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package manifest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// MinImageSize is the smallest image Build emits.
const MinImageSize = 2048

// Build lays out an unsigned image made of the header template m, the code
// and the package name. The image is padded to a power of two so that it can
// be covered by a single naturally aligned protection region.
//
// The entry point, when set in m, is an offset from the start of code.
func Build(m Manifest, code []byte, name string) (image []byte, err error) {
	codeEnd := HeaderSize + (len(code)+3)&^3
	total := codeEnd

	if name != "" {
		total += len(name) + 1
	}

	size := MinImageSize

	for size < total {
		size <<= 1
	}

	if size > 1<<30 {
		return nil, fmt.Errorf("image too large")
	}

	m.CodeStart = HeaderSize
	m.CodeEnd = uint32(codeEnd)
	m.EntryPoint += HeaderSize
	m.Length = uint32(size)
	m.SignedRegionEnd = uint32(size)

	if m.ManifestVersion == 0 {
		m.ManifestVersion = ManifestVersionMajor << 16
	}

	if m.AddressTranslation == 0 {
		m.AddressTranslation = HardenedFalse
	}

	if name != "" {
		if err = m.SetExt(ExtPackageName, uint32(codeEnd)); err != nil {
			return
		}
	}

	hdr, err := m.MarshalBinary()

	if err != nil {
		return
	}

	image = make([]byte, size)
	copy(image, hdr)
	copy(image[HeaderSize:], code)
	copy(image[codeEnd:], name)

	return
}

// Sign stores the public modulus and the signature of key into image, which
// must start with a valid header.
func Sign(image []byte, key *rsa.PrivateKey) (err error) {
	if key.Size() != SignatureSize {
		return fmt.Errorf("signing key must be %d bits", SignatureSize*8)
	}

	if key.E != PublicExponent {
		return fmt.Errorf("signing key exponent must be %d", PublicExponent)
	}

	m, err := Parse(image)

	if err != nil {
		return
	}

	n := key.N.FillBytes(make([]byte, ModulusSize))
	copy(m.Modulus[:], reverse(n))

	hdr, err := m.MarshalBinary()

	if err != nil {
		return
	}

	copy(image, hdr)

	digest, err := m.Digest(image)

	if err != nil {
		return
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])

	if err != nil {
		return fmt.Errorf("could not sign image, %v", err)
	}

	copy(image, reverse(sig))

	return
}
