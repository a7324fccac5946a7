// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package manifest

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// PublicExponent is the only RSA exponent accepted.
const PublicExponent = 65537

var (
	ErrSignature    = errors.New("invalid signature")
	ErrUntrustedKey = errors.New("untrusted signing key")
)

// reverse returns a byte reversed copy of b, the header stores big numbers
// little-endian.
func reverse(b []byte) []byte {
	r := make([]byte, len(b))

	for i := range b {
		r[len(b)-1-i] = b[i]
	}

	return r
}

// PublicKey returns the RSA key the image claims to be signed with.
func (m *Manifest) PublicKey() *rsa.PublicKey {
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(reverse(m.Modulus[:])),
		E: PublicExponent,
	}
}

// Digest returns the SHA-256 digest of the signed region of image.
func (m *Manifest) Digest(image []byte) (digest [sha256.Size]byte, err error) {
	if m.SignedRegionEnd < HeaderSize || int(m.SignedRegionEnd) > len(image) {
		return digest, fmt.Errorf("%w, signed region end %#x outside image", ErrMalformed, m.SignedRegionEnd)
	}

	return sha256.Sum256(image[SignedRegionStart:m.SignedRegionEnd]), nil
}

// Verify checks that image carries a valid RSA-3072 PKCS#1 v1.5 SHA-256
// signature by one of the trusted keys.
func (m *Manifest) Verify(image []byte, trusted []*rsa.PublicKey) error {
	pub := m.PublicKey()
	known := false

	for _, k := range trusted {
		if k.E == pub.E && k.N.Cmp(pub.N) == 0 {
			known = true
			break
		}
	}

	if !known {
		return ErrUntrustedKey
	}

	if pub.Size() != SignatureSize {
		return fmt.Errorf("%w, key size %d", ErrUntrustedKey, pub.Size()*8)
	}

	digest, err := m.Digest(image)

	if err != nil {
		return err
	}

	if err = rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], reverse(m.Signature[:])); err != nil {
		return fmt.Errorf("%w, %v", ErrSignature, err)
	}

	return nil
}
