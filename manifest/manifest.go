// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package manifest implements the signed header prepended to every
// application image.
package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SignatureSize = 384
	ModulusSize   = 384
	ExtEntries    = 15

	// HeaderSize is the encoded size of Manifest.
	HeaderSize = 1024

	// Offset of the first signed byte, the signature cannot cover itself.
	SignedRegionStart = SignatureSize
)

// Hardened boolean encodings, a single bit flip never turns one into the
// other.
const (
	HardenedTrue  = 0x739
	HardenedFalse = 0x1d4
)

// ManifestVersionMajor is the only supported major version, stored in the
// upper half of the manifest_version field.
const ManifestVersionMajor = 2

// Extension table entry types.
const (
	ExtNone uint32 = iota
	// ExtMinRAM is the initial process memory (stack and heap) in bytes.
	ExtMinRAM
	// ExtStackSize is the stack size in bytes, carved from the bottom of RAM.
	ExtStackSize
	// ExtKernelReserve is the initial grant area in bytes.
	ExtKernelReserve
	// ExtStorageSize is the writable flash requested in bytes.
	ExtStorageSize
	// ExtPackageName is the image offset of a NUL terminated name.
	ExtPackageName
	// ExtPriority is the scheduling priority, higher runs first.
	ExtPriority
	// ExtWeight is the fair share scheduling weight.
	ExtWeight
)

var (
	ErrTruncated  = errors.New("image shorter than header")
	ErrMalformed  = errors.New("malformed manifest")
	ErrExtMissing = errors.New("extension not present")
)

// UsageConstraints binds an image to a set of devices.
type UsageConstraints struct {
	SelectorBits      uint32
	DeviceID          [8]uint32
	ManufStateCreator uint32
	ManufStateOwner   uint32
	LifeCycleState    uint32
}

// ExtEntry is a typed extension table word.
type ExtEntry struct {
	Type  uint32
	Value uint32
}

// Manifest is the fixed layout image header, little-endian on the wire.
type Manifest struct {
	Signature          [SignatureSize]byte
	UsageConstraints   UsageConstraints
	Modulus            [ModulusSize]byte
	AddressTranslation uint32
	Identifier         uint32
	ManifestVersion    uint32
	SignedRegionEnd    uint32
	Length             uint32
	VersionMajor       uint32
	VersionMinor       uint32
	SecurityVersion    uint32
	Timestamp          uint64
	BindingValue       [8]uint32
	MaxKeyVersion      uint32
	CodeStart          uint32
	CodeEnd            uint32
	EntryPoint         uint32
	Extensions         [ExtEntries]ExtEntry
}

// Parse decodes the header at the start of buf. The header is not validated.
func Parse(buf []byte) (m *Manifest, err error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	m = &Manifest{}

	if err = binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.LittleEndian, m); err != nil {
		return nil, fmt.Errorf("could not decode manifest, %v", err)
	}

	return
}

// MarshalBinary encodes the header.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)

	if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the header from buf.
func (m *Manifest) UnmarshalBinary(buf []byte) error {
	p, err := Parse(buf)

	if err != nil {
		return err
	}

	*m = *p

	return nil
}

// Validate checks the header fields for internal consistency.
func (m *Manifest) Validate() error {
	switch {
	case m.CodeStart > m.CodeEnd:
		return fmt.Errorf("%w, code start %#x after code end %#x", ErrMalformed, m.CodeStart, m.CodeEnd)
	case m.CodeEnd > m.Length:
		return fmt.Errorf("%w, code end %#x exceeds length %#x", ErrMalformed, m.CodeEnd, m.Length)
	case m.Length < HeaderSize:
		return fmt.Errorf("%w, length %d shorter than header", ErrMalformed, m.Length)
	case m.ManifestVersion>>16 != ManifestVersionMajor:
		return fmt.Errorf("%w, unsupported manifest version %#x", ErrMalformed, m.ManifestVersion)
	case m.AddressTranslation != HardenedFalse:
		return fmt.Errorf("%w, address translation %#x not supported", ErrMalformed, m.AddressTranslation)
	case m.CodeStart < HeaderSize:
		return fmt.Errorf("%w, code start %#x inside header", ErrMalformed, m.CodeStart)
	case m.CodeStart%4 != 0 || m.CodeEnd%4 != 0:
		return fmt.Errorf("%w, code bounds not word aligned", ErrMalformed)
	case m.EntryPoint < m.CodeStart || m.EntryPoint >= m.CodeEnd:
		return fmt.Errorf("%w, entry point %#x outside code", ErrMalformed, m.EntryPoint)
	case m.SignedRegionEnd < HeaderSize || m.SignedRegionEnd > m.Length:
		return fmt.Errorf("%w, signed region end %#x does not cover header", ErrMalformed, m.SignedRegionEnd)
	}

	for i, e := range m.Extensions {
		if e.Type == ExtPackageName && e.Value >= m.Length {
			return fmt.Errorf("%w, extension %d offset outside image", ErrMalformed, i)
		}
	}

	return nil
}

// Ext returns the value of the first extension entry of type t.
func (m *Manifest) Ext(t uint32) (uint32, bool) {
	for _, e := range m.Extensions {
		if e.Type == t && t != ExtNone {
			return e.Value, true
		}
	}

	return 0, false
}

// ExtOr returns the value of extension t, or def when absent.
func (m *Manifest) ExtOr(t uint32, def uint32) uint32 {
	if v, ok := m.Ext(t); ok {
		return v
	}

	return def
}

// SetExt sets extension t in the first free or matching slot.
func (m *Manifest) SetExt(t uint32, v uint32) error {
	for i, e := range m.Extensions {
		if e.Type == t || e.Type == ExtNone {
			m.Extensions[i] = ExtEntry{Type: t, Value: v}
			return nil
		}
	}

	return fmt.Errorf("extension table full")
}

// Name returns the package name stored in image, if any.
func (m *Manifest) Name(image []byte) string {
	off, ok := m.Ext(ExtPackageName)

	if !ok || int(off) >= len(image) {
		return ""
	}

	name := image[off:]

	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	if len(name) > 32 {
		name = name[:32]
	}

	return string(name)
}

func (m *Manifest) String() string {
	return fmt.Sprintf("id:%#x v%d.%d sv:%d len:%d code:%#x-%#x entry:%#x",
		m.Identifier, m.VersionMajor, m.VersionMinor, m.SecurityVersion, m.Length, m.CodeStart, m.CodeEnd, m.EntryPoint)
}
