// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package manifest

import (
	"errors"
	"fmt"
)

// Selector bits of UsageConstraints.SelectorBits, bits 0-7 select the
// matching device identifier word.
const (
	SelectDeviceIDMask = 0xff
	SelectCreator      = 1 << 8
	SelectOwner        = 1 << 9
	SelectLifeCycle    = 1 << 10
)

// UnselectedWord is the conventional filler of unselected fields.
const UnselectedWord = 0xa5a5a5a5

var ErrConstraints = errors.New("usage constraints not satisfied")

// DeviceState is the state of the device an image is loaded on.
type DeviceState struct {
	DeviceID          [8]uint32
	ManufStateCreator uint32
	ManufStateOwner   uint32
	LifeCycleState    uint32
}

// Check verifies every field selected by u against d, unselected fields are
// ignored.
func (u *UsageConstraints) Check(d DeviceState) error {
	for i := range u.DeviceID {
		if u.SelectorBits&(1<<i) == 0 {
			continue
		}

		if u.DeviceID[i] != d.DeviceID[i] {
			return fmt.Errorf("%w, device id word %d", ErrConstraints, i)
		}
	}

	if u.SelectorBits&SelectCreator != 0 && u.ManufStateCreator != d.ManufStateCreator {
		return fmt.Errorf("%w, creator manufacturing state %#x", ErrConstraints, u.ManufStateCreator)
	}

	if u.SelectorBits&SelectOwner != 0 && u.ManufStateOwner != d.ManufStateOwner {
		return fmt.Errorf("%w, owner manufacturing state %#x", ErrConstraints, u.ManufStateOwner)
	}

	if u.SelectorBits&SelectLifeCycle != 0 && u.LifeCycleState != d.LifeCycleState {
		return fmt.Errorf("%w, life cycle state %#x", ErrConstraints, u.LifeCycleState)
	}

	return nil
}

// Unconstrained returns constraints accepted by every device.
func Unconstrained() UsageConstraints {
	u := UsageConstraints{
		ManufStateCreator: UnselectedWord,
		ManufStateOwner:   UnselectedWord,
		LifeCycleState:    UnselectedWord,
	}

	for i := range u.DeviceID {
		u.DeviceID[i] = UnselectedWord
	}

	return u
}

// BindTo returns constraints matching exactly the device identifier of d.
func BindTo(d DeviceState) UsageConstraints {
	u := Unconstrained()
	u.SelectorBits = SelectDeviceIDMask
	u.DeviceID = d.DeviceID

	return u
}
