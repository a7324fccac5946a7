// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"fmt"
	"sort"
)

// Erased is the value of erased flash bytes.
const Erased = 0xff

// Flash erases the program region and writes images back to back, largest
// first so that every power of two sized image is naturally aligned. The
// returned addresses follow the order of images.
func Flash(m Memory, program Region, images [][]byte) (addrs []uint32, err error) {
	order := make([]int, len(images))

	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return len(images[order[a]]) > len(images[order[b]])
	})

	erased := make([]byte, program.Size)

	for i := range erased {
		erased[i] = Erased
	}

	if err = m.Write(program.Start, erased); err != nil {
		return
	}

	addrs = make([]uint32, len(images))
	addr := uint64(program.Start)

	for _, i := range order {
		if addr+uint64(len(images[i])) > program.End() {
			return nil, fmt.Errorf("image %d does not fit in program flash", i)
		}

		if err = m.Write(uint32(addr), images[i]); err != nil {
			return
		}

		addrs[i] = uint32(addr)
		addr += uint64(len(images[i]))
	}

	return
}
