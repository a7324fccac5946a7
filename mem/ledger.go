// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

var (
	ErrOverlap = errors.New("region overlaps an existing claim")
	ErrEmpty   = errors.New("empty region")
)

type claim struct {
	owner  string
	region Region
}

func claimLess(a, b claim) bool {
	return a.region.Start < b.region.Start
}

// Ledger records which owner holds every claimed address range. Claims are
// pairwise disjoint.
type Ledger struct {
	tree *btree.BTreeG[claim]
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		tree: btree.NewG[claim](8, claimLess),
	}
}

// conflict returns the claim overlapping r, if any.
func (l *Ledger) conflict(r Region) (c claim, found bool) {
	pivot := claim{region: Region{Start: r.Start}}

	l.tree.DescendLessOrEqual(pivot, func(prev claim) bool {
		if prev.region.Overlaps(r) {
			c, found = prev, true
		}
		return false
	})

	if found {
		return
	}

	l.tree.AscendGreaterOrEqual(pivot, func(next claim) bool {
		if uint64(next.region.Start) >= r.End() {
			return false
		}

		if next.region.Overlaps(r) {
			c, found = next, true
			return false
		}

		return true
	})

	return
}

// Claim assigns r to owner, failing if any byte of r is already claimed.
func (l *Ledger) Claim(owner string, r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("%s %s, %w", owner, r.Name, ErrEmpty)
	}

	if c, found := l.conflict(r); found {
		return fmt.Errorf("%s %v conflicts with %s %v, %w", owner, r, c.owner, c.region, ErrOverlap)
	}

	l.tree.ReplaceOrInsert(claim{owner: owner, region: r})

	return nil
}

// Release drops every claim held by owner and returns how many were held.
func (l *Ledger) Release(owner string) (n int) {
	var drop []claim

	l.tree.Ascend(func(c claim) bool {
		if c.owner == owner {
			drop = append(drop, c)
		}
		return true
	})

	for _, c := range drop {
		l.tree.Delete(c)
	}

	return len(drop)
}

// Lookup returns the claim containing addr.
func (l *Ledger) Lookup(addr uint32) (owner string, r Region, ok bool) {
	l.tree.DescendLessOrEqual(claim{region: Region{Start: addr}}, func(c claim) bool {
		if c.region.Contains(addr, 1) {
			owner, r, ok = c.owner, c.region, true
		}
		return false
	})

	return
}

// FindFree returns the lowest address inside pool where size bytes aligned
// to align fit without touching any claim.
func (l *Ledger) FindFree(pool Region, size uint32, align uint32) (uint32, bool) {
	if size == 0 || align == 0 || !IsPowerOfTwo(align) {
		return 0, false
	}

	cursor, ok := AlignUp(pool.Start, align)

	if !ok {
		return 0, false
	}

	l.tree.Ascend(func(c claim) bool {
		if c.region.End() <= uint64(cursor) {
			return true
		}

		if uint64(c.region.Start) >= uint64(cursor)+uint64(size) {
			return false
		}

		if c.region.End() > 0xffffffff {
			ok = false
			return false
		}

		cursor, ok = AlignUp(uint32(c.region.End()), align)

		return ok
	})

	if !ok || !pool.Contains(cursor, size) {
		return 0, false
	}

	return cursor, true
}

// Each calls fn for every claim in address order until fn returns false.
func (l *Ledger) Each(fn func(owner string, r Region) bool) {
	l.tree.Ascend(func(c claim) bool {
		return fn(c.owner, c.region)
	})
}

// Len returns the number of claims.
func (l *Ledger) Len() int {
	return l.tree.Len()
}
