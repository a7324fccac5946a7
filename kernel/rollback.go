// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"sync"
)

// RollbackStore keeps the lowest security version accepted per application
// identifier.
type RollbackStore interface {
	MinVersion(id uint32) (version uint32, ok bool)
	Commit(id uint32, version uint32) error
}

// MemoryRollbackStore is a volatile RollbackStore.
type MemoryRollbackStore struct {
	sync.Mutex
	versions map[uint32]uint32
}

func NewMemoryRollbackStore() *MemoryRollbackStore {
	return &MemoryRollbackStore{versions: make(map[uint32]uint32)}
}

func (s *MemoryRollbackStore) MinVersion(id uint32) (uint32, bool) {
	s.Lock()
	defer s.Unlock()

	v, ok := s.versions[id]

	return v, ok
}

// Commit raises the version floor of id, lower versions are ignored.
func (s *MemoryRollbackStore) Commit(id uint32, version uint32) error {
	s.Lock()
	defer s.Unlock()

	if v, ok := s.versions[id]; !ok || version > v {
		s.versions[id] = version
	}

	return nil
}
