// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"fmt"
)

// CapsuleID identifies a capsule in syscalls.
type CapsuleID uint32

// Counts declares how many upcall and allow slots a capsule serves.
type Counts struct {
	Upcalls   uint32
	ReadOnly  uint32
	ReadWrite uint32
}

// Driver is the syscall facing side of a capsule. Subscriptions and allowed
// buffers are held by the kernel, capsules fetch them with ReadOnlyAllow and
// ReadWriteAllow while serving a command or a deferred call.
type Driver interface {
	// Command performs operation num for process pid.
	Command(pid ProcessID, num uint32, arg1 uint32, arg2 uint32) CommandReturn
	// Counts returns the number of valid subscribe and allow slots.
	Counts() Counts
}

// ProcessObserver is implemented by capsules keeping per process state
// outside grants, ProcessExited is called once pid terminates or restarts.
type ProcessObserver interface {
	ProcessExited(pid ProcessID)
}

// CommandReturn is the result of a command syscall.
type CommandReturn struct {
	Variant Variant
	Data    [3]uint32
}

func Success() CommandReturn {
	return CommandReturn{Variant: SuccessVariant}
}

func SuccessU32(a uint32) CommandReturn {
	return CommandReturn{Variant: SuccessU32Variant, Data: [3]uint32{a}}
}

func SuccessU32U32(a uint32, b uint32) CommandReturn {
	return CommandReturn{Variant: SuccessU32U32Variant, Data: [3]uint32{a, b}}
}

func Failure(err ErrorCode) CommandReturn {
	return CommandReturn{Variant: FailureVariant, Data: [3]uint32{uint32(err)}}
}

func FailureU32(err ErrorCode, a uint32) CommandReturn {
	return CommandReturn{Variant: FailureU32Variant, Data: [3]uint32{uint32(err), a}}
}

// FailureOf wraps err as a failed command.
func FailureOf(err error) CommandReturn {
	return Failure(CodeOf(err))
}

// Err returns the error code of failure variants and nil otherwise.
func (r CommandReturn) Err() error {
	if r.Variant >= SuccessVariant {
		return nil
	}

	return ErrorCode(r.Data[0])
}

// slice is a process buffer shared through an allow syscall.
type slice struct {
	k    *Kernel
	pid  ProcessID
	key  allowKey
	addr uint32
	size uint32
}

// current checks that the buffer is still allowed by a live process and that
// [off, off+n) lies inside it.
func (s *slice) current(off uint32, n int) (err error) {
	if s.k == nil || s.size == 0 {
		return INVAL
	}

	p, err := s.k.lookup(s.pid)

	if err != nil {
		return
	}

	if a, ok := p.allows[s.key]; !ok || a.addr != s.addr || a.size != s.size {
		return fmt.Errorf("buffer no longer allowed, %w", INVAL)
	}

	if uint64(off)+uint64(n) > uint64(s.size) {
		return SIZE
	}

	return
}

// ReadOnlySlice is a buffer a process shared for reading.
type ReadOnlySlice struct {
	slice
}

func (s ReadOnlySlice) Len() int {
	return int(s.size)
}

// ReadAt copies len(b) bytes at offset off of the buffer into b.
func (s ReadOnlySlice) ReadAt(b []byte, off uint32) (err error) {
	if err = s.current(off, len(b)); err != nil {
		return
	}

	return s.k.mem.Read(s.addr+off, b)
}

// Bytes returns a copy of the whole buffer.
func (s ReadOnlySlice) Bytes() (b []byte, err error) {
	b = make([]byte, s.size)
	err = s.ReadAt(b, 0)
	return
}

// ReadWriteSlice is a buffer a process shared for reading and writing.
type ReadWriteSlice struct {
	slice
}

func (s ReadWriteSlice) Len() int {
	return int(s.size)
}

func (s ReadWriteSlice) ReadAt(b []byte, off uint32) (err error) {
	if err = s.current(off, len(b)); err != nil {
		return
	}

	return s.k.mem.Read(s.addr+off, b)
}

// WriteAt copies b into the buffer at offset off.
func (s ReadWriteSlice) WriteAt(b []byte, off uint32) (err error) {
	if err = s.current(off, len(b)); err != nil {
		return
	}

	return s.k.mem.Write(s.addr+off, b)
}

// ReadOnlyAllow returns buffer num shared read-only with capsule by pid, a
// zero length slice when none is.
func (k *Kernel) ReadOnlyAllow(pid ProcessID, capsule CapsuleID, num uint32) (s ReadOnlySlice, err error) {
	p, err := k.lookup(pid)

	if err != nil {
		return
	}

	key := allowKey{capsule: capsule, num: num}
	a := p.allows[key]

	return ReadOnlySlice{slice{k: k, pid: pid, key: key, addr: a.addr, size: a.size}}, nil
}

// ReadWriteAllow returns buffer num shared read-write with capsule by pid.
func (k *Kernel) ReadWriteAllow(pid ProcessID, capsule CapsuleID, num uint32) (s ReadWriteSlice, err error) {
	p, err := k.lookup(pid)

	if err != nil {
		return
	}

	key := allowKey{capsule: capsule, num: num, rw: true}
	a := p.allows[key]

	return ReadWriteSlice{slice{k: k, pid: pid, key: key, addr: a.addr, size: a.size}}, nil
}

// UnsupportedDriver serves no command, it is embedded by capsules that only
// implement some of them.
type UnsupportedDriver struct{}

func (UnsupportedDriver) Command(ProcessID, uint32, uint32, uint32) CommandReturn {
	return Failure(NOSUPPORT)
}

func (UnsupportedDriver) Counts() Counts {
	return Counts{}
}
