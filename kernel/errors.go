// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"errors"
	"fmt"
)

// ErrorCode is the error returned to processes and capsules.
type ErrorCode uint32

const (
	FAIL        ErrorCode = 1
	BUSY        ErrorCode = 2
	ALREADY     ErrorCode = 3
	OFF         ErrorCode = 4
	RESERVE     ErrorCode = 5
	INVAL       ErrorCode = 6
	SIZE        ErrorCode = 7
	CANCEL      ErrorCode = 8
	NOMEM       ErrorCode = 9
	NOSUPPORT   ErrorCode = 10
	NODEVICE    ErrorCode = 11
	UNINSTALLED ErrorCode = 12
	NOACK       ErrorCode = 13
)

var errorNames = map[ErrorCode]string{
	FAIL:        "FAIL",
	BUSY:        "BUSY",
	ALREADY:     "ALREADY",
	OFF:         "OFF",
	RESERVE:     "RESERVE",
	INVAL:       "INVAL",
	SIZE:        "SIZE",
	CANCEL:      "CANCEL",
	NOMEM:       "NOMEM",
	NOSUPPORT:   "NOSUPPORT",
	NODEVICE:    "NODEVICE",
	UNINSTALLED: "UNINSTALLED",
	NOACK:       "NOACK",
}

func (e ErrorCode) Error() string {
	if s, ok := errorNames[e]; ok {
		return s
	}

	return fmt.Sprintf("ERROR(%d)", uint32(e))
}

// Grant and upcall errors surfaced to capsules.
var (
	ErrBusy   error = BUSY
	ErrNoMem  error = NOMEM
	ErrInval  error = INVAL
	ErrNoProc error = UNINSTALLED
)

// Load time rejections.
var (
	ErrRollback  = errors.New("security version rollback")
	ErrNoMemory  = errors.New("insufficient memory")
	ErrDuplicate = errors.New("duplicate identifier")
	ErrNoSlot    = errors.New("process table full")
)

// CodeOf maps err to the code returned to a process, FAIL when err carries
// none.
func CodeOf(err error) ErrorCode {
	var code ErrorCode

	if errors.As(err, &code) {
		return code
	}

	return FAIL
}

// KernelPanic is returned by the main loop once an invariant the kernel
// relies on for isolation has been violated.
type KernelPanic struct {
	Reason string
}

func (p *KernelPanic) Error() string {
	return "kernel panic: " + p.Reason
}
