// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build sifive_u

package board

import (
	"time"
)

// UART is a polled serial port.
type UART interface {
	Tx(c byte)
	Rx() (c byte, valid bool)
}

const pollInterval = 10 * time.Millisecond

// Serial adapts a UART to an io.ReadWriter.
type Serial struct {
	UART UART
}

// Read blocks until at least one byte is received.
func (s *Serial) Read(buf []byte) (n int, err error) {
	for n == 0 && len(buf) > 0 {
		for n < len(buf) {
			c, valid := s.UART.Rx()

			if !valid {
				break
			}

			buf[n] = c
			n++
		}

		if n == 0 {
			time.Sleep(pollInterval)
		}
	}

	return
}

func (s *Serial) Write(buf []byte) (int, error) {
	for _, c := range buf {
		s.UART.Tx(c)
	}

	return len(buf), nil
}
