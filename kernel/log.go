// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// limitedLogger drops messages beyond a steady rate, a process spinning on a
// faulting path must not flood the console.
type limitedLogger struct {
	log     logrus.FieldLogger
	limiter *rate.Limiter
	dropped uint64
}

func newLimitedLogger(log logrus.FieldLogger, every time.Duration, burst int) *limitedLogger {
	return &limitedLogger{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (l *limitedLogger) allow() bool {
	if l.limiter.Allow() {
		if n := atomic.SwapUint64(&l.dropped, 0); n > 0 {
			l.log.Warnf("%d log messages suppressed", n)
		}

		return true
	}

	atomic.AddUint64(&l.dropped, 1)

	return false
}

func (l *limitedLogger) Warnf(format string, args ...interface{}) {
	if l.allow() {
		l.log.Warnf(format, args...)
	}
}

func (l *limitedLogger) Infof(format string, args ...interface{}) {
	if l.allow() {
		l.log.Infof(format, args...)
	}
}

// Dropped returns the number of messages suppressed since the last one that
// went through.
func (l *limitedLogger) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}
