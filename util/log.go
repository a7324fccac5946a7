// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"hash/fnv"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// BufferedLog collects the console output of each process and writes it one
// line at a time, so that concurrent processes do not interleave mid line.
type BufferedLog struct {
	sync.Mutex

	out  io.Writer
	term *term.Terminal
	bufs map[string]*bytes.Buffer
}

// NewBufferedStdoutLog returns a log writing to standard output.
func NewBufferedStdoutLog() *BufferedLog {
	return NewBufferedLog(os.Stdout)
}

// NewBufferedLog returns a log writing to w.
func NewBufferedLog(w io.Writer) *BufferedLog {
	return &BufferedLog{
		out:  w,
		bufs: make(map[string]*bytes.Buffer),
	}
}

// NewBufferedTermLog returns a log writing to t, each source in its own
// colour.
func NewBufferedTermLog(t *term.Terminal) *BufferedLog {
	return &BufferedLog{
		out:  t,
		term: t,
		bufs: make(map[string]*bytes.Buffer),
	}
}

// SetTerminal redirects the output to t, nil restores the writer given at
// creation.
func (l *BufferedLog) SetTerminal(t *term.Terminal) {
	l.Lock()
	defer l.Unlock()

	l.term = t
}

func (l *BufferedLog) color(source string) []byte {
	palette := [][]byte{
		l.term.Escape.Green,
		l.term.Escape.Cyan,
		l.term.Escape.Yellow,
		l.term.Escape.Magenta,
		l.term.Escape.Blue,
	}

	h := fnv.New32a()
	h.Write([]byte(source))

	return palette[h.Sum32()%uint32(len(palette))]
}

func (l *BufferedLog) flush(source string, buf *bytes.Buffer) {
	if l.term != nil {
		l.term.Write(l.color(source))
		l.term.Write([]byte(source + ": "))
		l.term.Write(buf.Bytes())
		l.term.Write(l.term.Escape.Reset)
	} else {
		l.out.Write([]byte(source + ": "))
		l.out.Write(buf.Bytes())
	}

	buf.Reset()
}

// PutByte buffers c for source, flushing on newline or once the buffer
// is full.
func (l *BufferedLog) PutByte(source string, c byte) {
	l.Lock()
	defer l.Unlock()

	buf, ok := l.bufs[source]

	if !ok {
		buf = new(bytes.Buffer)
		l.bufs[source] = buf
	}

	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		l.flush(source, buf)
	}
}

// Write buffers b for source.
func (l *BufferedLog) Write(source string, b []byte) {
	for _, c := range b {
		l.PutByte(source, c)
	}
}

// Flush writes any partial line of source.
func (l *BufferedLog) Flush(source string) {
	l.Lock()
	defer l.Unlock()

	if buf, ok := l.bufs[source]; ok && buf.Len() > 0 {
		buf.WriteByte(flushChr)
		l.flush(source, buf)
	}

	delete(l.bufs, source)
}
