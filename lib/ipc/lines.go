// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// headSize is how much of a dropped line is kept to recover its id.
const headSize = 128

// lineReader splits a stream into newline-terminated lines. A line
// longer than limit is consumed and reported as dropped rather than
// ending the stream, so one oversized message costs only that message.
type lineReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

// droppedLine describes a line that exceeded the limit.
type droppedLine struct {
	head   []byte
	length int
}

// id returns the message id when the line starts with {"id":"...",
// which is how both Call and Reply encode.
func (d *droppedLine) id() string {
	rest, ok := bytes.CutPrefix(bytes.TrimLeft(d.head, " \t"), []byte(`{"id":"`))
	if !ok {
		return ""
	}
	id, _, ok := bytes.Cut(rest, []byte(`"`))
	if !ok {
		return ""
	}
	return string(id)
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

// next returns the next line without its newline, or a non-nil
// droppedLine when the line was too long. The returned line is only
// valid until the following call. At the end of the stream next
// returns the reader's error (io.EOF for a clean end).
func (l *lineReader) next() ([]byte, *droppedLine, error) {
	l.buf = l.buf[:0]
	var dropped *droppedLine
	for {
		chunk, err := l.r.ReadSlice('\n')
		switch {
		case dropped != nil:
			dropped.length += len(chunk)
		case len(l.buf)+len(bytes.TrimSuffix(chunk, []byte("\n"))) > l.limit:
			dropped = &droppedLine{length: len(l.buf) + len(chunk)}
			dropped.head = append(dropped.head, l.buf[:min(len(l.buf), headSize)]...)
			if len(dropped.head) < headSize {
				dropped.head = append(dropped.head, chunk[:min(len(chunk), headSize-len(dropped.head))]...)
			}
			l.buf = l.buf[:0]
		default:
			l.buf = append(l.buf, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if dropped != nil {
			return nil, dropped, nil
		}
		if err == nil {
			return bytes.TrimSuffix(l.buf, []byte("\n")), nil, nil
		}
		// An unterminated final line is still delivered; the next call
		// sees the error.
		if len(l.buf) > 0 {
			return l.buf, nil, nil
		}
		return nil, nil, err
	}
}
