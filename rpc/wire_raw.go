// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"bufio"
	"io"
)

// limitedDecoder reads newline-delimited JSON values from an io.Reader
// and rejects a line longer than maxLen with a ProtocolViolation. Unlike
// headerReader, which rejects an oversize frame before allocating it,
// the check runs after the whole line has been read into memory.
type limitedDecoder struct {
	in     *bufio.Reader
	maxLen int
}

func newLimitedDecoder(r io.Reader, maxLen int) *limitedDecoder {
	return &limitedDecoder{in: bufio.NewReader(r), maxLen: maxLen}
}

func (d *limitedDecoder) next() ([]byte, error) {
	line, err := d.in.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, err
	}
	if d.maxLen > 0 && len(line) > d.maxLen {
		return nil, errProtocol("frame of %d bytes exceeds max_message_length %d", len(line), d.maxLen)
	}
	// trailing newline is not part of the JSON value
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if len(line) == 0 {
		return d.next()
	}
	return line, nil
}
