// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lz4compress is a reference implementation of rpc.Compressor
// for the optionally-compressed stream transfer protocol (spec.md
// §4.6). It is grounded on rockstar-0000-aistore's use of
// github.com/pierrec/lz4/v3 to compress object-storage byte streams
// on the wire — the same shape this core's stream chunks need.
package lz4compress

import (
	"io"

	"github.com/pierrec/lz4/v3"
)

// Compressor implements rpc.Compressor with LZ4 block framing.
type Compressor struct{}

// New returns a ready-to-use Compressor.
func New() Compressor { return Compressor{} }

func (Compressor) NewWriter(w io.Writer) io.WriteCloser {
	return lz4.NewWriter(w)
}

func (Compressor) NewReader(r io.Reader) io.ReadCloser {
	return io.NopCloser(lz4.NewReader(r))
}
