// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lz4compress

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	want := bytes.Repeat([]byte("compress me please "), 10000)

	var buf bytes.Buffer
	c := New()
	w := c.NewWriter(&buf)
	if _, err := w.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
	if buf.Len() >= len(want) {
		t.Fatalf("compressed size %d did not shrink repetitive input of %d bytes", buf.Len(), len(want))
	}

	r := c.NewReader(&buf)
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("round-tripped bytes do not match original")
	}
}
