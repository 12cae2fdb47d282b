// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"testing"
)

func TestHeaderFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	framer := HeaderFramer()
	w := framer.NewWriter(fakeTransport{&buf}, 0)
	msg := &RequestMsg{ID: 7, Method: "add", Args: [][]byte{[]byte("1"), []byte("2")}, WantsReturn: true}
	if err := w.WriteMessage(context.Background(), msg, 1); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := framer.NewReader(fakeTransport{&buf}, 0)
	got, version, err := r.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if version != 1 {
		t.Fatalf("got version %d, want 1", version)
	}
	req, ok := got.(*RequestMsg)
	if !ok {
		t.Fatalf("got %T, want *RequestMsg", got)
	}
	if req.ID != 7 || req.Method != "add" || len(req.Args) != 2 {
		t.Fatalf("round-tripped message mismatch: %+v", req)
	}
}

func TestHeaderFramerRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	framer := HeaderFramer()
	w := framer.NewWriter(fakeTransport{&buf}, 0)
	msg := &RequestMsg{ID: 1, Method: "m", Args: [][]byte{bytes.Repeat([]byte("x"), 1024)}}
	if err := w.WriteMessage(context.Background(), msg, 1); err != nil {
		t.Fatal(err)
	}

	r := framer.NewReader(fakeTransport{&buf}, 64) // far smaller than the frame just written
	_, _, err := r.ReadMessage(context.Background())
	if err == nil {
		t.Fatal("want error reading an oversize frame")
	}
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Kind != KindProtocolViolation {
		t.Fatalf("got %v, want KindProtocolViolation", err)
	}
}

func TestHeaderFramerRejectsOversizeOnWrite(t *testing.T) {
	var buf bytes.Buffer
	framer := HeaderFramer()
	w := framer.NewWriter(fakeTransport{&buf}, 64)
	msg := &RequestMsg{ID: 1, Method: "m", Args: [][]byte{bytes.Repeat([]byte("x"), 1024)}}
	err := w.WriteMessage(context.Background(), msg, 1)
	if err == nil {
		t.Fatal("want error writing an oversize frame")
	}
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Kind != KindProtocolViolation {
		t.Fatalf("got %v, want KindProtocolViolation", err)
	}
}

func TestRawFramerRejectsOversizeOnWrite(t *testing.T) {
	var buf bytes.Buffer
	framer := RawFramer()
	w := framer.NewWriter(fakeTransport{&buf}, 64)
	msg := &RequestMsg{ID: 1, Method: "m", Args: [][]byte{bytes.Repeat([]byte("x"), 1024)}}
	err := w.WriteMessage(context.Background(), msg, 1)
	if err == nil {
		t.Fatal("want error writing an oversize frame")
	}
	rpcErr, ok := err.(*Error)
	if !ok || rpcErr.Kind != KindProtocolViolation {
		t.Fatalf("got %v, want KindProtocolViolation", err)
	}
}

func TestRawFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	framer := RawFramer()
	w := framer.NewWriter(fakeTransport{&buf}, 0)
	msg := &EventMsg{Name: "ping", Waiting: false}
	if err := w.WriteMessage(context.Background(), msg, 2); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := framer.NewReader(fakeTransport{&buf}, 0)
	got, version, err := r.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if version != 2 {
		t.Fatalf("got version %d, want 2", version)
	}
	ev, ok := got.(*EventMsg)
	if !ok || ev.Name != "ping" {
		t.Fatalf("round-tripped message mismatch: %+v", got)
	}
}

// fakeTransport adapts a bytes.Buffer to the Transport interface for
// framer-level tests that never need a real connection.
type fakeTransport struct {
	*bytes.Buffer
}

func (fakeTransport) Close() error { return nil }
