// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jsoncodec

import "testing"

func TestRoundTrip(t *testing.T) {
	c := New()
	type payload struct {
		Name  string
		Count int
	}
	want := payload{Name: "widget", Count: 3}

	blob, err := c.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got payload
	if err := c.Unmarshal(blob, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestID(t *testing.T) {
	if New().ID() != ID {
		t.Fatalf("Codec.ID() must match the exported ID constant")
	}
}

func TestUnmarshalError(t *testing.T) {
	var v int
	if err := New().Unmarshal([]byte("not json"), &v); err == nil {
		t.Fatal("want error decoding malformed input")
	}
}
