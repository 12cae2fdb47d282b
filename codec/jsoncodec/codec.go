// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jsoncodec is a reference implementation of rpc.Codec, the
// pluggable payload serializer spec.md §1 names as an external
// collaborator. It exists so the core can be exercised end-to-end
// without forcing every caller to bring their own codec, and to give
// github.com/segmentio/encoding/json — used by
// modelcontextprotocol-go-sdk as a drop-in, allocation-light
// replacement for encoding/json — a concrete home in this module.
package jsoncodec

import (
	"github.com/segmentio/encoding/json"
)

// ID is the wire identifier this codec reports via Codec.ID. A peer
// using a different default codec can still interoperate as long as
// both sides' Dispatcher-level registries agree on what id 1 means;
// that registry is outside the core (spec.md §1).
const ID uint8 = 1

// Codec implements rpc.Codec using segmentio/encoding/json.
type Codec struct{}

// New returns a ready-to-use Codec.
func New() Codec { return Codec{} }

func (Codec) ID() uint8 { return ID }

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
