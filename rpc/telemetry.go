// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "time"

// Direction mirrors jsonrpc2/labels.go's Inbound/Outbound constants.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Logger is the observability hook spec.md §1 carves out as "logging
// backend" (out of scope): the core calls it, a caller wires it to
// whatever backend it likes. The label vocabulary (method, id,
// direction, latency) matches jsonrpc2/labels.go's keys so a caller
// already instrumented for jsonrpc2-shaped systems can reuse the same
// dashboards.
type Logger interface {
	// Send is called once an outbound message has left the egress
	// writer (or failed to).
	Send(method string, id ID, direction Direction, err error)
	// Receive is called when an inbound request has finished processing
	// (latency is its handling time), when a non-waiting event handler
	// fails, and for every fatal error after the first.
	Receive(method string, id ID, direction Direction, latency time.Duration, err error)
	// Fatal is called exactly once, the first time the processor
	// transitions to stopped_exceptional (spec.md §5 fatal-exception
	// policy: "first wins").
	Fatal(err error)
}

type noopLogger struct{}

func (noopLogger) Send(string, ID, Direction, error)                  {}
func (noopLogger) Receive(string, ID, Direction, time.Duration, error) {}
func (noopLogger) Fatal(error)                                         {}

// rpcSpan times the handling of one inbound request, mirroring
// jsonrpc2.rpcStats.start/end.
type rpcSpan struct {
	logger    Logger
	method    string
	id        ID
	direction Direction
	start     time.Time
}

func startSpan(logger Logger, direction Direction, method string, id ID) *rpcSpan {
	return &rpcSpan{logger: logger, method: method, id: id, direction: direction, start: time.Now()}
}

func (s *rpcSpan) end(err error) {
	s.logger.Receive(s.method, s.id, s.direction, time.Since(s.start), err)
}
