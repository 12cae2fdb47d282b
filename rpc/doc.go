// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpc implements a bidirectional, message-oriented RPC runtime
// that multiplexes requests, responses, events, cancellations and
// long-lived byte streams over a single full-duplex transport.
//
// Either peer may issue calls, raise events, open streams or manage
// scoped resources; the wire protocol, pending-entry bookkeeping and
// dispatch logic are symmetric in both directions.
//
// The transport, the argument/return payload codec, and the mapping
// from method name to a callable implementation are supplied by the
// caller through the Transport, Codec and Dispatcher interfaces; this
// package owns only the framing, correlation, queueing and lifecycle
// machinery around them.
package rpc
