// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"time"
)

// heartbeatEventName is the reserved event name used for the
// supplemented heartbeat feature (SPEC_FULL.md §7); grounded on
// smux/session.go's keepalive ping, simplified to a send-only ping
// since liveness *detection* is the transport collaborator's concern
// (spec.md §1).
const heartbeatEventName = "$/heartbeat"

// heartbeatLoop periodically raises the reserved heartbeat event at
// priorities.event. It is one of the errgroup-supervised pump tasks
// started by Run when Options.HeartbeatInterval is non-zero.
func (p *Processor) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			msg := &EventMsg{Name: heartbeatEventName, Waiting: false}
			if err := p.send(ctx, msg, p.opts.Priorities.Event); err != nil {
				return p.fail(NewError(KindTransportFailure, err, "heartbeat write failed"))
			}
		}
	}
}
