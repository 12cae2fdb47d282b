// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "context"

// route dispatches one inbound message by kind (spec.md §4.1). Kinds
// whose handler may itself need to write to egress (Request, Cancel,
// Event, stream messages) are handed to a background goroutine so they
// never block the ingress drain loop that called route; Response/Error,
// which only need to deliver a value to an already-blocked goroutine,
// are handled inline. Unknown kinds are a fatal protocol error
// (spec.md §4.1).
func (p *Processor) route(ctx context.Context, msg Message, version uint8) error {
	switch m := msg.(type) {
	case *RequestMsg:
		go p.handleRequest(ctx, m)
		return nil
	case *ResponseMsg:
		p.handleResponse(m)
		return nil
	case *ErrorMsg:
		p.handleError(m)
		return nil
	case *CancelMsg:
		go p.handleCancel(m)
		return nil
	case *EventMsg:
		go p.handleEvent(ctx, m)
		return nil
	case *StreamStartMsg:
		go p.handleStreamStart(m)
		return nil
	case *StreamChunkMsg:
		go p.handleStreamChunk(m)
		return nil
	case *StreamCloseLocalMsg:
		go p.handleStreamCloseLocal(m)
		return nil
	case *StreamCloseRemoteMsg:
		go p.handleStreamCloseRemote(m)
		return nil
	case *ScopeTriggerMsg:
		go p.handleScopeTrigger(m)
		return nil
	case *ScopeDiscardedMsg:
		go p.handleScopeDiscarded(m)
		return nil
	case *ScopeEventMsg:
		go p.handleScopeEvent(m)
		return nil
	default:
		return p.fail(errProtocol("unhandled message kind"))
	}
}
