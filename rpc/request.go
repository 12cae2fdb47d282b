// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"time"
)

// pendingRequest is the outgoing correlation-table entry of spec.md §3:
// created at send_request, registered under id before the request
// leaves the send path, removed on response/error/cancel/dispose.
type pendingRequest struct {
	id        ID
	message   Message
	createdAt time.Time

	mu        sync.Mutex
	doneAt    time.Time
	done      chan struct{}
	closeOnce sync.Once
	wasSent   bool
	result    []byte
	hasResult bool
	err       error
}

func newPendingRequest(id ID, msg Message) *pendingRequest {
	return &pendingRequest{id: id, message: msg, createdAt: time.Now(), done: make(chan struct{})}
}

func (pr *pendingRequest) complete(result []byte, hasResult bool, err error) {
	pr.closeOnce.Do(func() {
		pr.mu.Lock()
		pr.doneAt = time.Now()
		pr.result = result
		pr.hasResult = hasResult
		pr.err = err
		pr.mu.Unlock()
		close(pr.done)
	})
}

func (pr *pendingRequest) fail(err error) { pr.complete(nil, false, err) }

// SendRequest implements spec.md §4.3's send_request(message,
// cancellation) -> result contract: it mints an id if absent, registers
// it, submits the send to the bounded request queue, and awaits the
// peer's response.
//
// wantsReturn mirrors the wire WantsReturn flag; when false a non-nil
// reply payload is a protocol error (spec.md §4.3 step 5).
func (p *Processor) SendRequest(ctx context.Context, method string, args [][]byte, wantsReturn bool) ([]byte, error) {
	id := p.nextID()
	req := &RequestMsg{ID: id, Method: method, Args: args, WantsReturn: wantsReturn}
	if p.opts.Codec != nil {
		req.SerializerID = p.opts.Codec.ID()
	}
	return p.dispatchPendingRequest(ctx, id, req, wantsReturn, p.opts.Priorities.RPC)
}

// dispatchPendingRequest implements the shared send/await machinery
// used by both SendRequest and RaiseEvent(wait=true) (spec.md §4.4).
func (p *Processor) dispatchPendingRequest(ctx context.Context, id ID, msg Message, wantsReturn bool, priority int) ([]byte, error) {
	pr := newPendingRequest(id, msg)
	p.pendingRequestsMu.Lock()
	if _, exists := p.pendingRequests[id]; exists {
		p.pendingRequestsMu.Unlock()
		return nil, errProtocol("duplicate outbound request id %d", id)
	}
	p.pendingRequests[id] = pr
	p.pendingRequestsMu.Unlock()
	defer func() {
		p.pendingRequestsMu.Lock()
		delete(p.pendingRequests, id)
		p.pendingRequestsMu.Unlock()
	}()

	select {
	case p.requestAdmission <- struct{}{}:
	default:
		return nil, &Error{Kind: KindTooManyRequests, Message: "request queue full"}
	}
	defer func() { <-p.requestAdmission }()

	if err := p.requestSem.Acquire(ctx, 1); err != nil {
		return nil, errCanceled()
	}
	sendErr := p.send(ctx, msg, priority)
	p.requestSem.Release(1)
	if sendErr != nil {
		pr.fail(sendErr)
		return nil, sendErr
	}
	pr.mu.Lock()
	pr.wasSent = true
	pr.mu.Unlock()

	select {
	case <-pr.done:
		pr.mu.Lock()
		defer pr.mu.Unlock()
		if pr.err != nil {
			return nil, pr.err
		}
		if !wantsReturn && pr.hasResult {
			return nil, errProtocol("response carried a value for a no-return request")
		}
		return pr.result, nil
	case <-ctx.Done():
		p.sendBestEffort(&CancelMsg{ID: id}, p.opts.Priorities.RPC)
		pr.fail(errCanceled())
		return nil, errCanceled()
	case <-p.sessionCtx.Done():
		pr.fail(errDisposed())
		return nil, errDisposed()
	}
}

// handleResponse completes the pending request/waiting-event matching
// msg.ID (spec.md §4.3 step 5).
func (p *Processor) handleResponse(msg *ResponseMsg) {
	p.pendingRequestsMu.Lock()
	pr, ok := p.pendingRequests[msg.ID]
	p.pendingRequestsMu.Unlock()
	if !ok {
		return // no one is waiting (e.g. already canceled/disposed)
	}
	pr.complete(msg.Return, msg.HasReturn, nil)
}

// handleError completes the pending request/waiting-event matching
// msg.ID with the carried exception kind (spec.md §4.3 step 6).
func (p *Processor) handleError(msg *ErrorMsg) {
	p.pendingRequestsMu.Lock()
	pr, ok := p.pendingRequests[msg.ID]
	p.pendingRequestsMu.Unlock()
	if !ok {
		return
	}
	pr.fail(fromWireError(msg.Err))
}
