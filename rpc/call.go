// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"io"
	"sync"
	"time"
)

// pendingCall is the incoming correlation-table entry spec.md §3
// describes: created when a Request is routed, removed after the
// response is sent or on session loss. callCancel is fired by a Cancel
// message bearing the same id (spec.md §4.2 step 8).
type pendingCall struct {
	id             ID
	message        *RequestMsg
	createdAt      time.Time
	doneAt         time.Time
	callCancel     context.CancelFunc
	processed      bool
	mu             sync.Mutex
	attachedStreams []*IncomingStream
}

func (pc *pendingCall) cancelAll() {
	pc.callCancel()
}

// CallContext is the per-call context handed to MethodDescriptor.Invoke
// and to each Authorize closure: a cancellation context linked to the
// session and canceled by a Cancel message for the call, the Processor,
// and the Request message. It carries no DI service provider and no
// resolved method metadata. It embeds context.Context so it can be
// passed anywhere a plain context is expected.
type CallContext struct {
	context.Context
	Processor *Processor
	Request   *RequestMsg
}

// handleRequest implements the call engine contract of spec.md §4.2.
func (p *Processor) handleRequest(ctx context.Context, req *RequestMsg) {
	span := startSpan(p.logger, Inbound, req.Method, req.ID)
	var outcome error
	defer func() { span.end(outcome) }()

	if req.ID.IsValid() {
		p.pendingCallsMu.Lock()
		if _, exists := p.pendingCalls[req.ID]; exists {
			p.pendingCallsMu.Unlock()
			outcome = errProtocol("duplicate request id %d", req.ID)
			p.sendBestEffort(&ErrorMsg{ID: req.ID, Err: toWireError(outcome)}, p.opts.Priorities.RPC)
			return
		}
		p.pendingCallsMu.Unlock()
	}

	select {
	case p.callAdmission <- struct{}{}:
	default:
		outcome = &Error{Kind: KindTooManyRequests, Message: "call queue full"}
		if req.ID.IsValid() {
			p.sendBestEffort(&ErrorMsg{ID: req.ID, Err: toWireError(outcome)}, p.opts.Priorities.RPC)
		}
		return
	}
	defer func() { <-p.callAdmission }()

	callCtx, callCancel := context.WithCancel(p.sessionCtx)
	defer callCancel()
	pc := &pendingCall{id: req.ID, message: req, createdAt: time.Now(), callCancel: callCancel}
	if req.ID.IsValid() {
		p.pendingCallsMu.Lock()
		p.pendingCalls[req.ID] = pc
		p.pendingCallsMu.Unlock()
		defer func() {
			p.pendingCallsMu.Lock()
			delete(p.pendingCalls, req.ID)
			p.pendingCallsMu.Unlock()
		}()
	}

	if err := p.callSem.Acquire(callCtx, 1); err != nil {
		outcome = errCanceled()
		p.replyCall(req, nil, outcome)
		return
	}
	defer p.callSem.Release(1)

	pc.mu.Lock()
	pc.doneAt = time.Now()
	pc.mu.Unlock()

	result, invokeErr := p.invokeCall(callCtx, req, pc)
	outcome = invokeErr
	pc.mu.Lock()
	pc.processed = true
	pc.mu.Unlock()

	if req.ID.IsValid() {
		p.replyCall(req, result, invokeErr)
	}
}

// invokeCall resolves, authorizes, binds and invokes the method,
// implementing spec.md §4.2 steps 4-7.
func (p *Processor) invokeCall(ctx context.Context, req *RequestMsg, pc *pendingCall) (any, error) {
	desc, ok := p.dispatcher.Resolve(req.Method)
	if !ok {
		return nil, &Error{Kind: KindInvocationError, Message: "method not found: " + req.Method}
	}

	callCtx := CallContext{Context: ctx, Processor: p, Request: req}

	for _, auth := range desc.Authorize {
		allow, err := auth(callCtx)
		if err != nil {
			return nil, &Error{Kind: KindUnauthorized, Message: err.Error()}
		}
		if !allow {
			return nil, &Error{Kind: KindUnauthorized, Message: "unauthorized"}
		}
	}

	args, streams, err := p.bindArguments(req)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	pc.attachedStreams = streams
	pc.mu.Unlock()

	result, err := p.safeInvoke(desc, callCtx, args, streams)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCanceled()
		}
		if p.opts.DisconnectOnAPIErr {
			p.fail(NewError(KindInvocationError, err, "api method %q failed, disconnect_on_api_error set", req.Method))
			return nil, &Error{Kind: KindInvocationError, Message: err.Error()}
		}
		return nil, &Error{Kind: KindInvocationError, Message: err.Error()}
	}

	if !desc.WantsReturnValue {
		if closer, ok := result.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, nil
	}
	return result, nil
}

// safeInvoke recovers a panicking method the way spec.md §4.2 step 7
// implies any invocation failure (panic included) surfaces as a
// non-fatal Error unless disconnect_on_api_error is set.
func (p *Processor) safeInvoke(desc MethodDescriptor, ctx CallContext, args []any, streams []*IncomingStream) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(KindInvocationError, nil, "panic in method %q: %v", ctx.Request.Method, r)
		}
	}()
	return desc.Invoke(ctx, args, streams)
}

// bindArguments deserializes argument blobs and attaches any bound
// incoming streams (spec.md §4.2 step 5). Stream placeholders are
// identified by the codec-agnostic convention that an argument whose
// decoded value is a *streamPlaceholder names a stream id this side
// must attach as an *IncomingStream.
func (p *Processor) bindArguments(req *RequestMsg) ([]any, []*IncomingStream, error) {
	if p.opts.Codec == nil {
		return nil, nil, NewError(KindProtocolViolation, nil, "no codec configured")
	}
	args := make([]any, len(req.Args))
	var streams []*IncomingStream
	for i, blob := range req.Args {
		var ph streamPlaceholder
		if err := p.opts.Codec.Unmarshal(blob, &ph); err == nil && ph.IsStream {
			s := p.attachIncomingStream(ph.StreamID, ph.MaxChunk)
			if ph.Compressed {
				s.decompressor = p.opts.Compressor
			}
			args[i] = s
			streams = append(streams, s)
			continue
		}
		var v any
		if err := p.opts.Codec.Unmarshal(blob, &v); err != nil {
			return nil, nil, NewError(KindProtocolViolation, err, "decoding argument %d", i)
		}
		args[i] = v
	}
	return args, streams, nil
}

func (p *Processor) replyCall(req *RequestMsg, result any, err error) {
	if err != nil {
		p.sendBestEffort(&ErrorMsg{ID: req.ID, Err: toWireError(err)}, p.opts.Priorities.RPC)
		return
	}
	resp := &ResponseMsg{ID: req.ID}
	if result != nil && p.opts.Codec != nil {
		blob, merr := p.opts.Codec.Marshal(result)
		if merr != nil {
			p.sendBestEffort(&ErrorMsg{ID: req.ID, Err: toWireError(NewError(KindProtocolViolation, merr, "encoding return value"))}, p.opts.Priorities.RPC)
			return
		}
		resp.Return = blob
		resp.HasReturn = true
	}
	p.sendBestEffort(resp, p.opts.Priorities.RPC)
}

// handleCancel implements spec.md §4.2 step 8: fire the per-call token
// for a matching pending call.
func (p *Processor) handleCancel(msg *CancelMsg) {
	p.pendingCallsMu.Lock()
	pc, ok := p.pendingCalls[msg.ID]
	p.pendingCallsMu.Unlock()
	if ok {
		pc.cancelAll()
	}
}
