// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Processor is the session-scoped singleton per connection (spec.md
// §3): it owns the message pump, the call/request engines, the scope
// registries and the stream tables for exactly one Transport.
//
// Construction is grounded on jsonrpc2.NewConn; the supervised task set
// (ingress workers, egress writer, reader pump, optional heartbeat)
// replaces jsonrpc2.Conn.Run's single goroutine with an
// errgroup.Group so the first fatal task error tears down every other
// task (SPEC_FULL.md §3).
type Processor struct {
	opts       Options
	transport  Transport
	reader     FrameReader
	writer     FrameWriter
	egress     *egressQueue
	ingress    *ingressQueue
	dispatcher Dispatcher
	logger     Logger

	outboundSeq     uint64 // atomic; next Request/waiting-Event id
	inboundScopeSeq uint64 // atomic; next local scope id
	streamSeq       uint64 // atomic; next stream id

	sessionCtx    context.Context
	cancelSession context.CancelFunc
	group         *errgroup.Group

	callSem       *semaphore.Weighted // gates concurrent invocation (call_workers)
	requestSem    *semaphore.Weighted // gates concurrent send-stage work (request_workers)
	callAdmission chan struct{}       // bounded queue depth (call_queue_size)
	requestAdmission chan struct{}    // bounded queue depth (request_queue_size)

	pendingRequestsMu sync.Mutex
	pendingRequests   map[ID]*pendingRequest

	pendingCallsMu sync.Mutex
	pendingCalls   map[ID]*pendingCall

	events *eventRegistry

	scopes       *scopeRegistry
	remoteScopes *scopeRegistry

	streamsMu       sync.Mutex
	outgoingStreams map[uint64]*OutgoingStream
	incomingStreams map[uint64]*IncomingStream

	disposeOnce sync.Once

	exceptionMu         sync.Mutex
	lastException        error
	stoppedExceptional   bool
	disposed             bool

	doneCh chan struct{}
}

// NewProcessor constructs a Processor around transport. Call Run to
// start the message pump; Run blocks until the session ends.
func NewProcessor(transport Transport, dispatcher Dispatcher, opts Options) *Processor {
	opts = opts.applyDefaults()
	sessionCtx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		opts:            opts,
		transport:       transport,
		dispatcher:      dispatcher,
		logger:          opts.Logger,
		egress:          newEgressQueue(opts.EgressCapacity),
		ingress:         newIngressQueue(opts.IngressCapacity),
		sessionCtx:      sessionCtx,
		cancelSession:   cancel,
		callSem:          semaphore.NewWeighted(int64(opts.CallWorkers)),
		requestSem:       semaphore.NewWeighted(int64(opts.RequestWorkers)),
		callAdmission:    make(chan struct{}, opts.CallQueueSize),
		requestAdmission: make(chan struct{}, opts.RequestQueueSize),
		pendingRequests:  make(map[ID]*pendingRequest),
		pendingCalls:    make(map[ID]*pendingCall),
		outgoingStreams: make(map[uint64]*OutgoingStream),
		incomingStreams: make(map[uint64]*IncomingStream),
		doneCh:          make(chan struct{}),
	}
	p.reader = opts.Framer.NewReader(transport, opts.MaxMessageLength)
	p.writer = opts.Framer.NewWriter(transport, opts.MaxMessageLength)
	p.events = newEventRegistry()
	p.scopes = newScopeRegistry()
	p.remoteScopes = newScopeRegistry()
	return p
}

// nextID mints a strictly increasing outbound id (spec.md §3 invariant).
func (p *Processor) nextID() ID {
	return ID(atomic.AddUint64(&p.outboundSeq, 1))
}

func (p *Processor) nextScopeID() ID {
	return ID(atomic.AddUint64(&p.inboundScopeSeq, 1))
}

func (p *Processor) nextStreamID() uint64 {
	return atomic.AddUint64(&p.streamSeq, 1)
}

// Context returns the processor's session cancellation context; every
// call/request/stream token is linked to it (spec.md §5).
func (p *Processor) Context() context.Context { return p.sessionCtx }

// Done is closed once the processor has fully disposed.
func (p *Processor) Done() <-chan struct{} { return p.doneCh }

// LastException returns the first fatal error observed, if any.
func (p *Processor) LastException() error {
	p.exceptionMu.Lock()
	defer p.exceptionMu.Unlock()
	return p.lastException
}

// Run starts the message pump and blocks until the session ends
// (transport failure, protocol violation, or Shutdown/Dispose). It
// must be called exactly once.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(p.sessionCtx)
	p.group = g

	go func() {
		select {
		case <-ctx.Done():
			p.cancelSession()
		case <-p.sessionCtx.Done():
		}
	}()

	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	for i := 0; i < p.opts.IngressWorkers; i++ {
		g.Go(func() error { return p.routeLoop(gctx) })
	}
	if p.opts.HeartbeatInterval > 0 {
		g.Go(func() error { return p.heartbeatLoop(gctx) })
	}

	err := g.Wait()
	p.disposeLocked(err)
	return p.LastException()
}

// readLoop is the sole transport reader task (spec.md §5): it decodes
// one frame at a time and pushes it to the ingress queue, pausing
// (inside ingressQueue.push) when the queue is full.
func (p *Processor) readLoop(ctx context.Context) error {
	defer p.ingress.close()
	for {
		msg, version, err := p.reader.ReadMessage(ctx)
		if err != nil {
			return p.fail(NewError(KindTransportFailure, err, "transport read failed"))
		}
		if !p.opts.AllowVersionSkew && version != 0 && version != p.opts.RPCVersion {
			return p.fail(errProtocol("peer protocol version %d, want %d", version, p.opts.RPCVersion))
		}
		if err := p.ingress.push(ctx, ingressEnvelope{msg: msg, version: version}); err != nil {
			return err
		}
	}
}

// writeLoop is the sole egress writer task (spec.md §4.7, §5): it
// drains the priority queue one item at a time under exclusive
// ownership of p.writer and reports the write outcome back to the
// enqueuer via item.done.
func (p *Processor) writeLoop(ctx context.Context) error {
	flusher, canFlush := p.transport.(interface{ Flush() error })
	for {
		item, ok := p.egress.dequeue()
		if !ok {
			return nil
		}
		err := p.writer.WriteMessage(item.ctx, item.msg, p.opts.RPCVersion)
		if err == nil && p.opts.FlushStream && canFlush {
			err = flusher.Flush()
		}
		item.done <- err
		method := ""
		if r, ok := item.msg.(*RequestMsg); ok {
			method = r.Method
		}
		p.logger.Send(method, item.msg.id(), Outbound, err)
		if err != nil {
			// An oversize-message write surfaces as *Error with its own
			// Kind (e.g. KindProtocolViolation) straight from the Framer;
			// only a genuine transport error gets wrapped here.
			if rpcErr, ok := err.(*Error); ok {
				return p.fail(rpcErr)
			}
			return p.fail(NewError(KindTransportFailure, err, "transport write failed"))
		}
	}
}

// routeLoop is one of W_in ingress workers (spec.md §4.7): it pops a
// decoded message and dispatches it via the router.
func (p *Processor) routeLoop(ctx context.Context) error {
	for {
		env, ok := p.ingress.pop()
		if !ok {
			return nil
		}
		if err := p.route(ctx, env.msg, env.version); err != nil {
			return err
		}
	}
}

// send enqueues msg onto the egress queue at priority and waits for
// the write outcome. Used by every outbound path (request, response,
// event, cancel, scope and stream messages) so priority ordering is
// uniform (spec.md §4.7, testable property 3/6).
func (p *Processor) send(ctx context.Context, msg Message, priority int) error {
	done := p.egress.enqueue(ctx, msg, p.opts.RPCVersion, priority)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendBestEffort fires msg without the caller waiting on the result;
// used for Cancel/StreamCloseRemote/ScopeDiscarded sends spec.md
// describes as "best-effort".
func (p *Processor) sendBestEffort(msg Message, priority int) {
	done := p.egress.enqueue(p.sessionCtx, msg, p.opts.RPCVersion, priority)
	go func() { <-done }()
}

// fail implements spec.md §5's fatal-exception policy: the first
// qualifying error wins, marks the processor stopped_exceptional and
// initiates disposal; later errors are swallowed (logged only).
func (p *Processor) fail(err error) error {
	p.exceptionMu.Lock()
	first := p.lastException == nil
	if first {
		p.lastException = err
		p.stoppedExceptional = true
	}
	p.exceptionMu.Unlock()
	if first {
		p.logger.Fatal(err)
		p.cancelSession()
	} else {
		p.logger.Receive("", 0, Inbound, 0, err)
	}
	return err
}

// Shutdown cancels the session, disposes the processor (failing
// pending requests and closing the transport) and then waits for the
// pump tasks started by Run to exit. It does not drain: in-flight calls
// and requests are not waited for and observe the canceled session
// instead, and ctx does not shorten the wait.
func (p *Processor) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithCancel(p.sessionCtx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-drainCtx.Done():
		}
		p.cancelSession()
	}()
	p.cancelSession()
	// Disposal closes the transport and both queues, which is what lets
	// the reader and writer tasks return; waiting on the group first
	// would block forever on a live connection.
	p.disposeLocked(nil)
	if p.group != nil {
		_ = p.group.Wait()
	}
	return p.LastException()
}

// Dispose tears the session down immediately: every pending
// request/call completion is failed with KindDisposed and every scope
// and stream is disposed (spec.md §3 Lifecycles).
func (p *Processor) Dispose() {
	p.cancelSession()
	p.disposeLocked(nil)
}

func (p *Processor) disposeLocked(cause error) {
	p.disposeOnce.Do(func() {
		p.exceptionMu.Lock()
		p.disposed = true
		if cause != nil && p.lastException == nil {
			p.lastException = cause
			p.stoppedExceptional = true
		}
		p.exceptionMu.Unlock()

		disposeErr := errDisposed()

		// Closing the transport is what actually unblocks a reader or
		// writer task parked in a blocking Read/Write on a live
		// connection; cancelling sessionCtx alone only stops tasks that
		// poll it between operations (spec.md §5 disposal).
		_ = p.transport.Close()

		p.pendingRequestsMu.Lock()
		reqs := p.pendingRequests
		p.pendingRequests = make(map[ID]*pendingRequest)
		p.pendingRequestsMu.Unlock()
		for _, pr := range reqs {
			pr.fail(disposeErr)
		}

		p.pendingCallsMu.Lock()
		calls := p.pendingCalls
		p.pendingCalls = make(map[ID]*pendingCall)
		p.pendingCallsMu.Unlock()
		for _, pc := range calls {
			pc.cancelAll()
		}

		p.egress.closeWith(disposeErr)
		p.ingress.close()
		p.scopes.disposeAll()
		p.remoteScopes.disposeAll()

		p.streamsMu.Lock()
		outs := p.outgoingStreams
		ins := p.incomingStreams
		p.outgoingStreams = nil
		p.incomingStreams = nil
		p.streamsMu.Unlock()
		for _, s := range outs {
			s.disposeLocal(disposeErr)
		}
		for _, s := range ins {
			s.failRemote(disposeErr)
		}

		close(p.doneCh)
	})
}
