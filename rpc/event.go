// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"sync"
	"time"
)

// EventHandler receives a raised event's argument blob as it arrived
// (the core does not decode it) and a cancellation token (spec.md §4.4).
type EventHandler func(ctx context.Context, args []byte) error

// eventRegistration is spec.md §3's Event Registration entity.
type eventRegistration struct {
	name       string
	handler    EventHandler
	mu         sync.Mutex
	firstRaised time.Time
	lastRaised  time.Time
	raiseCount  uint64
}

// eventRegistry is name-unique within a Processor (spec.md §4.4).
type eventRegistry struct {
	mu       sync.Mutex
	handlers map[string]*eventRegistration
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{handlers: make(map[string]*eventRegistration)}
}

// RegisterEvent implements spec.md §4.4's register_event: duplicate
// name registration is an error and mutates no state (testable
// property 5).
func (p *Processor) RegisterEvent(name string, handler EventHandler) error {
	p.events.mu.Lock()
	defer p.events.mu.Unlock()
	if _, exists := p.events.handlers[name]; exists {
		return errProtocol("event %q already registered", name)
	}
	p.events.handlers[name] = &eventRegistration{name: name, handler: handler}
	return nil
}

// RaiseEvent implements spec.md §4.4's raise_event(name, args, wait).
// When wait is false it sends an Event message with no id at
// priorities.event and returns once the egress writer has written it
// (or failed to). When wait is
// true it mints an id, registers a pending request, sends the Event
// message with waiting=true, and awaits the peer's Response/Error —
// built exactly like a request (spec.md: "register as a pending
// request").
func (p *Processor) RaiseEvent(ctx context.Context, name string, args []byte, wait bool) ([]byte, error) {
	if !wait {
		msg := &EventMsg{Name: name, Args: args, Waiting: false}
		return nil, p.send(ctx, msg, p.opts.Priorities.Event)
	}
	id := p.nextID()
	msg := &EventMsg{ID: id, Name: name, Args: args, Waiting: true}
	return p.dispatchPendingRequest(ctx, id, msg, true, p.opts.Priorities.Event)
}

// handleEvent implements spec.md §4.4's inbound-Event contract: look up
// the handler by name, silently drop if absent; on handler error, reply
// with an Error only if the peer is waiting, otherwise log and
// continue without stopping the session.
func (p *Processor) handleEvent(ctx context.Context, msg *EventMsg) {
	p.events.mu.Lock()
	reg, ok := p.events.handlers[msg.Name]
	p.events.mu.Unlock()
	if !ok {
		return
	}

	reg.mu.Lock()
	now := time.Now()
	if reg.raiseCount == 0 {
		reg.firstRaised = now
	}
	reg.lastRaised = now
	reg.raiseCount++
	reg.mu.Unlock()

	err := p.safeInvokeEvent(reg.handler, ctx, msg.Args)
	if !msg.Waiting {
		if err != nil {
			p.logger.Receive(msg.Name, 0, Inbound, 0, err)
		}
		return
	}
	if err != nil {
		p.sendBestEffort(&ErrorMsg{ID: msg.ID, Err: toWireError(err)}, p.opts.Priorities.Event)
		return
	}
	p.sendBestEffort(&ResponseMsg{ID: msg.ID}, p.opts.Priorities.Event)
}

func (p *Processor) safeInvokeEvent(h EventHandler, ctx context.Context, args []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(KindInvocationError, nil, "panic in event handler: %v", r)
		}
	}()
	return h(ctx, args)
}
