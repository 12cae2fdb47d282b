// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/nd1012/wan24rpc/codec/jsoncodec"
	"github.com/nd1012/wan24rpc/compress/lz4compress"
)

// mapDispatcher is the test double for the Dispatcher collaborator
// spec.md §1 leaves external to the core.
type mapDispatcher struct {
	methods map[string]MethodDescriptor
}

func (d *mapDispatcher) Resolve(method string) (MethodDescriptor, bool) {
	m, ok := d.methods[method]
	return m, ok
}

// pipePair returns two Processors wired back to back over net.Pipe, the
// harness net.Pipe-based in-memory transport modelcontextprotocol-go-sdk's
// conformance tests use for a symmetric pair of peers.
func pipePair(t *testing.T, optsA, optsB Options, dispA, dispB Dispatcher) (*Processor, *Processor, func()) {
	t.Helper()
	connA, connB := net.Pipe()
	optsA.Codec = jsoncodec.New()
	optsB.Codec = jsoncodec.New()
	pa := NewProcessor(connA, dispA, optsA)
	pb := NewProcessor(connB, dispB, optsB)

	g := new(errgroup.Group)
	g.Go(func() error { return pa.Run(context.Background()) })
	g.Go(func() error { return pb.Run(context.Background()) })

	stop := func() {
		pa.Dispose()
		pb.Dispose()
		_ = g.Wait()
	}
	return pa, pb, stop
}

func emptyDispatcher() Dispatcher { return &mapDispatcher{methods: map[string]MethodDescriptor{}} }

// Testable property 1 (spec.md §8): a request routed to a resolvable,
// authorized method produces exactly one Response or Error carrying the
// same id, and the caller's send_request unblocks with that outcome.
func TestRequestResponseRoundTrip(t *testing.T) {
	disp := &mapDispatcher{methods: map[string]MethodDescriptor{
		"echo": {
			WantsReturnValue: true,
			Invoke: func(ctx CallContext, args []any, streams []*IncomingStream) (any, error) {
				return args[0], nil
			},
		},
	}}
	client, _, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), disp)
	defer stop()

	arg, err := jsoncodec.New().Marshal("hello")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.SendRequest(ctx, "echo", [][]byte{arg}, true)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var got string
	if err := jsoncodec.New().Unmarshal(result, &got); err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

// Testable property: an unresolvable method replies with an
// InvocationError rather than tearing down the session.
func TestRequestMethodNotFound(t *testing.T) {
	client, _, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), emptyDispatcher())
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "nope", nil, true)
	if err == nil {
		t.Fatal("want error, got nil")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want *Error, got %T: %v", err, err)
	}
	if rpcErr.Kind != KindInvocationError {
		t.Fatalf("got kind %v, want %v", rpcErr.Kind, KindInvocationError)
	}
}

// Testable property: a denying authorization closure short-circuits with
// Unauthorized and never reaches Invoke.
func TestRequestUnauthorized(t *testing.T) {
	invoked := false
	disp := &mapDispatcher{methods: map[string]MethodDescriptor{
		"secret": {
			WantsReturnValue: true,
			Authorize: []func(CallContext) (bool, error){
				func(CallContext) (bool, error) { return false, nil },
			},
			Invoke: func(ctx CallContext, args []any, streams []*IncomingStream) (any, error) {
				invoked = true
				return nil, nil
			},
		},
	}}
	client, _, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), disp)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "secret", nil, true)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindUnauthorized {
		t.Fatalf("got %v, want KindUnauthorized", err)
	}
	if invoked {
		t.Fatal("Invoke must not run when authorization denies")
	}
}

// Testable property: a call's cancellation token is fired when a Cancel
// message with the same id arrives, and the peer's send_request returns
// a Canceled outcome.
func TestRequestCancel(t *testing.T) {
	started := make(chan struct{})
	disp := &mapDispatcher{methods: map[string]MethodDescriptor{
		"block": {
			WantsReturnValue: true,
			Invoke: func(ctx CallContext, args []any, streams []*IncomingStream) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}}
	client, _, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), disp)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reqCtx, reqCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(reqCtx, "block", nil, true)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	reqCancel()

	select {
	case err := <-done:
		var rpcErr *Error
		if !errors.As(err, &rpcErr) || rpcErr.Kind != KindCanceled {
			t.Fatalf("got %v, want KindCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendRequest never returned after cancel")
	}
}

// Testable property: duplicate event registration is rejected and leaves
// the first registration untouched.
func TestRegisterEventDuplicate(t *testing.T) {
	p, _, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), emptyDispatcher())
	defer stop()

	if err := p.RegisterEvent("tick", func(context.Context, []byte) error { return nil }); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := p.RegisterEvent("tick", func(context.Context, []byte) error { return nil }); err == nil {
		t.Fatal("want error on duplicate registration")
	}
}

// End-to-end scenario: a fire-and-forget event reaches the peer's
// handler with its arguments intact.
func TestRaiseEventNoWait(t *testing.T) {
	received := make(chan string, 1)
	client, server, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), emptyDispatcher())
	defer stop()

	if err := server.RegisterEvent("greet", func(ctx context.Context, args []byte) error {
		var s string
		if err := jsoncodec.New().Unmarshal(args, &s); err != nil {
			return err
		}
		received <- s
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	arg, err := jsoncodec.New().Marshal("hi")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.RaiseEvent(ctx, "greet", arg, false); err != nil {
		t.Fatalf("RaiseEvent(wait=false): %v", err)
	}

	select {
	case got := <-received:
		if got != "hi" {
			t.Fatalf("got %q, want %q", got, "hi")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event handler never ran")
	}
}

// Testable property: a waiting event behaves like a request, blocking
// raise_event until the peer's handler completes.
func TestRaiseEventWait(t *testing.T) {
	client, server, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), emptyDispatcher())
	defer stop()

	if err := server.RegisterEvent("sum", func(ctx context.Context, args []byte) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	arg, _ := jsoncodec.New().Marshal(42)
	if _, err := client.RaiseEvent(ctx, "sum", arg, true); err != nil {
		t.Fatalf("RaiseEvent(wait=true): %v", err)
	}
}

// Testable property 6 (spec.md §8): a keyed scope insert with
// replace_existing disposes the prior holder of that key exactly once.
func TestScopeReplaceExisting(t *testing.T) {
	p, _, stop := pipePair(t, Options{UseScopes: true}, Options{UseScopes: true}, emptyDispatcher(), emptyDispatcher())
	defer stop()

	disposed := make(chan struct{}, 1)
	first, err := p.CreateScope(closerFunc(func() error { close(disposed); return nil }), "session", true, ScopeOptions{DisposeValueOnDrop: true})
	if err != nil {
		t.Fatal(err)
	}
	_ = first

	second, err := p.CreateScope("replacement", "session", true, ScopeOptions{ReplaceExisting: true})
	if err != nil {
		t.Fatalf("replace insert: %v", err)
	}

	select {
	case <-disposed:
	case <-time.After(5 * time.Second):
		t.Fatal("prior keyed scope was never disposed")
	}

	got, ok := p.scopes.LookupKey("session")
	if !ok || got != second {
		t.Fatal("lookup by key must return the replacement scope")
	}
}

// Testable property: a keyed insert without replace_existing on a
// colliding key rolls back the id registration entirely.
func TestScopeKeyCollisionWithoutReplace(t *testing.T) {
	p, _, stop := pipePair(t, Options{UseScopes: true}, Options{UseScopes: true}, emptyDispatcher(), emptyDispatcher())
	defer stop()

	if _, err := p.CreateScope(1, "shared", true, ScopeOptions{}); err != nil {
		t.Fatal(err)
	}
	before := len(p.scopes.byID)
	if _, err := p.CreateScope(2, "shared", true, ScopeOptions{}); err == nil {
		t.Fatal("want error on key collision without ReplaceExisting")
	}
	if len(p.scopes.byID) != before {
		t.Fatalf("id registration was not rolled back: got %d entries, want %d", len(p.scopes.byID), before)
	}
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

// End-to-end scenario S-stream: an outgoing stream's bytes are delivered
// to the peer's attached incoming stream in order and in full, driven by
// the credit-of-1 StreamStart protocol.
func TestStreamTransfer(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 30000) // > MaxContentLength, forces 2 chunks
	received := make(chan []byte, 1)

	disp := &mapDispatcher{methods: map[string]MethodDescriptor{
		"upload": {
			Invoke: func(ctx CallContext, args []any, streams []*IncomingStream) (any, error) {
				if len(streams) != 1 {
					return nil, errors.New("want exactly one attached stream")
				}
				buf, err := io.ReadAll(streams[0])
				if err != nil {
					return nil, err
				}
				received <- buf
				return nil, nil
			},
		},
	}}
	client, _, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), disp)
	defer stop()

	out, err := client.NewOutgoingStream(bytes.NewReader(payload), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	ph := streamPlaceholder{IsStream: true, StreamID: out.id, MaxChunk: MaxContentLength}
	blob, err := jsoncodec.New().Marshal(ph)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.SendRequest(ctx, "upload", [][]byte{blob}, false); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case got := <-received:
		if diff := cmp.Diff(payload, got); diff != "" {
			t.Fatalf("stream payload mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stream was never fully received")
	}
}

// End-to-end scenario S4 (spec.md §8): a stream argument compressed with
// lz4compress round-trips to an identical byte sequence on the
// receiving side, exercising the decompression pipe's close-on-final
// chunk and the Compressed placeholder flag bindArguments consults.
func TestStreamTransferCompressed(t *testing.T) {
	payload := make([]byte, 1<<20) // 1 MiB, per spec.md §8's S4 scenario
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	received := make(chan []byte, 1)

	disp := &mapDispatcher{methods: map[string]MethodDescriptor{
		"upload": {
			Invoke: func(ctx CallContext, args []any, streams []*IncomingStream) (any, error) {
				if len(streams) != 1 {
					return nil, errors.New("want exactly one attached stream")
				}
				buf, err := io.ReadAll(streams[0])
				if err != nil {
					return nil, err
				}
				received <- buf
				return nil, nil
			},
		},
	}}
	comp := lz4compress.New()
	optsA := Options{Compressor: comp}
	optsB := Options{Compressor: comp}
	client, _, stop := pipePair(t, optsA, optsB, emptyDispatcher(), disp)
	defer stop()

	out, err := client.NewOutgoingStream(bytes.NewReader(payload), comp, false)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := out.Arg()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.SendRequest(ctx, "upload", [][]byte{blob}, false); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case got := <-received:
		if diff := cmp.Diff(payload, got); diff != "" {
			t.Fatalf("decompressed stream payload mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("compressed stream was never fully received")
	}
}

// Testable property: disposing the serving Processor makes the peer's
// outstanding request return an error, and Dispose is idempotent.
func TestDisposeFailsPending(t *testing.T) {
	started := make(chan struct{})
	disp := &mapDispatcher{methods: map[string]MethodDescriptor{
		"forever": {
			WantsReturnValue: true,
			Invoke: func(ctx CallContext, args []any, streams []*IncomingStream) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}}
	client, server, stop := pipePair(t, Options{}, Options{}, emptyDispatcher(), disp)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), "forever", nil, true)
		done <- err
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	server.Dispose()
	server.Dispose() // idempotent

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("want error after disposal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendRequest never returned after server disposal")
	}
	stop()
}
