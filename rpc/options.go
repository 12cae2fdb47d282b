// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "time"

// Priorities groups the egress priorities named in spec.md §6; higher
// values are written first (spec.md Glossary, "Priority").
type Priorities struct {
	Event  int
	RPC    int
	Stream int
}

// DefaultPriorities matches the relative urgency jsonrpc2/labels.go's
// Send/Receive instrumentation implies for control vs. bulk traffic:
// rpc > event > stream, since stream chunks are bulk data that should
// never starve a call's response.
func DefaultPriorities() Priorities {
	return Priorities{Event: 5, RPC: 10, Stream: 1}
}

// Options configures a Processor. Every field maps directly to a name
// in spec.md §6's "Configurable options (enumerated)" list; Go zero
// values are filled in by NewProcessor via applyDefaults.
type Options struct {
	MaxMessageLength int // 0 = DefaultMaxMessageLength

	IngressCapacity int // 0 = DefaultIngressCapacity
	IngressWorkers  int // 0 = DefaultIngressWorkers

	EgressCapacity int // 0 = DefaultEgressCapacity

	RequestQueueSize int // 0 = DefaultRequestQueueSize
	RequestWorkers   int // 0 = DefaultRequestWorkers

	CallQueueSize int // 0 = DefaultCallQueueSize
	CallWorkers   int // 0 = DefaultCallWorkers

	MaxStreamCount int // 0 disables streams entirely (spec.md §6)

	UseScopes bool

	FlushStream        bool // flush transport after every egress write
	DisconnectOnAPIErr bool

	CompressionBufferSize int // 0 = DefaultCompressionBufferSize

	Priorities Priorities

	RPCVersion       uint8
	AllowVersionSkew bool

	HeartbeatInterval time.Duration // 0 disables heartbeat

	Framer Framer // nil = HeaderFramer()
	Codec  Codec  // nil = errors on first use requiring a codec
	Logger Logger // nil = noopLogger{}

	// Compressor is the processor-wide default used to decompress an
	// incoming stream argument whose wire placeholder is marked
	// compressed (spec.md §4.6 compression option). A caller building an
	// OutgoingStream still passes its own Compressor explicitly; this is
	// only consulted on the receiving side, where attachIncomingStream
	// has no other way to learn which codec the sender used.
	Compressor Compressor
}

const (
	DefaultMaxMessageLength      = 64 << 20 // 64 MiB
	DefaultIngressCapacity       = 256
	DefaultIngressWorkers        = 4
	DefaultEgressCapacity        = 256
	DefaultRequestQueueSize      = 64
	DefaultRequestWorkers        = 16
	DefaultCallQueueSize         = 64
	DefaultCallWorkers           = 16
	DefaultMaxStreamCount        = 64
	DefaultCompressionBufferSize = 64 << 10 // 64 KiB
	DefaultRPCVersion       uint8 = 1
	// MaxContentLength bounds a single StreamChunkMsg's payload
	// (spec.md §6, "Maximum chunk size is RpcStreamValue.MaxContentLength").
	MaxContentLength = 1 << 20 // 1 MiB
)

func (o Options) applyDefaults() Options {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.IngressCapacity <= 0 {
		o.IngressCapacity = DefaultIngressCapacity
	}
	if o.IngressWorkers <= 0 {
		o.IngressWorkers = DefaultIngressWorkers
	}
	if o.EgressCapacity <= 0 {
		o.EgressCapacity = DefaultEgressCapacity
	}
	if o.RequestQueueSize <= 0 {
		o.RequestQueueSize = DefaultRequestQueueSize
	}
	if o.RequestWorkers <= 0 {
		o.RequestWorkers = DefaultRequestWorkers
	}
	if o.CallQueueSize <= 0 {
		o.CallQueueSize = DefaultCallQueueSize
	}
	if o.CallWorkers <= 0 {
		o.CallWorkers = DefaultCallWorkers
	}
	if o.MaxStreamCount == 0 {
		o.MaxStreamCount = DefaultMaxStreamCount
	}
	if o.CompressionBufferSize <= 0 {
		o.CompressionBufferSize = DefaultCompressionBufferSize
	}
	if (o.Priorities == Priorities{}) {
		o.Priorities = DefaultPriorities()
	}
	if o.RPCVersion == 0 {
		o.RPCVersion = DefaultRPCVersion
	}
	if o.Framer == nil {
		o.Framer = HeaderFramer()
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// Codec is the pluggable payload serializer spec.md §1 names as an
// external collaborator: it yields and consumes opaque blobs for
// arguments and return values. The core decodes each inbound argument
// blob with it (to recognize stream placeholders and bind values) and
// encodes return values and scope payloads with it; it does not
// otherwise interpret blob contents.
type Codec interface {
	// ID identifies this codec on the wire (RequestMsg.SerializerID /
	// ResponseMsg.SerializerID) so a peer using a different default can
	// still decode, given a shared registry of ids. The core itself
	// does not maintain that registry; it is a Dispatcher/Codec concern.
	ID() uint8
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Dispatcher is the API-reflection layer named in spec.md §1: it maps a
// method name to a callable with typed parameters. The core only needs
// to resolve a method and invoke it; reflection, DI and authorization
// attribute evaluation all live behind this interface.
type Dispatcher interface {
	// Resolve looks up method, returning ok=false if unknown (the call
	// engine responds with a protocol-level "not found" InvocationError).
	Resolve(method string) (MethodDescriptor, bool)
}

// MethodDescriptor describes one invocable API method (spec.md §4.2,
// §9 "capability descriptor resolved by the reflection collaborator").
type MethodDescriptor struct {
	// Authorize returns closures the call engine evaluates in order;
	// the first denial short-circuits with KindUnauthorized.
	Authorize []func(ctx CallContext) (bool, error)
	// WantsReturnValue mirrors spec.md §4.2 step 6: when false, a
	// produced return value is discarded (disposed if it implements
	// io.Closer) rather than sent.
	WantsReturnValue bool
	// Invoke binds arguments, runs the method and returns its result.
	// args are the already-decoded parameter values in declared order;
	// streams carries any IncomingStream bound to a stream-value
	// placeholder in the arguments (spec.md §4.2 step 5).
	Invoke func(ctx CallContext, args []any, streams []*IncomingStream) (result any, err error)
}
