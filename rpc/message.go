// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "encoding/json"

// ID identifies a Request, Event (when waiting), scope or stream so a
// later message can correlate back to it. Zero is "absent"; real ids
// are minted starting at 1 by Processor.nextID / nextScopeID.
type ID uint64

// IsValid reports whether id was actually assigned (spec.md: "id is
// required for any kind the peer may reference by correlation").
func (id ID) IsValid() bool { return id != 0 }

// MessageKind is the wire tag distinguishing the closed set of message
// kinds spec.md §3 defines.
type MessageKind int8

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindErrorMsg
	KindCancel
	KindEvent
	KindStreamStart
	KindStreamChunk
	KindStreamCloseLocal
	KindStreamCloseRemote
	KindScopeTrigger
	KindScopeDiscarded
	KindScopeEvent
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindErrorMsg:
		return "error"
	case KindCancel:
		return "cancel"
	case KindEvent:
		return "event"
	case KindStreamStart:
		return "stream_start"
	case KindStreamChunk:
		return "stream_chunk"
	case KindStreamCloseLocal:
		return "stream_close_local"
	case KindStreamCloseRemote:
		return "stream_close_remote"
	case KindScopeTrigger:
		return "scope_trigger"
	case KindScopeDiscarded:
		return "scope_discarded"
	case KindScopeEvent:
		return "scope_event"
	default:
		return "unknown"
	}
}

// Message is the interface implemented by every concrete message type.
// The set is closed deliberately: adding a wire kind means adding a
// concrete type and a router case, not implementing an interface
// method (mirrors jsonrpc2_v2.Message's closed-set comment).
type Message interface {
	Kind() MessageKind
	id() ID
}

// RequestMsg is an inbound-or-outbound call (spec.md §4.1 wire format).
type RequestMsg struct {
	ID           ID
	Method       string
	SerializerID uint8
	Args         [][]byte
	WantsReturn  bool
}

func (m *RequestMsg) Kind() MessageKind { return KindRequest }
func (m *RequestMsg) id() ID            { return m.ID }

// ResponseMsg answers a RequestMsg or a waiting EventMsg.
type ResponseMsg struct {
	ID           ID
	SerializerID uint8
	Return       []byte
	HasReturn    bool
}

func (m *ResponseMsg) Kind() MessageKind { return KindResponse }
func (m *ResponseMsg) id() ID            { return m.ID }

// ErrorMsg answers a RequestMsg or waiting EventMsg with a failure.
type ErrorMsg struct {
	ID  ID
	Err *wireError
}

func (m *ErrorMsg) Kind() MessageKind { return KindErrorMsg }
func (m *ErrorMsg) id() ID            { return m.ID }

// CancelMsg requests cancellation of an outstanding RequestMsg.
type CancelMsg struct {
	ID ID
}

func (m *CancelMsg) Kind() MessageKind { return KindCancel }
func (m *CancelMsg) id() ID            { return m.ID }

// EventMsg raises a named event, optionally awaiting a reply.
type EventMsg struct {
	ID      ID // valid iff Waiting
	Name    string
	Args    []byte
	Waiting bool
}

func (m *EventMsg) Kind() MessageKind { return KindEvent }
func (m *EventMsg) id() ID            { return m.ID }

// StreamStartMsg requests the first/next chunk of stream StreamID.
type StreamStartMsg struct {
	StreamID uint64
}

func (m *StreamStartMsg) Kind() MessageKind { return KindStreamStart }
func (m *StreamStartMsg) id() ID            { return 0 }

// StreamChunkMsg carries up to MaxContentLength bytes of stream data; a
// chunk shorter than the negotiated maximum denotes end-of-stream.
type StreamChunkMsg struct {
	StreamID uint64
	Data     []byte
}

func (m *StreamChunkMsg) Kind() MessageKind { return KindStreamChunk }
func (m *StreamChunkMsg) id() ID            { return 0 }

// StreamCloseLocalMsg reports that the sender's outgoing stream ended,
// optionally with an error.
type StreamCloseLocalMsg struct {
	StreamID uint64
	Err      *wireError
}

func (m *StreamCloseLocalMsg) Kind() MessageKind { return KindStreamCloseLocal }
func (m *StreamCloseLocalMsg) id() ID            { return 0 }

// StreamCloseRemoteMsg asks the peer to stop producing chunks.
type StreamCloseRemoteMsg struct {
	StreamID uint64
}

func (m *StreamCloseRemoteMsg) Kind() MessageKind { return KindStreamCloseRemote }
func (m *StreamCloseRemoteMsg) id() ID            { return 0 }

// ScopeTriggerMsg announces a newly created local scope to the peer.
type ScopeTriggerMsg struct {
	ScopeID ID
	Key     string
	HasKey  bool
	Payload []byte
}

func (m *ScopeTriggerMsg) Kind() MessageKind { return KindScopeTrigger }
func (m *ScopeTriggerMsg) id() ID            { return 0 }

// ScopeDiscardedMsg announces that a local scope has been disposed.
type ScopeDiscardedMsg struct {
	ScopeID ID
}

func (m *ScopeDiscardedMsg) Kind() MessageKind { return KindScopeDiscarded }
func (m *ScopeDiscardedMsg) id() ID            { return 0 }

// ScopeEventMsg carries a scope-scoped named payload (e.g. progress).
type ScopeEventMsg struct {
	ScopeID ID
	Name    string
	Payload []byte
}

func (m *ScopeEventMsg) Kind() MessageKind { return KindScopeEvent }
func (m *ScopeEventMsg) id() ID            { return 0 }

// wireEnvelope is the single JSON shape every message kind marshals
// to/from; unused fields are omitted. This mirrors jsonrpc2_v2's
// wireCombined "decode once, then switch" strategy, generalized to a
// closed set of a dozen kinds instead of two.
type wireEnvelope struct {
	Kind         int8            `json:"k"`
	Version      uint8           `json:"v"`
	ID           uint64          `json:"id,omitempty"`
	StreamID     uint64          `json:"sid,omitempty"`
	ScopeID      uint64          `json:"scid,omitempty"`
	Method       string          `json:"method,omitempty"`
	SerializerID uint8           `json:"ser,omitempty"`
	Args         []json.RawMessage `json:"args,omitempty"`
	WantsReturn  bool            `json:"wants_return,omitempty"`
	Return       json.RawMessage `json:"ret,omitempty"`
	HasReturn    bool            `json:"has_ret,omitempty"`
	Err          *wireError      `json:"err,omitempty"`
	Name         string          `json:"name,omitempty"`
	Args1        json.RawMessage `json:"eargs,omitempty"`
	Waiting      bool            `json:"waiting,omitempty"`
	Data         []byte          `json:"data,omitempty"`
	Key          string          `json:"key,omitempty"`
	HasKey       bool            `json:"has_key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func marshalMessage(msg Message, version uint8) ([]byte, error) {
	env := wireEnvelope{Kind: int8(msg.Kind()), Version: version}
	switch m := msg.(type) {
	case *RequestMsg:
		env.ID = uint64(m.ID)
		env.Method = m.Method
		env.SerializerID = m.SerializerID
		env.WantsReturn = m.WantsReturn
		env.Args = make([]json.RawMessage, len(m.Args))
		for i, a := range m.Args {
			env.Args[i] = a
		}
	case *ResponseMsg:
		env.ID = uint64(m.ID)
		env.SerializerID = m.SerializerID
		env.HasReturn = m.HasReturn
		if m.HasReturn {
			env.Return = m.Return
		}
	case *ErrorMsg:
		env.ID = uint64(m.ID)
		env.Err = m.Err
	case *CancelMsg:
		env.ID = uint64(m.ID)
	case *EventMsg:
		env.ID = uint64(m.ID)
		env.Name = m.Name
		env.Args1 = m.Args
		env.Waiting = m.Waiting
	case *StreamStartMsg:
		env.StreamID = m.StreamID
	case *StreamChunkMsg:
		env.StreamID = m.StreamID
		env.Data = m.Data
	case *StreamCloseLocalMsg:
		env.StreamID = m.StreamID
		env.Err = m.Err
	case *StreamCloseRemoteMsg:
		env.StreamID = m.StreamID
	case *ScopeTriggerMsg:
		env.ScopeID = uint64(m.ScopeID)
		env.Key = m.Key
		env.HasKey = m.HasKey
		env.Payload = m.Payload
	case *ScopeDiscardedMsg:
		env.ScopeID = uint64(m.ScopeID)
	case *ScopeEventMsg:
		env.ScopeID = uint64(m.ScopeID)
		env.Name = m.Name
		env.Payload = m.Payload
	default:
		return nil, errProtocol("unknown message type %T", msg)
	}
	return json.Marshal(&env)
}

func unmarshalMessage(data []byte) (Message, uint8, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, errProtocol("malformed frame: %v", err)
	}
	switch MessageKind(env.Kind) {
	case KindRequest:
		args := make([][]byte, len(env.Args))
		for i, a := range env.Args {
			args[i] = a
		}
		return &RequestMsg{ID: ID(env.ID), Method: env.Method, SerializerID: env.SerializerID, Args: args, WantsReturn: env.WantsReturn}, env.Version, nil
	case KindResponse:
		return &ResponseMsg{ID: ID(env.ID), SerializerID: env.SerializerID, Return: env.Return, HasReturn: env.HasReturn}, env.Version, nil
	case KindErrorMsg:
		return &ErrorMsg{ID: ID(env.ID), Err: env.Err}, env.Version, nil
	case KindCancel:
		return &CancelMsg{ID: ID(env.ID)}, env.Version, nil
	case KindEvent:
		return &EventMsg{ID: ID(env.ID), Name: env.Name, Args: env.Args1, Waiting: env.Waiting}, env.Version, nil
	case KindStreamStart:
		return &StreamStartMsg{StreamID: env.StreamID}, env.Version, nil
	case KindStreamChunk:
		return &StreamChunkMsg{StreamID: env.StreamID, Data: env.Data}, env.Version, nil
	case KindStreamCloseLocal:
		return &StreamCloseLocalMsg{StreamID: env.StreamID, Err: env.Err}, env.Version, nil
	case KindStreamCloseRemote:
		return &StreamCloseRemoteMsg{StreamID: env.StreamID}, env.Version, nil
	case KindScopeTrigger:
		return &ScopeTriggerMsg{ScopeID: ID(env.ScopeID), Key: env.Key, HasKey: env.HasKey, Payload: env.Payload}, env.Version, nil
	case KindScopeDiscarded:
		return &ScopeDiscardedMsg{ScopeID: ID(env.ScopeID)}, env.Version, nil
	case KindScopeEvent:
		return &ScopeEventMsg{ScopeID: ID(env.ScopeID), Name: env.Name, Payload: env.Payload}, env.Version, nil
	default:
		return nil, 0, errProtocol("unknown message kind %d", env.Kind)
	}
}
