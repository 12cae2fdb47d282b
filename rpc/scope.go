// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "sync"

// Scope is spec.md §3's local-scope entity: a long-lived resource owned
// by this side and exposed to the peer by id and optional key.
type Scope struct {
	ID    ID
	Key   string
	HasKey bool
	Value  any

	DisposeValueOnDrop  bool
	DisposeValueOnError bool
	InformPeerOnDispose bool
	ReplaceExisting     bool

	mu       sync.Mutex
	isStored bool
	isError  bool
	lastErr  error

	registry *scopeRegistry
	onDisposed func(*Scope)
}

// Dispose is the single terminal transition for a Scope (spec.md §9:
// "enforce by a per-entity mutex-protected set_done. All terminal
// transitions are idempotent.").
func (s *Scope) Dispose(cause error) {
	s.mu.Lock()
	if s.isStored {
		s.mu.Unlock()
		return
	}
	s.isStored = true
	if cause != nil {
		s.isError = true
		s.lastErr = cause
	}
	disposeValue := s.DisposeValueOnDrop || (s.isError && s.DisposeValueOnError)
	value := s.Value
	s.mu.Unlock()

	if disposeValue {
		disposeIfCloser(value)
	}
	if s.onDisposed != nil {
		s.onDisposed(s)
	}
}

// RemoteScope mirrors Scope but represents a resource the peer owns
// that this side can address by id/key (spec.md §3).
type RemoteScope struct {
	ID     ID
	Key    string
	HasKey bool
	Value  any

	mu       sync.Mutex
	isStored bool
}

func (r *RemoteScope) Dispose() {
	r.mu.Lock()
	if r.isStored {
		r.mu.Unlock()
		return
	}
	r.isStored = true
	r.mu.Unlock()
	disposeIfCloser(r.Value)
}

func disposeIfCloser(v any) {
	if c, ok := v.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// scopeRegistry implements spec.md §4.5's dual id+key index with the
// insert-id-then-key, remove-id-then-key discipline, generalized from
// the shape of jsonrpc2.Conn's pending/handling maps (each a single
// id-keyed map; here extended with a second, optional key index).
type scopeRegistry struct {
	mu      sync.Mutex
	byID    map[ID]*Scope
	byKey   map[string]*Scope
	remByID map[ID]*RemoteScope
	remByKey map[string]*RemoteScope
}

func newScopeRegistry() *scopeRegistry {
	return &scopeRegistry{
		byID:     make(map[ID]*Scope),
		byKey:    make(map[string]*Scope),
		remByID:  make(map[ID]*RemoteScope),
		remByKey: make(map[string]*RemoteScope),
	}
}

// Insert implements spec.md §4.5: id insert first; on success, attempt
// keyed insert; on keyed collision without ReplaceExisting, roll back
// the id insert and fail. With ReplaceExisting the existing entry is
// replaced and asynchronously disposed (testable property 6).
func (r *scopeRegistry) Insert(s *Scope) error {
	r.mu.Lock()
	if _, exists := r.byID[s.ID]; exists {
		r.mu.Unlock()
		return errProtocol("duplicate scope id %d", s.ID)
	}
	r.byID[s.ID] = s
	if !s.HasKey {
		r.mu.Unlock()
		return nil
	}
	existing, collide := r.byKey[s.Key]
	if collide && !s.ReplaceExisting {
		delete(r.byID, s.ID)
		r.mu.Unlock()
		return errProtocol("scope key %q already in use", s.Key)
	}
	r.byKey[s.Key] = s
	r.mu.Unlock()
	if collide {
		go existing.Dispose(nil)
	}
	return nil
}

// Lookup returns the scope registered under id, if any.
func (r *scopeRegistry) Lookup(id ID) (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// LookupKey returns the scope currently registered under key, if any.
func (r *scopeRegistry) LookupKey(key string) (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[key]
	return s, ok
}

// Remove deletes s by id then key, using a compare-and-remove on the
// key index so a concurrent Insert replacing s under the same key is
// never dropped by this call (spec.md §4.5, SPEC_FULL.md §6 resolution:
// compare by pointer identity under the registry mutex).
func (r *scopeRegistry) Remove(s *Scope) {
	r.mu.Lock()
	delete(r.byID, s.ID)
	if s.HasKey {
		if cur, ok := r.byKey[s.Key]; ok && cur == s {
			delete(r.byKey, s.Key)
		}
	}
	r.mu.Unlock()
}

func (r *scopeRegistry) InsertRemote(s *RemoteScope) error {
	r.mu.Lock()
	if _, exists := r.remByID[s.ID]; exists {
		r.mu.Unlock()
		return errProtocol("duplicate remote scope id %d", s.ID)
	}
	r.remByID[s.ID] = s
	if s.HasKey {
		r.remByKey[s.Key] = s
	}
	r.mu.Unlock()
	return nil
}

func (r *scopeRegistry) LookupRemote(id ID) (*RemoteScope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.remByID[id]
	return s, ok
}

func (r *scopeRegistry) RemoveRemote(s *RemoteScope) {
	r.mu.Lock()
	delete(r.remByID, s.ID)
	if s.HasKey {
		if cur, ok := r.remByKey[s.Key]; ok && cur == s {
			delete(r.remByKey, s.Key)
		}
	}
	r.mu.Unlock()
}

func (r *scopeRegistry) disposeAll() {
	r.mu.Lock()
	local := make([]*Scope, 0, len(r.byID))
	for _, s := range r.byID {
		local = append(local, s)
	}
	remote := make([]*RemoteScope, 0, len(r.remByID))
	for _, s := range r.remByID {
		remote = append(remote, s)
	}
	r.byID = make(map[ID]*Scope)
	r.byKey = make(map[string]*Scope)
	r.remByID = make(map[ID]*RemoteScope)
	r.remByKey = make(map[string]*RemoteScope)
	r.mu.Unlock()
	for _, s := range local {
		s.Dispose(errDisposed())
	}
	for _, s := range remote {
		s.Dispose()
	}
}

// CreateScope registers value as a new local scope, optionally keyed,
// and — if requested — notifies the peer via ScopeTrigger (spec.md
// §4.5: "Scopes expose an on_created hook that may send a ScopeTrigger
// message to the master").
func (p *Processor) CreateScope(value any, key string, hasKey bool, opts ScopeOptions) (*Scope, error) {
	if !p.opts.UseScopes {
		return nil, errProtocol("scopes are disabled (use_scopes=false)")
	}
	s := &Scope{
		ID:                  p.nextScopeID(),
		Key:                 key,
		HasKey:              hasKey,
		Value:               value,
		DisposeValueOnDrop:  opts.DisposeValueOnDrop,
		DisposeValueOnError: opts.DisposeValueOnError,
		InformPeerOnDispose: opts.InformPeerOnDispose,
		ReplaceExisting:     opts.ReplaceExisting,
		registry:            p.scopes,
	}
	s.onDisposed = func(sc *Scope) {
		p.scopes.Remove(sc)
		if sc.InformPeerOnDispose {
			p.sendBestEffort(&ScopeDiscardedMsg{ScopeID: sc.ID}, p.opts.Priorities.RPC)
		}
	}
	if err := p.scopes.Insert(s); err != nil {
		return nil, err
	}
	if opts.NotifyPeer {
		var payload []byte
		if p.opts.Codec != nil {
			payload, _ = p.opts.Codec.Marshal(value)
		}
		p.sendBestEffort(&ScopeTriggerMsg{ScopeID: s.ID, Key: key, HasKey: hasKey, Payload: payload}, p.opts.Priorities.RPC)
	}
	return s, nil
}

// ScopeOptions configures CreateScope (spec.md §3 Scope entity fields).
type ScopeOptions struct {
	DisposeValueOnDrop  bool
	DisposeValueOnError bool
	InformPeerOnDispose bool
	ReplaceExisting     bool
	NotifyPeer          bool
}

func (p *Processor) handleScopeTrigger(msg *ScopeTriggerMsg) {
	rs := &RemoteScope{ID: msg.ScopeID, Key: msg.Key, HasKey: msg.HasKey}
	if p.opts.Codec != nil && msg.Payload != nil {
		var v any
		if err := p.opts.Codec.Unmarshal(msg.Payload, &v); err == nil {
			rs.Value = v
		}
	}
	_ = p.remoteScopes.InsertRemote(rs)
}

func (p *Processor) handleScopeDiscarded(msg *ScopeDiscardedMsg) {
	if rs, ok := p.remoteScopes.LookupRemote(msg.ScopeID); ok {
		p.remoteScopes.RemoveRemote(rs)
		rs.Dispose()
	}
}

func (p *Processor) handleScopeEvent(msg *ScopeEventMsg) {
	// Delivery of scope-scoped named payloads is left to a caller that
	// wants per-scope events; the core only routes them without a
	// default handler, matching how spec.md treats scope lifecycle
	// messaging as bookkeeping rather than an application protocol.
	_ = msg
}
