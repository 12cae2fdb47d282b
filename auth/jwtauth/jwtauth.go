// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jwtauth is a reference authorization-attribute evaluator for
// the call engine's authorize(ctx) -> allow|deny hook (spec.md §4.2
// step 4, §9). Policy itself remains the caller's concern (spec.md §1
// explicitly carves out "authorization attribute evaluation ...
// invoked by the engine but policy lives elsewhere"); this package only
// validates a bearer token the way
// modelcontextprotocol-go-sdk/internal/testing's fake auth server signs
// one, using github.com/golang-jwt/jwt/v5.
package jwtauth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nd1012/wan24rpc/rpc"
)

type tokenKey struct{}

// WithBearerToken attaches a bearer token to ctx. Authorize reads it
// back from the CallContext it is given. The rpc core does not send
// context values to the peer: a token attached to the caller's context
// for SendRequest does not reach the serving side's CallContext.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// BearerToken extracts the token attached by WithBearerToken, if any.
func BearerToken(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenKey{}).(string)
	return v, ok
}

// Validator validates a signed JWT and reports whether the caller may
// proceed; RequireScope narrows that to claims carrying a given scope.
type Validator struct {
	Key           []byte
	SigningMethod jwt.SigningMethod
}

// NewValidator returns a Validator using HS256, the signing method
// modelcontextprotocol-go-sdk's fake auth server uses.
func NewValidator(key []byte) *Validator {
	return &Validator{Key: key, SigningMethod: jwt.SigningMethodHS256}
}

// Authorize implements the rpc.MethodDescriptor.Authorize closure
// signature: it rejects a call with no attached bearer token or an
// invalid/expired one.
func (v *Validator) Authorize(ctx rpc.CallContext) (bool, error) {
	token, ok := BearerToken(ctx)
	if !ok {
		return false, fmt.Errorf("no bearer token attached to call")
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != v.SigningMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.Key, nil
	})
	if err != nil || !parsed.Valid {
		return false, fmt.Errorf("invalid bearer token: %w", err)
	}
	return true, nil
}

// RequireScope returns an Authorize-shaped closure that additionally
// requires claims["scope"] to contain scope.
func (v *Validator) RequireScope(scope string) func(rpc.CallContext) (bool, error) {
	return func(ctx rpc.CallContext) (bool, error) {
		allow, err := v.Authorize(ctx)
		if !allow || err != nil {
			return allow, err
		}
		token, _ := BearerToken(ctx)
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return false, err
		}
		scopes, _ := claims["scope"].(string)
		if !containsScope(scopes, scope) {
			return false, fmt.Errorf("token missing required scope %q", scope)
		}
		return true, nil
	}
}

func containsScope(scopes, want string) bool {
	start := 0
	for i := 0; i <= len(scopes); i++ {
		if i == len(scopes) || scopes[i] == ' ' {
			if scopes[start:i] == want {
				return true
			}
			start = i + 1
		}
	}
	return false
}
