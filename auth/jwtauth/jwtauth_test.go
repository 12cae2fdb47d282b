// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nd1012/wan24rpc/rpc"
)

func sign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func TestAuthorizeValidToken(t *testing.T) {
	key := []byte("test-secret")
	v := NewValidator(key)
	token := sign(t, key, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})

	ctx := WithBearerToken(context.Background(), token)
	allow, err := v.Authorize(rpc.CallContext{Context: ctx})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !allow {
		t.Fatal("want allow=true for a validly signed token")
	}
}

func TestAuthorizeMissingToken(t *testing.T) {
	v := NewValidator([]byte("test-secret"))
	allow, err := v.Authorize(rpc.CallContext{Context: context.Background()})
	if allow || err == nil {
		t.Fatal("want denial when no bearer token is attached")
	}
}

func TestAuthorizeWrongKey(t *testing.T) {
	v := NewValidator([]byte("test-secret"))
	token := sign(t, []byte("other-secret"), jwt.MapClaims{"sub": "mallory"})

	ctx := WithBearerToken(context.Background(), token)
	allow, err := v.Authorize(rpc.CallContext{Context: ctx})
	if allow || err == nil {
		t.Fatal("want denial for a token signed with a different key")
	}
}

func TestRequireScope(t *testing.T) {
	key := []byte("test-secret")
	v := NewValidator(key)
	token := sign(t, key, jwt.MapClaims{"sub": "alice", "scope": "read write"})

	authorize := v.RequireScope("write")
	ctx := WithBearerToken(context.Background(), token)
	allow, err := authorize(rpc.CallContext{Context: ctx})
	if err != nil || !allow {
		t.Fatalf("want allow=true, nil err; got allow=%v err=%v", allow, err)
	}

	authorize = v.RequireScope("admin")
	allow, err = authorize(rpc.CallContext{Context: ctx})
	if allow || err == nil {
		t.Fatal("want denial for a scope the token does not carry")
	}
}
