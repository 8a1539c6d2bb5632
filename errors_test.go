// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeOf(t *testing.T) {
	base := NewError(CodeTimeout, fmt.Errorf("deadline exceeded"))
	wrapped := fmt.Errorf("action failed: %w", base)

	code, ok := CodeOf(wrapped)
	if !ok || code != CodeTimeout {
		t.Fatalf("CodeOf(wrapped) = (%v, %v), want (%v, true)", code, ok, CodeTimeout)
	}

	if _, ok := CodeOf(errors.New("plain error")); ok {
		t.Fatalf("CodeOf(plain error) reported a code, want false")
	}
}

func TestErrorIs(t *testing.T) {
	a := NewError(CodeRejected, nil)
	b := NewError(CodeRejected, fmt.Errorf("server said no"))
	c := NewError(CodeTimeout, nil)

	if !errors.Is(b, a) {
		t.Errorf("errors.Is(b, a) = false, want true (same code)")
	}
	if errors.Is(c, a) {
		t.Errorf("errors.Is(c, a) = true, want false (different code)")
	}
}

func TestTransportErrorCause(t *testing.T) {
	root := fmt.Errorf("socket reset")
	violation := fmt.Errorf("Send() called while not connected")
	terr := newTransportError(violation, root)

	if terr.Code() != CodeTransportError {
		t.Fatalf("Code() = %v, want %v", terr.Code(), CodeTransportError)
	}
	if terr.TransportCause() != root {
		t.Errorf("TransportCause() = %v, want %v", terr.TransportCause(), root)
	}
	if !errors.Is(terr, violation) && errors.Unwrap(terr) != violation {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(terr), violation)
	}
}
