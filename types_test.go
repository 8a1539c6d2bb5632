// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := FeedNameArgs{Name: "chat", Args: map[string]string{"room": "lobby", "lang": "en"}}
	b := FeedNameArgs{Name: "chat", Args: map[string]string{"lang": "en", "room": "lobby"}}

	fpA, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("a.Fingerprint() error: %v", err)
	}
	fpB, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("b.Fingerprint() error: %v", err)
	}
	if fpA != fpB {
		t.Errorf("fingerprints differ for equal (name, args) with different map order: %q != %q", fpA, fpB)
	}
}

func TestFingerprintDistinguishesArgs(t *testing.T) {
	a := FeedNameArgs{Name: "chat", Args: map[string]string{"room": "lobby"}}
	b := FeedNameArgs{Name: "chat", Args: map[string]string{"room": "annex"}}

	fpA, _ := a.Fingerprint()
	fpB, _ := b.Fingerprint()
	if fpA == fpB {
		t.Errorf("distinct args produced identical fingerprints: %q", fpA)
	}
}

func TestFeedNameArgsValidateRejectsEmptyName(t *testing.T) {
	fna := FeedNameArgs{}
	if err := fna.Validate(); err == nil {
		t.Fatalf("Validate() on empty name = nil, want error")
	} else if code, _ := CodeOf(err); code != CodeInvalidArgument {
		t.Errorf("Validate() error code = %v, want %v", code, CodeInvalidArgument)
	}
}
