// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import (
	"fmt"
	"sort"

	"github.com/yosida95/uritemplate/v3"
)

// ConnectionState is the three-value state shared by Transport, Session
// and Client: disconnected, connecting, or connected.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// FeedState is the session's authoritative view of one feed's lifecycle.
type FeedState int

const (
	FeedClosed FeedState = iota
	FeedOpening
	FeedOpen
	FeedClosing
)

func (s FeedState) String() string {
	switch s {
	case FeedClosed:
		return "closed"
	case FeedOpening:
		return "opening"
	case FeedOpen:
		return "open"
	case FeedClosing:
		return "closing"
	default:
		return fmt.Sprintf("FeedState(%d)", int(s))
	}
}

// DesiredState is a SubscriptionHandle's declarative wish, independent
// of whether the session has achieved it.
type DesiredState int

const (
	DesiredClosed DesiredState = iota
	DesiredOpen
)

func (s DesiredState) String() string {
	if s == DesiredOpen {
		return "open"
	}
	return "closed"
}

// HandleState is the state a SubscriptionHandle reports to its
// application, derived from desired state, Client connection state, and
// the session's feed state. See deriveHandleStateLocked in feed.go.
type HandleState int

const (
	HandleClosed HandleState = iota
	HandleOpening
	HandleOpen
)

func (s HandleState) String() string {
	switch s {
	case HandleClosed:
		return "closed"
	case HandleOpening:
		return "opening"
	case HandleOpen:
		return "open"
	default:
		return fmt.Sprintf("HandleState(%d)", int(s))
	}
}

// FeedNameArgs identifies a feed: its name and its string-valued
// parameters. Two FeedNameArgs with equal Name and equal Args produce
// equal Fingerprints.
type FeedNameArgs struct {
	Name string
	Args map[string]string
}

// Validate reports whether fna is well-formed: Name non-empty, Args
// non-nil values (a nil map is fine; a nil value for a present key is
// not expressible with map[string]string and so cannot occur).
func (fna FeedNameArgs) Validate() error {
	if fna.Name == "" {
		return NewError(CodeInvalidArgument, fmt.Errorf("feed name must not be empty"))
	}
	return nil
}

// fingerprintTemplate expands a feed's canonical identity string. The
// args variable is an associative (key/value) URI Template variable;
// its explode ("*") expansion sorts deterministically because Fingerprint
// always builds it from pre-sorted keys.
var fingerprintTemplate = uritemplate.MustNew("{+name}{?args*}")

// Fingerprint computes the deterministic serial identity of fna used to
// key FeedRegistry entries. Equal (name, args) pairs always produce the
// same fingerprint, regardless of map iteration order.
func (fna FeedNameArgs) Fingerprint() (string, error) {
	if err := fna.Validate(); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(fna.Args))
	for k := range fna.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		kv = append(kv, k, fna.Args[k])
	}

	values := uritemplate.Values{}
	values.Set("name", uritemplate.String(fna.Name))
	values.Set("args", uritemplate.KV(kv...))

	fp, err := fingerprintTemplate.Expand(values)
	if err != nil {
		return "", NewError(CodeInvalidArgument, fmt.Errorf("computing feed fingerprint: %w", err))
	}
	return fp, nil
}
