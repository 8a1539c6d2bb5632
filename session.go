// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import (
	"sync"

	"github.com/aarong/feedme-client-go/internal/dispatch"
)

// SessionListener receives Session events. A Session emits events by
// calling the corresponding method on its current listener.
type SessionListener interface {
	OnConnecting()
	OnConnect()
	OnDisconnect(err error)
	OnFeedAction(fna FeedNameArgs, actionName string, actionArgs, newData, oldData map[string]any)
	OnUnexpectedFeedClosing(fna FeedNameArgs, err error)
	OnUnexpectedFeedClosed(fna FeedNameArgs, err error)
	OnBadServerMessage(err error)
	OnBadClientMessage(diag string)
	OnTransportError(err *Error)
}

// Session is the Feedme wire-format session: handshake, message
// framing, action/feed-open/feed-close encoding, and delta application
// to a feed's snapshot. The core treats it as a black box that exposes
// per-feed state, performs opens/closes, applies deltas, and reports
// feedAction deltas to observers; it never interprets wire bytes
// itself. A Session implementation is constructed over a Transport
// (itself already wrapped in a TransportGuard by the Client) supplied
// via the NewSession function passed to NewClient.
type Session interface {
	State() ConnectionState
	Connect() error
	// Disconnect tears the session down, optionally recording cause as
	// the error delivered with the forthcoming OnDisconnect event. A
	// caller-initiated disconnect passes a nil cause.
	Disconnect(cause error) error
	FeedState(fna FeedNameArgs) FeedState
	FeedData(fna FeedNameArgs) (map[string]any, error)
	Destroy()
	Destroyed() bool

	// Action invokes a server action. cb fires exactly once, possibly
	// synchronously within the call to Action; the Client's session
	// guard defers it before it reaches the application.
	Action(name string, args map[string]any, cb func(result map[string]any, err error))
	// FeedOpen requests the session open fna. cb fires exactly once,
	// possibly synchronously within the call to FeedOpen.
	FeedOpen(fna FeedNameArgs, cb func(data map[string]any, err error))
	// FeedClose requests the session close fna. cb fires exactly once,
	// possibly synchronously within the call to FeedClose.
	FeedClose(fna FeedNameArgs, cb func(err error))

	// SetListener installs the sole recipient of this session's events,
	// replacing any previous listener.
	SetListener(l SessionListener)
}

// NewSession builds a Session over a Transport already wrapped and
// validated by the Client. t is never the application's raw Transport;
// it is the Client's internal TransportGuard, satisfying the same
// Transport interface. This indirection is what keeps the wire-format
// session pluggable while still routing every byte through the guard
// the core owns.
type NewSession func(t Transport) (Session, error)

// sessionGuard wraps a Session, relaying its calls without checking
// their arguments, deferring every outbound callback and event by one
// turn, and guaranteeing that all
// pending request callbacks (actions, then feeds, FIFO within each
// class) are delivered before a disconnect event reaches the listener.
//
// The ordering guarantee is implemented by batching: every callback or
// event the raw session produces is filed into the current "burst"
// (one Go analogue of a microtask turn); the first filing in a burst
// schedules a single deferred flush that delivers, in order, all
// pending actions, then all pending feed callbacks, then the
// disconnect event if one arrived, then any other events — regardless
// of the order the raw session happened to produce them in.
type sessionGuard struct {
	mu    *sync.Mutex
	raw   Session
	queue *dispatch.Queue

	listener SessionListener

	flushScheduled bool
	burstActions   []func()
	burstFeeds     []func()
	burstOther     []func()
	burstDisconnect func()
}

func newSessionGuard(mu *sync.Mutex, raw Session, queue *dispatch.Queue) *sessionGuard {
	g := &sessionGuard{mu: mu, raw: raw, queue: queue}
	raw.SetListener(g)
	return g
}

func (g *sessionGuard) SetListener(l SessionListener) {
	g.mu.Lock()
	g.listener = l
	g.mu.Unlock()
}

func (g *sessionGuard) State() ConnectionState { return g.raw.State() }
func (g *sessionGuard) Connect() error         { return g.raw.Connect() }
func (g *sessionGuard) Disconnect(cause error) error { return g.raw.Disconnect(cause) }
func (g *sessionGuard) FeedState(fna FeedNameArgs) FeedState { return g.raw.FeedState(fna) }
func (g *sessionGuard) FeedData(fna FeedNameArgs) (map[string]any, error) {
	return g.raw.FeedData(fna)
}
func (g *sessionGuard) Destroy()         { g.raw.Destroy() }
func (g *sessionGuard) Destroyed() bool  { return g.raw.Destroyed() }

func (g *sessionGuard) Action(name string, args map[string]any, cb func(result map[string]any, err error)) {
	g.raw.Action(name, args, func(result map[string]any, err error) {
		g.fileLocked(classAction, func() { cb(result, err) })
	})
}

func (g *sessionGuard) FeedOpen(fna FeedNameArgs, cb func(data map[string]any, err error)) {
	g.raw.FeedOpen(fna, func(data map[string]any, err error) {
		g.fileLocked(classFeed, func() { cb(data, err) })
	})
}

func (g *sessionGuard) FeedClose(fna FeedNameArgs, cb func(err error)) {
	g.raw.FeedClose(fna, func(err error) {
		g.fileLocked(classFeed, func() { cb(err) })
	})
}

// --- SessionListener methods: invoked by the raw session ---

func (g *sessionGuard) OnConnecting() {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnConnecting()
		}
	})
}

func (g *sessionGuard) OnConnect() {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnConnect()
		}
	})
}

func (g *sessionGuard) OnDisconnect(err error) {
	g.mu.Lock()
	g.ensureFlushScheduledLocked()
	g.burstDisconnect = func() {
		if g.listener != nil {
			g.listener.OnDisconnect(err)
		}
	}
	g.mu.Unlock()
}

func (g *sessionGuard) OnFeedAction(fna FeedNameArgs, actionName string, actionArgs, newData, oldData map[string]any) {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnFeedAction(fna, actionName, actionArgs, newData, oldData)
		}
	})
}

func (g *sessionGuard) OnUnexpectedFeedClosing(fna FeedNameArgs, err error) {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnUnexpectedFeedClosing(fna, err)
		}
	})
}

func (g *sessionGuard) OnUnexpectedFeedClosed(fna FeedNameArgs, err error) {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnUnexpectedFeedClosed(fna, err)
		}
	})
}

func (g *sessionGuard) OnBadServerMessage(err error) {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnBadServerMessage(err)
		}
	})
}

func (g *sessionGuard) OnBadClientMessage(diag string) {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnBadClientMessage(diag)
		}
	})
}

func (g *sessionGuard) OnTransportError(err *Error) {
	g.fileLocked(classOther, func() {
		if g.listener != nil {
			g.listener.OnTransportError(err)
		}
	})
}

type burstClass int

const (
	classAction burstClass = iota
	classFeed
	classOther
)

func (g *sessionGuard) fileLocked(class burstClass, fn func()) {
	g.mu.Lock()
	g.ensureFlushScheduledLocked()
	switch class {
	case classAction:
		g.burstActions = append(g.burstActions, fn)
	case classFeed:
		g.burstFeeds = append(g.burstFeeds, fn)
	default:
		g.burstOther = append(g.burstOther, fn)
	}
	g.mu.Unlock()
}

// ensureFlushScheduledLocked must be called with mu held.
func (g *sessionGuard) ensureFlushScheduledLocked() {
	if g.flushScheduled {
		return
	}
	g.flushScheduled = true
	g.queue.Defer(g.flush)
}

func (g *sessionGuard) flush() {
	g.mu.Lock()
	actions := g.burstActions
	feeds := g.burstFeeds
	disconnect := g.burstDisconnect
	other := g.burstOther
	g.burstActions = nil
	g.burstFeeds = nil
	g.burstDisconnect = nil
	g.burstOther = nil
	g.flushScheduled = false
	g.mu.Unlock()

	for _, fn := range actions {
		fn()
	}
	for _, fn := range feeds {
		fn()
	}
	if disconnect != nil {
		disconnect()
	}
	for _, fn := range other {
		fn()
	}
}
