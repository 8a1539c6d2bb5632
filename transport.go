// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import (
	"fmt"
	"sync"

	"github.com/aarong/feedme-client-go/internal/dispatch"
)

// TransportListener receives Transport events. A Transport emits events
// by calling the corresponding method on its current listener.
type TransportListener interface {
	OnConnecting()
	OnConnect()
	OnMessage(msg string)
	OnDisconnect(err error)
	// OnTransportError is invoked asynchronously whenever the Transport
	// beneath a TransportGuard violates its contract. It always fires
	// alongside a synthesized OnDisconnect carrying the same error,
	// since a transport that has broken its contract can no longer be
	// trusted to reach a clean Disconnected state on its own.
	OnTransportError(err *Error)
}

// Transport is the byte-level connection the Client runs the Feedme
// wire protocol over (a raw socket, a WebSocket, a custom stream). The
// core never speaks it directly; a Session implementation does,
// through a TransportGuard-wrapped instance the Client hands it.
//
// Implementations must behave as the disciplined state machine this
// interface documents: State() returns Disconnected immediately after
// construction; Connect is valid only from Disconnected and leaves the
// transport in one of all three states; Send is valid only from
// Connected and never leaves it Connecting; Disconnect is valid from
// Connecting or Connected and always leaves it Disconnected. A
// transport that violates this contract causes TransportGuard to fail
// the call with CodeTransportError and emit an asynchronous
// OnTransportError, followed by a synthesized OnDisconnect carrying the
// same error, to its listener.
type Transport interface {
	// State returns the transport's current connection state.
	State() ConnectionState
	// Connect begins connecting. Valid only when State() == Disconnected.
	Connect() error
	// Send writes a frame. Valid only when State() == Connected.
	Send(msg string) error
	// Disconnect tears down the connection, optionally recording err as
	// the cause delivered with the forthcoming OnDisconnect event. Valid
	// only when State() is Connecting or Connected.
	Disconnect(err error) error
	// SetListener installs the sole recipient of this transport's
	// events, replacing any previous listener.
	SetListener(l TransportListener)
}

// transportGuard wraps an application-supplied Transport, enforcing its
// state machine and deferring every event it emits by one turn.
type transportGuard struct {
	mu    *sync.Mutex // shared with the owning Client; guards all fields below
	raw   Transport
	queue *dispatch.Queue

	listener TransportListener

	// permittedNow/permittedDeferred implement the two-set discipline of
	// the spec: permittedNow is checked synchronously against every
	// incoming event; permittedDeferred replaces it once the event that
	// produced it has finished being processed (one "turn" later).
	permittedNow      map[ConnectionState]bool
	permittedDeferred map[ConnectionState]bool

	// widenedForCall, while true, widens permittedNow to all three
	// states for the duration of a Connect() call, since a transport
	// may synchronously transition through any state while connecting.
	widenedForCall bool

	// connectDebt counts Connect() calls whose matching Connecting event
	// has not yet been observed.
	connectDebt int
	// disconnectDebt counts Disconnect() calls whose matching
	// argument-less Disconnect event has not yet been observed.
	disconnectDebt int

	failed bool // true once a contract violation has been reported
}

func newTransportGuard(mu *sync.Mutex, raw Transport, queue *dispatch.Queue) (*transportGuard, error) {
	if raw == nil {
		return nil, NewError(CodeInvalidArgument, fmt.Errorf("transport must not be nil"))
	}
	if raw.State() != Disconnected {
		return nil, newTransportError(
			fmt.Errorf("transport must report Disconnected at construction, got %s", raw.State()),
			nil,
		)
	}

	g := &transportGuard{
		mu:                mu,
		raw:               raw,
		queue:             queue,
		permittedNow:      stateSet(Disconnected),
		permittedDeferred: stateSet(Disconnected),
	}
	raw.SetListener(g)
	return g, nil
}

func stateSet(states ...ConnectionState) map[ConnectionState]bool {
	m := make(map[ConnectionState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

func (g *transportGuard) SetListener(l TransportListener) {
	g.mu.Lock()
	g.listener = l
	g.mu.Unlock()
}

// State returns the raw transport's reported state, validated against
// the permitted-states set.
func (g *transportGuard) State() ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkedStateLocked()
}

func (g *transportGuard) checkedStateLocked() ConnectionState {
	s := g.raw.State()
	if s != Disconnected && s != Connecting && s != Connected {
		g.failLocked(fmt.Errorf("transport State() returned out-of-enum value %d", int(s)), nil)
		return Disconnected
	}
	if !g.permittedNow[s] {
		g.failLocked(fmt.Errorf("transport reported state %s, not permitted at this point", s), nil)
	}
	return s
}

func (g *transportGuard) Connect() error {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return NewError(CodeTransportError, fmt.Errorf("transport already failed"))
	}
	if !g.permittedNow[Disconnected] {
		err := fmt.Errorf("Connect() called while not disconnected")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return NewError(CodeTransportError, err)
	}
	g.connectDebt++
	g.widenedForCall = true
	g.permittedNow = stateSet(Disconnected, Connecting, Connected)
	g.mu.Unlock()

	err := g.raw.Connect()

	g.mu.Lock()
	g.widenedForCall = false
	post := g.raw.State()
	if post != Disconnected && post != Connecting && post != Connected {
		ferr := fmt.Errorf("transport state after Connect() is out-of-enum value %d", int(post))
		g.failLocked(ferr, err)
		g.mu.Unlock()
		return NewError(CodeTransportError, ferr)
	}
	g.setObservedStateLocked(post)
	g.mu.Unlock()

	return err
}

func (g *transportGuard) Send(msg string) error {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return NewError(CodeTransportError, fmt.Errorf("transport already failed"))
	}
	if g.raw.State() != Connected {
		err := fmt.Errorf("Send() called while not connected")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return NewError(CodeTransportError, err)
	}
	g.mu.Unlock()

	err := g.raw.Send(msg)

	g.mu.Lock()
	post := g.raw.State()
	if post == Connecting {
		ferr := fmt.Errorf("transport transitioned to Connecting during Send()")
		g.failLocked(ferr, err)
		g.mu.Unlock()
		return NewError(CodeTransportError, ferr)
	}
	g.mu.Unlock()

	return err
}

func (g *transportGuard) Disconnect(cause error) error {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return NewError(CodeTransportError, fmt.Errorf("transport already failed"))
	}
	s := g.raw.State()
	if s != Connecting && s != Connected {
		err := fmt.Errorf("Disconnect() called while not connecting or connected")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return NewError(CodeTransportError, err)
	}
	g.disconnectDebt++
	g.mu.Unlock()

	err := g.raw.Disconnect(cause)

	g.mu.Lock()
	post := g.raw.State()
	if post != Disconnected {
		ferr := fmt.Errorf("transport state after Disconnect() is %s, not Disconnected", post)
		g.failLocked(ferr, err)
		g.mu.Unlock()
		return NewError(CodeTransportError, ferr)
	}
	g.setObservedStateLocked(post)
	g.mu.Unlock()

	return err
}

// --- TransportListener methods: invoked by the raw transport ---

func (g *transportGuard) OnConnecting() {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return
	}
	if !g.permittedNow[Connecting] || g.connectDebt == 0 {
		err := fmt.Errorf("unexpected connecting event (no matching Connect() call)")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return
	}
	g.connectDebt--
	g.setObservedStateLocked(Connecting)
	l := g.listener
	g.mu.Unlock()

	if l != nil {
		g.queue.Defer(l.OnConnecting)
	}
}

func (g *transportGuard) OnConnect() {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return
	}
	if !g.permittedNow[Connected] {
		err := fmt.Errorf("unexpected connect event outside connecting phase")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return
	}
	g.setObservedStateLocked(Connected)
	l := g.listener
	g.mu.Unlock()

	if l != nil {
		g.queue.Defer(l.OnConnect)
	}
}

func (g *transportGuard) OnMessage(msg string) {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return
	}
	if !g.permittedNow[Connected] {
		err := fmt.Errorf("unexpected message event outside connected phase")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return
	}
	l := g.listener
	g.mu.Unlock()

	if l != nil {
		g.queue.Defer(func() { l.OnMessage(msg) })
	}
}

func (g *transportGuard) OnDisconnect(cause error) {
	g.mu.Lock()
	if g.failed {
		g.mu.Unlock()
		return
	}
	if !g.permittedNow[Disconnected] {
		err := fmt.Errorf("unexpected disconnect event outside connecting/connected phase")
		g.failLocked(err, nil)
		g.mu.Unlock()
		return
	}
	if cause == nil {
		if g.disconnectDebt == 0 {
			err := fmt.Errorf("argument-less disconnect event with no matching Disconnect() call")
			g.failLocked(err, nil)
			g.mu.Unlock()
			return
		}
		g.disconnectDebt--
	}
	g.setObservedStateLocked(Disconnected)
	l := g.listener
	g.mu.Unlock()

	if l != nil {
		g.queue.Defer(func() { l.OnDisconnect(cause) })
	}
}

// setObservedStateLocked recomputes the permitted-states sets following
// the rules in spec.md §4.1, and schedules the promotion of the
// deferred set to the immediate set one turn from now.
func (g *transportGuard) setObservedStateLocked(s ConnectionState) {
	if g.widenedForCall {
		// A method call explicitly owns the immediate set until it
		// returns; don't let an event observed mid-call narrow it.
		return
	}
	switch s {
	case Disconnected:
		g.permittedNow = stateSet(Disconnected)
		g.permittedDeferred = stateSet(Disconnected)
	case Connecting:
		g.permittedNow = stateSet(Connecting)
		g.permittedDeferred = stateSet(Disconnected, Connecting, Connected)
	case Connected:
		g.permittedNow = stateSet(Connected)
		g.permittedDeferred = stateSet(Disconnected, Connected)
	}

	deferred := g.permittedDeferred
	g.queue.Defer(func() {
		g.mu.Lock()
		if !g.widenedForCall {
			g.permittedNow = deferred
		}
		g.mu.Unlock()
	})
}

func (g *transportGuard) failLocked(violation error, transportCause error) {
	if g.failed {
		return
	}
	g.failed = true
	g.permittedNow = stateSet(Disconnected)
	g.permittedDeferred = stateSet(Disconnected)
	l := g.listener
	terr := newTransportError(violation, transportCause)
	if l != nil {
		g.queue.Defer(func() { l.OnTransportError(terr) })
		g.queue.Defer(func() { l.OnDisconnect(terr) })
	}
}
