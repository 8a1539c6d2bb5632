// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import (
	"fmt"
	"sync"
	"time"

	"github.com/aarong/feedme-client-go/internal/dispatch"
)

// Client is the Feedme control plane: it owns a Transport and a Session
// (both wrapped in guards that enforce their contracts), drives the
// connect/reconnect coordinator, and tracks outstanding actions and
// feed subscriptions. A Client is safe for concurrent use from multiple
// goroutines.
type Client struct {
	mu    sync.Mutex
	queue *dispatch.Queue

	transportGuard *transportGuard
	sessionGuard   *sessionGuard
	opts           Options

	listeners *listenerSet[Listener]
	registry  *feedRegistry

	destroyed  bool
	phase      ConnectionState
	generation uint64 // bumped whenever pending timers from a prior episode must be invalidated

	connectAttempt      int
	connectTimeoutTimer *time.Timer
	connectRetryTimer   *time.Timer

	nextActionID   uint64
	actionInFlight map[uint64]*actionCall
}

type actionCall struct {
	timer    *time.Timer
	resolved bool
	cb       func(result map[string]any, err error)
}

// NewClient constructs a Client over transport, using newSession to
// build the wire-protocol Session atop the Client's internal
// TransportGuard. If opts is nil, DefaultOptions() is used.
func NewClient(transport Transport, newSession NewSession, opts *Options) (*Client, error) {
	if newSession == nil {
		return nil, NewError(CodeInvalidArgument, fmt.Errorf("newSession must not be nil"))
	}
	resolved := DefaultOptions()
	if opts != nil {
		resolved = *opts
	}
	if err := resolved.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		queue:          dispatch.New(),
		opts:           resolved,
		listeners:      newListenerSet[Listener](),
		phase:          Disconnected,
		actionInFlight: make(map[uint64]*actionCall),
	}

	tg, err := newTransportGuard(&c.mu, transport, c.queue)
	if err != nil {
		return nil, err
	}
	c.transportGuard = tg

	sess, err := newSession(tg)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, NewError(CodeInvalidArgument, fmt.Errorf("newSession returned a nil Session"))
	}
	c.sessionGuard = newSessionGuard(&c.mu, sess, c.queue)
	c.sessionGuard.SetListener(c)

	c.registry = newFeedRegistry(c)

	return c, nil
}

// State reports the Client's connection state. A destroyed Client
// always reports Disconnected.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return Disconnected
	}
	return c.phase
}

// Destroyed reports whether Destroy has been called.
func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// AddListener registers l to receive Client-level events. The returned
// func removes it; calling it more than once is a harmless no-op.
func (c *Client) AddListener(l Listener) (remove func()) {
	return c.listeners.add(l)
}

// Connect begins connecting. Valid only when State() == Disconnected
// on a non-destroyed Client.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	if c.phase != Disconnected {
		c.mu.Unlock()
		return NewError(CodeInvalidState, fmt.Errorf("Connect called while %s", c.phase))
	}
	c.cancelConnectRetryTimerLocked()
	c.connectAttempt = 0
	c.beginConnectingEpisodeLocked()
	c.mu.Unlock()

	if err := c.sessionGuard.Connect(); err != nil {
		c.mu.Lock()
		c.phase = Disconnected
		c.cancelConnectTimeoutLocked()
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect tears the connection down. Valid only when
// State() != Disconnected on a non-destroyed Client. The eventual
// disconnect is reported to listeners with a nil error.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	if c.phase == Disconnected {
		c.mu.Unlock()
		return NewError(CodeInvalidState, fmt.Errorf("Disconnect called while already disconnected"))
	}
	c.mu.Unlock()
	return c.sessionGuard.Disconnect(nil)
}

// Destroy permanently disables the Client: any connecting or connected
// session is torn down, every outstanding action callback fires with
// CodeNotConnected, and every SubscriptionHandle reports Destroyed.
// Destroy is idempotent in the sense that calling it twice returns
// CodeDestroyed the second time; calling it while connecting or
// connected is permitted and cancels the in-progress episode.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	c.destroyed = true
	c.generation++
	c.cancelConnectTimeoutLocked()
	c.cancelConnectRetryTimerLocked()
	wasActive := c.phase != Disconnected
	c.phase = Disconnected
	actionCbs := c.drainActionsNotConnectedLocked()
	c.mu.Unlock()

	c.registry.destroyAll()

	for _, fn := range actionCbs {
		fn()
	}

	if wasActive {
		_ = c.sessionGuard.Disconnect(nil)
	}
	c.sessionGuard.Destroy()
	return nil
}

// Action invokes a server action. Argument validation errors are
// returned synchronously; a connectivity or server-side outcome is
// always delivered to cb, exactly once, never synchronously within
// this call.
func (c *Client) Action(name string, args map[string]any, cb func(result map[string]any, err error)) error {
	if name == "" {
		return NewError(CodeInvalidArgument, fmt.Errorf("action name must not be empty"))
	}
	if cb == nil {
		return NewError(CodeInvalidArgument, fmt.Errorf("action callback must not be nil"))
	}
	if err := validateJSONExpressible(args); err != nil {
		return err
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	if c.phase != Connected {
		c.mu.Unlock()
		c.queue.Defer(func() { cb(nil, NewError(CodeNotConnected, nil)) })
		return nil
	}

	id := c.nextActionID
	c.nextActionID++
	call := &actionCall{cb: cb}
	c.actionInFlight[id] = call
	if c.opts.ActionTimeoutMs > 0 {
		call.timer = time.AfterFunc(time.Duration(c.opts.ActionTimeoutMs)*time.Millisecond, func() {
			c.resolveActionTimeout(id)
		})
	}
	c.mu.Unlock()

	c.sessionGuard.Action(name, args, func(result map[string]any, err error) {
		c.resolveActionResponse(id, result, err)
	})
	return nil
}

func (c *Client) resolveActionTimeout(id uint64) {
	c.mu.Lock()
	call, ok := c.actionInFlight[id]
	if !ok || call.resolved {
		c.mu.Unlock()
		return
	}
	call.resolved = true
	delete(c.actionInFlight, id)
	c.mu.Unlock()
	call.cb(nil, NewError(CodeTimeout, nil))
}

func (c *Client) resolveActionResponse(id uint64, result map[string]any, err error) {
	c.mu.Lock()
	call, ok := c.actionInFlight[id]
	if !ok || call.resolved {
		c.mu.Unlock()
		return
	}
	call.resolved = true
	if call.timer != nil {
		call.timer.Stop()
	}
	delete(c.actionInFlight, id)
	c.mu.Unlock()
	call.cb(result, err)
}

// drainActionsNotConnectedLocked resolves every unresolved in-flight
// action with CodeNotConnected and returns the callbacks to invoke
// once the lock is released. Must be called with mu held.
func (c *Client) drainActionsNotConnectedLocked() []func() {
	var cbs []func()
	for id, call := range c.actionInFlight {
		if call.resolved {
			continue
		}
		call.resolved = true
		if call.timer != nil {
			call.timer.Stop()
		}
		cb := call.cb
		cbs = append(cbs, func() { cb(nil, NewError(CodeNotConnected, nil)) })
		delete(c.actionInFlight, id)
	}
	return cbs
}

// Feed returns a new SubscriptionHandle for fna on every call; handles
// for equal FeedNameArgs share one underlying feed entry, created on the
// first reference. The handle starts with desired state closed;
// callers call DesireOpen to request the feed be opened.
func (c *Client) Feed(fna FeedNameArgs) (*SubscriptionHandle, error) {
	if err := fna.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return nil, NewError(CodeDestroyed, nil)
	}
	return c.registry.handleFor(fna)
}

// --- internal timer management ---

// beginConnectingEpisodeLocked transitions to Connecting and arms the
// connect timeout, invalidating any timers from a prior episode. Must
// be called with mu held.
func (c *Client) beginConnectingEpisodeLocked() {
	c.generation++
	c.phase = Connecting
	c.armConnectTimeoutLocked()
}

func (c *Client) armConnectTimeoutLocked() {
	if c.opts.ConnectTimeoutMs <= 0 {
		return
	}
	gen := c.generation
	c.connectTimeoutTimer = time.AfterFunc(time.Duration(c.opts.ConnectTimeoutMs)*time.Millisecond, func() {
		c.onConnectTimeoutFire(gen)
	})
}

func (c *Client) cancelConnectTimeoutLocked() {
	if c.connectTimeoutTimer != nil {
		c.connectTimeoutTimer.Stop()
		c.connectTimeoutTimer = nil
	}
}

func (c *Client) cancelConnectRetryTimerLocked() {
	if c.connectRetryTimer != nil {
		c.connectRetryTimer.Stop()
		c.connectRetryTimer = nil
	}
}

func (c *Client) onConnectTimeoutFire(gen uint64) {
	c.mu.Lock()
	if c.destroyed || gen != c.generation || c.phase != Connecting {
		c.mu.Unlock()
		return
	}
	c.connectTimeoutTimer = nil
	c.mu.Unlock()
	// The ensuing OnDisconnect event drives retry scheduling; this call
	// only supplies the TIMEOUT classification.
	_ = c.sessionGuard.Disconnect(NewError(CodeTimeout, nil))
}

func (c *Client) armConnectRetryTimer(delayMs int) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	c.mu.Unlock()

	timer := time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		c.onConnectRetryTimerFire(gen)
	})

	c.mu.Lock()
	c.connectRetryTimer = timer
	c.mu.Unlock()
}

func (c *Client) onConnectRetryTimerFire(gen uint64) {
	c.mu.Lock()
	if c.destroyed || gen != c.generation || c.phase != Disconnected {
		c.mu.Unlock()
		return
	}
	c.connectRetryTimer = nil
	c.beginConnectingEpisodeLocked()
	c.mu.Unlock()

	if err := c.sessionGuard.Connect(); err != nil {
		c.mu.Lock()
		c.phase = Disconnected
		c.cancelConnectTimeoutLocked()
		c.mu.Unlock()
	}
}

// --- SessionListener: the coordinator's reaction to session events ---

func (c *Client) OnConnecting() {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.notify(func(l Listener) {
		if l.OnConnecting != nil {
			l.OnConnecting()
		}
	})
}

func (c *Client) OnConnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.cancelConnectTimeoutLocked()
	c.connectAttempt = 0
	c.phase = Connected
	c.mu.Unlock()

	c.registry.onConnected()

	c.notify(func(l Listener) {
		if l.OnConnect != nil {
			l.OnConnect()
		}
	})
}

func (c *Client) OnDisconnect(err error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	wasPhase := c.phase
	c.cancelConnectTimeoutLocked()
	c.generation++

	shouldRetry := false
	immediate := false
	retryDelayMs := 0

	if err != nil {
		code, _ := CodeOf(err)
		switch {
		case code == CodeHandshakeRejected:
			// terminal: no retry
		case (code == CodeTimeout || code == CodeTransportFailure) && wasPhase == Connecting:
			c.connectAttempt++
			if !c.opts.retryAttemptsExhausted(c.connectAttempt) {
				shouldRetry = true
				retryDelayMs = c.opts.connectRetryDelayMs(c.connectAttempt)
			}
		case code == CodeTransportFailure && wasPhase == Connected && c.opts.Reconnect:
			shouldRetry = true
			immediate = true
		}
	}

	c.phase = Disconnected
	actionCbs := c.drainActionsNotConnectedLocked()
	c.mu.Unlock()

	c.registry.onDisconnected()

	for _, fn := range actionCbs {
		fn()
	}

	c.notify(func(l Listener) {
		if l.OnDisconnect != nil {
			l.OnDisconnect(err)
		}
	})

	if !shouldRetry {
		return
	}
	if immediate {
		c.mu.Lock()
		if c.destroyed || c.phase != Disconnected {
			c.mu.Unlock()
			return
		}
		c.beginConnectingEpisodeLocked()
		c.mu.Unlock()
		if cerr := c.sessionGuard.Connect(); cerr != nil {
			c.mu.Lock()
			c.phase = Disconnected
			c.cancelConnectTimeoutLocked()
			c.mu.Unlock()
		}
		return
	}
	c.armConnectRetryTimer(retryDelayMs)
}

func (c *Client) OnFeedAction(fna FeedNameArgs, actionName string, actionArgs, newData, oldData map[string]any) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.registry.onFeedAction(fna, actionName, actionArgs, newData, oldData)
}

func (c *Client) OnUnexpectedFeedClosing(fna FeedNameArgs, err error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.registry.onUnexpectedFeedClosing(fna, err)
}

func (c *Client) OnUnexpectedFeedClosed(fna FeedNameArgs, err error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.registry.onUnexpectedFeedClosed(fna, err)
}

func (c *Client) OnBadServerMessage(err error) {
	c.notify(func(l Listener) {
		if l.OnBadServerMessage != nil {
			l.OnBadServerMessage(err)
		}
	})
}

func (c *Client) OnBadClientMessage(diag string) {
	c.notify(func(l Listener) {
		if l.OnBadClientMessage != nil {
			l.OnBadClientMessage(diag)
		}
	})
}

func (c *Client) OnTransportError(err *Error) {
	c.notify(func(l Listener) {
		if l.OnTransportError != nil {
			l.OnTransportError(err)
		}
	})
}

func (c *Client) notify(fn func(l Listener)) {
	for _, l := range c.listeners.each() {
		fn(l)
	}
}

// validateJSONExpressible rejects values that cannot be encoded as
// JSON using the map[string]any/[]any/string/bool/nil model plus the
// numeric types float64, float32, int, int32 and int64: any other
// concrete type, or a cyclic map/slice reachable from v.
func validateJSONExpressible(v any) error {
	seen := make(map[any]bool)
	var walk func(v any) error
	walk = func(v any) error {
		switch t := v.(type) {
		case nil, bool, string, float64, int, int32, int64, float32:
			return nil
		case map[string]any:
			key := mapKey(t)
			if seen[key] {
				return NewError(CodeInvalidArgument, fmt.Errorf("cyclic value"))
			}
			seen[key] = true
			defer delete(seen, key)
			for _, vv := range t {
				if err := walk(vv); err != nil {
					return err
				}
			}
			return nil
		case []any:
			if len(t) > 0 {
				key := &t[0]
				if seen[key] {
					return NewError(CodeInvalidArgument, fmt.Errorf("cyclic value"))
				}
				seen[key] = true
				defer delete(seen, key)
			}
			for _, vv := range t {
				if err := walk(vv); err != nil {
					return err
				}
			}
			return nil
		default:
			return NewError(CodeInvalidArgument, fmt.Errorf("value of type %T is not JSON-expressible", v))
		}
	}
	return walk(v)
}

// mapKey returns a comparable identity for a map value, usable as a
// map[any]bool key for cycle detection.
func mapKey(m map[string]any) any {
	return fmt.Sprintf("%p", m)
}
