// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transportws provides a reference feedme.Transport over a
// WebSocket connection, suitable for talking to a Feedme server and
// for examples and conformance tests.
package transportws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	feedme "github.com/aarong/feedme-client-go"
)

// Credential attaches authentication material to an outbound connect
// attempt, re-evaluated on every reconnect.
type Credential interface {
	// Apply sets whatever headers are needed on header before dialing.
	Apply(ctx context.Context, header http.Header) error
}

// TokenSourceCredential attaches a bearer token minted by an
// oauth2.TokenSource, refreshed automatically before each dial.
type TokenSourceCredential struct {
	Source oauth2.TokenSource
}

func (c TokenSourceCredential) Apply(ctx context.Context, header http.Header) error {
	tok, err := c.Source.Token()
	if err != nil {
		return fmt.Errorf("transportws: refreshing token: %w", err)
	}
	header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

// StaticJWTCredential signs a fresh JWT with the given signing key and
// claims on every dial, for deployments that hold a private key
// directly rather than delegating to an external token source.
type StaticJWTCredential struct {
	SigningMethod jwt.SigningMethod
	Key           any
	Claims        jwt.Claims
}

func (c StaticJWTCredential) Apply(ctx context.Context, header http.Header) error {
	tok := jwt.NewWithClaims(c.SigningMethod, c.Claims)
	signed, err := tok.SignedString(c.Key)
	if err != nil {
		return fmt.Errorf("transportws: signing jwt: %w", err)
	}
	header.Set("Authorization", "Bearer "+signed)
	return nil
}

// Options configures a Transport.
type Options struct {
	// URL is the WebSocket server URL ("ws://" or "wss://").
	URL string
	// Dialer is used to establish the connection. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
	// Header carries additional headers sent with the upgrade request.
	Header http.Header
	// Credential, if set, is applied to a copy of Header before every
	// dial attempt.
	Credential Credential
	// DialTimeout bounds a single dial attempt. Zero means no timeout
	// beyond the Dialer's own defaults.
	DialTimeout time.Duration
	// DialRateLimit, if non-nil, caps how often Connect may actually
	// dial out, independent of and in addition to the Coordinator's own
	// connect backoff — defense in depth against a misconfigured
	// connectRetryMs of zero driving a dial loop.
	DialRateLimit *rate.Limiter
}

// Transport is a feedme.Transport backed by a WebSocket connection. It
// is long-lived and reusable across repeated Connect/Disconnect
// cycles, unlike a one-shot MCP client transport.
type Transport struct {
	opts Options

	mu       sync.Mutex
	state    feedme.ConnectionState
	listener feedme.TransportListener
	conn     *websocket.Conn
	closeErr error
}

// New constructs a Transport in the Disconnected state.
func New(opts Options) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Transport{opts: opts, state: feedme.Disconnected}
}

func (t *Transport) State() feedme.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) SetListener(l feedme.TransportListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Connect dials the server in the background and reports Connecting
// immediately, Connected or Disconnected (via OnDisconnect) once the
// dial resolves.
func (t *Transport) Connect() error {
	if t.opts.DialRateLimit != nil && !t.opts.DialRateLimit.Allow() {
		return fmt.Errorf("transportws: dial rate limit exceeded")
	}

	t.mu.Lock()
	t.state = feedme.Connecting
	listener := t.listener
	t.mu.Unlock()

	if listener != nil {
		listener.OnConnecting()
	}

	go t.dial(listener)
	return nil
}

func (t *Transport) dial(listener feedme.TransportListener) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if t.opts.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	header := http.Header{}
	for k, vs := range t.opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if t.opts.Credential != nil {
		if err := t.opts.Credential.Apply(ctx, header); err != nil {
			t.fail(listener, err)
			return
		}
	}

	conn, resp, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("transportws: dial failed: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("transportws: dial failed: %w", err)
		}
		t.fail(listener, err)
		return
	}

	t.mu.Lock()
	if t.state != feedme.Connecting {
		// Disconnect() raced us while dialing; close what we just opened
		// and say nothing further.
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.state = feedme.Connected
	t.mu.Unlock()

	if listener != nil {
		listener.OnConnect()
	}
	go t.readPump(conn, listener)
}

func (t *Transport) fail(listener feedme.TransportListener, err error) {
	t.mu.Lock()
	t.state = feedme.Disconnected
	t.mu.Unlock()
	if listener != nil {
		listener.OnDisconnect(err)
	}
}

func (t *Transport) readPump(conn *websocket.Conn, listener feedme.TransportListener) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			already := t.state != feedme.Connected
			t.state = feedme.Disconnected
			closeErr := t.closeErr
			t.closeErr = nil
			t.mu.Unlock()
			if already {
				return
			}
			if listener != nil {
				if closeErr != nil {
					listener.OnDisconnect(closeErr)
				} else {
					listener.OnDisconnect(fmt.Errorf("transportws: read error: %w", err))
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if listener != nil {
			listener.OnMessage(string(data))
		}
	}
}

func (t *Transport) Send(msg string) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()
	if state != feedme.Connected || conn == nil {
		return fmt.Errorf("transportws: Send called while not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (t *Transport) Disconnect(err error) error {
	t.mu.Lock()
	conn := t.conn
	t.closeErr = err
	t.state = feedme.Disconnected
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
