// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build go1.25

package feedme

import (
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/aarong/feedme-client-go/internal/feedmetest"
)

func newTestClient(t *testing.T, opts *Options) (*Client, *feedmetest.FakeTransport, *feedmetest.FakeSession) {
	t.Helper()
	ft := feedmetest.NewFakeTransport()
	fs := feedmetest.NewFakeSession()
	c, err := NewClient(ft, func(tr Transport) (Session, error) { return fs, nil }, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, ft, fs
}

func TestClientConnectDisconnectLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)

		var events []string
		c.AddListener(Listener{
			OnConnecting: func() { events = append(events, "connecting") },
			OnConnect:    func() { events = append(events, "connect") },
			OnDisconnect: func(err error) { events = append(events, "disconnect") },
		})

		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got := c.State(); got != Connecting {
			t.Fatalf("State() after Connect = %v, want %v", got, Connecting)
		}

		fs.SimulateConnecting()
		fs.SimulateConnect()
		synctest.Wait()

		if got := c.State(); got != Connected {
			t.Fatalf("State() = %v, want %v", got, Connected)
		}
		if want := []string{"connecting", "connect"}; !slices.Equal(events, want) {
			t.Fatalf("events = %v, want %v", events, want)
		}

		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		fs.SimulateDisconnect(nil)
		synctest.Wait()

		if got := c.State(); got != Disconnected {
			t.Fatalf("State() = %v, want %v", got, Disconnected)
		}
		if want := []string{"connecting", "connect", "disconnect"}; !slices.Equal(events, want) {
			t.Fatalf("events = %v, want %v", events, want)
		}
	})
}

func TestClientConnectWhileConnectingRejected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, _ := newTestClient(t, nil)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		err := c.Connect()
		if code, _ := CodeOf(err); code != CodeInvalidState {
			t.Fatalf("second Connect() code = %v, want %v", code, CodeInvalidState)
		}
	})
}

func TestClientConnectTimeoutRetries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		opts := DefaultOptions()
		opts.ConnectTimeoutMs = 1000
		opts.ConnectRetryMs = 500
		opts.ConnectRetryBackoffMs = 0
		opts.ConnectRetryMaxMs = 500
		opts.ConnectRetryMaxAttempts = -1

		c, _, fs := newTestClient(t, &opts)

		var disconnects, connectings int
		c.AddListener(Listener{
			OnConnecting: func() { connectings++ },
			OnDisconnect: func(err error) { disconnects++ },
		})

		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		fs.SimulateConnecting()
		synctest.Wait()

		// Let the connect timeout fire.
		time.Sleep(1100 * time.Millisecond)
		synctest.Wait()
		if code, _ := CodeOf(fs.LastDisconnectCause); code != CodeTimeout {
			t.Fatalf("disconnect cause code = %v, want %v", code, CodeTimeout)
		}
		// The fake session only records the cause; relay it as the
		// session's disconnect event.
		fs.SimulateDisconnect(fs.LastDisconnectCause)
		synctest.Wait()
		if disconnects != 1 {
			t.Fatalf("disconnects after timeout = %d, want 1", disconnects)
		}

		// The retry timer should fire ~500ms later and re-issue connect.
		time.Sleep(600 * time.Millisecond)
		synctest.Wait()

		if got := c.State(); got != Connecting {
			t.Fatalf("State() after retry = %v, want %v", got, Connecting)
		}
		fs.SimulateConnecting()
		synctest.Wait()
		if connectings != 2 {
			t.Fatalf("connectings = %d, want 2 (initial + retry)", connectings)
		}
	})
}

func TestClientDestroyWhileConnecting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, _ := newTestClient(t, nil)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := c.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if !c.Destroyed() {
			t.Fatalf("Destroyed() = false after Destroy")
		}
		if got := c.State(); got != Disconnected {
			t.Fatalf("State() after Destroy = %v, want %v", got, Disconnected)
		}
		if err := c.Destroy(); err == nil {
			t.Fatalf("second Destroy() = nil, want CodeDestroyed")
		} else if code, _ := CodeOf(err); code != CodeDestroyed {
			t.Fatalf("second Destroy() code = %v, want %v", code, CodeDestroyed)
		}
	})
}

func TestClientActionNotConnected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, _ := newTestClient(t, nil)

		var gotErr error
		called := false
		if err := c.Action("greet", nil, func(result map[string]any, err error) {
			called = true
			gotErr = err
		}); err != nil {
			t.Fatalf("Action: %v", err)
		}
		synctest.Wait()

		if !called {
			t.Fatalf("action callback never called")
		}
		if code, _ := CodeOf(gotErr); code != CodeNotConnected {
			t.Fatalf("action error code = %v, want %v", code, CodeNotConnected)
		}
	})
}

func TestClientActionSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)
		connectClient(t, c, fs)

		var result map[string]any
		var gotErr error
		if err := c.Action("greet", map[string]any{"name": "ada"}, func(r map[string]any, err error) {
			result, gotErr = r, err
		}); err != nil {
			t.Fatalf("Action: %v", err)
		}
		synctest.Wait()
		fs.ResolveAction(map[string]any{"message": "hi ada"}, nil)
		synctest.Wait()

		if gotErr != nil {
			t.Fatalf("action error = %v, want nil", gotErr)
		}
		if result["message"] != "hi ada" {
			t.Fatalf("result = %v, want message=hi ada", result)
		}
	})
}

func TestClientActionTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		opts := DefaultOptions()
		opts.ActionTimeoutMs = 500
		c, _, fs := newTestClient(t, &opts)
		connectClient(t, c, fs)

		var gotErr error
		if err := c.Action("greet", nil, func(r map[string]any, err error) {
			gotErr = err
		}); err != nil {
			t.Fatalf("Action: %v", err)
		}

		time.Sleep(600 * time.Millisecond)
		synctest.Wait()

		if code, _ := CodeOf(gotErr); code != CodeTimeout {
			t.Fatalf("action error code = %v, want %v", code, CodeTimeout)
		}

		// A late response after the timeout must be dropped, not double
		// deliver the callback.
		fs.ResolveAction(map[string]any{"message": "too late"}, nil)
		synctest.Wait()
	})
}

func TestClientActionInvalidArgument(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, _ := newTestClient(t, nil)
		err := c.Action("", nil, func(map[string]any, error) {})
		if code, _ := CodeOf(err); code != CodeInvalidArgument {
			t.Fatalf("empty name code = %v, want %v", code, CodeInvalidArgument)
		}

		err = c.Action("greet", nil, nil)
		if code, _ := CodeOf(err); code != CodeInvalidArgument {
			t.Fatalf("nil callback code = %v, want %v", code, CodeInvalidArgument)
		}

		err = c.Action("greet", map[string]any{"bad": make(chan int)}, func(map[string]any, error) {})
		if code, _ := CodeOf(err); code != CodeInvalidArgument {
			t.Fatalf("non-JSON arg code = %v, want %v", code, CodeInvalidArgument)
		}
	})
}

// connectClient drives c through Connect/Connecting/Connect events to
// Connected, using fs's simulate methods, waiting for delivery.
func connectClient(t *testing.T, c *Client, fs *feedmetest.FakeSession) {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fs.SimulateConnecting()
	fs.SimulateConnect()
	synctest.Wait()
	if got := c.State(); got != Connected {
		t.Fatalf("State() = %v, want %v", got, Connected)
	}
}
