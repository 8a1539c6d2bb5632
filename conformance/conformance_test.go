// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build go1.25

// Package conformance replays the end-to-end scenarios documented in
// conformance/testdata against the fake Transport/Session pair and
// checks the resulting application-visible event trace, the same way
// the teacher checks protocol behavior against golden txtar fixtures.
package conformance

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/tools/txtar"

	feedme "github.com/aarong/feedme-client-go"
	"github.com/aarong/feedme-client-go/internal/feedmetest"
)

// trace is an append-only, concurrency-safe log of application-visible
// events.
type trace struct {
	mu   sync.Mutex
	rows []string
}

func (tr *trace) add(row string) {
	tr.mu.Lock()
	tr.rows = append(tr.rows, row)
	tr.mu.Unlock()
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.rows...)
}

func newTestClient(t *testing.T, opts *feedme.Options) (*feedme.Client, *feedmetest.FakeSession) {
	t.Helper()
	ft := feedmetest.NewFakeTransport()
	fs := feedmetest.NewFakeSession()
	c, err := feedme.NewClient(ft, func(tr feedme.Transport) (feedme.Session, error) { return fs, nil }, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, fs
}

func codeString(err error) string {
	if err == nil {
		return "ok"
	}
	code, ok := feedme.CodeOf(err)
	if !ok {
		return "err"
	}
	return string(code)
}

// description loads the human-readable scenario write-up stored
// alongside the test so the behavior under assertion always has a
// narrative fixture next to it, the way the teacher's conformance
// tests pair a txtar archive with each table entry.
func description(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name+".txtar"))
	if err != nil {
		t.Fatalf("reading scenario fixture: %v", err)
	}
	ar := txtar.Parse(data)
	return strings.TrimSpace(string(ar.Comment))
}

// TestScenarioConnectTimeoutThenRetry grounds scenario S1: a connect
// attempt that never completes is torn down by the connect timeout and
// retried on a backoff timer.
func TestScenarioConnectTimeoutThenRetry(t *testing.T) {
	name := "s1_connect_timeout_then_retry"
	t.Log(description(t, name))

	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		opts := feedme.DefaultOptions()
		opts.ConnectTimeoutMs = 5000
		opts.ConnectRetryMs = 1000
		opts.ConnectRetryBackoffMs = 0
		opts.ConnectRetryMaxMs = 1000

		c, fs := newTestClient(t, &opts)
		c.AddListener(feedme.Listener{
			OnConnecting: func() { tr.add("connecting") },
			OnDisconnect: func(err error) { tr.add("disconnect:" + codeString(err)) },
		})

		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		fs.SimulateConnecting()
		synctest.Wait()

		time.Sleep(5001 * time.Millisecond)
		synctest.Wait()
		fs.SimulateDisconnect(fs.LastDisconnectCause)
		synctest.Wait()

		time.Sleep(1001 * time.Millisecond)
		synctest.Wait()
		fs.SimulateConnecting()
		synctest.Wait()

		want := []string{"connecting", "disconnect:TIMEOUT", "connecting"}
		if diff := cmp.Diff(want, tr.snapshot()); diff != "" {
			t.Errorf("trace mismatch (-want +got):\n%s", diff)
		}
		if got := c.State(); got != feedme.Connecting {
			t.Fatalf("State() after retry = %v, want Connecting", got)
		}
	})
}

// TestScenarioActionTimeoutThenLateResponse grounds scenario S3: an
// action call that times out must deliver CodeTimeout exactly once,
// and a response arriving after the timeout must be silently dropped.
func TestScenarioActionTimeoutThenLateResponse(t *testing.T) {
	name := "s3_action_timeout_then_late_response"
	t.Log(description(t, name))

	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		opts := feedme.DefaultOptions()
		opts.ActionTimeoutMs = 2000

		c, fs := newTestClient(t, &opts)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		fs.SimulateConnecting()
		fs.SimulateConnect()
		synctest.Wait()

		if err := c.Action("a", map[string]any{}, func(result map[string]any, err error) {
			tr.add("action:" + codeString(err))
		}); err != nil {
			t.Fatalf("Action: %v", err)
		}

		time.Sleep(2001 * time.Millisecond)
		synctest.Wait()

		// Late response must not produce a second callback invocation.
		fs.ResolveAction(map[string]any{"ok": true}, nil)
		synctest.Wait()

		want := []string{"action:TIMEOUT"}
		if diff := cmp.Diff(want, tr.snapshot()); diff != "" {
			t.Errorf("trace mismatch (-want +got):\n%s", diff)
		}
	})
}

// TestScenarioDesireClosedCancelsInFlightOpen grounds scenario S5: a
// handle that calls DesireClosed while its feed is opening closes
// immediately without waiting for the in-flight open to resolve, and
// when that open resolves successfully with no handle wanting it
// open, the registry immediately issues a close to tidy up.
func TestScenarioDesireClosedCancelsInFlightOpen(t *testing.T) {
	name := "s5_desire_closed_cancels_in_flight_open"
	t.Log(description(t, name))

	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		c, fs := newTestClient(t, nil)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		fs.SimulateConnecting()
		fs.SimulateConnect()
		synctest.Wait()

		fna := feedme.FeedNameArgs{Name: "chat", Args: nil}
		h, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		h.AddListener(feedme.FeedListener{
			OnOpening: func() { tr.add("feed:opening") },
			OnOpen:    func(map[string]any) { tr.add("feed:open") },
			OnClose:   func(err error) { tr.add("feed:close:" + codeString(err)) },
		})

		if err := h.DesireOpen(); err != nil {
			t.Fatalf("DesireOpen: %v", err)
		}
		synctest.Wait()

		if err := h.DesireClosed(); err != nil {
			t.Fatalf("DesireClosed: %v", err)
		}
		synctest.Wait()

		fs.ResolveFeedOpen(map[string]any{"x": 1.0}, nil)
		synctest.Wait()

		want := []string{"feed:opening", "feed:close:ok"}
		if diff := cmp.Diff(want, tr.snapshot()); diff != "" {
			t.Errorf("trace mismatch (-want +got):\n%s", diff)
		}
		if got := h.State(); got != feedme.HandleClosed {
			t.Fatalf("State() = %v, want HandleClosed", got)
		}
	})
}

// TestScenarioActionBeforeDisconnect grounds scenario S6: an action
// resolved on the same turn as a disconnect must deliver its callback
// before the disconnect event, per the session guard's
// actions-before-disconnect flush ordering.
func TestScenarioActionBeforeDisconnect(t *testing.T) {
	name := "s6_action_before_disconnect"
	t.Log(description(t, name))

	synctest.Test(t, func(t *testing.T) {
		tr := &trace{}
		c, fs := newTestClient(t, nil)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		fs.SimulateConnecting()
		fs.SimulateConnect()
		synctest.Wait()

		c.AddListener(feedme.Listener{
			OnDisconnect: func(err error) { tr.add("disconnect:" + codeString(err)) },
		})

		if err := c.Action("a", map[string]any{}, func(result map[string]any, err error) {
			tr.add("action:" + codeString(err))
		}); err != nil {
			t.Fatalf("Action: %v", err)
		}

		fs.ResolveAction(map[string]any{}, nil)
		fs.SimulateDisconnect(feedme.NewError(feedme.CodeTransportFailure, nil))
		synctest.Wait()

		want := []string{"action:ok", "disconnect:TRANSPORT_FAILURE"}
		if diff := cmp.Diff(want, tr.snapshot()); diff != "" {
			t.Errorf("trace mismatch (-want +got):\n%s", diff)
		}
	})
}
