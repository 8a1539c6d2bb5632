// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build go1.25

package feedme

import (
	"testing"
	"testing/synctest"
)

func TestFeedOpenLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)
		connectClient(t, c, fs)

		fna := FeedNameArgs{Name: "chat", Args: map[string]string{"room": "lobby"}}
		h, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}

		var opening, opened bool
		var data map[string]any
		h.AddListener(FeedListener{
			OnOpening: func() { opening = true },
			OnOpen:    func(d map[string]any) { opened = true; data = d },
		})

		if err := h.DesireOpen(); err != nil {
			t.Fatalf("DesireOpen: %v", err)
		}
		synctest.Wait()

		if !opening {
			t.Fatalf("OnOpening never fired")
		}
		if got := h.State(); got != HandleOpening {
			t.Fatalf("State() = %v, want %v", got, HandleOpening)
		}

		fs.ResolveFeedOpen(map[string]any{"messages": []any{}}, nil)
		synctest.Wait()

		if !opened {
			t.Fatalf("OnOpen never fired")
		}
		if got := h.State(); got != HandleOpen {
			t.Fatalf("State() = %v, want %v", got, HandleOpen)
		}
		if data == nil {
			t.Fatalf("OnOpen data = nil")
		}

		gotData, err := h.Data()
		if err != nil {
			t.Fatalf("Data: %v", err)
		}
		if gotData["messages"] == nil {
			t.Fatalf("Data() missing messages key: %v", gotData)
		}
	})
}

func TestFeedSharedAcrossHandles(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)
		connectClient(t, c, fs)

		fna := FeedNameArgs{Name: "chat", Args: map[string]string{"room": "lobby"}}
		h1, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed h1: %v", err)
		}
		h2, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed h2: %v", err)
		}

		if err := h1.DesireOpen(); err != nil {
			t.Fatalf("h1.DesireOpen: %v", err)
		}
		synctest.Wait()
		fs.ResolveFeedOpen(map[string]any{}, nil)
		synctest.Wait()

		var h2Opening, h2Opened bool
		var h2Data map[string]any
		h2.AddListener(FeedListener{
			OnOpening: func() { h2Opening = true },
			OnOpen:    func(d map[string]any) { h2Opened = true; h2Data = d },
		})

		if err := h2.DesireOpen(); err != nil {
			t.Fatalf("h2.DesireOpen: %v", err)
		}
		synctest.Wait()
		if got := h2.State(); got != HandleOpen {
			t.Fatalf("h2.State() = %v, want %v (feed already open)", got, HandleOpen)
		}
		// h2 joined a fingerprint that was already open; it must still see
		// its own opening/open events even though no new session request
		// was issued.
		if !h2Opening {
			t.Fatalf("h2 OnOpening never fired when joining an already-open feed")
		}
		if !h2Opened {
			t.Fatalf("h2 OnOpen never fired when joining an already-open feed")
		}
		if h2Data == nil {
			t.Fatalf("h2 OnOpen data = nil")
		}

		// h1 closing with h2 still desiring open must not close the feed.
		if err := h1.DesireClosed(); err != nil {
			t.Fatalf("h1.DesireClosed: %v", err)
		}
		synctest.Wait()
		if got := h2.State(); got != HandleOpen {
			t.Fatalf("h2.State() after h1 closed = %v, want %v", got, HandleOpen)
		}

		if err := h2.DesireClosed(); err != nil {
			t.Fatalf("h2.DesireClosed: %v", err)
		}
		synctest.Wait()
		if got := h2.State(); got != HandleClosed {
			t.Fatalf("h2.State() after both closed = %v, want %v", got, HandleClosed)
		}
	})
}

func TestFeedDestroyHandle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)
		connectClient(t, c, fs)

		fna := FeedNameArgs{Name: "chat", Args: nil}
		h, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if err := h.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if !h.Destroyed() {
			t.Fatalf("Destroyed() = false after Destroy")
		}
		if err := h.DesireOpen(); err == nil {
			t.Fatalf("DesireOpen on destroyed handle = nil, want error")
		} else if code, _ := CodeOf(err); code != CodeDestroyed {
			t.Fatalf("DesireOpen code = %v, want %v", code, CodeDestroyed)
		}
	})
}

func TestClientDestroyDestroysHandles(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)
		connectClient(t, c, fs)

		fna := FeedNameArgs{Name: "chat", Args: nil}
		h, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if err := c.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if !h.Destroyed() {
			t.Fatalf("handle Destroyed() = false after Client.Destroy")
		}
	})
}

func TestFeedUnexpectedCloseNotConnected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c, _, fs := newTestClient(t, nil)
		connectClient(t, c, fs)

		fna := FeedNameArgs{Name: "chat", Args: nil}
		h, err := c.Feed(fna)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if err := h.DesireOpen(); err != nil {
			t.Fatalf("DesireOpen: %v", err)
		}
		synctest.Wait()
		fs.ResolveFeedOpen(map[string]any{}, nil)
		synctest.Wait()

		var closeErr error
		closed := false
		h.AddListener(FeedListener{OnClose: func(err error) { closed = true; closeErr = err }})

		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		fs.SimulateDisconnect(nil)
		synctest.Wait()

		if !closed {
			t.Fatalf("OnClose never fired on disconnect")
		}
		if code, _ := CodeOf(closeErr); code != CodeNotConnected {
			t.Fatalf("OnClose error code = %v, want %v", code, CodeNotConnected)
		}
	})
}
