// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package sessionwire provides a reference feedme.Session: a minimal
// line-delimited JSON wire protocol for actions, feed opens/closes,
// and feed deltas. It is a reference/example implementation — the
// core feedme package treats Session as an opaque interface and never
// imports this package.
package sessionwire

import (
	"fmt"
	"sync"

	segjson "github.com/segmentio/encoding/json"
	"github.com/google/jsonschema-go/jsonschema"

	feedme "github.com/aarong/feedme-client-go"
	"github.com/aarong/feedme-client-go/internal/wireproto"
)

// handshakeSchema structurally validates the server's handshake frame
// before the session trusts it: type "handshake" and a version string.
// The schema itself allows extra properties; handleHandshake's strict
// decode rejects any field beyond those two.
var handshakeSchema = func() *jsonschema.Resolved {
	var schema jsonschema.Schema
	if err := segjson.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"type": {"const": "handshake"},
			"version": {"type": "string"}
		},
		"required": ["type", "version"]
	}`), &schema); err != nil {
		panic(fmt.Sprintf("sessionwire: invalid embedded handshake schema: %v", err))
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		panic(fmt.Sprintf("sessionwire: resolving handshake schema: %v", err))
	}
	return resolved
}()

type frameEnvelope struct {
	Type string `json:"type"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) toError() error {
	if e == nil {
		return nil
	}
	return feedme.NewError(feedme.ErrorCode(e.Code), fmt.Errorf("%s", e.Message))
}

type actionFrame struct {
	Type string         `json:"type"`
	ID   uint64         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type actionResponseFrame struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id"`
	Result map[string]any  `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type feedOpenFrame struct {
	Type     string            `json:"type"`
	ID       uint64            `json:"id"`
	FeedName string            `json:"feedName"`
	FeedArgs map[string]string `json:"feedArgs"`
}

type feedCloseFrame struct {
	Type     string            `json:"type"`
	ID       uint64            `json:"id"`
	FeedName string            `json:"feedName"`
	FeedArgs map[string]string `json:"feedArgs"`
}

type feedOpenResponseFrame struct {
	Type string         `json:"type"`
	ID   uint64         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
	Error *wireError    `json:"error,omitempty"`
}

type feedCloseResponseFrame struct {
	Type  string     `json:"type"`
	ID    uint64     `json:"id"`
	Error *wireError `json:"error,omitempty"`
}

type feedActionFrame struct {
	Type       string            `json:"type"`
	FeedName   string            `json:"feedName"`
	FeedArgs   map[string]string `json:"feedArgs"`
	ActionName string            `json:"actionName"`
	ActionArgs map[string]any    `json:"actionArgs"`
	NewData    map[string]any    `json:"newData"`
	OldData    map[string]any    `json:"oldData"`
}

type feedClosedFrame struct {
	Type     string            `json:"type"`
	FeedName string            `json:"feedName"`
	FeedArgs map[string]string `json:"feedArgs"`
	Error    *wireError        `json:"error,omitempty"`
}

type badClientMessageFrame struct {
	Type       string `json:"type"`
	Diagnostic string `json:"diagnostic"`
}

type feedRecord struct {
	state feedme.FeedState
	data  map[string]any
}

// Session implements feedme.Session over a line-delimited JSON wire
// protocol carried by a feedme.Transport (always the Client's internal
// TransportGuard, per feedme.NewSession).
type Session struct {
	transport feedme.Transport

	mu       sync.Mutex
	listener feedme.SessionListener
	nextID   uint64
	pendingActions   map[uint64]func(result map[string]any, err error)
	pendingFeedOpens map[uint64]func(data map[string]any, err error)
	pendingFeedCloses map[uint64]func(err error)
	feeds    map[string]*feedRecord
	destroyed bool
}

// New constructs the feedme.NewSession adapter for feedme.NewClient.
func New(t feedme.Transport) (feedme.Session, error) {
	s := &Session{
		transport:         t,
		pendingActions:    make(map[uint64]func(result map[string]any, err error)),
		pendingFeedOpens:  make(map[uint64]func(data map[string]any, err error)),
		pendingFeedCloses: make(map[uint64]func(err error)),
		feeds:             make(map[string]*feedRecord),
	}
	t.SetListener(s)
	return s, nil
}

func (s *Session) SetListener(l feedme.SessionListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Session) State() feedme.ConnectionState { return s.transport.State() }

func (s *Session) Connect() error { return s.transport.Connect() }

// Disconnect tears the underlying transport down and reports cause to
// the session's own listener directly: a self-initiated teardown never
// produces a matching transport-level OnDisconnect (see transportws),
// so the session, not the transport, is the source of this event.
func (s *Session) Disconnect(cause error) error {
	err := s.transport.Disconnect(cause)
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnDisconnect(cause)
	}
	return err
}

func (s *Session) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) FeedState(fna feedme.FeedNameArgs) feedme.FeedState {
	fp, err := fna.Fingerprint()
	if err != nil {
		return feedme.FeedClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.feeds[fp]
	if !ok {
		return feedme.FeedClosed
	}
	return rec.state
}

func (s *Session) FeedData(fna feedme.FeedNameArgs) (map[string]any, error) {
	fp, err := fna.Fingerprint()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.feeds[fp]
	if !ok || rec.state != feedme.FeedOpen {
		return nil, feedme.NewError(feedme.CodeInvalidFeedState, nil)
	}
	return rec.data, nil
}

func (s *Session) Action(name string, args map[string]any, cb func(result map[string]any, err error)) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.pendingActions[id] = cb
	s.mu.Unlock()

	frame := actionFrame{Type: "action", ID: id, Name: name, Args: args}
	s.send(frame, func(err error) {
		if err == nil {
			return
		}
		s.mu.Lock()
		delete(s.pendingActions, id)
		s.mu.Unlock()
		cb(nil, err)
	})
}

func (s *Session) FeedOpen(fna feedme.FeedNameArgs, cb func(data map[string]any, err error)) {
	fp, err := fna.Fingerprint()
	if err != nil {
		cb(nil, err)
		return
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.pendingFeedOpens[id] = cb
	rec := s.feedRecordLocked(fp)
	rec.state = feedme.FeedOpening
	s.mu.Unlock()

	frame := feedOpenFrame{Type: "feedOpen", ID: id, FeedName: fna.Name, FeedArgs: fna.Args}
	s.send(frame, func(sendErr error) {
		if sendErr == nil {
			return
		}
		s.mu.Lock()
		delete(s.pendingFeedOpens, id)
		s.mu.Unlock()
		cb(nil, sendErr)
	})
}

func (s *Session) FeedClose(fna feedme.FeedNameArgs, cb func(err error)) {
	fp, err := fna.Fingerprint()
	if err != nil {
		cb(err)
		return
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.pendingFeedCloses[id] = cb
	rec := s.feedRecordLocked(fp)
	rec.state = feedme.FeedClosing
	s.mu.Unlock()

	frame := feedCloseFrame{Type: "feedClose", ID: id, FeedName: fna.Name, FeedArgs: fna.Args}
	s.send(frame, func(sendErr error) {
		if sendErr == nil {
			return
		}
		s.mu.Lock()
		delete(s.pendingFeedCloses, id)
		s.mu.Unlock()
		cb(sendErr)
	})
}

func (s *Session) feedRecordLocked(fp string) *feedRecord {
	rec, ok := s.feeds[fp]
	if !ok {
		rec = &feedRecord{state: feedme.FeedClosed}
		s.feeds[fp] = rec
	}
	return rec
}

func (s *Session) send(v any, done func(err error)) {
	data, err := segjson.Marshal(v)
	if err != nil {
		done(fmt.Errorf("sessionwire: encoding frame: %w", err))
		return
	}
	done(s.transport.Send(string(data)))
}

// --- feedme.TransportListener: events from the underlying transport ---

func (s *Session) OnConnecting() {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnConnecting()
	}
}

func (s *Session) OnConnect() {
	// The session waits for the server's handshake frame before
	// reporting itself connected; see OnMessage.
}

func (s *Session) OnTransportError(err *feedme.Error) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnTransportError(err)
	}
}

func (s *Session) OnDisconnect(cause error) {
	s.mu.Lock()
	actionCbs := make([]func(), 0, len(s.pendingActions))
	for id, cb := range s.pendingActions {
		delete(s.pendingActions, id)
		actionCbs = append(actionCbs, func() { cb(nil, feedme.NewError(feedme.CodeNotConnected, nil)) })
	}
	for id, cb := range s.pendingFeedOpens {
		delete(s.pendingFeedOpens, id)
		actionCbs = append(actionCbs, func() { cb(nil, feedme.NewError(feedme.CodeNotConnected, nil)) })
	}
	for id, cb := range s.pendingFeedCloses {
		delete(s.pendingFeedCloses, id)
		actionCbs = append(actionCbs, func() { cb(feedme.NewError(feedme.CodeNotConnected, nil)) })
	}
	s.feeds = make(map[string]*feedRecord)
	l := s.listener
	s.mu.Unlock()

	for _, fn := range actionCbs {
		fn()
	}

	if l != nil {
		l.OnDisconnect(cause)
	}
}

func (s *Session) OnMessage(msg string) {
	var env frameEnvelope
	if err := segjson.Unmarshal([]byte(msg), &env); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding envelope: %w", err))
		return
	}

	switch env.Type {
	case "handshake":
		s.handleHandshake([]byte(msg))
	case "actionResponse":
		s.handleActionResponse([]byte(msg))
	case "feedOpenResponse":
		s.handleFeedOpenResponse([]byte(msg))
	case "feedCloseResponse":
		s.handleFeedCloseResponse([]byte(msg))
	case "feedAction":
		s.handleFeedAction([]byte(msg))
	case "feedClosed":
		s.handleFeedClosed([]byte(msg))
	case "badClientMessage":
		s.handleBadClientMessage([]byte(msg))
	default:
		s.reportBadServerMessage(fmt.Errorf("sessionwire: unknown frame type %q", env.Type))
	}
}

func (s *Session) handleHandshake(data []byte) {
	var raw map[string]any
	if err := segjson.Unmarshal(data, &raw); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding handshake: %w", err))
		return
	}
	if err := handshakeSchema.Validate(&raw); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: handshake failed schema validation: %w", err))
		return
	}

	var frame struct {
		Type    string `json:"type"`
		Version string `json:"version"`
	}
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: strict-decoding handshake: %w", err))
		return
	}

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnConnect()
	}
}

func (s *Session) handleActionResponse(data []byte) {
	var frame actionResponseFrame
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding actionResponse: %w", err))
		return
	}
	s.mu.Lock()
	cb, ok := s.pendingActions[frame.ID]
	delete(s.pendingActions, frame.ID)
	s.mu.Unlock()
	if !ok {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: actionResponse for unknown id %d", frame.ID))
		return
	}
	cb(frame.Result, frame.Error.toError())
}

func (s *Session) handleFeedOpenResponse(data []byte) {
	var frame feedOpenResponseFrame
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding feedOpenResponse: %w", err))
		return
	}
	s.mu.Lock()
	cb, ok := s.pendingFeedOpens[frame.ID]
	delete(s.pendingFeedOpens, frame.ID)
	s.mu.Unlock()
	if !ok {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: feedOpenResponse for unknown id %d", frame.ID))
		return
	}
	cb(frame.Data, frame.Error.toError())
}

func (s *Session) handleFeedCloseResponse(data []byte) {
	var frame feedCloseResponseFrame
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding feedCloseResponse: %w", err))
		return
	}
	s.mu.Lock()
	cb, ok := s.pendingFeedCloses[frame.ID]
	delete(s.pendingFeedCloses, frame.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	cb(frame.Error.toError())
}

func (s *Session) handleFeedAction(data []byte) {
	var frame feedActionFrame
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding feedAction: %w", err))
		return
	}
	fna := feedme.FeedNameArgs{Name: frame.FeedName, Args: frame.FeedArgs}
	fp, err := fna.Fingerprint()
	if err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: feedAction for invalid feed: %w", err))
		return
	}

	s.mu.Lock()
	rec := s.feedRecordLocked(fp)
	rec.data = frame.NewData
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l.OnFeedAction(fna, frame.ActionName, frame.ActionArgs, frame.NewData, frame.OldData)
	}
}

func (s *Session) handleFeedClosed(data []byte) {
	var frame feedClosedFrame
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding feedClosed: %w", err))
		return
	}
	fna := feedme.FeedNameArgs{Name: frame.FeedName, Args: frame.FeedArgs}
	fp, err := fna.Fingerprint()
	if err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: feedClosed for invalid feed: %w", err))
		return
	}

	s.mu.Lock()
	rec := s.feedRecordLocked(fp)
	rec.state = feedme.FeedClosed
	rec.data = nil
	l := s.listener
	s.mu.Unlock()

	werr := frame.Error.toError()
	if l != nil {
		l.OnUnexpectedFeedClosing(fna, werr)
		l.OnUnexpectedFeedClosed(fna, werr)
	}
}

func (s *Session) handleBadClientMessage(data []byte) {
	var frame badClientMessageFrame
	if err := wireproto.StrictUnmarshal(data, &frame); err != nil {
		s.reportBadServerMessage(fmt.Errorf("sessionwire: decoding badClientMessage: %w", err))
		return
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnBadClientMessage(frame.Diagnostic)
	}
}

func (s *Session) reportBadServerMessage(err error) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnBadServerMessage(feedme.NewError(feedme.CodeInvalidArgument, err))
	}
}
