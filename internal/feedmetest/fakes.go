// Package feedmetest provides hand-written fake Transport and Session
// implementations for driving feedme.Client through its state machine
// without real I/O, mirroring the teacher's in-memory transport pair
// (NewInMemoryTransports): a paired, in-process double good enough to
// exercise every transition under test control.
package feedmetest

import (
	"sync"

	feedme "github.com/aarong/feedme-client-go"
)

// FakeTransport is a controllable feedme.Transport. Tests drive its
// state by calling Connect/Send/Disconnect through the Client under
// test, and by calling SimulateConnect/SimulateMessage/SimulateDisconnect
// directly to inject the events a real transport would produce.
type FakeTransport struct {
	mu       sync.Mutex
	state    feedme.ConnectionState
	listener feedme.TransportListener

	// ConnectFunc, if set, is called synchronously from Connect instead
	// of the default (do nothing; the test drives SimulateConnect/
	// SimulateDisconnect itself).
	ConnectFunc func() error

	Sent []string
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{state: feedme.Disconnected}
}

func (t *FakeTransport) State() feedme.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *FakeTransport) SetListener(l feedme.TransportListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *FakeTransport) Connect() error {
	t.mu.Lock()
	t.state = feedme.Connecting
	fn := t.ConnectFunc
	t.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (t *FakeTransport) Send(msg string) error {
	t.mu.Lock()
	t.Sent = append(t.Sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *FakeTransport) Disconnect(err error) error {
	t.mu.Lock()
	t.state = feedme.Disconnected
	t.mu.Unlock()
	return nil
}

// SimulateConnecting reports the OnConnecting event to the listener.
func (t *FakeTransport) SimulateConnecting() {
	t.mu.Lock()
	t.state = feedme.Connecting
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnConnecting()
	}
}

// SimulateConnect reports the OnConnect event to the listener.
func (t *FakeTransport) SimulateConnect() {
	t.mu.Lock()
	t.state = feedme.Connected
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnConnect()
	}
}

// SimulateMessage reports an inbound frame to the listener.
func (t *FakeTransport) SimulateMessage(msg string) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnMessage(msg)
	}
}

// SimulateDisconnect reports an OnDisconnect event to the listener.
func (t *FakeTransport) SimulateDisconnect(err error) {
	t.mu.Lock()
	t.state = feedme.Disconnected
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.OnDisconnect(err)
	}
}

// FakeSession is a controllable feedme.Session, for tests that drive
// Client/SubscriptionHandle behavior directly without a wire protocol.
type FakeSession struct {
	mu       sync.Mutex
	state    feedme.ConnectionState
	listener feedme.SessionListener
	feeds    map[string]feedme.FeedState
	data     map[string]map[string]any

	// ConnectFunc, if set, overrides the default no-op Connect.
	ConnectFunc func() error
	// ActionFunc, if set, is called synchronously for every Action
	// call; the default leaves the call pending for the test to
	// resolve via ResolveAction.
	ActionFunc func(name string, args map[string]any, cb func(result map[string]any, err error))
	// FeedOpenFunc, if set, is called synchronously for every FeedOpen
	// call; the default leaves it pending for ResolveFeedOpen.
	FeedOpenFunc func(fna feedme.FeedNameArgs, cb func(data map[string]any, err error))

	pendingActions   map[uint64]func(result map[string]any, err error)
	pendingFeedOpens map[uint64]func(data map[string]any, err error)
	nextID           uint64
	destroyed        bool

	// LastDisconnectCause records the cause passed to the most recent
	// Disconnect call, for tests that want to relay it into a
	// corresponding SimulateDisconnect.
	LastDisconnectCause error
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		state:            feedme.Disconnected,
		feeds:            make(map[string]feedme.FeedState),
		data:             make(map[string]map[string]any),
		pendingActions:   make(map[uint64]func(result map[string]any, err error)),
		pendingFeedOpens: make(map[uint64]func(data map[string]any, err error)),
	}
}

func (s *FakeSession) SetListener(l feedme.SessionListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *FakeSession) State() feedme.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FakeSession) Connect() error {
	s.mu.Lock()
	s.state = feedme.Connecting
	fn := s.ConnectFunc
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (s *FakeSession) Disconnect(cause error) error {
	s.mu.Lock()
	s.state = feedme.Disconnected
	s.LastDisconnectCause = cause
	s.mu.Unlock()
	return nil
}

func (s *FakeSession) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

func (s *FakeSession) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *FakeSession) FeedState(fna feedme.FeedNameArgs) feedme.FeedState {
	fp, err := fna.Fingerprint()
	if err != nil {
		return feedme.FeedClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[fp]
}

func (s *FakeSession) FeedData(fna feedme.FeedNameArgs) (map[string]any, error) {
	fp, err := fna.Fingerprint()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feeds[fp] != feedme.FeedOpen {
		return nil, feedme.NewError(feedme.CodeInvalidFeedState, nil)
	}
	return s.data[fp], nil
}

func (s *FakeSession) Action(name string, args map[string]any, cb func(result map[string]any, err error)) {
	s.mu.Lock()
	fn := s.ActionFunc
	if fn == nil {
		id := s.nextID
		s.nextID++
		s.pendingActions[id] = cb
	}
	s.mu.Unlock()
	if fn != nil {
		fn(name, args, cb)
	}
}

// ResolveAction resolves the oldest unresolved Action call. Tests that
// need per-call control should use ActionFunc instead.
func (s *FakeSession) ResolveAction(result map[string]any, err error) {
	s.mu.Lock()
	var id uint64
	var cb func(result map[string]any, err error)
	found := false
	for candidate, c := range s.pendingActions {
		if !found || candidate < id {
			id, cb, found = candidate, c, true
		}
	}
	if found {
		delete(s.pendingActions, id)
	}
	s.mu.Unlock()
	if found {
		cb(result, err)
	}
}

func (s *FakeSession) FeedOpen(fna feedme.FeedNameArgs, cb func(data map[string]any, err error)) {
	fp, ferr := fna.Fingerprint()
	if ferr != nil {
		cb(nil, ferr)
		return
	}
	s.mu.Lock()
	s.feeds[fp] = feedme.FeedOpening
	fn := s.FeedOpenFunc
	if fn == nil {
		id := s.nextID
		s.nextID++
		s.pendingFeedOpens[id] = func(data map[string]any, err error) {
			s.mu.Lock()
			if err == nil {
				s.feeds[fp] = feedme.FeedOpen
				s.data[fp] = data
			} else {
				s.feeds[fp] = feedme.FeedClosed
			}
			s.mu.Unlock()
			cb(data, err)
		}
	}
	s.mu.Unlock()
	if fn != nil {
		fn(fna, cb)
	}
}

// ResolveFeedOpen resolves the oldest unresolved FeedOpen call.
func (s *FakeSession) ResolveFeedOpen(data map[string]any, err error) {
	s.mu.Lock()
	var id uint64
	var cb func(data map[string]any, err error)
	found := false
	for candidate, c := range s.pendingFeedOpens {
		if !found || candidate < id {
			id, cb, found = candidate, c, true
		}
	}
	if found {
		delete(s.pendingFeedOpens, id)
	}
	s.mu.Unlock()
	if found {
		cb(data, err)
	}
}

func (s *FakeSession) FeedClose(fna feedme.FeedNameArgs, cb func(err error)) {
	fp, ferr := fna.Fingerprint()
	if ferr != nil {
		cb(ferr)
		return
	}
	s.mu.Lock()
	s.feeds[fp] = feedme.FeedClosed
	delete(s.data, fp)
	s.mu.Unlock()
	cb(nil)
}

// --- simulate inbound session events ---

func (s *FakeSession) SimulateConnecting() {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnConnecting()
	}
}

func (s *FakeSession) SimulateConnect() {
	s.mu.Lock()
	s.state = feedme.Connected
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnConnect()
	}
}

func (s *FakeSession) SimulateDisconnect(err error) {
	s.mu.Lock()
	s.state = feedme.Disconnected
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnDisconnect(err)
	}
}

func (s *FakeSession) SimulateFeedAction(fna feedme.FeedNameArgs, actionName string, actionArgs, newData, oldData map[string]any) {
	fp, err := fna.Fingerprint()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.data[fp] = newData
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnFeedAction(fna, actionName, actionArgs, newData, oldData)
	}
}

func (s *FakeSession) SimulateUnexpectedFeedClose(fna feedme.FeedNameArgs, err error) {
	fp, ferr := fna.Fingerprint()
	if ferr != nil {
		return
	}
	s.mu.Lock()
	s.feeds[fp] = feedme.FeedClosed
	delete(s.data, fp)
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnUnexpectedFeedClosing(fna, err)
		l.OnUnexpectedFeedClosed(fna, err)
	}
}
