// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import (
	"fmt"
	"sync"
	"time"
)

// SubscriptionHandle is a lightweight reference to one feed's desired
// and actual state. Multiple calls to Client.Feed with an equal
// FeedNameArgs return handles sharing the same underlying entry: each
// handle carries its own desired state and listener set, but the
// entry reconciles all of them against a single session feed.
//
// A handle is a small {id, registry} pair so that holding one never
// keeps the rest of the registry's bookkeeping reachable from
// application code, and so handles for the same fingerprint can be
// created and destroyed independently without reference cycles back
// into the entry.
type SubscriptionHandle struct {
	id       uint64
	registry *feedRegistry
}

// State reports the handle's externally visible state: HandleClosed,
// HandleOpening, or HandleOpen. See feedRegistry.deriveHandleStateLocked
// for the derivation rule.
func (h *SubscriptionHandle) State() HandleState {
	return h.registry.handleState(h.id)
}

// Data returns the feed's current snapshot. Valid only when
// State() == HandleOpen.
func (h *SubscriptionHandle) Data() (map[string]any, error) {
	return h.registry.handleData(h.id)
}

// Destroyed reports whether this specific handle has been destroyed.
func (h *SubscriptionHandle) Destroyed() bool {
	return h.registry.handleDestroyed(h.id)
}

// DesireOpen declares that the application wants this feed open. The
// registry issues a feed-open request if the underlying session feed
// is not already open or opening. It returns CodeInvalidFeedState if
// the handle is already desired open.
func (h *SubscriptionHandle) DesireOpen() error {
	return h.registry.desireOpen(h.id)
}

// DesireClosed declares that the application no longer wants this feed
// open. If this was the last handle desiring it open, the registry
// issues a feed-close request. It returns CodeInvalidFeedState if the
// handle is already desired closed.
func (h *SubscriptionHandle) DesireClosed() error {
	return h.registry.desireClosed(h.id)
}

// Destroy permanently retires this handle. It stops counting toward
// its entry's desired-open handles (as if DesireClosed had been
// called), and every subsequent DesireOpen, DesireClosed, Destroy or
// Data call on it returns CodeDestroyed.
func (h *SubscriptionHandle) Destroy() error {
	return h.registry.destroyHandle(h.id)
}

// AddListener registers l to receive this handle's events. The
// returned func removes it.
func (h *SubscriptionHandle) AddListener(l FeedListener) (remove func()) {
	return h.registry.addHandleListener(h.id, l)
}

// --- internal registry ---

// emitted tracks the last feed state a handle's listeners were told
// about, independent of the handle's desired state or the session
// feed's own state. It is the gate every emission call site checks
// before firing a listener, so a handle never sees two opening/open
// events in a row without an intervening close.
type emitted int8

const (
	emittedClose emitted = iota
	emittedOpening
	emittedOpen
)

type handleEntry struct {
	fp       string
	desired  DesiredState
	destroyed bool
	listeners *listenerSet[FeedListener]

	// lastEmitted is this handle's own view of what its listeners were
	// last told, reconciled independently of every other handle sharing
	// the fingerprint.
	lastEmitted emitted
}

// feedEntry tracks every handle referencing one fingerprint and the
// reconciliation state for reopen throttling.
type feedEntry struct {
	fna FeedNameArgs
	fp  string

	handles map[uint64]*handleEntry

	// openTimer bounds an in-flight feed-open request.
	openTimer *time.Timer
	// openGeneration identifies the current feed-open attempt so a late
	// timer fire or session response can tell whether it still belongs
	// to the outstanding attempt or has been superseded by a newer one.
	openGeneration uint64
	// opening is true while a feedOpen call is outstanding.
	opening bool
	// closeRequested is true once desireClosed has driven a feedClose
	// call and no handle has since re-desired it open.
	closeRequested bool

	// reopenCount/reopenTimers implement the trailing-window throttle on
	// automatic reopen after an unexpected BAD_FEED_ACTION closure.
	reopenCount   int
	reopenTimers  []*time.Timer
	reopenBlocked bool

	// unexpectedClosing is true between OnUnexpectedFeedClosing and the
	// matching OnUnexpectedFeedClosed.
	unexpectedClosing bool
}

func (e *feedEntry) anyDesiredOpen() bool {
	for _, h := range e.handles {
		if !h.destroyed && h.desired == DesiredOpen {
			return true
		}
	}
	return false
}

// feedRegistry owns every feedEntry and the id->entry index that backs
// SubscriptionHandle. All methods serialize through the owning
// Client's mutex.
type feedRegistry struct {
	client *Client

	mu       sync.Mutex // protects nextID only; entry mutation uses client.mu
	nextID   uint64
	byID     map[uint64]*feedEntryRef
	byFP     map[string]*feedEntry
}

type feedEntryRef struct {
	entry  *feedEntry
	handle *handleEntry
}

func newFeedRegistry(c *Client) *feedRegistry {
	return &feedRegistry{
		client: c,
		byID:   make(map[uint64]*feedEntryRef),
		byFP:   make(map[string]*feedEntry),
	}
}

func (r *feedRegistry) handleFor(fna FeedNameArgs) (*SubscriptionHandle, error) {
	fp, err := fna.Fingerprint()
	if err != nil {
		return nil, err
	}

	r.client.mu.Lock()
	entry, ok := r.byFP[fp]
	if !ok {
		entry = &feedEntry{fna: fna, fp: fp, handles: make(map[uint64]*handleEntry)}
		r.byFP[fp] = entry
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	he := &handleEntry{fp: fp, desired: DesiredClosed, listeners: newListenerSet[FeedListener]()}
	entry.handles[id] = he
	r.byID[id] = &feedEntryRef{entry: entry, handle: he}
	r.client.mu.Unlock()

	return &SubscriptionHandle{id: id, registry: r}, nil
}

func (r *feedRegistry) handleState(id uint64) HandleState {
	r.client.mu.Lock()
	defer r.client.mu.Unlock()
	ref, ok := r.byID[id]
	if !ok || ref.handle.destroyed {
		return HandleClosed
	}
	return r.deriveHandleStateLocked(ref)
}

// deriveHandleStateLocked implements the state-derivation rule: a
// handle reports Open only when it desires open, the Client is
// connected, and the session reports the feed Open; Opening when it
// desires open, the Client is connected, and the session reports the
// feed Opening or Closing; Closed otherwise. Must be called with
// client.mu held.
func (r *feedRegistry) deriveHandleStateLocked(ref *feedEntryRef) HandleState {
	if ref.handle.desired != DesiredOpen {
		return HandleClosed
	}
	if r.client.phase != Connected {
		return HandleClosed
	}
	switch r.client.sessionGuard.FeedState(ref.entry.fna) {
	case FeedOpen:
		return HandleOpen
	case FeedOpening, FeedClosing:
		return HandleOpening
	default:
		return HandleClosed
	}
}

func (r *feedRegistry) handleData(id uint64) (map[string]any, error) {
	r.client.mu.Lock()
	ref, ok := r.byID[id]
	if !ok || ref.handle.destroyed {
		r.client.mu.Unlock()
		return nil, NewError(CodeDestroyed, nil)
	}
	state := r.deriveHandleStateLocked(ref)
	fna := ref.entry.fna
	r.client.mu.Unlock()

	if state != HandleOpen {
		return nil, NewError(CodeInvalidFeedState, nil)
	}
	return r.client.sessionGuard.FeedData(fna)
}

func (r *feedRegistry) handleDestroyed(id uint64) bool {
	r.client.mu.Lock()
	defer r.client.mu.Unlock()
	ref, ok := r.byID[id]
	return !ok || ref.handle.destroyed
}

func (r *feedRegistry) desireOpen(id uint64) error {
	r.client.mu.Lock()
	ref, ok := r.byID[id]
	if !ok || ref.handle.destroyed {
		r.client.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	if ref.handle.desired == DesiredOpen {
		r.client.mu.Unlock()
		return NewError(CodeInvalidFeedState, fmt.Errorf("feed is already desired open"))
	}
	ref.handle.desired = DesiredOpen
	ref.entry.closeRequested = false
	entry := ref.entry
	r.client.mu.Unlock()

	r.consider(entry)
	return nil
}

func (r *feedRegistry) desireClosed(id uint64) error {
	r.client.mu.Lock()
	ref, ok := r.byID[id]
	if !ok || ref.handle.destroyed {
		r.client.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	if ref.handle.desired == DesiredClosed {
		r.client.mu.Unlock()
		return NewError(CodeInvalidFeedState, fmt.Errorf("feed is already desired closed"))
	}
	ref.handle.desired = DesiredClosed
	entry := ref.entry
	r.client.mu.Unlock()

	r.consider(entry)
	return nil
}

func (r *feedRegistry) destroyHandle(id uint64) error {
	r.client.mu.Lock()
	ref, ok := r.byID[id]
	if !ok || ref.handle.destroyed {
		r.client.mu.Unlock()
		return NewError(CodeDestroyed, nil)
	}
	ref.handle.destroyed = true
	ref.handle.desired = DesiredClosed
	entry := ref.entry
	delete(entry.handles, id)
	delete(r.byID, id)
	if len(entry.handles) == 0 {
		delete(r.byFP, entry.fp)
	}
	r.client.mu.Unlock()

	r.consider(entry)
	return nil
}

func (r *feedRegistry) addHandleListener(id uint64, l FeedListener) (remove func()) {
	r.client.mu.Lock()
	ref, ok := r.byID[id]
	r.client.mu.Unlock()
	if !ok {
		return func() {}
	}
	return ref.handle.listeners.add(l)
}

// emitOpeningLocked transitions every handle desired open at
// lastEmitted=close to lastEmitted=opening, notifying OnOpening. Must
// be called with client.mu held; the returned closures must run after
// it is released.
func emitOpeningLocked(entry *feedEntry) []func() {
	var fns []func()
	for _, h := range entry.handles {
		if h.destroyed || h.desired != DesiredOpen || h.lastEmitted != emittedClose {
			continue
		}
		h.lastEmitted = emittedOpening
		ls := h.listeners
		fns = append(fns, func() {
			for _, l := range ls.each() {
				if l.OnOpening != nil {
					l.OnOpening()
				}
			}
		})
	}
	return fns
}

// emitOpenLocked transitions every handle desired open at
// lastEmitted!=open to lastEmitted=open, notifying OnOpening first if
// it was still at lastEmitted=close, then OnOpen(data). Must be called
// with client.mu held; the returned closures must run after it is
// released.
func emitOpenLocked(entry *feedEntry, data map[string]any) []func() {
	var fns []func()
	for _, h := range entry.handles {
		if h.destroyed || h.desired != DesiredOpen || h.lastEmitted == emittedOpen {
			continue
		}
		wasClose := h.lastEmitted == emittedClose
		h.lastEmitted = emittedOpen
		ls := h.listeners
		if wasClose {
			fns = append(fns, func() {
				for _, l := range ls.each() {
					if l.OnOpening != nil {
						l.OnOpening()
					}
				}
			})
		}
		fns = append(fns, func() {
			for _, l := range ls.each() {
				if l.OnOpen != nil {
					l.OnOpen(data)
				}
			}
		})
	}
	return fns
}

// emitCloseAllLocked transitions every handle whose lastEmitted is
// opening or open back to close, notifying err, regardless of its
// current desired state. Must be called with client.mu held; the
// returned closures must run after it is released.
func emitCloseAllLocked(entry *feedEntry, err error) []func() {
	var fns []func()
	for _, h := range entry.handles {
		if h.destroyed || h.lastEmitted == emittedClose {
			continue
		}
		h.lastEmitted = emittedClose
		ls := h.listeners
		fns = append(fns, func() {
			for _, l := range ls.each() {
				if l.OnClose != nil {
					l.OnClose(err)
				}
			}
		})
	}
	return fns
}

// emitActionLocked notifies OnAction on every handle currently desired
// open; a handle that has since called DesireClosed must not see
// actions for a feed it no longer wants. Must be called with
// client.mu held; the returned closures must run after it is released.
func emitActionLocked(entry *feedEntry, actionName string, actionArgs, newData, oldData map[string]any) []func() {
	var fns []func()
	for _, h := range entry.handles {
		if h.destroyed || h.desired != DesiredOpen {
			continue
		}
		ls := h.listeners
		fns = append(fns, func() {
			for _, l := range ls.each() {
				if l.OnAction != nil {
					l.OnAction(actionName, actionArgs, newData, oldData)
				}
			}
		})
	}
	return fns
}

func runEmits(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// consider is the reconciliation procedure: given the current desired
// states of every live handle on entry, issue whatever feedOpen or
// feedClose call (if any) is needed to bring the session feed state in
// line, subject to the Client's connection phase and reopen
// throttling, and emit opening/open to every handle whose own
// lastEmitted hasn't caught up with the session feed's state yet —
// independent of whether this call triggers a new session request, so
// a handle that joins an already-open or already-opening fingerprint
// still sees its own opening/open events — and emit a nil-error close
// to every handle desired closed whose lastEmitted is opening or open.
// It is always safe to call redundantly.
func (r *feedRegistry) consider(entry *feedEntry) {
	r.client.mu.Lock()
	if r.client.destroyed || r.client.phase != Connected {
		r.client.mu.Unlock()
		return
	}
	wantOpen := entry.anyDesiredOpen()
	sessState := r.client.sessionGuard.FeedState(entry.fna)
	already := entry.opening || sessState == FeedOpening || sessState == FeedOpen
	blocked := entry.reopenBlocked

	var doOpen, doClose bool
	switch {
	case wantOpen && !already && !blocked && sessState == FeedClosed:
		doOpen = true
		entry.opening = true
	case !wantOpen && !entry.opening && !entry.closeRequested && (sessState == FeedOpening || sessState == FeedOpen):
		// A feed-open already in flight is left to land in onOpenResult,
		// which re-checks anyDesiredOpen and closes it there instead of
		// racing a close against the pending open.
		doClose = true
		entry.closeRequested = true
	}

	var emits []func()
	if wantOpen {
		if sessState == FeedOpen {
			data, _ := r.client.sessionGuard.FeedData(entry.fna)
			emits = emitOpenLocked(entry, data)
		} else {
			emits = emitOpeningLocked(entry)
		}
	}
	for _, h := range entry.handles {
		if h.destroyed || h.desired != DesiredClosed || h.lastEmitted == emittedClose {
			continue
		}
		h.lastEmitted = emittedClose
		ls := h.listeners
		emits = append(emits, func() {
			for _, l := range ls.each() {
				if l.OnClose != nil {
					l.OnClose(nil)
				}
			}
		})
	}
	fna := entry.fna
	r.client.mu.Unlock()

	runEmits(emits)
	if doOpen {
		r.issueOpen(entry, fna)
	}
	if doClose {
		r.client.sessionGuard.FeedClose(fna, func(err error) {
			// Errors closing are not actionable by the application; the
			// session's own state transition is authoritative.
		})
	}
}

func (r *feedRegistry) issueOpen(entry *feedEntry, fna FeedNameArgs) {
	r.client.mu.Lock()
	entry.openGeneration++
	gen := entry.openGeneration
	var timer *time.Timer
	if r.client.opts.FeedTimeoutMs > 0 {
		timer = time.AfterFunc(time.Duration(r.client.opts.FeedTimeoutMs)*time.Millisecond, func() {
			r.onOpenTimeout(entry, gen)
		})
	}
	entry.openTimer = timer
	r.client.mu.Unlock()

	r.client.sessionGuard.FeedOpen(fna, func(data map[string]any, err error) {
		r.onOpenResult(entry, gen, data, err)
	})
}

// onOpenTimeout fires feedTimeoutMs after issueOpen with no response
// yet. The underlying feedOpen is left outstanding; only the client's
// own wait is abandoned, so a later response for the same attempt is
// still handled in onOpenResult rather than discarded.
func (r *feedRegistry) onOpenTimeout(entry *feedEntry, gen uint64) {
	r.client.mu.Lock()
	if gen != entry.openGeneration || entry.openTimer == nil {
		r.client.mu.Unlock()
		return
	}
	entry.openTimer = nil
	entry.opening = false
	emits := emitCloseAllLocked(entry, NewError(CodeTimeout, nil))
	r.client.mu.Unlock()

	runEmits(emits)
	r.consider(entry)
}

func (r *feedRegistry) onOpenResult(entry *feedEntry, gen uint64, data map[string]any, err error) {
	r.client.mu.Lock()
	if gen != entry.openGeneration {
		// A newer open attempt has already superseded this response.
		r.client.mu.Unlock()
		return
	}
	if entry.openTimer != nil {
		entry.openTimer.Stop()
		entry.openTimer = nil
	}
	entry.opening = false
	stillWanted := entry.anyDesiredOpen()
	fna := entry.fna

	var emits []func()
	var doClose bool
	switch {
	case err != nil:
		emits = emitCloseAllLocked(entry, err)
	case !stillWanted:
		// Every handle lost interest while the open was in flight; the
		// feed landed open on the server with nobody wanting it, so shut
		// it straight back down instead of surfacing OnOpen.
		entry.closeRequested = true
		doClose = true
		emits = emitCloseAllLocked(entry, nil)
	default:
		emits = emitOpenLocked(entry, data)
	}
	r.client.mu.Unlock()

	runEmits(emits)
	if doClose {
		r.client.sessionGuard.FeedClose(fna, func(err error) {})
	}
	r.consider(entry)
}

func (r *feedRegistry) onFeedAction(fna FeedNameArgs, actionName string, actionArgs, newData, oldData map[string]any) {
	fp, err := fna.Fingerprint()
	if err != nil {
		return
	}
	r.client.mu.Lock()
	entry, ok := r.byFP[fp]
	if !ok {
		r.client.mu.Unlock()
		return
	}
	emits := emitActionLocked(entry, actionName, actionArgs, newData, oldData)
	r.client.mu.Unlock()

	runEmits(emits)
}

func (r *feedRegistry) onUnexpectedFeedClosing(fna FeedNameArgs, err error) {
	fp, ferr := fna.Fingerprint()
	if ferr != nil {
		return
	}
	r.client.mu.Lock()
	entry, ok := r.byFP[fp]
	if !ok {
		r.client.mu.Unlock()
		return
	}
	entry.unexpectedClosing = true
	emits := emitCloseAllLocked(entry, err)
	r.client.mu.Unlock()

	runEmits(emits)
}

func (r *feedRegistry) onUnexpectedFeedClosed(fna FeedNameArgs, err error) {
	fp, ferr := fna.Fingerprint()
	if ferr != nil {
		return
	}
	r.client.mu.Lock()
	entry, ok := r.byFP[fp]
	if !ok {
		r.client.mu.Unlock()
		return
	}
	entry.unexpectedClosing = false

	code, _ := CodeOf(err)
	allowReopen := false
	if code == CodeBadFeedAction {
		r.armReopenThrottleLocked(entry)
		allowReopen = !entry.reopenBlocked
	} else {
		allowReopen = true
	}
	entry.closeRequested = false
	r.client.mu.Unlock()

	if allowReopen {
		r.consider(entry)
	}
}

// armReopenThrottleLocked records one more reopen-worthy closure and
// blocks further automatic reopens once ReopenMaxAttempts is exceeded
// within the trailing ReopenTrailingMs window. Must be called with
// client.mu held.
func (r *feedRegistry) armReopenThrottleLocked(entry *feedEntry) {
	opts := r.client.opts
	if opts.ReopenMaxAttempts == 0 {
		entry.reopenBlocked = true
		return
	}
	entry.reopenCount++
	if opts.ReopenMaxAttempts != -1 && entry.reopenCount > opts.ReopenMaxAttempts {
		entry.reopenBlocked = true
	}
	if opts.ReopenTrailingMs > 0 {
		t := time.AfterFunc(time.Duration(opts.ReopenTrailingMs)*time.Millisecond, func() {
			r.decayReopenCount(entry)
		})
		entry.reopenTimers = append(entry.reopenTimers, t)
	}
}

func (r *feedRegistry) decayReopenCount(entry *feedEntry) {
	r.client.mu.Lock()
	if entry.reopenCount > 0 {
		entry.reopenCount--
	}
	wasBlocked := entry.reopenBlocked
	opts := r.client.opts
	if opts.ReopenMaxAttempts == -1 || entry.reopenCount <= opts.ReopenMaxAttempts {
		entry.reopenBlocked = false
	}
	unblocked := wasBlocked && !entry.reopenBlocked
	r.client.mu.Unlock()

	if unblocked {
		r.consider(entry)
	}
}

// onConnected re-evaluates every entry once the Client reaches
// Connected, issuing feed-open requests for every feed with at least
// one handle desiring it open.
func (r *feedRegistry) onConnected() {
	r.client.mu.Lock()
	entries := make([]*feedEntry, 0, len(r.byFP))
	for _, e := range r.byFP {
		entries = append(entries, e)
	}
	r.client.mu.Unlock()

	for _, e := range entries {
		r.consider(e)
	}
}

// onDisconnected resets every entry's in-flight bookkeeping and
// reports a close to every handle whose lastEmitted was opening or
// open, since the session's feed state is gone along with the
// connection; a handle that never got past close is left alone.
func (r *feedRegistry) onDisconnected() {
	r.client.mu.Lock()
	var emits []func()
	for _, e := range r.byFP {
		if e.openTimer != nil {
			e.openTimer.Stop()
			e.openTimer = nil
		}
		for _, t := range e.reopenTimers {
			t.Stop()
		}
		e.reopenTimers = nil
		e.reopenCount = 0
		e.reopenBlocked = false
		e.opening = false
		e.closeRequested = false
		e.unexpectedClosing = false
		emits = append(emits, emitCloseAllLocked(e, NewError(CodeNotConnected, nil))...)
	}
	r.client.mu.Unlock()

	runEmits(emits)
}

// destroyAll marks every live handle destroyed, as Client.Destroy
// requires every SubscriptionHandle to report Destroyed afterward.
func (r *feedRegistry) destroyAll() {
	r.client.mu.Lock()
	for id, ref := range r.byID {
		ref.handle.destroyed = true
		ref.handle.desired = DesiredClosed
		delete(ref.entry.handles, id)
	}
	r.byID = make(map[uint64]*feedEntryRef)
	r.byFP = make(map[string]*feedEntry)
	r.client.mu.Unlock()
}
