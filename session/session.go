// Package session implements spec.md C10: the logged-in identity's live
// view of its own contacts, mutes, relay list, blocked relays, and any
// registered extra kinds, kept current via a single standing subscription.
// Grounded on the teacher's exit.Exit standing-subscription pattern
// (handleSubscription/handleEvents watching a DM inbox), adapted here from
// a shared inbox to one user's own replaceable events with newest-wins
// per-kind bookkeeping.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/asmogo/nostrsdk/nostrevent"
	"github.com/asmogo/nostrsdk/streamutil"
	"github.com/asmogo/nostrsdk/subscription"
)

// Kinds the session subscription always tracks, per spec.md §4.10.
const (
	KindContacts      = nostrevent.KindContacts
	KindMuteList      = nostrevent.KindMuteList
	KindBlockedRelays = nostrevent.KindBlockedRelays
	KindRelayList     = nostrevent.KindRelayList
)

// RelayList is the read/write split of a kind-10002 event, parsed by this
// package's parseRelayList with the same marker rules outbox.TrackEvent
// applies.
type RelayList struct {
	Read  []string
	Write []string
}

// Mutes is the parsed content of a kind-10000 event.
type Mutes struct {
	Pubkeys  map[string]bool
	Events   map[string]bool
	Hashtags map[string]bool
	Words    []string
}

func newMutes() Mutes {
	return Mutes{Pubkeys: map[string]bool{}, Events: map[string]bool{}, Hashtags: map[string]bool{}}
}

// HasWord reports whether content contains a muted keyword, case
// insensitive substring match per spec.md §3.
func (m Mutes) HasWord(content string) bool {
	lower := strings.ToLower(content)
	for _, w := range m.Words {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// Session is one logged-in identity's live view, held by the client
// Account it was started for.
type Session struct {
	Pubkey string

	mu              sync.RWMutex
	lastSeen        map[int]nostrevent.Timestamp
	follows         *streamutil.Value[map[string]bool]
	mutes           *streamutil.Value[Mutes]
	relayList       *streamutil.Value[RelayList]
	blockedRelays   *streamutil.Value[map[string]bool]
	extraKindValues *streamutil.Value[map[int]*nostrevent.Event]

	subHandle *subscription.Handle
	stopOnce  sync.Once
	unsub     func()
}

// Engine owns the set of session kinds registered for every subsequent
// login and creates/destroys per-pubkey Sessions against a shared
// subscription manager.
type Engine struct {
	mu          sync.Mutex
	extraKinds  map[int]bool
	subManager  *subscription.Manager
	attach      func(ctx context.Context, subID string, filters nostrevent.Filters)
	detach      func(subID string)
}

// AttachFunc wires a subscription id/filters to whatever relay set the
// top-level coordinator decides on (typically via the outbox calculator),
// kept as an injected function so this package never imports pool/outbox.
type AttachFunc func(ctx context.Context, subID string, filters nostrevent.Filters)

// NewEngine creates an Engine bound to subManager. attach is called once
// per new session to route its standing subscription to relays; detach
// tears that routing down on logout.
func NewEngine(subManager *subscription.Manager, attach AttachFunc, detach func(subID string)) *Engine {
	return &Engine{
		extraKinds: map[int]bool{},
		subManager: subManager,
		attach:     attach,
		detach:     detach,
	}
}

// RegisterSessionKind adds k to session_kinds for subsequent logins; does
// not affect sessions already started.
func (e *Engine) RegisterSessionKind(k int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extraKinds[k] = true
}

func (e *Engine) sessionKinds() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := []int{KindContacts, KindMuteList, KindBlockedRelays, KindRelayList}
	for k := range e.extraKinds {
		kinds = append(kinds, k)
	}
	return kinds
}

// Start creates and begins the standing subscription for pubkey, per
// spec.md §4.10's login steps 3-4.
func (e *Engine) Start(ctx context.Context, pubkey string) *Session {
	filters := nostrevent.Filters{{Authors: []string{pubkey}, Kinds: e.sessionKinds()}}
	handle := e.subManager.Subscribe(filters)

	s := &Session{
		Pubkey:          pubkey,
		lastSeen:        map[int]nostrevent.Timestamp{},
		follows:         streamutil.NewValue(map[string]bool{}),
		mutes:           streamutil.NewValue(newMutes()),
		relayList:       streamutil.NewValue(RelayList{}),
		blockedRelays:   streamutil.NewValue(map[string]bool{}),
		extraKindValues: streamutil.NewValue(map[int]*nostrevent.Event{}),
		subHandle:       handle,
	}

	events, cancelEvents := handle.Events()
	go func() {
		for d := range events {
			s.handleEvent(d.Event)
		}
	}()
	s.unsub = func() {
		cancelEvents()
		e.subManager.Unsubscribe(handle.ID)
		if e.detach != nil {
			e.detach(handle.ID)
		}
	}

	if e.attach != nil {
		e.attach(ctx, handle.ID, filters)
	}
	return s
}

// Stop tears down the session's standing subscription. Safe to call more
// than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
	})
}

// Follows returns the observable set of followed pubkeys.
func (s *Session) Follows() *streamutil.Value[map[string]bool] { return s.follows }

// MuteList returns the observable mute list.
func (s *Session) MuteList() *streamutil.Value[Mutes] { return s.mutes }

// RelayList returns the observable relay list.
func (s *Session) RelayList() *streamutil.Value[RelayList] { return s.relayList }

// BlockedRelays returns the observable blocked-relay set.
func (s *Session) BlockedRelays() *streamutil.Value[map[string]bool] { return s.blockedRelays }

// SessionEvents returns the observable map of registered-extra-kind ->
// latest event.
func (s *Session) SessionEvents() *streamutil.Value[map[int]*nostrevent.Event] {
	return s.extraKindValues
}

// handleEvent implements spec.md §4.10 step 4: ignore foreign pubkeys,
// newest-wins per kind, update the matching observable.
func (s *Session) handleEvent(ev *nostrevent.Event) {
	if ev.PubKey != s.Pubkey {
		return
	}

	s.mu.Lock()
	last, seen := s.lastSeen[ev.Kind]
	if seen && ev.CreatedAt <= last {
		s.mu.Unlock()
		return
	}
	s.lastSeen[ev.Kind] = ev.CreatedAt
	s.mu.Unlock()

	switch ev.Kind {
	case KindContacts:
		s.follows.Set(parseFollows(ev))
	case KindMuteList:
		s.mutes.Set(parseMutes(ev))
	case KindRelayList:
		s.relayList.Set(parseRelayList(ev))
	case KindBlockedRelays:
		s.blockedRelays.Set(parseBlockedRelays(ev))
	default:
		current := s.extraKindValues.Get()
		next := make(map[int]*nostrevent.Event, len(current)+1)
		for k, v := range current {
			next[k] = v
		}
		next[ev.Kind] = ev
		s.extraKindValues.Set(next)
	}
}

func parseFollows(ev *nostrevent.Event) map[string]bool {
	out := map[string]bool{}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			out[tag[1]] = true
		}
	}
	return out
}

func parseMutes(ev *nostrevent.Event) Mutes {
	m := newMutes()
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "p":
			m.Pubkeys[tag[1]] = true
		case "e":
			m.Events[tag[1]] = true
		case "t":
			m.Hashtags[tag[1]] = true
		case "word":
			m.Words = append(m.Words, tag[1])
		}
	}
	return m
}

func parseRelayList(ev *nostrevent.Event) RelayList {
	var rl RelayList
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := tag[1]
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			rl.Read = append(rl.Read, url)
		case "write":
			rl.Write = append(rl.Write, url)
		default:
			rl.Read = append(rl.Read, url)
			rl.Write = append(rl.Write, url)
		}
	}
	return rl
}

func parseBlockedRelays(ev *nostrevent.Event) map[string]bool {
	out := map[string]bool{}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "relay" {
			out[tag[1]] = true
		}
	}
	return out
}
