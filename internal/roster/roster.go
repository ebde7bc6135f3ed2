// Package roster mirrors the online-user collection into a view and derives
// the call affordance of every entry. All methods except the store handler
// must run on the dispatch loop.
package roster

import (
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/models"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("huddle/roster")

// Affordance is the action a roster entry offers.
type Affordance int

const (
	None Affordance = iota
	StartCall
	EndCall
)

func (a Affordance) String() string {
	switch a {
	case StartCall:
		return "call"
	case EndCall:
		return "end call"
	default:
		return ""
	}
}

// Entry is one online user as shown in the view.
type Entry struct {
	UID        string
	User       models.User
	Self       bool
	Affordance Affordance

	action *Binding
}

// Action returns the entry's bound action, nil when it offers none. The
// binding is released when the entry is re-rendered or the view rebuilt.
func (e *Entry) Action() *Binding { return e.action }

// Binding is an action owned by one rendered entry.
type Binding struct {
	fn       func()
	released bool
}

// Invoke runs the action unless the binding was released. It reports
// whether the action ran.
func (b *Binding) Invoke() bool {
	if b == nil || b.released {
		return false
	}
	b.fn()
	return true
}

func (b *Binding) release() {
	if b != nil {
		b.released = true
	}
}

// Subscriber is the part of the store the roster needs.
type Subscriber interface {
	Subscribe(q store.Query, fn store.Handler) (func(), error)
}

// Poster schedules work on the dispatch loop.
type Poster interface {
	Post(fn func())
}

// Renderer draws the view. Reset discards everything drawn so far.
type Renderer interface {
	Reset()
	Render(e *Entry)
}

// CallState reports the peer of the current call session, "" when idle.
type CallState interface {
	ActivePeer() string
}

// Actions are invoked by entry bindings.
type Actions interface {
	Call(peerID string)
	Hangup()
}

type Config struct {
	Store    Subscriber
	Loop     Poster
	Renderer Renderer
	Calls    CallState
	Actions  Actions
	Self     string // local uid
}

type Synchronizer struct {
	cfg Config

	gen     uint64
	cancel  func()
	entries map[string]*Entry
}

func New(cfg Config) *Synchronizer {
	return &Synchronizer{cfg: cfg, entries: make(map[string]*Entry)}
}

// SetSelf changes the local uid and redraws.
func (s *Synchronizer) SetSelf(uid string) {
	s.cfg.Self = uid
	s.Redisplay()
}

// Start subscribes to the user collection.
func (s *Synchronizer) Start() error {
	return s.Rebuild()
}

// Rebuild discards the view and resubscribes, so the view is rebuilt from
// the collection's current contents.
func (s *Synchronizer) Rebuild() error {
	s.drop()
	s.gen++
	gen := s.gen
	cancel, err := s.cfg.Store.Subscribe(store.Query{Collection: proto.CollUsers}, func(ev store.Event) {
		s.cfg.Loop.Post(func() { s.apply(gen, ev) })
	})
	if err != nil {
		return err
	}
	s.cancel = cancel
	return nil
}

// Redisplay recomputes every entry's affordance without refetching.
func (s *Synchronizer) Redisplay() {
	s.cfg.Renderer.Reset()
	for _, uid := range s.sortedUIDs() {
		e := s.entries[uid]
		s.bind(e)
		s.cfg.Renderer.Render(e)
	}
}

// Stop cancels the subscription and releases all bindings.
func (s *Synchronizer) Stop() {
	s.drop()
	s.gen++
}

func (s *Synchronizer) drop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for _, e := range s.entries {
		e.action.release()
	}
	s.entries = make(map[string]*Entry)
	s.cfg.Renderer.Reset()
}

func (s *Synchronizer) apply(gen uint64, ev store.Event) {
	if gen != s.gen {
		return
	}
	switch ev.Kind {
	case store.Added, store.Changed:
		var u models.User
		if err := ev.Decode(&u); err != nil {
			log.Warnf("bad user record %s: %v", ev.Key, err)
			return
		}
		e, ok := s.entries[ev.Key]
		if !ok {
			e = &Entry{UID: ev.Key}
			s.entries[ev.Key] = e
		}
		e.User = u
		s.bind(e)
		s.cfg.Renderer.Render(e)
	case store.Removed:
		log.Debugf("user %s left, rebuilding roster", ev.Key)
		if err := s.Rebuild(); err != nil {
			log.Errorf("roster rebuild: %v", err)
		}
	}
}

// bind computes the entry's affordance and gives it a fresh binding.
func (s *Synchronizer) bind(e *Entry) {
	e.action.release()
	e.action = nil
	e.Self = e.UID == s.cfg.Self
	peer := e.User.Peer()

	switch {
	case e.Self || peer == "":
		e.Affordance = None
	case s.cfg.Calls != nil && peer == s.cfg.Calls.ActivePeer():
		e.Affordance = EndCall
		e.action = &Binding{fn: s.cfg.Actions.Hangup}
	default:
		e.Affordance = StartCall
		e.action = &Binding{fn: func() { s.cfg.Actions.Call(peer) }}
	}
}

func (s *Synchronizer) sortedUIDs() []string {
	uids := make([]string, 0, len(s.entries))
	for uid := range s.entries {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		a, b := s.entries[uids[i]], s.entries[uids[j]]
		if a.User.Name != b.User.Name {
			return a.User.Name < b.User.Name
		}
		return uids[i] < uids[j]
	})
	return uids
}

// Entries returns the view ordered by name.
func (s *Synchronizer) Entries() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, uid := range s.sortedUIDs() {
		out = append(out, s.entries[uid])
	}
	return out
}

func (s *Synchronizer) Lookup(uid string) (*Entry, bool) {
	e, ok := s.entries[uid]
	return e, ok
}

// LookupPeer finds the entry currently advertising peerID.
func (s *Synchronizer) LookupPeer(peerID string) (*Entry, bool) {
	if peerID == "" {
		return nil, false
	}
	for _, e := range s.entries {
		if e.User.Peer() == peerID {
			return e, true
		}
	}
	return nil, false
}

// NameForPeer resolves a caller's display name.
func (s *Synchronizer) NameForPeer(peerID string) (string, bool) {
	e, ok := s.LookupPeer(peerID)
	if !ok {
		return "", false
	}
	return e.User.Name, true
}

// FindByName matches a display name case-insensitively, falling back to a
// unique prefix match.
func (s *Synchronizer) FindByName(name string) (*Entry, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, false
	}
	var prefix []*Entry
	for _, e := range s.Entries() {
		n := strings.ToLower(e.User.Name)
		if n == name {
			return e, true
		}
		if strings.HasPrefix(n, name) {
			prefix = append(prefix, e)
		}
	}
	if len(prefix) == 1 {
		return prefix[0], true
	}
	return nil, false
}
