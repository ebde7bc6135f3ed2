package app

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/feed"
	"github.com/petervdpas/huddle/internal/roster"
	"github.com/petervdpas/huddle/internal/viewer"
)

// terminal prints the feed, roster changes and notifications.
type terminal struct {
	mu     sync.Mutex
	out    io.Writer
	events *viewer.EventBuffer

	// loop-only
	shown  map[string]feed.View
	online map[string]string // uid -> name as of the previous generation
	seen   map[string]string // rendered since the last reset
}

func newTerminal(out io.Writer, events *viewer.EventBuffer) *terminal {
	return &terminal{
		out:    out,
		events: events,
		shown:  make(map[string]feed.View),
		online: make(map[string]string),
		seen:   make(map[string]string),
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

// feed.Renderer

func (t *terminal) Render(v feed.View) {
	prev, again := t.shown[v.Key]
	t.shown[v.Key] = v
	switch {
	case !v.IsImage:
		if again && strings.Join(prev.Lines, "\n") == strings.Join(v.Lines, "\n") {
			return
		}
		for i, line := range v.Lines {
			if i == 0 {
				t.printf("[%s] %s", v.Name, line)
			} else {
				t.printf("%s  %s", strings.Repeat(" ", len(v.Name)+2), line)
			}
		}
	case v.Resolving:
		t.printf("[%s] shared an image (loading…)", v.Name)
	case again && prev.ImageURL == v.ImageURL:
	default:
		t.printf("[%s] image: %s", v.Name, v.ImageURL)
	}
}

// rosterView adapts the terminal to roster.Renderer. A rebuild renders every
// entry again; only users missing from the previous generation are announced.
type rosterView struct{ t *terminal }

func (r rosterView) Reset() {
	t := r.t
	t.online = make(map[string]string, len(t.seen))
	for uid, name := range t.seen {
		t.online[uid] = name
	}
	t.seen = make(map[string]string)
}

func (r rosterView) Render(e *roster.Entry) {
	t := r.t
	t.seen[e.UID] = e.User.Name
	if _, ok := t.online[e.UID]; !ok && !e.Self {
		t.printf("* %s is online", e.User.Name)
	}
	t.online[e.UID] = e.User.Name
}

// call.Notifier

func (t *terminal) IncomingCall(name string, ttl time.Duration) {
	t.Notify(fmt.Sprintf("incoming call from %s, /accept within %s", name, ttl))
}

func (t *terminal) Notify(msg string) {
	t.printf("! %s", msg)
	if t.events != nil {
		t.events.Add(msg)
	}
}

func (t *terminal) who(entries []*roster.Entry, status string) {
	t.printf("-- %s --", status)
	for _, e := range entries {
		var tags []string
		if e.Self {
			tags = append(tags, "you")
		}
		if e.User.Peer() == "" && !e.Self {
			tags = append(tags, "no calls")
		}
		if a := e.Affordance.String(); a != "" {
			tags = append(tags, "/"+strings.ReplaceAll(a, "end call", "hangup"))
		}
		if len(tags) > 0 {
			t.printf("  %s (%s)", e.User.Name, strings.Join(tags, ", "))
		} else {
			t.printf("  %s", e.User.Name)
		}
	}
}

const helpText = `commands:
  <text>          send a message
  /image <path>   share an image
  /call <name>    call someone
  /accept         accept an incoming call
  /hangup         end the current call
  /who            list who is online
  /quit           leave`
