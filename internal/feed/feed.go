// Package feed mirrors the tail of the messages collection into a view and
// sends new text and image messages.
package feed

import (
	"context"
	"sort"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/models"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("huddle/feed")

// DefaultLimit is how many of the most recent messages are shown.
const DefaultLimit = 12

const resolveTimeout = 30 * time.Second

// keepRetired bounds how many messages that scrolled out of the window stay
// in the view.
const keepRetired = 200

// View is one rendered message.
type View struct {
	Key      string
	Name     string
	PhotoURL string
	Lines    []string
	ImageURL string
	IsImage  bool
	// Resolving is set while ImageURL is the placeholder for a locator that
	// has not been resolved yet.
	Resolving bool
}

// Renderer draws messages. Render is called again for the same key when the
// message changes. The list only grows: messages that leave the window stay
// drawn as they were last seen.
type Renderer interface {
	Render(v View)
}

// Resolver turns a storage locator into a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, locator string) (string, error)
}

type Subscriber interface {
	Subscribe(q store.Query, fn store.Handler) (func(), error)
}

type Poster interface {
	Post(fn func())
}

type Config struct {
	Store    Subscriber
	Loop     Poster
	Renderer Renderer
	Resolver Resolver
	Limit    int
}

// Feed owns the message view. Its methods must run on the dispatch loop.
type Feed struct {
	cfg    Config
	ctx    context.Context
	stop   context.CancelFunc
	cancel func()
	gen    uint64

	entries map[string]*entry
	retired []string
}

type entry struct {
	view View
	rev  uint64
	// retired entries left the window; their updates are no longer seen.
	retired bool
}

func New(cfg Config) *Feed {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Feed{cfg: cfg, ctx: ctx, stop: stop, entries: make(map[string]*entry)}
}

func (f *Feed) Start() error {
	f.gen++
	gen := f.gen
	cancel, err := f.cfg.Store.Subscribe(store.Query{
		Collection:  proto.CollMessages,
		LimitToLast: f.cfg.Limit,
	}, func(ev store.Event) {
		f.cfg.Loop.Post(func() { f.apply(gen, ev) })
	})
	if err != nil {
		return err
	}
	f.cancel = cancel
	return nil
}

func (f *Feed) Stop() {
	f.gen++
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.stop()
}

func (f *Feed) apply(gen uint64, ev store.Event) {
	if gen != f.gen {
		return
	}
	if ev.Kind == store.Removed {
		if e, ok := f.entries[ev.Key]; ok && !e.retired {
			e.retired = true
			f.retired = append(f.retired, ev.Key)
			f.prune()
		}
		return
	}

	var m models.Message
	if err := ev.Decode(&m); err != nil {
		log.Warnf("message %s: %v", ev.Key, err)
		return
	}
	e, ok := f.entries[ev.Key]
	if !ok {
		e = &entry{}
		f.entries[ev.Key] = e
	}
	e.retired = false
	e.rev++
	e.view = View{Key: ev.Key, Name: m.Name, PhotoURL: m.PhotoURL}

	switch {
	case m.IsImage() && models.IsLocator(m.ImageURL):
		e.view.IsImage = true
		e.view.ImageURL = proto.PlaceholderImageURL
		e.view.Resolving = f.cfg.Resolver != nil
		if e.view.Resolving {
			f.resolve(ev.Key, e.rev, m.ImageURL)
		}
	case m.IsImage():
		e.view.IsImage = true
		e.view.ImageURL = m.ImageURL
	default:
		e.view.Lines = strings.Split(m.Text, "\n")
	}
	f.cfg.Renderer.Render(e.view)
}

// resolve fetches the URL for locator and applies it if the entry has not
// changed since.
func (f *Feed) resolve(key string, rev uint64, locator string) {
	gen := f.gen
	go func() {
		ctx, cancel := context.WithTimeout(f.ctx, resolveTimeout)
		defer cancel()
		url, err := f.cfg.Resolver.Resolve(ctx, locator)
		f.cfg.Loop.Post(func() {
			e, ok := f.entries[key]
			if gen != f.gen || !ok || e.rev != rev {
				return
			}
			e.view.Resolving = false
			if err != nil {
				log.Warnf("resolve %s: %v", locator, err)
				f.cfg.Renderer.Render(e.view)
				return
			}
			e.view.ImageURL = url
			f.cfg.Renderer.Render(e.view)
		})
	}()
}

// prune forgets the oldest retired entries beyond keepRetired.
func (f *Feed) prune() {
	for len(f.retired) > keepRetired {
		k := f.retired[0]
		f.retired = f.retired[1:]
		if e, ok := f.entries[k]; ok && e.retired {
			delete(f.entries, k)
		}
	}
}

// Snapshot returns the current views in creation order.
func (f *Feed) Snapshot() []View {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]View, len(keys))
	for i, k := range keys {
		out[i] = f.entries[k].view
	}
	return out
}
