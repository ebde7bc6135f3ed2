// Package viewer serves a read-only local page with the message feed, the
// roster and recent notifications.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/feed"
)

var log = logging.Logger("huddle/viewer")

// Person is one roster entry as served on /roster.json.
type Person struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
	PeerID   string `json:"peer_id,omitempty"`
	Self     bool   `json:"self"`
	Action   string `json:"action,omitempty"`
}

// Source supplies the data the viewer shows. Implementations must be safe to
// call from HTTP handler goroutines.
type Source interface {
	Messages() []feed.View
	People() []Person
	Status() string
}

type Viewer struct {
	Source Source
	Events *EventBuffer
	Title  string
}

// Handler returns the viewer's routes.
func (v Viewer) Handler() (http.Handler, error) {
	page, err := newPageRenderer()
	if err != nil {
		return nil, err
	}
	if v.Title == "" {
		v.Title = "huddle"
	}

	mux := http.NewServeMux()
	mux.Handle("/{$}", noCache(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := page.render(pageData{
			Title:    v.Title,
			Status:   v.Source.Status(),
			Messages: v.Source.Messages(),
			People:   v.Source.People(),
		})
		if err != nil {
			log.Errorf("render page: %v", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(out)
	})))
	mux.HandleFunc("GET /roster.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(v.Source.People())
	})
	if v.Events != nil {
		mux.HandleFunc("GET /api/events", v.Events.ServeJSON)
		mux.HandleFunc("GET /api/events/stream", v.Events.ServeSSE)
	}
	return mux, nil
}

// Start serves the viewer on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	h, err := v.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infof("viewer on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
