// Package hub is the realtime service huddle clients talk to: it hosts the
// store and the peer broker over websockets, and the account, upload and
// metrics endpoints over HTTP.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/huddle/internal/auth"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/store"
)

var log = logging.Logger("huddle/hub")

const (
	maxFrameBytes = 1 << 20
	readWait      = 60 * time.Second
	pingEvery     = 25 * time.Second
	writeWait     = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configure a Server. DB and Uploads may be nil: without a DB there
// are no accounts and nothing persists; without Uploads the upload endpoints
// answer 503.
type Options struct {
	Addr    string
	AppKey  string
	Tokens  *auth.TokenService
	Hasher  auth.Hasher
	DB      *DB
	Uploads *Uploads

	// Per-connection store write limit (frames per second, burst).
	WriteRate  float64
	WriteBurst int
}

type Server struct {
	opts    Options
	engine  *store.Engine
	metrics *metrics
	relay   *relay
	router  chi.Router

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Tokens == nil {
		return nil, errors.New("hub: token service required")
	}
	if opts.WriteRate <= 0 {
		opts.WriteRate = 20
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 40
	}
	if opts.Hasher.Cost == 0 {
		opts.Hasher = auth.NewHasher()
	}

	var persist store.Persister
	if opts.DB != nil {
		persist = opts.DB
	}
	engine, err := store.NewEngine(persist, proto.CollMessages)
	if err != nil {
		return nil, fmt.Errorf("hub: open store: %w", err)
	}

	s := &Server{
		opts:    opts,
		engine:  engine,
		metrics: newMetrics(),
	}
	s.relay = newRelay(s.metrics)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/signin", s.handleSignIn)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/auth/me", s.handleMe)
			r.Post("/uploads", s.handleUpload)
			r.Get("/uploads/resolve", s.handleResolve)
		})
	})

	r.With(s.requireToken).Get(proto.StorePath, s.handleStore)
	r.With(s.requireToken).Get(proto.BrokerPath, s.handleBroker)
	return r
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Engine is the store engine the hub serves.
func (s *Server) Engine() *store.Engine { return s.engine }

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("hub: listen %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Infof("hub listening on %s", s.URL())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("hub serve: %v", err)
		}
	}()
	return nil
}

// URL returns the http base URL the hub is reachable at.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	addr := s.listener.Addr().String()
	if strings.HasPrefix(addr, "[::]") || strings.HasPrefix(addr, "0.0.0.0") {
		_, port, _ := net.SplitHostPort(addr)
		addr = "127.0.0.1:" + port
	}
	return "http://" + addr
}

type ctxKey struct{}

// requireToken accepts the token from the Authorization header or, for
// websocket upgrades, the token query parameter.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			httpError(w, http.StatusUnauthorized, "sign-in required")
			return
		}
		claims, err := s.opts.Tokens.Validate(tok)
		if err != nil {
			httpError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(ctxKey{}).(*auth.Claims)
	return c
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Warnf("encode response: %v", err)
		}
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
