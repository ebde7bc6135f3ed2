// Package app wires the client runtime and the hub service together.
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/broker"
	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/feed"
	"github.com/petervdpas/huddle/internal/hub"
	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/models"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/roster"
	"github.com/petervdpas/huddle/internal/store"
	"github.com/petervdpas/huddle/internal/util"
	"github.com/petervdpas/huddle/internal/viewer"
)

var log = logging.Logger("huddle/app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	Password string
	// SignUp creates the account before signing in.
	SignUp bool

	In  io.Reader
	Out io.Writer
}

// client is the runtime state of one signed-in user. Fields below the loop
// marker are owned by the dispatch loop.
type client struct {
	opts     Options
	ctx      context.Context
	quit     context.CancelFunc
	hubc     *hub.Client
	ident    proto.Identity
	store    store.Store
	media    *media.Source
	loop     *dispatch.Loop
	term     *terminal
	composer *feed.Composer
	presence *presence

	profileMu sync.Mutex
	profile   config.Profile

	// loop
	roster    *roster.Synchronizer
	feed      *feed.Feed
	coord     *call.Coordinator
	connected bool
	callState call.State
}

// SetLogLevel applies level to every huddle subsystem.
func SetLogLevel(level string) {
	if err := logging.SetLogLevelRegex("huddle/.*", level); err != nil {
		log.Warnf("log level %q: %v", level, err)
	}
}

func Run(ctx context.Context, o Options) error {
	cfg := o.Cfg
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	SetLogLevel(cfg.Log.Level)
	logBanner(o.Dir, o.CfgPath)

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	hubc := hub.NewClient(cfg.Hub.URL)
	ident, err := signIn(ctx, hubc, cfg.Profile, o.Password, o.SignUp)
	if err != nil {
		return err
	}
	log.Infof("signed in as %s (%s)", ident.Email, ident.UID)

	st, err := store.Dial(ctx, cfg.Hub.URL, hubc)
	if err != nil {
		return err
	}
	defer st.Close()

	src, err := media.NewSource(media.Options{Mode: cfg.Media.Mode, ICEServers: cfg.Media.ICEServers})
	if err != nil {
		return err
	}

	// The loop outlives ctx so shutdown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := dispatch.New()
	loop.Start(loopCtx)

	events := viewer.NewEventBuffer(200)
	c := &client{
		opts:     o,
		ctx:      ctx,
		quit:     quit,
		hubc:     hubc,
		ident:    ident,
		store:    st,
		media:    src,
		loop:     loop,
		term:     newTerminal(o.Out, events),
		profile:  cfg.Profile,
		presence: newPresence(st, ident.UID),
	}
	if c.profile.Name == "" {
		c.profile.Name = ident.Name
	}
	st.OnAuthError(func(err error) {
		loop.Post(func() { c.onAuthError(err) })
	})
	c.composer = feed.NewComposer(st, hubc, c.author)

	c.coord = call.New(call.Config{
		Loop:      loop,
		Media:     src,
		Open:      c.openBroker,
		Directory: c,
		Roster:    c,
		Notifier:  c.term,
		OnPeerID:  c.onPeerID,
		OnState:   c.onCallState,
		OfferTTL:  cfg.Call.OfferTTL(),
		Timeout:   cfg.Call.Timeout(),
	})
	c.roster = roster.New(roster.Config{
		Store:    st,
		Loop:     loop,
		Renderer: rosterView{c.term},
		Calls:    c.coord,
		Actions:  c.coord,
		Self:     ident.UID,
	})
	c.feed = feed.New(feed.Config{
		Store:    st,
		Loop:     loop,
		Renderer: c.term,
		Resolver: hubc,
		Limit:    cfg.Feed.Limit,
	})

	var startErr error
	loop.Call(func() {
		if startErr = c.roster.Start(); startErr != nil {
			return
		}
		startErr = c.feed.Start()
	})
	if startErr != nil {
		return fmt.Errorf("subscribe: %w", startErr)
	}

	stopWatch := st.WatchConnected(func(up bool) {
		loop.Post(func() { c.onConnected(up) })
	})
	defer stopWatch()

	if w, err := watchConfig(o.CfgPath, func(nc config.Config) {
		loop.Post(func() { c.onConfig(nc) })
	}); err != nil {
		log.Warnf("config changes will not be picked up: %v", err)
	} else {
		defer w.Close()
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			if err := viewer.Start(ctx, addr, viewer.Viewer{Source: c, Events: events}); err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		c.term.printf("viewer: %s", url)
	}

	c.term.printf("%s", helpText)
	go c.readInput()

	<-ctx.Done()
	c.shutdown()
	return nil
}

func signIn(ctx context.Context, hubc *hub.Client, p config.Profile, password string, signUp bool) (proto.Identity, error) {
	if p.Email == "" {
		return proto.Identity{}, feed.ErrSignInRequired
	}
	if signUp {
		ident, err := hubc.SignUp(ctx, p.Email, p.Name, password)
		if err != nil {
			return proto.Identity{}, fmt.Errorf("sign up: %w", err)
		}
		return ident, nil
	}
	ident, err := hubc.SignIn(ctx, p.Email, password)
	if err != nil {
		return proto.Identity{}, fmt.Errorf("sign in: %w", err)
	}
	return ident, nil
}

func (c *client) shutdown() {
	c.loop.Call(func() {
		c.coord.Close()
		c.feed.Stop()
		c.roster.Stop()
	})
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.presence.Withdraw(ctx); err != nil {
		log.Debugf("withdraw presence: %v", err)
	}
	log.Infof("signed out")
}

func (c *client) readInput() {
	sc := bufio.NewScanner(c.opts.In)
	for sc.Scan() {
		line := sc.Text()
		c.loop.Post(func() { c.command(line) })
	}
	c.quit()
}

func (c *client) author() (name, photoURL string, ok bool) {
	if c.ident.UID == "" {
		return "", "", false
	}
	c.profileMu.Lock()
	defer c.profileMu.Unlock()
	return c.profile.Name, c.profile.PhotoURL, true
}

func (c *client) selfRecord() models.User {
	c.profileMu.Lock()
	p := c.profile
	c.profileMu.Unlock()
	return models.User{Name: p.Name, Email: c.ident.Email, PhotoURL: p.PhotoURL}.WithPeer(c.coord.PeerID())
}

func (c *client) onConnected(up bool) {
	if up == c.connected {
		return
	}
	c.connected = up
	if !up {
		c.term.Notify("connection to the hub lost, reconnecting")
		return
	}
	log.Infof("connected to %s", c.opts.Cfg.Hub.URL)
	c.presence.Announce(c.selfRecord())
	c.coord.EnsureBroker()
}

// onAuthError reports that the session can no longer be renewed, and when
// it recovers.
func (c *client) onAuthError(err error) {
	if err != nil {
		c.term.Notify("cannot sign in again, staying offline: " + err.Error())
		return
	}
	c.term.Notify("signed in again")
}

func (c *client) onPeerID(id string) {
	if c.connected {
		c.presence.SetPeer(id)
	}
}

func (c *client) onConfig(nc config.Config) {
	SetLogLevel(nc.Log.Level)

	c.profileMu.Lock()
	changed := c.profile.Name != nc.Profile.Name || c.profile.PhotoURL != nc.Profile.PhotoURL
	c.profile.Name = nc.Profile.Name
	c.profile.PhotoURL = nc.Profile.PhotoURL
	c.profileMu.Unlock()

	if changed {
		log.Infof("profile changed, now %q", nc.Profile.Name)
		if c.connected {
			c.presence.Announce(c.selfRecord())
		}
	}
}

func (c *client) onCallState(in call.Info) {
	prev := c.callState
	c.callState = in.State
	if prev == in.State {
		return
	}
	switch in.State {
	case call.OutboundPending:
		c.term.printf("~ calling %s…", in.Name)
	case call.Active:
		c.term.printf("~ in call with %s", in.Name)
	case call.Idle:
		if prev != call.InboundOffered {
			c.term.printf("~ call ended")
		}
	}
}

func (c *client) openBroker(ctx context.Context, ev call.BrokerEvents) (call.Broker, error) {
	cfg := c.opts.Cfg
	recordDir := ""
	if cfg.Call.RecordDir != "" {
		recordDir = util.ResolvePath(c.opts.Dir, cfg.Call.RecordDir)
	}
	s, err := broker.Open(ctx, broker.Options{
		HubURL:    cfg.Hub.URL,
		Key:       cfg.Hub.AppKey,
		Tokens:    c.hubc,
		Media:     c.media,
		RecordDir: recordDir,
	}, broker.Handlers{
		OnCall:  func(bc *broker.Call) { ev.OnCall(bc) },
		OnClose: ev.OnClose,
	})
	if err != nil {
		return nil, err
	}
	return sessionBroker{s}, nil
}

// sessionBroker adapts *broker.Session to call.Broker.
type sessionBroker struct{ s *broker.Session }

func (b sessionBroker) ID() string   { return b.s.ID() }
func (b sessionBroker) Close() error { return b.s.Close() }

func (b sessionBroker) Call(ctx context.Context, peerID string, st *media.Stream) (call.RemoteCall, error) {
	bc, err := b.s.Call(ctx, peerID, st)
	if err != nil {
		return nil, err
	}
	return bc, nil
}

// call.Directory and call.Roster, loop-only.

func (c *client) NameForPeer(peerID string) (string, bool) { return c.roster.NameForPeer(peerID) }
func (c *client) Rebuild() error                           { return c.roster.Rebuild() }

// notifyErr reports a failed user action. Safe from any goroutine.
func (c *client) notifyErr(err error) {
	msg := strings.TrimPrefix(err.Error(), "feed: ")
	c.loop.Post(func() { c.term.Notify(msg) })
}
