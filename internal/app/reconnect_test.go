package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/proto"
)

// linkProxy relays TCP to the hub and can cut every relayed connection.
type linkProxy struct {
	ln     net.Listener
	target string

	mu    sync.Mutex
	conns []net.Conn
	down  bool
}

func newLinkProxy(t *testing.T, hubURL string) *linkProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &linkProxy{ln: ln, target: strings.TrimPrefix(hubURL, "http://")}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go p.relay(c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		p.setDown(true)
	})
	return p
}

func (p *linkProxy) URL() string { return "http://" + p.ln.Addr().String() }

func (p *linkProxy) relay(c net.Conn) {
	up, err := net.Dial("tcp", p.target)
	if err != nil {
		c.Close()
		return
	}
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		c.Close()
		up.Close()
		return
	}
	p.conns = append(p.conns, c, up)
	p.mu.Unlock()
	go func() {
		io.Copy(up, c)
		up.Close()
	}()
	io.Copy(c, up)
	c.Close()
}

// setDown cuts the link (true) or lets new connections through (false).
func (p *linkProxy) setDown(down bool) {
	p.mu.Lock()
	p.down = down
	conns := p.conns
	if down {
		p.conns = nil
	}
	p.mu.Unlock()
	if down {
		for _, c := range conns {
			c.Close()
		}
	}
}

func TestPresenceRestoredAfterReconnect(t *testing.T) {
	srv, ts := newHub(t)
	proxy := newLinkProxy(t, ts.URL)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.FileName)
	cfg := config.Default()
	cfg.Profile = config.Profile{Name: "Ann", Email: "ann@example.com"}
	cfg.Hub = config.Hub{URL: proxy.URL(), AppKey: "test-key"}
	cfg.Media = config.Media{Mode: "silence", ICEServers: []string{}}
	require.NoError(t, config.Save(cfgPath, cfg))

	in, typed := io.Pipe()
	out := &syncBuffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Dir: dir, CfgPath: cfgPath, Cfg: cfg,
			Password: "password123", SignUp: true,
			In: in, Out: out,
		})
	}()

	var firstPeer string
	require.Eventually(t, func() bool {
		u, ok := onlyUser(srv)
		firstPeer = u.Peer()
		return ok && firstPeer != ""
	}, 5*time.Second, 10*time.Millisecond)

	proxy.setDown(true)
	require.Eventually(t, func() bool {
		return len(srv.Engine().Keys(proto.CollUsers)) == 0
	}, 5*time.Second, 10*time.Millisecond, "disconnect hook did not remove the user record")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "connection to the hub lost")
	}, 5*time.Second, 10*time.Millisecond)

	proxy.setDown(false)
	require.Eventually(t, func() bool {
		u, ok := onlyUser(srv)
		return ok && u.Name == "Ann" && u.Peer() != "" && u.Peer() != firstPeer
	}, 10*time.Second, 20*time.Millisecond, "presence was not written again:\n%s", out.String())

	fmt.Fprintln(typed, "/quit")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("client did not stop")
	}
}
