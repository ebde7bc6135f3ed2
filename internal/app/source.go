package app

import (
	"fmt"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/feed"
	"github.com/petervdpas/huddle/internal/viewer"
)

// viewer.Source; these run on HTTP goroutines and read state through the loop.

func (c *client) Messages() []feed.View {
	var out []feed.View
	c.loop.Call(func() { out = c.feed.Snapshot() })
	return out
}

func (c *client) People() []viewer.Person {
	var out []viewer.Person
	c.loop.Call(func() {
		for _, e := range c.roster.Entries() {
			out = append(out, viewer.Person{
				UID:      e.UID,
				Name:     e.User.Name,
				PhotoURL: e.User.PhotoURL,
				PeerID:   e.User.Peer(),
				Self:     e.Self,
				Action:   e.Affordance.String(),
			})
		}
	})
	return out
}

func (c *client) Status() string {
	var s string
	c.loop.Call(func() { s = c.status() })
	return s
}

func (c *client) status() string {
	conn := "offline"
	if c.connected {
		conn = "online"
	}
	name, _, _ := c.author()
	in := c.coord.Info()
	if in.State == call.Idle {
		return fmt.Sprintf("%s as %s", conn, name)
	}
	return fmt.Sprintf("%s as %s, %s (%s)", conn, name, in.State, in.Name)
}
