package models

import (
	"strings"

	"github.com/petervdpas/huddle/internal/proto"
)

// User is the presence record stored at users/{uid}. PeerID is null until the
// owning client has an open broker session.
type User struct {
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	PhotoURL string  `json:"photoUrl,omitempty"`
	PeerID   *string `json:"peerId"`
}

// Peer returns the broker peer id, or "" when the user is not call-capable.
func (u User) Peer() string {
	if u.PeerID == nil {
		return ""
	}
	return *u.PeerID
}

// WithPeer returns a copy of u with the peer id set; "" clears it.
func (u User) WithPeer(id string) User {
	if id == "" {
		u.PeerID = nil
		return u
	}
	u.PeerID = &id
	return u
}

// Message is one entry of the messages collection. Exactly one of Text and
// ImageURL is set.
type Message struct {
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl,omitempty"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// IsImage reports whether the message carries an image payload.
func (m Message) IsImage() bool { return m.ImageURL != "" }

// IsLocator reports whether ref is an opaque storage locator rather than a
// fetchable URL.
func IsLocator(ref string) bool {
	return strings.HasPrefix(ref, proto.LocatorScheme)
}
