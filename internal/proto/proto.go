// Package proto holds the wire types shared by the hub and its clients.
package proto

import (
	"encoding/json"
	"time"
)

const (
	// Store collections.
	CollMessages = "messages"
	CollUsers    = "users"

	// PlaceholderImageURL is written into a new image message until its upload
	// completes and the message is updated with the storage locator.
	PlaceholderImageURL = "https://www.google.com/images/spin-32.gif"

	// LocatorScheme prefixes opaque storage locators ("s3://bucket/key").
	LocatorScheme = "s3://"

	// Websocket endpoints on the hub.
	StorePath  = "/ws/store"
	BrokerPath = "/ws/broker"
)

// Store frame ops, client → hub.
const (
	OpSub          = "sub"
	OpUnsub        = "unsub"
	OpPush         = "push"
	OpSet          = "set"
	OpUpdate       = "update"
	OpRemove       = "remove"
	OpOnDisconnect = "ondisconnect"
)

// Store frame ops, hub → client.
const (
	OpEvent = "event"
	OpReady = "ready" // initial snapshot of a subscription delivered
	OpAck   = "ack"
	OpError = "error"
)

// Child event kinds.
const (
	KindAdded   = "added"
	KindChanged = "changed"
	KindRemoved = "removed"
)

// StoreFrame is one JSON message on the store websocket.
type StoreFrame struct {
	Op    string          `json:"op"`
	ID    int64           `json:"id,omitempty"`  // request id, echoed in ack/error
	Sub   int64           `json:"sub,omitempty"` // subscription id
	Coll  string          `json:"coll,omitempty"`
	Key   string          `json:"key,omitempty"`
	Limit int             `json:"limit,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Broker signal types.
const (
	SignalOpen   = "open"
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalHangup = "hangup"
	SignalError  = "error"
)

// ErrPeerUnavailable is the error text the broker returns when the target
// peer id is not connected.
const ErrPeerUnavailable = "peer-unavailable"

// ErrNotInCall is returned for a signal about a call the sender is not part of.
const ErrNotInCall = "not-in-call"

// Signal is one JSON message on the broker websocket.
type Signal struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"` // assigned peer id, open only
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Call  string `json:"call,omitempty"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// Identity is returned by the hub's sign-in endpoints.
type Identity struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photo_url,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Upload is the hub's answer to an upload request.
type Upload struct {
	Locator string `json:"locator"`
	PutURL  string `json:"put_url"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
