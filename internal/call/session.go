package call

import "time"

// State of the coordinator.
type State int

const (
	Idle State = iota
	OutboundPending
	InboundOffered
	Active
)

func (s State) String() string {
	switch s {
	case OutboundPending:
		return "calling"
	case InboundOffered:
		return "ringing"
	case Active:
		return "in call"
	default:
		return "idle"
	}
}

// Direction of a call session.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// session is the single call the coordinator owns. token identifies it to
// the asynchronous continuations started on its behalf.
type session struct {
	call      RemoteCall
	peer      string
	name      string
	dir       Direction
	token     uint64
	started   time.Time
	accepting bool
	expiry    *time.Timer
}

// Info describes the current session for display.
type Info struct {
	State     State
	Peer      string
	Name      string
	Direction Direction
	Since     time.Time
}
