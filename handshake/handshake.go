// Package handshake gates a connection until a version-compatible Init exchange completes.
//
// The accepting side runs a Gate, the dialing side an Initiator:
//
//	Initiator                                Gate (AwaitingInit)
//	    │ ──── InitRequest{id, version 2} ────→ │
//	    │ ←─── InitResponse{id, version 2} ──── │ → Ready
//	  Ready                                     │
//
// Anything else reaching a Gate before the InitRequest is answered with a fatal
// protocol Error and the connection is closed.
package handshake

import (
	"errors"
	"fmt"

	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

var (
	// ErrNotInitialized is returned when a peer sends traffic before InitRequest.
	ErrNotInitialized = errors.New("handshake: message before Init")
	// ErrVersionMismatch is returned for an Init message with an unsupported version.
	ErrVersionMismatch = errors.New("handshake: unsupported protocol version")
	// ErrBadInitHandshake is returned by an Initiator for any reply other than a matching InitResponse.
	ErrBadInitHandshake = errors.New("handshake: bad init handshake")
	// ErrClosed is returned once a handshake has failed.
	ErrClosed = errors.New("handshake: failed earlier")
)

// Messages sent with the fatal Error that ends a failed handshake.
const (
	MsgExpectedVersion = "expected version 2"
	MsgDataBeforeInit  = "must not send data until Init"
)

// State is the progress of one side of the handshake.
type State int

const (
	AwaitingInit State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingInit:
		return "AwaitingInit"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Gate is the accepting side of the handshake.
type Gate struct {
	state State
	peer  message.InitParams
}

// NewGate returns a Gate awaiting the peer's InitRequest.
func NewGate() *Gate {
	return &Gate{state: AwaitingInit}
}

// State returns the gate's current state.
func (g *Gate) State() State { return g.state }

// Ready reports whether the handshake has completed.
func (g *Gate) Ready() bool { return g.state == Ready }

// Peer returns the parameters the peer sent in its InitRequest.
func (g *Gate) Peer() message.InitParams { return g.peer }

// Handle inspects one inbound message.
//
// reply, if not nil, must be sent to the peer. forward reports whether m should continue
// to the rest of the pipeline. A non-nil error means the handshake failed and the
// connection must be closed once reply is written. Once Ready the gate forwards everything.
func (g *Gate) Handle(m message.Message) (reply message.Message, forward bool, err error) {
	switch g.state {
	case Ready:
		return nil, true, nil
	case Failed:
		return nil, false, ErrClosed
	}

	req, ok := m.(*message.InitRequest)
	if !ok {
		g.state = Failed
		return fatal(m.MessageID(), MsgDataBeforeInit), false,
			fmt.Errorf("%w: got %s id=%d", ErrNotInitialized, m.Type(), m.MessageID())
	}
	if req.Version != protocol.Version {
		g.state = Failed
		return fatal(req.ID, MsgExpectedVersion), false,
			fmt.Errorf("%w: peer sent %d", ErrVersionMismatch, req.Version)
	}

	g.state = Ready
	g.peer = req.InitParams
	return &message.InitResponse{ID: req.ID, InitParams: req.InitParams}, false, nil
}

// Initiator is the dialing side of the handshake.
type Initiator struct {
	state State
	req   *message.InitRequest
	peer  message.InitParams
}

// NewInitiator prepares an InitRequest with id and the local parameters.
// A zero Version is filled in with protocol.Version.
func NewInitiator(id uint32, local message.InitParams) *Initiator {
	if local.Version == 0 {
		local.Version = protocol.Version
	}
	return &Initiator{state: AwaitingInit, req: &message.InitRequest{ID: id, InitParams: local}}
}

// Request returns the InitRequest to send first.
func (i *Initiator) Request() *message.InitRequest { return i.req }

// State returns the initiator's current state.
func (i *Initiator) State() State { return i.state }

// Ready reports whether a valid InitResponse has been received.
func (i *Initiator) Ready() bool { return i.state == Ready }

// Peer returns the parameters from the peer's InitResponse.
func (i *Initiator) Peer() message.InitParams { return i.peer }

// Handle checks the peer's reply to the InitRequest.
// Once Ready the initiator accepts everything.
func (i *Initiator) Handle(m message.Message) error {
	switch i.state {
	case Ready:
		return nil
	case Failed:
		return ErrClosed
	}

	i.state = Failed
	switch res := m.(type) {
	case *message.InitResponse:
		if res.ID != i.req.ID {
			return fmt.Errorf("%w: InitResponse id=%d for InitRequest id=%d", ErrBadInitHandshake, res.ID, i.req.ID)
		}
		if res.Version != protocol.Version {
			return fmt.Errorf("%w: %w: peer sent %d", ErrBadInitHandshake, ErrVersionMismatch, res.Version)
		}
		i.state = Ready
		i.peer = res.InitParams
		return nil
	case *message.Error:
		return fmt.Errorf("%w: peer answered %s", ErrBadInitHandshake, res)
	default:
		return fmt.Errorf("%w: expected InitResponse, got %s", ErrBadInitHandshake, m.Type())
	}
}

func fatal(id uint32, text string) *message.Error {
	return &message.Error{ID: id, Code: message.ErrorTypeFatalProtocolError, Message: text}
}
