package core

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

// DeviceError reports that no requested capture device could be opened.
// The session continues without media.
type DeviceError struct {
	Kinds []string
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media devices %v unavailable: %v", e.Kinds, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NegotiationError is logged and surfaced per peer, never returned from Join.
type NegotiationError struct {
	Peer domain.PeerID
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError aborts a join.
type TransportError struct {
	URL string
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
