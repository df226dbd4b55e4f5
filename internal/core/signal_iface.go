package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Subscription is returned by Transport.On; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Transport is a bidirectional named-event channel to the relay.
// Handlers of one connection are invoked sequentially in arrival order.
type Transport interface {
	// ID is the connection id assigned by the relay.
	ID() domain.PeerID
	Emit(event string, payload any) error
	On(event string, h Handler) Subscription
	OnDisconnect(fn func(err error))
	// Disconnect is idempotent and never touches peer connections.
	Disconnect() error
}

// Dialer opens transports. Dial returns once the relay assigned an id.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}
