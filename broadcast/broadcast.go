// Package broadcast defines the pub/sub transport contract the realtime
// layer consumes. A transport delivers events published to a named channel
// to every currently subscribed client, at least once, with no replay of
// events published while a client was disconnected.
package broadcast

import (
	"context"
	"encoding/json"
)

// ConnStatus is the state of the underlying transport connection.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Event is a single broadcast delivery.
type Event struct {
	Channel string
	Name    string
	Payload json.RawMessage
}

// Handler consumes events delivered on a subscribed channel.
// A handler must never panic the delivery loop; transports recover and log.
type Handler func(Event)

// Subscription is a live channel subscription held by the caller.
type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// Transport is a named-channel pub/sub connection.
type Transport interface {
	// Subscribe attaches h to the channel, opening it if needed.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	// Publish sends an event to every subscriber of the channel.
	// The payload is JSON-marshalled.
	Publish(ctx context.Context, channel, event string, payload any) error
	// OnStatusChange registers an observer for connection status transitions.
	OnStatusChange(fn func(ConnStatus))
	Close() error
}
