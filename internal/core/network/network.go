package network

import (
	"context"
	"errors"
)

var (
	ErrConnect           = errors.New("connect failed")
	ErrDelivery          = errors.New("delivery failed")
	ErrClosed            = errors.New("session closed")
	ErrInvalidKeyExpr    = errors.New("invalid key expression")
	ErrUnresolvedKeyExpr = errors.New("key expression matches no known topic")
	ErrUnknownMode       = errors.New("unknown session mode")
)

const (
	ModePeer   = "peer"
	ModeClient = "client"
	ModeMemory = "memory"
)

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	Payload []byte
}

// Session is an open connection to the pub/sub fabric.
type Session interface {
	DeclarePublisher(topic string) (Publisher, error)
	DeclareSubscriber(keyExpr string) (Subscriber, error)
	Close() error
}

// Publisher is a handle bound to a single topic. Put blocks until the
// transport has accepted the payload.
type Publisher interface {
	Topic() string
	Put(ctx context.Context, payload []byte) error
	Close() error
}

// Subscriber delivers every message whose topic matches its key expression.
// The channel is closed once the subscriber or its session is closed.
type Subscriber interface {
	KeyExpr() string
	Messages() <-chan Message
	Close() error
}
