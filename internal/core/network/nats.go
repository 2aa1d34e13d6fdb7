package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSOptions configures the client-mode transport.
type NATSOptions struct {
	URLs          []string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	// FlushTimeout bounds the round trip Put waits for, making delivery
	// blocking from the caller's point of view. Zero disables flushing.
	FlushTimeout time.Duration
	Buffer       int
}

// NATSSession routes key expressions to NATS subjects ('/' becomes '.').
type NATSSession struct {
	conn   *nats.Conn
	log    *zap.Logger
	opts   NATSOptions
	mu     sync.Mutex
	subs   []*natsSubscriber
	closed bool
}

func buildNATSOptions(opts NATSOptions, log *zap.Logger) []nats.Option {
	var out []nats.Option
	if opts.ClientName != "" {
		out = append(out, nats.Name(opts.ClientName))
	}
	if opts.MaxReconnects != 0 {
		out = append(out, nats.MaxReconnects(opts.MaxReconnects))
	}
	if opts.ReconnectWait > 0 {
		out = append(out, nats.ReconnectWait(opts.ReconnectWait))
	}
	if opts.Timeout > 0 {
		out = append(out, nats.Timeout(opts.Timeout))
	}
	out = append(out,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	return out
}

func NewNATSSession(opts NATSOptions, log *zap.Logger) (*NATSSession, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	url := nats.DefaultURL
	if len(opts.URLs) > 0 {
		url = strings.Join(opts.URLs, ",")
	}
	conn, err := nats.Connect(url, buildNATSOptions(opts, log)...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats %s: %w", ErrConnect, url, err)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultMemoryBuffer
	}
	log.Info("connected", zap.String("url", conn.ConnectedUrl()))
	return &NATSSession{conn: conn, log: log, opts: opts}, nil
}

func (s *NATSSession) DeclarePublisher(topic string) (Publisher, error) {
	if err := ValidateKeyExpr(topic); err != nil {
		return nil, err
	}
	if IsWildcard(topic) {
		return nil, fmt.Errorf("%w: publisher topic %q contains a wildcard", ErrInvalidKeyExpr, topic)
	}
	subject, err := natsSubject(topic)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{session: s, topic: topic, subject: subject}, nil
}

func (s *NATSSession) DeclareSubscriber(keyExpr string) (Subscriber, error) {
	if err := ValidateKeyExpr(keyExpr); err != nil {
		return nil, err
	}
	subject, err := natsSubject(keyExpr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	raw := make(chan *nats.Msg, s.opts.Buffer)
	ns, err := s.conn.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	sub := &natsSubscriber{
		keyExpr: keyExpr,
		sub:     ns,
		raw:     raw,
		out:     make(chan Message, s.opts.Buffer),
		done:    make(chan struct{}),
	}
	go sub.pump()
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *NATSSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	s.conn.Close()
	return nil
}

type natsPublisher struct {
	session *NATSSession
	topic   string
	subject string
}

func (p *natsPublisher) Topic() string { return p.topic }

func (p *natsPublisher) Put(ctx context.Context, payload []byte) error {
	conn := p.session.conn
	if err := conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelivery, p.topic, err)
	}
	if p.session.opts.FlushTimeout <= 0 {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, p.session.opts.FlushTimeout)
	defer cancel()
	if err := conn.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("%w: %s: flush: %w", ErrDelivery, p.topic, err)
	}
	return nil
}

func (p *natsPublisher) Close() error { return nil }

type natsSubscriber struct {
	keyExpr string
	sub     *nats.Subscription
	raw     chan *nats.Msg
	out     chan Message
	done    chan struct{}
	once    sync.Once
}

func (s *natsSubscriber) KeyExpr() string          { return s.keyExpr }
func (s *natsSubscriber) Messages() <-chan Message { return s.out }

func (s *natsSubscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m := <-s.raw:
			select {
			case s.out <- Message{Topic: topicFromSubject(m.Subject), Payload: m.Data}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}
