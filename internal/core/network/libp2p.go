package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultRendezvous = "jitter-bench"

// Libp2pOptions configures the peer-mode transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	// Topics lists the names a wildcard subscription may resolve to.
	// Gossipsub only delivers on joined topics, so wildcards are expanded
	// against this list when a subscriber is declared.
	Topics []string
}

// Libp2pSession provides gossip-based pubsub over libp2p.
type Libp2pSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	host  host.Host
	ps    *pubsub.PubSub
	known []string
	mdns  mdns.Service

	mu     sync.Mutex
	closed bool
	topics map[string]*pubsub.Topic
}

func NewLibp2pSession(parent context.Context, opts Libp2pOptions, log *zap.Logger) (*Libp2pSession, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: invalid listen multiaddr %q: %w", ErrConnect, s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: load identity key: %w", ErrConnect, err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create host: %w", ErrConnect, err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("%w: create gossipsub: %w", ErrConnect, err)
	}

	s := &Libp2pSession{
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("libp2p"),
		host:   h,
		ps:     ps,
		known:  append([]string(nil), opts.Topics...),
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.EnableMDNS {
		rendezvous := opts.Rendezvous
		if rendezvous == "" {
			rendezvous = defaultRendezvous
		}
		service := mdns.NewMdnsService(h, rendezvous, &mdnsNotifee{host: h, log: s.log})
		if err := service.Start(); err != nil {
			s.log.Warn("mdns start failed", zap.Error(err))
		} else {
			s.mdns = service
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			s.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			s.log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			s.log.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
		} else {
			s.log.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
		}
	}

	return s, nil
}

func (s *Libp2pSession) DeclarePublisher(topic string) (Publisher, error) {
	if err := ValidateKeyExpr(topic); err != nil {
		return nil, err
	}
	if IsWildcard(topic) {
		return nil, fmt.Errorf("%w: publisher topic %q contains a wildcard", ErrInvalidKeyExpr, topic)
	}
	t, err := s.getOrJoinTopic(topic)
	if err != nil {
		return nil, err
	}
	return &libp2pPublisher{ctx: s.ctx, topic: t}, nil
}

func (s *Libp2pSession) DeclareSubscriber(keyExpr string) (Subscriber, error) {
	if err := ValidateKeyExpr(keyExpr); err != nil {
		return nil, err
	}
	names := ResolveKeyExpr(keyExpr, s.known)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvedKeyExpr, keyExpr)
	}

	subCtx, subCancel := context.WithCancel(s.ctx)
	sub := &libp2pSubscriber{
		keyExpr: keyExpr,
		out:     make(chan Message, 256),
		cancel:  subCancel,
	}
	for _, name := range names {
		t, err := s.getOrJoinTopic(name)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
		ps, err := t.Subscribe()
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
		sub.subs = append(sub.subs, ps)
	}

	for _, ps := range sub.subs {
		sub.wg.Add(1)
		go sub.pump(subCtx, ps)
	}
	go func() {
		sub.wg.Wait()
		close(sub.out)
	}()
	s.log.Debug("declared subscriber", zap.String("key", keyExpr), zap.Int("topics", len(names)))
	return sub, nil
}

func (s *Libp2pSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.mdns != nil {
		err = multierr.Append(err, s.mdns.Close())
	}
	// Topics are removed through the pubsub loop, so close them before
	// cancelling its context.
	s.mu.Lock()
	for _, t := range s.topics {
		err = multierr.Append(err, t.Close())
	}
	s.mu.Unlock()
	s.cancel()
	return multierr.Append(err, s.host.Close())
}

func (s *Libp2pSession) PeerID() string {
	return s.host.ID().String()
}

func (s *Libp2pSession) ListenAddrs() []string {
	out := make([]string, 0, len(s.host.Addrs()))
	for _, addr := range s.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), s.host.ID().String()))
	}
	return out
}

func (s *Libp2pSession) ConnectedPeers() []string {
	peers := s.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (s *Libp2pSession) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.topics[name]; ok {
		return t, nil
	}
	t, err := s.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	s.topics[name] = t
	return t, nil
}

type libp2pPublisher struct {
	ctx   context.Context
	topic *pubsub.Topic
}

func (p *libp2pPublisher) Topic() string { return p.topic.String() }

func (p *libp2pPublisher) Put(ctx context.Context, payload []byte) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelivery, p.topic.String(), ErrClosed)
	}
	if err := p.topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelivery, p.topic.String(), err)
	}
	return nil
}

// Close is a no-op; joined topics are owned by the session.
func (p *libp2pPublisher) Close() error { return nil }

type libp2pSubscriber struct {
	keyExpr string
	subs    []*pubsub.Subscription
	out     chan Message
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func (s *libp2pSubscriber) KeyExpr() string          { return s.keyExpr }
func (s *libp2pSubscriber) Messages() <-chan Message { return s.out }

func (s *libp2pSubscriber) pump(ctx context.Context, ps *pubsub.Subscription) {
	defer s.wg.Done()
	topic := ps.Topic()
	for {
		msg, err := ps.Next(ctx)
		if err != nil {
			return
		}
		select {
		case s.out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...)}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *libp2pSubscriber) Close() error {
	s.once.Do(func() {
		s.cancel()
		for _, ps := range s.subs {
			ps.Cancel()
		}
	})
	return nil
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
