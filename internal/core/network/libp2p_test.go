package network

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLoopbackPeer(t *testing.T, bootstrap []string, topics []string) *Libp2pSession {
	t.Helper()
	s, err := NewLibp2pSession(context.Background(), Libp2pOptions{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   bootstrap,
		Topics:      topics,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibp2pWildcardDeliveryBetweenPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	topics := []string{"bench/db/DBI_0", "bench/db/DBI_1"}
	a := newLoopbackPeer(t, nil, nil)
	b := newLoopbackPeer(t, a.ListenAddrs()[:1], topics)
	require.Contains(t, b.ConnectedPeers(), a.PeerID())

	sub, err := b.DeclareSubscriber("bench/**")
	require.NoError(t, err)
	pub, err := a.DeclarePublisher("bench/db/DBI_1")
	require.NoError(t, err)
	assert.Equal(t, "bench/db/DBI_1", pub.Topic())

	// The gossip mesh forms asynchronously; keep publishing until it does.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case m := <-sub.Messages():
			assert.Equal(t, Message{Topic: "bench/db/DBI_1", Payload: []byte("x")}, m)
			require.NoError(t, sub.Close())
			return
		case <-tick.C:
			require.NoError(t, pub.Put(ctx, []byte("x")))
		case <-ctx.Done():
			t.Fatal("no message over gossipsub")
		}
	}
}

func TestLibp2pUnresolvedWildcard(t *testing.T) {
	s := newLoopbackPeer(t, nil, []string{"other/x"})
	_, err := s.DeclareSubscriber("bench/**")
	assert.ErrorIs(t, err, ErrUnresolvedKeyExpr)

	_, err = s.DeclarePublisher("bench/*")
	assert.ErrorIs(t, err, ErrInvalidKeyExpr)
}

func TestLibp2pIdentityKeyIsReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "peer.key")
	first, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}

func TestLibp2pClosedSession(t *testing.T) {
	s := newLoopbackPeer(t, nil, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.DeclarePublisher("bench/db/DBI_0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLibp2pCloseRacesDeclare(t *testing.T) {
	s := newLoopbackPeer(t, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.DeclarePublisher(fmt.Sprintf("bench/db/DBI_%d", i))
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}(i)
	}
	require.NoError(t, s.Close())
	wg.Wait()
	_, err := s.DeclarePublisher("bench/db/DBI_99")
	assert.ErrorIs(t, err, ErrClosed)
}
