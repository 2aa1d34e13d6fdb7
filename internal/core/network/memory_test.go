package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRoutesByKeyExpr(t *testing.T) {
	s := NewMemorySession(8)
	defer s.Close()

	all, err := s.DeclareSubscriber("bench/**")
	require.NoError(t, err)
	one, err := s.DeclareSubscriber("bench/db/DBI_1")
	require.NoError(t, err)

	p0, err := s.DeclarePublisher("bench/db/DBI_0")
	require.NoError(t, err)
	p1, err := s.DeclarePublisher("bench/db/DBI_1")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p0.Put(ctx, []byte("a")))
	require.NoError(t, p1.Put(ctx, []byte("b")))

	got := <-all.Messages()
	assert.Equal(t, Message{Topic: "bench/db/DBI_0", Payload: []byte("a")}, got)
	got = <-all.Messages()
	assert.Equal(t, "bench/db/DBI_1", got.Topic)

	got = <-one.Messages()
	assert.Equal(t, []byte("b"), got.Payload)
	select {
	case m := <-one.Messages():
		t.Fatalf("unexpected message %+v", m)
	default:
	}
}

func TestMemorySessionPutCopiesPayload(t *testing.T) {
	s := NewMemorySession(1)
	defer s.Close()
	sub, err := s.DeclareSubscriber("k")
	require.NoError(t, err)
	pub, err := s.DeclarePublisher("k")
	require.NoError(t, err)

	buf := []byte("abc")
	require.NoError(t, pub.Put(context.Background(), buf))
	buf[0] = 'x'
	assert.Equal(t, []byte("abc"), (<-sub.Messages()).Payload)
}

func TestMemorySessionPutBlocksOnFullBuffer(t *testing.T) {
	s := NewMemorySession(1)
	defer s.Close()
	_, err := s.DeclareSubscriber("k")
	require.NoError(t, err)
	pub, err := s.DeclarePublisher("k")
	require.NoError(t, err)

	require.NoError(t, pub.Put(context.Background(), []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pub.Put(ctx, []byte("2"))
	require.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemorySessionClose(t *testing.T) {
	s := NewMemorySession(1)
	sub, err := s.DeclareSubscriber("k/**")
	require.NoError(t, err)
	pub, err := s.DeclarePublisher("k/a")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, ok := <-sub.Messages()
	assert.False(t, ok, "subscriber channel should be closed")

	assert.ErrorIs(t, pub.Put(context.Background(), []byte("x")), ErrClosed)
	_, err = s.DeclareSubscriber("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestMemorySessionRejectsWildcardPublisher(t *testing.T) {
	s := NewMemorySession(0)
	defer s.Close()
	_, err := s.DeclarePublisher("bench/*")
	assert.ErrorIs(t, err, ErrInvalidKeyExpr)
}

func TestOpenMemoryAndUnknownMode(t *testing.T) {
	sess, err := Open(context.Background(), SessionConfig{Mode: ModeMemory}, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = Open(context.Background(), SessionConfig{Mode: "router"}, nil)
	require.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, ErrUnknownMode)
}
