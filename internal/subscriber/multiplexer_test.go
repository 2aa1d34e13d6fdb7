package subscriber

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"Jitter-Bench/internal/benchmsg"
	"Jitter-Bench/internal/core/network"
	"Jitter-Bench/internal/metrics"
)

// syncBuffer lets the test read output while Run is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type harness struct {
	session *network.MemorySession
	sub     network.Subscriber
	pub     network.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	session := network.NewMemorySession(64)
	t.Cleanup(func() { _ = session.Close() })
	sub, err := session.DeclareSubscriber(DefaultKeyExpr)
	require.NoError(t, err)
	pub, err := session.DeclarePublisher("bench/db/DBI_7")
	require.NoError(t, err)
	return &harness{session: session, sub: sub, pub: pub}
}

func (h *harness) send(t *testing.T, m benchmsg.Message) {
	t.Helper()
	buf, err := benchmsg.Encode(m)
	require.NoError(t, err)
	require.NoError(t, h.pub.Put(context.Background(), buf))
}

type result struct {
	reason StopReason
	err    error
}

func start(ctx context.Context, m *Multiplexer) <-chan result {
	done := make(chan result, 1)
	go func() {
		r, err := m.Run(ctx)
		done <- result{r, err}
	}()
	return done
}

func wait(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("multiplexer did not stop")
		return result{}
	}
}

func TestZeroRunDurationStopsBeforeAnyMessage(t *testing.T) {
	h := newHarness(t)
	mock := clock.NewMock()
	for i := 0; i < 5; i++ {
		h.send(t, benchmsg.Message{ID: int32(i), SendTime: mock.Now()})
	}

	cfg := DefaultConfig()
	cfg.RunDuration = 0
	out := &syncBuffer{}
	m := New(cfg, h.sub, nil, out, WithClock(mock))

	reason, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Timeout, reason)
	assert.Empty(t, out.Lines())
	assert.Zero(t, m.Stats().Received)
	assert.Equal(t, "timeout", m.Stats().State)
}

func TestQuitBeforeAnyMessage(t *testing.T) {
	h := newHarness(t)
	out := &syncBuffer{}
	m := New(DefaultConfig(), h.sub, strings.NewReader("q"), out)

	r := wait(t, start(context.Background(), m))
	require.NoError(t, r.err)
	assert.Equal(t, Quit, r.reason)
	assert.Empty(t, out.Lines())
}

func TestQuitPromptOnlyWithConsole(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.InfoLevel)
	m := New(DefaultConfig(), h.sub, strings.NewReader("q"), nil, WithLogger(zap.New(core)))
	assert.Equal(t, Quit, wait(t, start(context.Background(), m)).reason)
	assert.Equal(t, 1, logs.FilterMessage("enter 'q' to quit").Len())

	core, logs = observer.New(zapcore.InfoLevel)
	cfg := DefaultConfig()
	cfg.RunDuration = 0
	_, err := New(cfg, h.sub, nil, nil, WithLogger(zap.New(core))).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("enter 'q' to quit").Len())
}

func TestOtherBytesAreIgnored(t *testing.T) {
	h := newHarness(t)
	m := New(DefaultConfig(), h.sub, strings.NewReader("abc\nq"), nil)

	r := wait(t, start(context.Background(), m))
	assert.Equal(t, Quit, r.reason)
}

func TestReportsEachMessage(t *testing.T) {
	h := newHarness(t)
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 5_250_000).UTC())
	sent := mock.Now().Add(-250 * time.Microsecond)

	reg := metrics.NewSubscriber(nil)
	out := &syncBuffer{}
	m := New(DefaultConfig(), h.sub, nil, out, WithClock(mock), WithMetrics(reg))
	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, m)

	h.send(t, benchmsg.Message{ID: 7, SendTime: sent, Jitter: 12 * time.Microsecond})
	h.send(t, benchmsg.Message{ID: 8, SendTime: sent, Jitter: 40 * time.Microsecond})
	require.Eventually(t, func() bool { return m.Stats().Received == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.reason)

	assert.Equal(t, []string{
		"2023-11-14T22:13:20.00525Z: 7, ts = 1700000000.005, send jitter = 12 us, delay = 250 us",
		"2023-11-14T22:13:20.00525Z: 8, ts = 1700000000.005, send jitter = 40 us, delay = 250 us",
	}, out.Lines())
	st := m.Stats()
	assert.Equal(t, 250*time.Microsecond, st.LastDelay)
	assert.Equal(t, "bench/**", st.KeyExpr)
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.Received))
}

func TestDecodeErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	reg := metrics.NewSubscriber(nil)
	out := &syncBuffer{}
	m := New(DefaultConfig(), h.sub, nil, out, WithMetrics(reg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := start(ctx, m)

	require.NoError(t, h.pub.Put(ctx, []byte{0x08}))
	h.send(t, benchmsg.Message{ID: 1, SendTime: time.Now()})
	require.Eventually(t, func() bool { return m.Stats().Received == 1 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, uint64(1), m.Stats().DecodeErrors)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DecodeErrors))
	assert.Len(t, out.Lines(), 1)

	cancel()
	assert.Equal(t, Cancelled, wait(t, done).reason)
}

func TestNullByteBacksOffWithoutBlockingMessages(t *testing.T) {
	h := newHarness(t)
	mock := clock.NewMock()
	m := New(DefaultConfig(), h.sub, strings.NewReader("\x00q"), nil, WithClock(mock))
	done := start(context.Background(), m)

	h.send(t, benchmsg.Message{ID: 3, SendTime: mock.Now()})
	require.Eventually(t, func() bool { return m.Stats().Received == 1 }, 5*time.Second, time.Millisecond)

	// The quit byte is only read once the backoff elapses.
	select {
	case r := <-done:
		t.Fatalf("stopped early: %s", r.reason)
	default:
	}

	var r result
	require.Eventually(t, func() bool {
		mock.Add(DefaultIdleBackoff)
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, Quit, r.reason)
}

func TestRunDurationElapses(t *testing.T) {
	h := newHarness(t)
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.RunDuration = 3 * time.Second
	m := New(cfg, h.sub, nil, nil, WithClock(mock))
	done := start(context.Background(), m)

	require.Eventually(t, func() bool { return !m.Stats().RunDeadline.IsZero() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, mock.Now().Add(3*time.Second), m.Stats().RunDeadline)

	mock.Add(2 * time.Second)
	select {
	case r := <-done:
		t.Fatalf("stopped early: %s", r.reason)
	default:
	}

	var r result
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, Timeout, r.reason)
}

func TestClosedSubscriptionStops(t *testing.T) {
	h := newHarness(t)
	m := New(DefaultConfig(), h.sub, nil, nil)
	done := start(context.Background(), m)
	require.NoError(t, h.sub.Close())
	assert.Equal(t, Closed, wait(t, done).reason)
}

func TestInvalidConfig(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.IdleBackoff = 0
	_, err := New(cfg, h.sub, nil, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.KeyExpr = "bench//x"
	assert.ErrorIs(t, cfg.Validate(), network.ErrInvalidKeyExpr)
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "quit", Quit.String())
	assert.Equal(t, "StopReason(42)", StopReason(42).String())
}
