// Package subscriber consumes benchmark messages and reports their delay.
//
// The Multiplexer waits on three sources at once: incoming messages, the run
// deadline and one console byte. Whichever is ready first is serviced, then
// every source is waited on again.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"Jitter-Bench/internal/benchmsg"
	"Jitter-Bench/internal/core/network"
	"Jitter-Bench/internal/core/pacer"
	"Jitter-Bench/internal/metrics"
)

type StopReason int

const (
	Running StopReason = iota
	Timeout
	Quit
	Cancelled
	Closed
)

func (r StopReason) String() string {
	switch r {
	case Running:
		return "running"
	case Timeout:
		return "timeout"
	case Quit:
		return "quit"
	case Cancelled:
		return "cancelled"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Stats is a snapshot of the receive side.
type Stats struct {
	State        string        `json:"state"`
	KeyExpr      string        `json:"key_expr"`
	Received     uint64        `json:"received"`
	DecodeErrors uint64        `json:"decode_errors"`
	LastDelay    time.Duration `json:"last_delay_ns"`
	MaxDelay     time.Duration `json:"max_delay_ns"`
	RunDeadline  time.Time     `json:"run_deadline"`
}

type Option func(*Multiplexer)

func WithClock(clk clock.Clock) Option {
	return func(m *Multiplexer) { m.clk = clk }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Multiplexer) { m.log = log }
}

func WithMetrics(s *metrics.Subscriber) Option {
	return func(m *Multiplexer) { m.metrics = s }
}

type Multiplexer struct {
	cfg     Config
	sub     network.Subscriber
	console io.Reader
	out     io.Writer
	clk     clock.Clock
	log     *zap.Logger
	metrics *metrics.Subscriber

	mu    sync.Mutex
	stats Stats
}

// New builds a multiplexer reading messages from sub and quit commands from
// console. A nil console disables the quit arm.
func New(cfg Config, sub network.Subscriber, console io.Reader, out io.Writer, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		cfg:     cfg,
		sub:     sub,
		console: console,
		out:     out,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = metrics.NewSubscriber(nil)
	}
	if m.out == nil {
		m.out = io.Discard
	}
	m.stats.State = Running.String()
	m.stats.KeyExpr = sub.KeyExpr()
	return m
}

type consoleRead struct {
	b   byte
	n   int
	err error
}

// pumpConsole performs one single-byte read per arm request. A read blocked
// on a terminal cannot be interrupted, so the goroutine exits on the first
// request after arm is closed.
func pumpConsole(r io.Reader, arm <-chan struct{}, reads chan<- consoleRead) {
	buf := make([]byte, 1)
	for range arm {
		n, err := r.Read(buf)
		reads <- consoleRead{b: buf[0], n: n, err: err}
		buf[0] = 0
	}
}

// Run services events until the run deadline passes, the quit byte is read,
// ctx is done or the subscription closes.
func (m *Multiplexer) Run(ctx context.Context) (StopReason, error) {
	if err := m.cfg.Validate(); err != nil {
		return Running, err
	}

	runDeadline := pacer.Until(m.clk, m.cfg.RunDuration)
	m.mu.Lock()
	m.stats.RunDeadline = runDeadline.Next()
	m.mu.Unlock()

	timer := runDeadline.Timer()
	defer timer.Stop()

	var (
		arm   chan struct{}
		reads chan consoleRead
	)
	if m.console != nil {
		arm = make(chan struct{}, 1)
		reads = make(chan consoleRead, 1)
		go pumpConsole(m.console, arm, reads)
		defer close(arm)
		arm <- struct{}{}
		m.log.Info(fmt.Sprintf("enter '%c' to quit", m.cfg.QuitByte))
	}

	var idle <-chan time.Time
	messages := m.sub.Messages()

	m.log.Info("start receiving",
		zap.String("key_expr", m.sub.KeyExpr()),
		zap.Duration("run_duration", m.cfg.RunDuration),
		zap.Time("run_deadline", runDeadline.Next()))

	for {
		if runDeadline.Reached() {
			return m.stop(Timeout), nil
		}

		select {
		case <-ctx.Done():
			return m.stop(Cancelled), nil

		case <-timer.C:
			return m.stop(Timeout), nil

		case msg, ok := <-messages:
			if !ok {
				return m.stop(Closed), nil
			}
			m.handle(msg)

		case r := <-reads:
			switch {
			case r.n == 1 && r.b == m.cfg.QuitByte:
				return m.stop(Quit), nil
			case r.n == 0 || r.b == 0:
				if r.err != nil && !errors.Is(r.err, io.EOF) {
					m.log.Debug("console read failed", zap.Error(r.err))
				}
				idle = m.clk.After(m.cfg.IdleBackoff)
			default:
				arm <- struct{}{}
			}

		case <-idle:
			idle = nil
			arm <- struct{}{}
		}
	}
}

func (m *Multiplexer) handle(msg network.Message) {
	recv := m.clk.Now()
	decoded, err := benchmsg.Decode(msg.Payload)
	if err != nil {
		m.metrics.DecodeErrors.Inc()
		m.mu.Lock()
		m.stats.DecodeErrors++
		m.mu.Unlock()
		m.log.Error("decode failed, message dropped",
			zap.String("topic", msg.Topic),
			zap.Int("len", len(msg.Payload)),
			zap.Error(err))
		return
	}

	delay := decoded.Delay(recv)
	if _, err := fmt.Fprintln(m.out, decoded.Report(recv)); err != nil {
		m.log.Error("write report failed", zap.Error(err))
	}

	m.metrics.Received.Inc()
	m.metrics.Delay.Observe(delay.Seconds())
	m.metrics.SendJitter.Observe(decoded.Jitter.Seconds())

	m.mu.Lock()
	m.stats.Received++
	m.stats.LastDelay = delay
	if delay > m.stats.MaxDelay {
		m.stats.MaxDelay = delay
	}
	m.mu.Unlock()
}

func (m *Multiplexer) stop(reason StopReason) StopReason {
	m.mu.Lock()
	m.stats.State = reason.String()
	received := m.stats.Received
	m.mu.Unlock()
	m.log.Info("stop receiving", zap.Stringer("reason", reason), zap.Uint64("received", received))
	return reason
}

// Stats returns a snapshot safe to call from any goroutine.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
