// Package publisher drives the publish side of the benchmark: a fixed-period
// scheduler that sends one batch of timestamped messages per tick.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"Jitter-Bench/internal/benchmsg"
	"Jitter-Bench/internal/core/network"
	"Jitter-Bench/internal/core/pacer"
	"Jitter-Bench/internal/metrics"
)

// TickStats describes one completed tick.
type TickStats struct {
	Tick        uint64
	Deadline    time.Time
	First       int
	Sent        int
	Dropped     int
	Failed      int
	FirstJitter time.Duration
	LastJitter  time.Duration
	MaxDelivery time.Duration
	Elapsed     time.Duration
}

// Status is a point-in-time summary for the status API.
type Status struct {
	Ticks          uint64        `json:"ticks"`
	Sent           uint64        `json:"sent"`
	EncodeErrors   uint64        `json:"encode_errors"`
	DeliveryErrors uint64        `json:"delivery_errors"`
	Overruns       uint64        `json:"overruns"`
	NextDeadline   time.Time     `json:"next_deadline"`
	LastBatch      time.Duration `json:"last_batch_ns"`
	Topics         int           `json:"topics"`
	BatchSize      int           `json:"batch_size"`
	BatchMode      string        `json:"batch_mode"`
	Period         time.Duration `json:"period_ns"`
}

type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithMetrics(m *metrics.Publisher) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTickObserver registers fn to be called synchronously after each tick.
func WithTickObserver(fn func(TickStats)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

type Scheduler struct {
	cfg     Config
	pubs    []network.Publisher
	clk     clock.Clock
	log     *zap.Logger
	metrics *metrics.Publisher
	observe func(TickStats)
	encode  func(benchmsg.Message) ([]byte, error)

	// Owned by the tick loop.
	deadline *pacer.Deadline
	offset   int
	tick     uint64

	mu     sync.Mutex
	status Status
}

// New builds a scheduler over pubs, which must hold one publisher per topic
// in registration order.
func New(cfg Config, pubs []network.Publisher, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(pubs) != cfg.Topics {
		return nil, fmt.Errorf("%w: %d publishers for %d topics", ErrInvalidConfig, len(pubs), cfg.Topics)
	}
	s := &Scheduler{
		cfg:    cfg,
		pubs:   pubs,
		encode: benchmsg.Encode,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewPublisher(nil)
	}
	s.status = Status{
		Topics:    cfg.Topics,
		BatchSize: cfg.BatchSize,
		BatchMode: cfg.BatchMode,
		Period:    cfg.Period,
	}
	return s, nil
}

// DeclareTopics declares one publisher per configured topic, in order.
func DeclareTopics(session network.Session, cfg Config) ([]network.Publisher, error) {
	pubs := make([]network.Publisher, 0, cfg.Topics)
	for i := 0; i < cfg.Topics; i++ {
		p, err := session.DeclarePublisher(cfg.TopicName(i))
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("declare publisher %s: %w", cfg.TopicName(i), err),
				closeAll(pubs),
			)
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}

func closeAll(pubs []network.Publisher) error {
	var err error
	for _, p := range pubs {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// Close releases every topic registration.
func (s *Scheduler) Close() error {
	return closeAll(s.pubs)
}

// Start anchors the schedule: the first tick is due one period from now.
func (s *Scheduler) Start() time.Time {
	s.deadline = pacer.NewDeadline(s.clk, s.cfg.Period)
	s.offset = 0
	s.setNextDeadline(s.deadline.Next())
	return s.deadline.Next()
}

// Run ticks until ctx is done or delivery fails under the abort policy.
// Cancellation is a normal shutdown and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	first := s.Start()
	s.log.Info("start publishing",
		zap.Int("topics", s.cfg.Topics),
		zap.Int("batch", s.cfg.BatchSize),
		zap.Duration("period", s.cfg.Period),
		zap.String("mode", s.cfg.BatchMode),
		zap.Time("first_deadline", first))
	for {
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// batch returns the half-open range of topic slots due on this tick.
func (s *Scheduler) batch() (int, int) {
	if s.cfg.BatchMode == BatchRotate {
		end := s.offset + s.cfg.BatchSize
		if end > s.cfg.Topics {
			end = s.cfg.Topics
		}
		return s.offset, end
	}
	return 0, s.cfg.BatchSize
}

// Tick sleeps until the current deadline, sends one batch and advances the
// deadline by exactly one period.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	if s.deadline == nil {
		s.Start()
	}
	if err := s.deadline.Wait(ctx); err != nil {
		return TickStats{}, err
	}

	deadline := s.deadline.Next()
	first, end := s.batch()
	stats := TickStats{Tick: s.tick, Deadline: deadline, First: first}
	s.metrics.Lateness.Set(s.deadline.Late().Seconds())

	var encodeErrs, deliveryErrs, overruns uint64
	batchStart := s.clk.Now()
	for idx := first; idx < end; idx++ {
		now := s.clk.Now()
		jitter := now.Sub(deadline)
		if jitter < 0 {
			jitter = 0
		}
		buf, err := s.encode(benchmsg.Message{ID: int32(idx), SendTime: now, Jitter: jitter})
		if err != nil {
			encodeErrs++
			stats.Dropped++
			s.metrics.EncodeErrors.Inc()
			s.log.Error("encode failed, message dropped", zap.Int("id", idx), zap.Error(err))
			continue
		}

		putStart := s.clk.Now()
		err = s.pubs[idx].Put(ctx, buf)
		took := s.clk.Since(putStart)
		s.metrics.DeliveryTime.Observe(took.Seconds())
		if took > stats.MaxDelivery {
			stats.MaxDelivery = took
		}
		if took > s.cfg.DeliveryWarn {
			overruns++
			s.metrics.Overruns.WithLabelValues(metrics.OverrunDelivery).Inc()
			s.log.Warn("large single blocking time",
				zap.Int("id", idx), zap.Int64("us", took.Microseconds()))
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			deliveryErrs++
			stats.Failed++
			s.metrics.DeliveryErrors.Inc()
			if !errors.Is(err, network.ErrDelivery) {
				err = fmt.Errorf("%w: %w", network.ErrDelivery, err)
			}
			if s.cfg.OnDeliveryError == OnErrorAbort {
				s.record(stats, encodeErrs, deliveryErrs, overruns)
				return stats, fmt.Errorf("tick %d topic %s: %w", s.tick, s.pubs[idx].Topic(), err)
			}
			s.log.Error("delivery failed", zap.Int("id", idx), zap.String("topic", s.pubs[idx].Topic()), zap.Error(err))
			continue
		}

		if stats.Sent == 0 {
			stats.FirstJitter = jitter
		}
		stats.LastJitter = jitter
		stats.Sent++
		s.metrics.Sent.Inc()
		s.metrics.SendJitter.Observe(jitter.Seconds())
	}

	stats.Elapsed = s.clk.Since(batchStart)
	s.metrics.BatchTime.Observe(stats.Elapsed.Seconds())
	if stats.Elapsed > s.cfg.BatchWarn {
		overruns++
		s.metrics.Overruns.WithLabelValues(metrics.OverrunBatch).Inc()
		s.log.Warn("large total blocking time",
			zap.Uint64("tick", s.tick), zap.Int64("us", stats.Elapsed.Microseconds()))
	}

	next := s.deadline.Advance()
	if s.cfg.BatchMode == BatchRotate {
		s.offset = end % s.cfg.Topics
	}
	s.tick++
	s.metrics.Ticks.Inc()
	s.record(stats, encodeErrs, deliveryErrs, overruns)
	s.setNextDeadline(next)

	if s.observe != nil {
		s.observe(stats)
	}
	return stats, nil
}

func (s *Scheduler) record(stats TickStats, encodeErrs, deliveryErrs, overruns uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Ticks = s.tick
	s.status.Sent += uint64(stats.Sent)
	s.status.EncodeErrors += encodeErrs
	s.status.DeliveryErrors += deliveryErrs
	s.status.Overruns += overruns
	s.status.LastBatch = stats.Elapsed
}

func (s *Scheduler) setNextDeadline(t time.Time) {
	s.mu.Lock()
	s.status.NextDeadline = t
	s.mu.Unlock()
}

// Status returns a snapshot safe to call from any goroutine.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
