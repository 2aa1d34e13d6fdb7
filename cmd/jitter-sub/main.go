package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Jitter-Bench/internal/config"
	"Jitter-Bench/internal/core/logging"
	"Jitter-Bench/internal/core/network"
	"Jitter-Bench/internal/metrics"
	"Jitter-Bench/internal/publisher"
	"Jitter-Bench/internal/statusapi"
	"Jitter-Bench/internal/subscriber"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "jitter-sub:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var common config.Common
	fs := flag.NewFlagSet("jitter-sub", flag.ExitOnError)
	common.Register(fs)
	secs := fs.Float64("time", subscriber.DefaultRunDuration.Seconds(), "run duration in seconds")
	key := fs.String("key", subscriber.DefaultKeyExpr, "key expression to subscribe to")
	topics := fs.Int("topics", publisher.DefaultTopics, "publisher topic count, to resolve wildcards in peer mode")
	prefix := fs.String("prefix", publisher.DefaultKeyPrefix, "publisher topic prefix, to resolve wildcards in peer mode")
	_ = fs.Parse(args)

	cfg, err := config.Load(common.ConfigFile)
	if err != nil {
		return err
	}
	common.Apply(fs, &cfg)
	set := config.Visited(fs)
	if set["time"] {
		cfg.Subscriber.RunDuration = time.Duration(*secs * float64(time.Second))
	}
	if set["key"] {
		cfg.Subscriber.KeyExpr = *key
	}
	if set["topics"] {
		cfg.Publisher.Topics = *topics
	}
	if set["prefix"] {
		cfg.Publisher.KeyPrefix = *prefix
	}
	if err := cfg.Subscriber.Validate(); err != nil {
		return err
	}
	cfg.Session.Topics = cfg.Publisher.TopicNames()

	runID := uuid.NewString()
	log, closeLog, err := logging.New("jitter-sub", cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	log = log.With(zap.String("run_id", runID))
	if cfg.Session.ClientName == "" {
		cfg.Session.ClientName = "jitter-sub-" + runID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := network.Open(ctx, cfg.Session, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("close session", zap.Error(err))
		}
	}()

	sub, err := session.DeclareSubscriber(cfg.Subscriber.KeyExpr)
	if err != nil {
		return fmt.Errorf("declare subscriber %s: %w", cfg.Subscriber.KeyExpr, err)
	}
	defer sub.Close()

	reg := metrics.NewRegistry()
	mux := subscriber.New(cfg.Subscriber, sub, os.Stdin, os.Stdout,
		subscriber.WithLogger(log),
		subscriber.WithMetrics(metrics.NewSubscriber(reg)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Metrics.Addr != "" {
		peers, _ := session.(statusapi.PeerInfo)
		api := statusapi.NewServer("subscriber", runID, cfg.Session.Mode,
			func() any { return mux.Stats() }, reg, peers)
		g.Go(func() error { return statusapi.Serve(gctx, cfg.Metrics.Addr, api.Routes(), log) })
	}
	g.Go(func() error {
		defer cancel()
		_, err := mux.Run(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	st := mux.Stats()
	log.Info("subscriber stopped",
		zap.String("reason", st.State),
		zap.Uint64("received", st.Received),
		zap.Uint64("decode_errors", st.DecodeErrors))
	return nil
}
