package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Jitter-Bench/internal/config"
	"Jitter-Bench/internal/core/logging"
	"Jitter-Bench/internal/core/network"
	"Jitter-Bench/internal/metrics"
	"Jitter-Bench/internal/publisher"
	"Jitter-Bench/internal/statusapi"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "jitter-pub:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var common config.Common
	fs := flag.NewFlagSet("jitter-pub", flag.ExitOnError)
	common.Register(fs)
	topics := fs.Int("topics", publisher.DefaultTopics, "number of topics")
	batch := fs.Int("batch", publisher.DefaultBatchSize, "messages sent per tick")
	period := fs.Duration("period", publisher.DefaultPeriod, "tick period")
	prefix := fs.String("prefix", publisher.DefaultKeyPrefix, "topic key prefix, topic i is <prefix><i>")
	rotate := fs.Bool("rotate", false, "rotate the batch across all topics instead of sending the first ones")
	onErr := fs.String("on-delivery-error", publisher.OnErrorAbort, "abort or continue")
	_ = fs.Parse(args)

	cfg, err := config.Load(common.ConfigFile)
	if err != nil {
		return err
	}
	common.Apply(fs, &cfg)
	set := config.Visited(fs)
	if set["topics"] {
		cfg.Publisher.Topics = *topics
	}
	if set["batch"] {
		cfg.Publisher.BatchSize = *batch
	}
	if set["period"] {
		cfg.Publisher.Period = *period
	}
	if set["prefix"] {
		cfg.Publisher.KeyPrefix = *prefix
	}
	if set["rotate"] {
		cfg.Publisher.BatchMode = publisher.BatchFixed
		if *rotate {
			cfg.Publisher.BatchMode = publisher.BatchRotate
		}
	}
	if set["on-delivery-error"] {
		cfg.Publisher.OnDeliveryError = *onErr
	}
	if err := cfg.Publisher.Validate(); err != nil {
		return err
	}

	runID := uuid.NewString()
	log, closeLog, err := logging.New("jitter-pub", cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	log = log.With(zap.String("run_id", runID))
	if cfg.Session.ClientName == "" {
		cfg.Session.ClientName = "jitter-pub-" + runID
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

	pubs, err := publisher.DeclareTopics(session, cfg.Publisher)
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry()
	sched, err := publisher.New(cfg.Publisher, pubs,
		publisher.WithLogger(log),
		publisher.WithMetrics(metrics.NewPublisher(reg)))
	if err != nil {
		return err
	}
	defer sched.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Metrics.Addr != "" {
		peers, _ := session.(statusapi.PeerInfo)
		api := statusapi.NewServer("publisher", runID, cfg.Session.Mode,
			func() any { return sched.Status() }, reg, peers)
		g.Go(func() error { return statusapi.Serve(gctx, cfg.Metrics.Addr, api.Routes(), log) })
	}
	g.Go(func() error {
		defer cancel()
		return sched.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	st := sched.Status()
	log.Info("publisher stopped",
		zap.Uint64("ticks", st.Ticks),
		zap.Uint64("sent", st.Sent),
		zap.Uint64("overruns", st.Overruns))
	return nil
}
