package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stomaflow/bridge/internal/crm"
	"github.com/stomaflow/bridge/internal/metrics"
	"github.com/stomaflow/bridge/internal/model"
	"github.com/stomaflow/bridge/internal/plans"
	"github.com/stomaflow/bridge/internal/queue"
	"github.com/stomaflow/bridge/internal/reconcile"
	"github.com/stomaflow/bridge/internal/scheduler"
	"github.com/stomaflow/bridge/internal/source"
	"github.com/stomaflow/bridge/internal/transform"
)

type cmdServe struct{}

func (cmd *cmdServe) Execute([]string) error {
	if err := Config.Validate(); err != nil {
		return model.E(model.KindConfigInvalid, "serve", err)
	}
	cleanup, err := initLog(Config.Logging)
	if err != nil {
		return model.E(model.KindConfigInvalid, "serve", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	var m = metrics.New(registry)

	reader, err := source.Open(Config.Source, Config.Sync.FilialID)
	if err != nil {
		return err
	}
	defer reader.Close()

	client, err := crm.NewClient(Config.CRM, m)
	if err != nil {
		return model.E(model.KindConfigInvalid, "serve", err)
	}

	store, err := queue.Open(Config.Queue)
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := plans.OpenCache(Config.Plans.CachePath, Config.Plans.MaxCacheEntries)
	if err != nil {
		return err
	}

	var stages = transform.NewStages(Config.Stages)
	transformer, err := transform.New(Config.Sync.FilialID, stages)
	if err != nil {
		return model.E(model.KindConfigInvalid, "serve", err)
	}

	var sched = scheduler.New(
		streamSource{reader},
		transformer,
		reconcile.New(client, stages, m),
		store,
		plans.NewProjector(reader, client, cache, Config.Plans.Throttle, m),
		client,
		scheduler.NewWatermarkStore(watermarkPath()),
		scheduler.Options{
			Interval:        Config.Sync.Interval,
			BatchSize:       Config.Sync.BatchSize,
			InitialSyncDays: Config.Sync.InitialSyncDays,
		},
		m,
	)

	log.WithFields(log.Fields{
		"filial":   Config.Sync.FilialID,
		"interval": Config.Sync.Interval,
	}).Info("stomaflow bridge starting")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(gctx) })
	if Config.MetricsAddr != "" {
		group.Go(func() error { return serveMetrics(gctx, Config.MetricsAddr, registry) })
	}
	return group.Wait()
}

// watermarkPath keeps the cursor next to the queue store.
func watermarkPath() string {
	return Config.Queue.StorePath + ".watermark"
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	var server = &http.Server{Addr: addr, Handler: mux}
	var done = make(chan error, 1)
	go func() { done <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		return nil
	case err := <-done:
		return err
	}
}

// streamSource adapts the concrete reader to the scheduler's stream
// interface.
type streamSource struct {
	*source.Reader
}

func (s streamSource) ReadSince(ctx context.Context, since time.Time) (scheduler.AppointmentStream, error) {
	rows, err := s.Reader.ReadSince(ctx, since)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
