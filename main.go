package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"arbflow/config"
	"arbflow/internal/api"
	"arbflow/internal/channel"
	"arbflow/internal/connector"
	"arbflow/internal/health"
	"arbflow/internal/metrics"
	"arbflow/internal/pricetable"
	"arbflow/internal/reader/binance"
	"arbflow/internal/reader/bitget"
	"arbflow/internal/reader/bybit"
	"arbflow/internal/reader/deribit"
	"arbflow/internal/reader/kucoin"
	"arbflow/internal/reader/okx"
	"arbflow/internal/spread"
	"arbflow/logger"
	"arbflow/processor"
	"arbflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Arbflow.Name,
		"version":     cfg.Arbflow.Version,
		"environment": config.CurrentEnvironment(),
		"exchanges":   len(cfg.EnabledExchanges()),
	}).Info("starting arbflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("arbflow stopped with error")
		os.Exit(1)
	}
	log.Info("arbflow stopped")
}

func newExchange(cfg config.ExchangeConfig) (connector.Exchange, error) {
	switch cfg.Name {
	case "binance":
		return binance.New(cfg), nil
	case "bybit":
		return bybit.New(cfg), nil
	case "okx":
		return okx.New(cfg), nil
	case "bitget":
		return bitget.New(cfg), nil
	case "deribit":
		return deribit.New(cfg), nil
	case "kucoin":
		return kucoin.New(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Name)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Log) error {
	registry := metrics.NewRegistry()
	table := pricetable.New()

	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	var (
		queues     []*channel.Queue
		connectors []*connector.StreamConnector
		sources    []health.Source
		specs      = spread.Specs{}
	)
	for _, exCfg := range cfg.EnabledExchanges() {
		ex, err := newExchange(exCfg)
		if err != nil {
			return err
		}

		instruments := exCfg.Instruments
		if exCfg.ValidateInstruments || cfg.Monitor.Capital > 0 {
			kept, listed := connector.LoadInstruments(ctx, ex, instruments, exCfg.ValidateInstruments, log)
			if len(kept) == 0 {
				log.WithComponent("main").WithExchange(exCfg.Name).Warn("no configured instrument is listed; skipping exchange")
				continue
			}
			instruments = kept
			if listed != nil {
				specs[exCfg.Name] = listed
			}
		}

		q := channel.NewQueue(exCfg.Name, exCfg.QueueSize)
		c := connector.New(
			connector.NewConfig(exCfg, instruments, cfg.Monitor.LogWindow),
			ex, q, log,
			connector.WithStateListener(registry.ObserveState),
		)
		queues = append(queues, q)
		connectors = append(connectors, c)
		sources = append(sources, c)
	}
	if len(connectors) == 0 {
		return errors.New("no exchange connector could be started")
	}

	sinks, err := buildSinks(ctx, cfg, table)
	if err != nil {
		return err
	}

	monitor := health.New(cfg.Monitor.HealthInterval, sources, registry.ObserveHealth)
	server := api.NewServer(cfg.API, monitor, table, registry, log)
	if server != nil {
		sinks = append(sinks, server)
	}

	publisher := writer.NewPublisher(cfg.Sinks.BufferSize, sinks, writer.WithReportInterval(cfg.Monitor.StatsInterval))
	dispatcher := processor.NewDispatcher(processor.DispatcherConfig{
		EvictAfter:   cfg.Monitor.EvictAfter,
		QueueTimeout: cfg.Monitor.QueueTimeout,
	}, table, queues, processor.WithTickObserver(registry.ObserveTicker))
	scanner := spread.New(spread.Config{
		Interval:          cfg.Monitor.SpreadInterval,
		MinROIPct:         cfg.Monitor.MinROIPct,
		MinSpreadPct:      cfg.Monitor.MinSpreadPct,
		Staleness:         cfg.Monitor.StalenessThreshold,
		ExchangeStaleness: cfg.StalenessThresholds(),
		Fees:              cfg.Fees(),
		Capital:           cfg.Monitor.Capital,
		Leverage:          cfg.Monitor.Leverage,
		Specs:             specs,
	}, table, publisher, spread.WithCycleObserver(registry.ObserveScan))

	registry.RegisterConnectors(sources)
	registry.RegisterSinkDrops(publisher.Drops)

	if strings.ToLower(cfg.Logging.Level) == "report" {
		metrics.StartReport(ctx, log, cfg.Monitor.StatsInterval, metrics.ReportSources{
			Connectors: sources,
			Dispatcher: dispatcher.Stats,
			SinkDrops:  publisher.Drops,
		})
	}
	metrics.StartQueueSizeMetrics(ctx, queues, 10*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range connectors {
		g.Go(func() error {
			err := c.Run(gctx)
			if errors.Is(err, connector.ErrRetriesExhausted) {
				// One dead venue leaves the others running.
				log.WithComponent("main").WithError(err).Error("connector gave up")
				return nil
			}
			return err
		})
	}
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	if server != nil {
		g.Go(func() error { return server.Run(gctx) })
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"connectors": len(connectors),
		"sinks":      len(sinks),
		"api":        server.Address(),
	}).Info("all components started successfully")

	<-gctx.Done()
	log.Info("starting graceful shutdown")
	for _, c := range connectors {
		c.Stop()
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	return nil
}

func buildSinks(ctx context.Context, cfg *config.Config, table *pricetable.Table) ([]writer.Sink, error) {
	sinks := []writer.Sink{writer.NewLogSink(cfg.Monitor.OpportunityCooldown)}
	sc := cfg.Sinks

	if sc.Journal.Enabled {
		var store writer.ObjectStore
		if cfg.Storage.S3.Enabled {
			s3, err := writer.NewS3Store(ctx, cfg.Storage.S3, cfg.Arbflow.Version)
			if err != nil {
				return nil, fmt.Errorf("failed to create S3 store: %w", err)
			}
			store = s3
		} else {
			store = writer.NewDirStore(sc.Journal.LocalDir)
		}
		sinks = append(sinks, writer.NewJournal(sc.Journal, store))
	}

	if sc.Kafka.Enabled {
		k, err := writer.NewKafkaSink(sc.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}

	if sc.Redis.Enabled {
		r := writer.NewRedisSink(sc.Redis, table.Snapshot, cfg.Monitor.SpreadInterval)
		if err := r.Ping(ctx); err != nil {
			logger.GetLogger().WithComponent("main").WithError(err).Warn("redis unreachable at startup; publishing will retry")
		}
		sinks = append(sinks, r)
	}

	if sc.NATS.Enabled {
		n, err := writer.NewNATSSink(sc.NATS)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}

	return sinks, nil
}
