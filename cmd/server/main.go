package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/zkim73895/tochka-stock-zhstb/api/grpcserver"
	"github.com/zkim73895/tochka-stock-zhstb/api/rest"
	"github.com/zkim73895/tochka-stock-zhstb/config"
	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/infra/kafka"
	"github.com/zkim73895/tochka-stock-zhstb/infra/logging"
	"github.com/zkim73895/tochka-stock-zhstb/infra/metrics"
	"github.com/zkim73895/tochka-stock-zhstb/infra/registry"
	"github.com/zkim73895/tochka-stock-zhstb/infra/wal"
	exitwal "github.com/zkim73895/tochka-stock-zhstb/infra/wal/exit"
	"github.com/zkim73895/tochka-stock-zhstb/infra/wal/kv"
	"github.com/zkim73895/tochka-stock-zhstb/jobs/broadcaster"
	"github.com/zkim73895/tochka-stock-zhstb/service"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := run(*cfgPath, *envPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, envPath string) error {
	// ---------------- Config ----------------

	cfg, err := config.Load(cfgPath, envPath)
	if err != nil {
		return err
	}

	// ---------------- Logger ----------------

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	// ---------------- Metrics ----------------

	m := metrics.New()

	// ---------------- Registry ----------------

	var reg instrument.Registry = instrument.NewMemoryRegistry()
	if cfg.Registry.DSN != "" {
		sq, err := registry.Open(cfg.Registry.DSN)
		if err != nil {
			return fmt.Errorf("registry init failed: %w", err)
		}
		defer sq.Close()
		reg = sq
	}

	// ---------------- Entry journal ----------------

	j, closeJournal, err := openJournal(cfg.Journal, log)
	if err != nil {
		return fmt.Errorf("journal init failed: %w", err)
	}
	defer closeJournal()

	// ---------------- Exit WAL ----------------

	var outbox *exitwal.ExitWAL
	if cfg.Outbox.Dir != "" {
		outbox, err = exitwal.Open(cfg.Outbox.Dir)
		if err != nil {
			return fmt.Errorf("exit WAL init failed: %w", err)
		}
		defer outbox.Close()
	}

	// ---------------- Exchange ----------------

	excfg := service.Config{
		Journal:        j,
		Registry:       reg,
		SnapshotDir:    cfg.Snapshot.Dir,
		GlobalSequence: cfg.Sequencer.Mode == "global",
		QueueSize:      cfg.Shard.QueueSize,
		AppendTimeout:  cfg.Journal.AppendTimeout,
		MaxRetries:     cfg.Journal.MaxRetries,
		Metrics:        m,
		Log:            log,
	}
	if outbox != nil {
		excfg.Outbox = outbox
	}
	ex := service.New(excfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// WAL REPLAY: must finish before any traffic is served.
	if err := ex.Start(ctx); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	defer ex.Close()

	// ---------------- Background jobs ----------------

	hub := rest.NewHub(log)
	go hub.Run(ctx)

	if outbox != nil {
		publisher, err := openPublisher(cfg.Publisher, log)
		if err != nil {
			return fmt.Errorf("publisher init failed: %w", err)
		}
		defer publisher.Close()

		bc := broadcaster.New(outbox, broadcaster.Multi{publisher, hub}, broadcaster.Config{
			Interval: cfg.Outbox.Interval,
		}, log)
		bc.OnPending = m.OutboxPending
		go bc.Run(ctx)
	}

	if cfg.Snapshot.Dir != "" && cfg.Snapshot.Interval > 0 {
		go ex.RunSnapshots(ctx, cfg.Snapshot.Interval)
	}

	if cfg.Intake.Enabled {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Intake.Brokers,
			Topic:   cfg.Intake.Topic,
			GroupID: cfg.Intake.GroupID,
		}, func(ctx context.Context, msg kafka.OrderMessage) error {
			in, err := msg.Intent()
			if err != nil {
				return err
			}
			_, err = ex.Submit(ctx, msg.Ticker, in)
			return err
		}, log)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("order intake stopped", zap.Error(err))
			}
		}()
	}

	// ---------------- HTTP ----------------

	api := rest.NewServer(ex, hub, rest.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		Metrics:        m.Handler(),
	}, log)
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ---------------- gRPC ----------------

	errc := make(chan error, 2)

	var grpcSrv *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen failed: %w", err)
		}
		grpcSrv = grpcserver.NewGRPCServer(grpcserver.NewServer(ex, log))
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("gRPC server exited: %w", err)
			}
		}()
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server exited: %w", err)
		}
	}()

	log.Info("exchange running",
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("grpc", cfg.Server.GRPCAddr),
		zap.String("journal", cfg.Journal.Driver),
		zap.String("sequencer", cfg.Sequencer.Mode),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		log.Error("server failed", zap.Error(runErr))
		stop()
	}

	// ---------------- Shutdown ----------------

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	if cfg.Snapshot.Dir != "" {
		if n, serr := ex.SnapshotAll(shutdownCtx); serr != nil {
			log.Warn("final snapshot", zap.Error(serr))
		} else {
			log.Info("final snapshot written", zap.Int("instruments", n))
		}
	}
	return runErr
}

func openJournal(cfg config.Journal, log *zap.Logger) (journal.Journal, func(), error) {
	switch cfg.Driver {
	case "memory":
		j := journal.NewMemory()
		return j, func() { j.Close() }, nil
	case "pebble":
		j, err := kv.Open(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return j, func() { j.Close() }, nil
	default:
		j, err := wal.Open(wal.Config{
			Dir:         cfg.Dir,
			SegmentSize: cfg.SegmentSize,
			Logger:      log,
		})
		if err != nil {
			return nil, nil, err
		}
		return j, func() { j.Close() }, nil
	}
}

type publisher interface {
	broadcaster.Sink
	io.Closer
}

type nopCloser struct{ broadcaster.Sink }

func (nopCloser) Close() error { return nil }

type discard struct{}

func (discard) Send(context.Context, []byte, []byte) error { return nil }

func openPublisher(cfg config.Publisher, log *zap.Logger) (publisher, error) {
	switch cfg.Driver {
	case "sarama":
		return kafka.NewSaramaProducer(cfg.Brokers, cfg.Topic)
	case "kafka-go":
		return kafka.NewProducer(cfg.Brokers, cfg.Topic), nil
	case "none":
		return nopCloser{discard{}}, nil
	default:
		return nopCloser{broadcaster.LogSink{Log: log.Named("events")}}, nil
	}
}
