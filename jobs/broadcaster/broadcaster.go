package broadcaster

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	exitwal "github.com/zkim73895/tochka-stock-zhstb/infra/wal/exit"
)

// Sink delivers one event. Kafka producers, the websocket hub and LogSink
// implement it.
type Sink interface {
	Send(ctx context.Context, key, value []byte) error
}

// Outbox is the part of the exit WAL the broadcaster drives.
type Outbox interface {
	ScanPending(fn func(id exitwal.EntryID, rec exitwal.ExitRecord) error) error
	MarkSent(id exitwal.EntryID, retries uint32) error
	MarkAcked(id exitwal.EntryID) error
	DeleteAcked() (int, error)
	Pending() (int, error)
}

type Config struct {
	Interval    time.Duration
	SendTimeout time.Duration
	// GCEvery deletes acknowledged entries once per this many ticks.
	GCEvery int
}

type Broadcaster struct {
	outbox Outbox
	sink   Sink
	cfg    Config
	log    *zap.Logger

	// OnPending, when set, receives the outbox backlog after every tick.
	OnPending func(n int)
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(outbox Outbox, sink Sink, cfg Config, log *zap.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.GCEvery <= 0 {
		cfg.GCEvery = 40
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		outbox: outbox,
		sink:   sink,
		cfg:    cfg,
		log:    log.Named("broadcaster"),
	}
}

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

// Run drains the outbox every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.log.Info("started", zap.Duration("interval", b.cfg.Interval))

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			b.log.Info("stopped")
			return

		case <-ticker.C:
			if _, err := b.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn("drain failed", zap.Error(err))
			}

			ticks++
			if ticks%b.cfg.GCEvery == 0 {
				if n, err := b.outbox.DeleteAcked(); err != nil {
					b.log.Warn("outbox gc failed", zap.Error(err))
				} else if n > 0 {
					b.log.Debug("outbox gc", zap.Int("deleted", n))
				}
			}

			if b.OnPending != nil {
				if n, err := b.outbox.Pending(); err == nil {
					b.OnPending(n)
				}
			}
		}
	}
}

// ------------------------------------------------
// REPLAY LOGIC (CRITICAL)
// ------------------------------------------------

// DrainOnce publishes every pending entry in outbox order. After a failed
// send the rest of that instrument waits for the next tick so its events
// stay ordered; other instruments continue.
func (b *Broadcaster) DrainOnce(ctx context.Context) (int, error) {
	sent := 0
	blocked := make(map[uint64]bool)
	var errs []error

	err := b.outbox.ScanPending(func(id exitwal.EntryID, rec exitwal.ExitRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if blocked[id.InstrumentID] {
			return nil
		}

		// 1️⃣ Mark SENT (idempotent)
		retries := rec.Retries + 1
		if err := b.outbox.MarkSent(id, retries); err != nil {
			return err
		}

		// 2️⃣ Publish
		sctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
		err := b.sink.Send(sctx, rec.Key, rec.Payload)
		cancel()
		if err != nil {
			blocked[id.InstrumentID] = true
			errs = append(errs, err)
			b.log.Debug("send failed, retry next tick",
				zap.Uint64("instrument", id.InstrumentID),
				zap.Uint64("seq", id.Seq),
				zap.Uint32("index", id.Index),
				zap.Uint32("retries", retries),
				zap.Error(err),
			)
			return nil
		}

		// 3️⃣ Mark ACKED
		if err := b.outbox.MarkAcked(id); err != nil {
			return err
		}
		sent++
		return nil
	})
	if err != nil {
		return sent, err
	}
	return sent, errors.Join(errs...)
}
