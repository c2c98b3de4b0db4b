package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/infra/metrics"
)

// ErrAppendOutcome is returned when an append outlived its timeout. The
// write keeps running in the background and may still commit, so it is
// never retried; the shard stops and Recover reads back what landed.
var ErrAppendOutcome = errors.New("journal: append outcome unknown")

// retryJournal bounds every append by a timeout and retries transient
// failures. A failed append leaves nothing behind in any of the journal
// implementations, so a retry never duplicates records.
type retryJournal struct {
	journal.Journal

	timeout time.Duration
	retries uint64
	metrics *metrics.Metrics
	log     *zap.Logger

	mu sync.Mutex
	// abandoned is closed when a timed-out append for the instrument
	// finally returns
	abandoned map[uint64]chan struct{}
}

func newRetryJournal(j journal.Journal, timeout time.Duration, retries uint64, m *metrics.Metrics, log *zap.Logger) *retryJournal {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &retryJournal{
		Journal:   j,
		timeout:   timeout,
		retries:   retries,
		metrics:   m,
		log:       log.Named("journal"),
		abandoned: make(map[uint64]chan struct{}),
	}
}

func (j *retryJournal) Append(ctx context.Context, batch []journal.Record) error {
	if len(batch) == 0 {
		return journal.ErrEmptyBatch
	}
	start := time.Now()
	defer func() { j.metrics.JournalAppend(time.Since(start)) }()

	inst := batch[0].InstrumentID
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			j.metrics.JournalRetry()
		}

		actx, cancel := context.WithTimeout(ctx, j.timeout)
		defer cancel()

		err := j.settle(actx, inst)
		if err == nil {
			err = j.bounded(actx, batch)
		}
		switch {
		case err == nil:
			return nil
		case permanentAppendError(err):
			return backoff.Permanent(err)
		}
		j.log.Warn("append failed",
			zap.Uint64("instrument", inst),
			zap.Uint64("seq", batch[0].Seq),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, j.retries), ctx))
}

// bounded runs one append and gives up waiting for it when ctx ends.
func (j *retryJournal) bounded(ctx context.Context, batch []journal.Record) error {
	res := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res <- j.Journal.Append(ctx, batch)
	}()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
	}
	select {
	case err := <-res:
		return err
	default:
	}

	inst := batch[0].InstrumentID
	j.mu.Lock()
	j.abandoned[inst] = done
	j.mu.Unlock()
	go func() {
		<-done
		j.mu.Lock()
		if j.abandoned[inst] == done {
			delete(j.abandoned, inst)
		}
		j.mu.Unlock()
	}()

	j.log.Error("append abandoned",
		zap.Uint64("instrument", inst),
		zap.Uint64("seq", batch[0].Seq),
		zap.Duration("timeout", j.timeout),
	)
	return fmt.Errorf("%w: instrument %d seq %d: %w", ErrAppendOutcome, inst, batch[0].Seq, ctx.Err())
}

// settle waits for an abandoned append of inst to return, so later reads
// and writes see its outcome.
func (j *retryJournal) settle(ctx context.Context, inst uint64) error {
	j.mu.Lock()
	done := j.abandoned[inst]
	j.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("instrument %d: earlier append still running: %w", inst, ctx.Err())
	}
}

func (j *retryJournal) Replay(ctx context.Context, instrumentID, from uint64) iter.Seq2[journal.Record, error] {
	return func(yield func(journal.Record, error) bool) {
		if err := j.settle(ctx, instrumentID); err != nil {
			yield(journal.Record{}, err)
			return
		}
		for r, err := range j.Journal.Replay(ctx, instrumentID, from) {
			if !yield(r, err) {
				return
			}
		}
	}
}

func (j *retryJournal) LastSeq(ctx context.Context, instrumentID uint64) (uint64, error) {
	if err := j.settle(ctx, instrumentID); err != nil {
		return 0, err
	}
	return j.Journal.LastSeq(ctx, instrumentID)
}

func permanentAppendError(err error) bool {
	return errors.Is(err, journal.ErrEmptyBatch) ||
		errors.Is(err, journal.ErrOutOfOrder) ||
		errors.Is(err, journal.ErrClosed) ||
		errors.Is(err, ErrAppendOutcome)
}
