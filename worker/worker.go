// Package worker drains the append log into the history store.
//
// The worker reads batches after its cursor, persists every entry it can
// decode and then moves the cursor to the last id of the batch. Entries that
// cannot be decoded are skipped. A read or store failure leaves the cursor
// where it was and the same batch is retried after a fixed backoff, so an
// entry is persisted at least once and possibly more than once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rishabhknowss/boardly/domain"
	"github.com/rishabhknowss/boardly/history"
	"github.com/rishabhknowss/boardly/metrics"
	"github.com/rishabhknowss/boardly/streamlog"
)

type StartPolicy string

const (
	// StartResume continues from the saved cursor, or StartID if none exists.
	StartResume StartPolicy = "resume"
	// StartFixed always begins at StartID and ignores any saved cursor.
	StartFixed StartPolicy = "fixed"
)

type Config struct {
	BlockTimeout time.Duration
	BatchSize    int64
	Backoff      time.Duration
	StartPolicy  StartPolicy
	// StartID "0" replays the whole retained stream. "$" is pinned at
	// startup to the newest entry, so only entries appended after that are
	// persisted.
	StartID string
}

func DefaultConfig() Config {
	return Config{
		BlockTimeout: 5 * time.Second,
		BatchSize:    10,
		Backoff:      2 * time.Second,
		StartPolicy:  StartResume,
		StartID:      "0",
	}
}

type Status struct {
	Cursor              string    `json:"cursor"`
	LastSuccess         time.Time `json:"lastSuccess"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Persisted           int64     `json:"persisted"`
	Skipped             int64     `json:"skipped"`
}

// Tail is implemented by logs that can report their newest entry id. A start
// id of "$" requires it.
type Tail interface {
	LastID(ctx context.Context) (string, error)
}

type Worker struct {
	log     domain.AppendLog
	store   history.Store
	cursors CursorStore
	cfg     Config
	metrics *metrics.Metrics
	backoff backoff.BackOff

	mu     sync.RWMutex
	status Status
}

func New(log domain.AppendLog, store history.Store, cursors CursorStore, cfg Config, m *metrics.Metrics) *Worker {
	def := DefaultConfig()
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.StartPolicy == "" {
		cfg.StartPolicy = def.StartPolicy
	}
	if cfg.StartID == "" {
		cfg.StartID = def.StartID
	}
	if cursors == nil {
		cursors = &MemoryCursorStore{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Worker{
		log:     log,
		store:   store,
		cursors: cursors,
		cfg:     cfg,
		metrics: m,
		backoff: backoff.NewConstantBackOff(cfg.Backoff),
	}
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Cancellation
// is observed between iterations, never in the middle of a batch.
func (w *Worker) Run(ctx context.Context) error {
	cursor, err := w.startCursor(ctx)
	if err != nil {
		return err
	}
	if cursor == "$" {
		if cursor, err = w.pinTail(ctx); err != nil {
			return err
		}
	}
	w.setCursor(cursor)
	slog.Info("worker started", "cursor", cursor, "policy", w.cfg.StartPolicy)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("worker stopped", "cursor", w.Cursor())
			return err
		}

		if err := w.step(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.recordFailure()
			wait := w.backoff.NextBackOff()
			slog.Error("worker iteration failed, retrying", "cursor", w.Cursor(), "backoff", wait, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
}

func (w *Worker) startCursor(ctx context.Context) (string, error) {
	if w.cfg.StartPolicy == StartFixed {
		return w.cfg.StartID, nil
	}
	if w.cfg.StartPolicy != StartResume {
		return "", fmt.Errorf("unknown start policy %q", w.cfg.StartPolicy)
	}

	for {
		id, ok, err := w.cursors.Load(ctx)
		if err == nil {
			if ok {
				return id, nil
			}
			return w.cfg.StartID, nil
		}
		slog.Error("failed to load cursor, retrying", "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.backoff.NextBackOff()):
		}
	}
}

// pinTail turns "$" into the concrete id of the newest entry and saves it.
// Reading with a literal "$" would miss anything appended between reads.
func (w *Worker) pinTail(ctx context.Context) (string, error) {
	tail, ok := w.log.(Tail)
	if !ok {
		return "", errors.New(`start id "$" needs a log that reports its last id`)
	}
	for {
		id, err := tail.LastID(ctx)
		if err == nil {
			if err := w.cursors.Save(ctx, id); err != nil {
				slog.Error("failed to save cursor", "cursor", id, "error", err)
			}
			slog.Info("pinned start cursor to stream tail", "cursor", id)
			return id, nil
		}
		slog.Error("failed to read stream tail, retrying", "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.backoff.NextBackOff()):
		}
	}
}

// ErrInfrastructure wraps read and store failures that are retried at the
// same cursor.
var ErrInfrastructure = errors.New("log or store unavailable")

const persistTimeout = 10 * time.Second

// step processes at most one batch.
func (w *Worker) step(ctx context.Context) error {
	cursor := w.Cursor()

	entries, err := w.log.Read(ctx, cursor, w.cfg.BlockTimeout, w.cfg.BatchSize)
	if err != nil {
		w.metrics.WorkerRetries.WithLabelValues("read").Inc()
		return fmt.Errorf("%w: read after %s: %w", ErrInfrastructure, cursor, err)
	}
	if len(entries) == 0 {
		w.recordSuccess(0, 0)
		return nil
	}

	var persisted, skipped int64
	for _, entry := range entries {
		op, err := streamlog.DecodeOperation(entry)
		if err != nil {
			skipped++
			w.metrics.DecodeFailures.Inc()
			slog.Warn("skipping undecodable entry", "entryId", entry.ID, "error", err)
			continue
		}

		// detached from ctx so shutdown cannot cut a batch in half
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err = w.store.Append(persistCtx, history.Record{
			RoomID:  op.RoomID,
			UserID:  op.UserID,
			Message: string(op.Message),
		})
		cancel()
		if err != nil {
			w.metrics.WorkerRetries.WithLabelValues("persist").Inc()
			return fmt.Errorf("%w: persist entry %s: %w", ErrInfrastructure, entry.ID, err)
		}
		persisted++
		w.metrics.EntriesPersisted.Inc()
		slog.Debug("persisted operation", "entryId", entry.ID, "roomId", op.RoomID)
	}

	last := entries[len(entries)-1].ID
	w.advance(ctx, cursor, last)
	w.recordSuccess(persisted, skipped)
	return nil
}

// advance moves the cursor forward to id. It never moves it back.
func (w *Worker) advance(ctx context.Context, from, to string) {
	if cmp, err := streamlog.CompareIDs(to, from); err == nil && cmp <= 0 {
		slog.Warn("refusing to move cursor backwards", "cursor", from, "candidate", to)
		return
	}
	w.setCursor(to)
	if err := w.cursors.Save(context.WithoutCancel(ctx), to); err != nil {
		slog.Error("failed to save cursor", "cursor", to, "error", err)
	}
}

func (w *Worker) Cursor() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.Cursor
}

func (w *Worker) setCursor(id string) {
	w.mu.Lock()
	w.status.Cursor = id
	w.mu.Unlock()
}

func (w *Worker) recordSuccess(persisted, skipped int64) {
	w.mu.Lock()
	w.status.LastSuccess = time.Now()
	w.status.ConsecutiveFailures = 0
	w.status.Persisted += persisted
	w.status.Skipped += skipped
	w.mu.Unlock()
	w.backoff.Reset()
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	w.status.ConsecutiveFailures++
	w.mu.Unlock()
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Healthy reports whether an iteration completed within maxStale.
func (w *Worker) Healthy(maxStale time.Duration) bool {
	s := w.Status()
	return !s.LastSuccess.IsZero() && time.Since(s.LastSuccess) <= maxStale
}
