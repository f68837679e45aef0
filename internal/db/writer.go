package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/retry"
	"go.uber.org/zap"
)

// TxFunc runs inside a write transaction. ctx is the writer's context: it
// is never cancelled once the request was admitted, so statements should
// use it rather than the caller's. fn may run more than once when the store
// is busy, so it must not keep state outside the transaction between
// attempts.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

type writeRequest struct {
	ctx    context.Context
	fn     TxFunc
	result chan error
}

// Writer serializes every mutation of the mirror store through one
// goroutine. Readers use the pool directly and see committed state only.
type Writer struct {
	db     *sqlx.DB
	retry  retry.Config
	logger *zap.Logger

	reqs     chan writeRequest
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewWriter(db *sqlx.DB, cfg retry.Config, logger *zap.Logger) *Writer {
	w := &Writer{
		db:     db,
		retry:  cfg,
		logger: logger,
		reqs:   make(chan writeRequest),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Do runs fn in its own transaction. Cancelling ctx only has an effect
// before the writer picks the request up; once admitted, the transaction
// commits or rolls back as a whole.
func (w *Writer) Do(ctx context.Context, fn TxFunc) error {
	req := writeRequest{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrStoreClosed
	}
	return <-req.result
}

// Close stops the writer after the in-flight request finishes.
func (w *Writer) Close() {
	w.stopOnce.Do(func() {
		close(w.quit)
		<-w.done
	})
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case req := <-w.reqs:
			req.result <- w.run(context.WithoutCancel(req.ctx), req.fn)
		case <-w.quit:
			return
		}
	}
}

func (w *Writer) run(ctx context.Context, fn TxFunc) error {
	err := retry.Do(ctx, w.retry, retry.IsBusy, func() error {
		return w.runOnce(ctx, fn)
	})
	if err == nil {
		return nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		w.logger.Warn("Mirror store stayed locked", zap.Int("attempts", exhausted.Attempts), zap.Error(exhausted.Err))
		return &LockContentionError{Attempts: exhausted.Attempts, Err: exhausted.Err}
	}
	return err
}

func (w *Writer) runOnce(ctx context.Context, fn TxFunc) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
