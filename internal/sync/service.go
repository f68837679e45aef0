// Package sync reconciles a source account into the mirror store.
//
// A run holds the account's lease for its whole duration, enumerates every
// source mailbox, stages candidate messages and commits them in fixed-size
// batches through the store's single writer. Parsing runs on a bounded
// worker pool; all writes stay serialized.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/logger"
	"github.com/vdavid/mailmirror/internal/metrics"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/source"
	"github.com/vdavid/mailmirror/internal/stableid"
	"go.uber.org/zap"
)

// Options tunes a Service. Zero values fall back to DefaultOptions.
type Options struct {
	BatchSize int
	Workers   int
	LeaseTTL  time.Duration
	// Overlap widens the incremental window below last_sync_at so messages
	// stamped slightly out of order by the client are not missed.
	Overlap time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		BatchSize: 250,
		Workers:   4,
		LeaseTTL:  10 * time.Minute,
		Overlap:   5 * time.Minute,
		Now:       time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Service runs syncs and on-demand body fetches against one mirror store.
type Service struct {
	store  *db.Store
	source source.Reader
	opts   Options
	logger *zap.Logger
}

func NewService(store *db.Store, src source.Reader, opts Options, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		source: src,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Sync runs one reconciliation of accountID.
//
// Account-level failures (access, schema drift, a concurrent run, a lost
// lease) are returned as the error. Everything finer grained is contained
// in the report; check report.Partial() before calling the run clean.
// The report is returned even when err is set, unless the run never
// started.
func (s *Service) Sync(ctx context.Context, accountID string, mode models.SyncMode) (*models.SyncReport, error) {
	if _, err := models.ParseSyncMode(string(mode)); err != nil {
		return nil, err
	}

	log := logger.ForAccount(s.logger, accountID).With(zap.String("mode", string(mode)))
	started := s.opts.Now()
	owner := uuid.NewString()

	err := s.store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return db.AcquireLease(ctx, tx, accountID, owner, started, s.opts.LeaseTTL)
	})
	if err != nil {
		status := "failed"
		if db.IsConcurrentSyncError(err) {
			status = "rejected"
			log.Info("Sync already running, skipping", zap.Error(err))
		}
		metrics.RecordSyncRun(string(mode), status, 0)
		return nil, err
	}

	r := &run{
		Service:   s,
		accountID: accountID,
		mode:      mode,
		owner:     owner,
		log:       log,
		report: &models.SyncReport{
			AccountID: accountID,
			Mode:      mode,
			StartedAt: started,
			Errors:    []models.SyncError{},
		},
		seen: make(map[string]struct{}),
	}

	runErr := r.execute(ctx)
	r.report.FinishedAt = s.opts.Now()

	outcome := db.SyncOutcome{Mode: mode, FinishedAt: r.report.FinishedAt}
	switch {
	case runErr != nil:
		outcome.Error = runErr.Error()
	case r.allCommitted && !r.report.Cancelled:
		outcome.CompletedAt = &started
		outcome.Error = r.report.ErrorSummary()
	default:
		outcome.Error = r.report.ErrorSummary()
	}

	// The lease is released even when the caller cancelled.
	releaseErr := s.store.Do(context.WithoutCancel(ctx), func(ctx context.Context, tx *sqlx.Tx) error {
		return db.ReleaseLease(ctx, tx, accountID, owner, outcome)
	})
	if releaseErr != nil && runErr == nil {
		runErr = fmt.Errorf("failed to release sync lease: %w", releaseErr)
	}

	r.record(runErr)
	return r.report, runErr
}

// run is the state of one Sync call.
type run struct {
	*Service
	accountID string
	mode      models.SyncMode
	owner     string
	log       *zap.Logger
	report    *models.SyncReport

	lastSync  *time.Time
	mailboxes map[int64]*models.Mailbox
	index     map[string]db.IndexEntry
	// seen holds every stable ID enumerated this run, committed or not.
	seen         map[string]struct{}
	pending      []workItem
	batchNo      int
	allListed    bool
	allCommitted bool
}

func (r *run) execute(ctx context.Context) error {
	if err := r.source.CheckAccess(ctx, r.accountID); err != nil {
		return err
	}

	state, err := db.GetSyncState(ctx, r.store.DB, r.accountID)
	if err != nil {
		return err
	}
	r.lastSync = state.LastSyncAt

	srcMailboxes, err := r.source.ListMailboxes(ctx, r.accountID)
	if err != nil {
		return err
	}
	if len(srcMailboxes) == 0 {
		return &source.SchemaDriftError{Detail: fmt.Sprintf("account %s has no mailboxes", r.accountID)}
	}
	sort.Slice(srcMailboxes, func(i, j int) bool { return srcMailboxes[i].RowID < srcMailboxes[j].RowID })

	if err := r.resolveMailboxes(ctx, srcMailboxes); err != nil {
		return err
	}

	if r.index, err = db.LoadMessageIndex(ctx, r.store.DB, r.accountID); err != nil {
		return err
	}

	r.allListed = true
	r.allCommitted = true
	for _, mb := range srcMailboxes {
		if ctx.Err() != nil {
			r.report.Cancelled = true
			break
		}
		if err := r.enumerate(ctx, mb); err != nil {
			return err
		}
		if r.report.Cancelled {
			break
		}
	}

	if !r.report.Cancelled {
		if err := r.flush(ctx); err != nil {
			return err
		}
	}

	if r.report.Cancelled || !r.allListed {
		r.log.Info("Skipping deletion sweep",
			zap.Bool("cancelled", r.report.Cancelled),
			zap.Bool("all_mailboxes_listed", r.allListed))
		return nil
	}
	return r.sweep(ctx)
}

// resolveMailboxes upserts every source mailbox once and caches the result
// for the rest of the run.
func (r *run) resolveMailboxes(ctx context.Context, srcMailboxes []source.Mailbox) error {
	r.mailboxes = make(map[int64]*models.Mailbox, len(srcMailboxes))
	rows := make([]models.Mailbox, 0, len(srcMailboxes))
	for _, mb := range srcMailboxes {
		m := models.Mailbox{
			ID:          db.MailboxID(r.accountID, mb.RowID),
			AccountID:   r.accountID,
			SourceRowID: mb.RowID,
			Name:        mb.Name,
			URL:         mb.URL,
			Kind:        mb.Kind,
		}
		rows = append(rows, m)
		r.mailboxes[mb.RowID] = &rows[len(rows)-1]
	}

	return r.store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return db.UpsertMailboxes(ctx, tx, rows)
	})
}

func (r *run) enumerate(ctx context.Context, srcMailbox source.Mailbox) error {
	mailbox := r.mailboxes[srcMailbox.RowID]
	log := r.log.With(zap.String("mailbox", mailbox.ID))

	messages, err := r.source.ListMessages(ctx, r.accountID, srcMailbox)
	if err != nil {
		if source.IsAccessError(err) || source.IsSchemaDriftError(err) {
			return err
		}
		if ctx.Err() != nil {
			r.report.Cancelled = true
			return nil
		}
		r.allListed = false
		r.addError(models.ErrorKindRead, models.ErrorContext{AccountID: r.accountID, MailboxID: mailbox.ID}, err)
		log.Warn("Failed to list mailbox", zap.Error(err))
		return nil
	}
	log.Debug("Listed mailbox", zap.Int("messages", len(messages)))

	for _, msg := range messages {
		id := stableid.Generate(stableid.Input{
			MessageID: msg.MessageIDHeader,
			Subject:   msg.Subject,
			Sender:    msg.Sender,
			Date:      msg.DateSent,
			Namespace: stableid.Namespace{
				AccountID:    r.accountID,
				MailboxRowID: srcMailbox.RowID,
				RowID:        msg.RowID,
			},
		})

		// First mailbox in enumeration order wins.
		if _, dup := r.seen[id.ID]; dup {
			r.report.Duplicates++
			continue
		}
		r.seen[id.ID] = struct{}{}

		existing, known := r.index[id.ID]
		if !r.isCandidate(mailbox, msg, existing, known) {
			r.report.Unchanged++
			continue
		}

		item := workItem{mailbox: mailbox, msg: msg, id: id, known: known}
		if known {
			item.existing = existing
		}
		r.pending = append(r.pending, item)

		if len(r.pending) >= r.opts.BatchSize {
			if err := r.flush(ctx); err != nil {
				return err
			}
			if r.report.Cancelled {
				return nil
			}
		}
	}
	return nil
}

// isCandidate decides whether a source message needs staging. Full runs
// stage everything; incremental runs stage new, moved or re-flagged
// messages and anything received inside the overlap window.
func (r *run) isCandidate(mailbox *models.Mailbox, msg source.Message, existing db.IndexEntry, known bool) bool {
	if r.mode == models.SyncFull || !known || r.lastSync == nil {
		return true
	}
	if existing.MailboxID != mailbox.ID ||
		existing.IsRead != msg.IsRead ||
		existing.IsFlagged != msg.IsFlagged ||
		existing.IsDeleted != msg.IsDeleted {
		return true
	}
	if mailbox.Kind == models.MailboxInbox && !existing.HasBody && msg.Path != "" {
		return true
	}
	if msg.DateReceived != nil && !msg.DateReceived.Before(r.lastSync.Add(-r.opts.Overlap)) {
		return true
	}
	return false
}

// flush stages and commits the pending batch. Cancellation is honoured
// before the batch is admitted to the writer, never during.
func (r *run) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	items := r.pending
	r.pending = nil

	if ctx.Err() != nil {
		r.report.Cancelled = true
		return nil
	}
	r.batchNo++
	batch := r.batchNo

	staged := r.stage(ctx, items)
	if ctx.Err() != nil {
		r.report.Cancelled = true
		return nil
	}
	if len(staged) == 0 {
		return nil
	}

	var result db.BatchResult
	start := time.Now()
	err := r.store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := db.RenewLease(ctx, tx, r.accountID, r.owner, r.opts.Now()); err != nil {
			return err
		}
		var err error
		result, err = db.CommitBatch(ctx, tx, stagedMessages(staged), r.opts.Now())
		return err
	})
	metrics.RecordBatchCommit(time.Since(start), err)

	switch {
	case err == nil:
	case errors.Is(err, db.ErrLeaseLost):
		return fmt.Errorf("sync lease for account %s was taken over: %w", r.accountID, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Never admitted: nothing was written.
		r.report.Cancelled = true
		return nil
	default:
		r.allCommitted = false
		r.addError(models.ErrorKindBatch, models.ErrorContext{AccountID: r.accountID, Batch: batch}, err)
		r.log.Error("Batch failed, continuing with the next one",
			zap.Int("batch", batch), zap.Int("messages", len(staged)), zap.Error(err))
		return nil
	}

	r.report.Batches++
	r.tally(staged, result)
	r.log.Debug("Committed batch",
		zap.Int("batch", batch),
		zap.Int("saved", result.Saved),
		zap.Int("threads", len(result.Threads)))
	return nil
}

// tally classifies the committed messages of one batch.
func (r *run) tally(staged []stagedItem, result db.BatchResult) {
	foreign := make(map[string]struct{}, len(result.Foreign))
	for _, id := range result.Foreign {
		foreign[id] = struct{}{}
	}

	for _, s := range staged {
		if _, skip := foreign[s.msg.Message.StableID]; skip {
			r.report.Duplicates++
			continue
		}
		switch change := s.change(); change {
		case changeAdded:
			r.report.Added++
		case changeMoved:
			r.report.Moved++
		case changeUpdated:
			r.report.Updated++
		case changeDeleted:
			r.report.Deleted++
		default:
			r.report.Unchanged++
		}

		entry := db.IndexEntry{
			StableID:   s.msg.Message.StableID,
			MailboxID:  s.msg.Message.MailboxID,
			ThreadID:   s.msg.Message.ThreadID,
			InReplyTo:  s.msg.Message.InReplyTo,
			References: s.msg.Message.References,
			IsRead:     s.msg.Message.IsRead,
			IsFlagged:  s.msg.Message.IsFlagged,
			IsDeleted:  s.msg.Message.IsDeleted,
			HasBody:    s.item.existing.HasBody || s.msg.BodyParsed,
		}
		// Empty headers never overwrite stored ones.
		if entry.InReplyTo == "" {
			entry.InReplyTo = s.item.existing.InReplyTo
		}
		if len(entry.References) == 0 {
			entry.References = s.item.existing.References
		}
		r.index[s.msg.Message.StableID] = entry
	}
}

// sweep flags every mirrored message of the account that this run did not
// enumerate. Rows are never removed.
func (r *run) sweep(ctx context.Context) error {
	var gone []string
	for id, entry := range r.index {
		if entry.IsDeleted {
			continue
		}
		if _, ok := r.seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	sort.Strings(gone)

	for start := 0; start < len(gone); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(gone))
		chunk := gone[start:end]

		err := r.store.Do(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
			if err := db.RenewLease(ctx, tx, r.accountID, r.owner, r.opts.Now()); err != nil {
				return err
			}
			_, err := db.SweepDeleted(ctx, tx, chunk, r.opts.Now())
			return err
		})
		switch {
		case err == nil:
			r.report.Deleted += len(chunk)
		case errors.Is(err, db.ErrLeaseLost):
			return fmt.Errorf("sync lease for account %s was taken over: %w", r.accountID, err)
		case ctx.Err() != nil:
			r.report.Cancelled = true
			return nil
		default:
			r.allCommitted = false
			r.addError(models.ErrorKindSweep, models.ErrorContext{AccountID: r.accountID}, err)
			r.log.Error("Deletion sweep failed", zap.Int("messages", len(chunk)), zap.Error(err))
			return nil
		}
	}
	r.log.Info("Marked messages deleted", zap.Int("count", len(gone)))
	return nil
}

func (r *run) addError(kind models.ErrorKind, errCtx models.ErrorContext, cause error) {
	r.report.Errors = append(r.report.Errors, models.SyncError{Kind: kind, Context: errCtx, Cause: cause})
}

// record logs the run summary and updates metrics.
func (r *run) record(runErr error) {
	rep := r.report
	mode := string(rep.Mode)
	status := rep.Outcome()
	if runErr != nil {
		status = "failed"
	}

	metrics.RecordSyncRun(mode, status, rep.FinishedAt.Sub(rep.StartedAt))
	metrics.RecordMessages("added", rep.Added)
	metrics.RecordMessages("updated", rep.Updated)
	metrics.RecordMessages("moved", rep.Moved)
	metrics.RecordMessages("deleted", rep.Deleted)
	metrics.RecordMessages("unchanged", rep.Unchanged)
	metrics.RecordMessages("duplicate", rep.Duplicates)
	for _, e := range rep.Errors {
		metrics.RecordSyncError(string(e.Kind))
	}

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("added", rep.Added),
		zap.Int("updated", rep.Updated),
		zap.Int("moved", rep.Moved),
		zap.Int("deleted", rep.Deleted),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("batches", rep.Batches),
		zap.Int("errors", len(rep.Errors)),
		zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if runErr != nil {
		r.log.Error("Sync failed", append(fields, zap.Error(runErr))...)
		return
	}
	r.log.Info("Sync finished", fields...)
}
