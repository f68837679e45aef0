package db

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
)

// StagedMessage is one upsert waiting for its batch to commit.
type StagedMessage struct {
	Message models.Message
	Thread  models.Thread
	// BodyParsed means Message carries a freshly parsed body and its
	// attachments should replace the stored ones.
	BodyParsed bool
}

// BatchResult reports what a committed batch did.
type BatchResult struct {
	Saved int
	// Foreign lists stable IDs already mirrored under another account.
	// They are left untouched.
	Foreign []string
	// Threads lists every thread recomputed by the batch.
	Threads []string
}

// CommitBatch writes a batch inside tx: thread rows, messages, membership
// and attachments, then recomputes every thread the batch touched,
// including threads a message moved away from.
func CommitBatch(ctx context.Context, tx *sqlx.Tx, staged []StagedMessage, now time.Time) (BatchResult, error) {
	var result BatchResult
	touched := make(map[string]struct{})

	for i := range staged {
		s := &staged[i]

		owner, previousThread, exists, err := MessageOwner(ctx, tx, s.Message.StableID)
		if err != nil {
			return BatchResult{}, err
		}
		if exists && owner != s.Message.AccountID {
			result.Foreign = append(result.Foreign, s.Message.StableID)
			continue
		}

		if err := SaveThread(ctx, tx, &s.Thread); err != nil {
			return BatchResult{}, err
		}
		if err := SaveMessage(ctx, tx, &s.Message, now); err != nil {
			return BatchResult{}, err
		}
		if err := SetThreadMembership(ctx, tx, s.Message.StableID, s.Thread.ID); err != nil {
			return BatchResult{}, err
		}
		if s.BodyParsed {
			if err := ReplaceAttachments(ctx, tx, s.Message.StableID, s.Message.Attachments); err != nil {
				return BatchResult{}, err
			}
		}

		touched[s.Thread.ID] = struct{}{}
		if exists && previousThread != s.Thread.ID {
			touched[previousThread] = struct{}{}
		}
		result.Saved++
	}

	if err := recomputeThreads(ctx, tx, touched); err != nil {
		return BatchResult{}, err
	}
	result.Threads = sortedKeys(touched)
	return result, nil
}

// SweepDeleted marks the given messages deleted and recomputes their
// threads. Returns the threads it touched.
func SweepDeleted(ctx context.Context, tx *sqlx.Tx, stableIDs []string, now time.Time) ([]string, error) {
	threadIDs, err := MarkDeleted(ctx, tx, stableIDs, now)
	if err != nil {
		return nil, err
	}
	touched := make(map[string]struct{}, len(threadIDs))
	for _, id := range threadIDs {
		touched[id] = struct{}{}
	}
	if err := recomputeThreads(ctx, tx, touched); err != nil {
		return nil, err
	}
	return threadIDs, nil
}

func recomputeThreads(ctx context.Context, tx *sqlx.Tx, threads map[string]struct{}) error {
	for _, id := range sortedKeys(threads) {
		if err := RecomputeThread(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
