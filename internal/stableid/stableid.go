// Package stableid derives durable message identifiers.
//
// IDs are 64-character hex blake3 digests. Each tier hashes its inputs under
// its own domain prefix so IDs from different tiers can never collide.
package stableid

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/threading"
	"lukechampine.com/blake3"
)

// Namespace identifies a message by its position in the source index.
type Namespace struct {
	AccountID    string
	MailboxRowID int64
	RowID        int64
}

// Valid reports whether the namespace carries enough to key a message.
func (n Namespace) Valid() bool {
	return n.AccountID != "" && n.RowID != 0
}

// Input holds every candidate input for an ID, most trustworthy first.
type Input struct {
	MessageID string
	Subject   string
	Sender    string
	Date      *time.Time
	Namespace Namespace
}

// Result is the generated ID and how far it can be trusted.
type Result struct {
	ID   string
	Tier models.StabilityTier
}

// Generate returns the ID for a message. Identical inputs always produce
// the same result, except for the ephemeral tier which is random by nature.
func Generate(in Input) Result {
	if id, ok := threading.NormalizeMessageID(in.MessageID); ok {
		return Result{ID: digest("permanent", id), Tier: models.TierPermanent}
	}

	subject := strings.TrimSpace(in.Subject)
	sender := strings.ToLower(strings.TrimSpace(in.Sender))
	if subject != "" && sender != "" && in.Date != nil && !in.Date.IsZero() {
		date := in.Date.UTC().Format(time.RFC3339)
		return Result{ID: digest("derived", subject, sender, date), Tier: models.TierDerived}
	}

	if in.Namespace.Valid() {
		return Result{
			ID: digest("fallback",
				in.Namespace.AccountID,
				strconv.FormatInt(in.Namespace.MailboxRowID, 10),
				strconv.FormatInt(in.Namespace.RowID, 10),
			),
			Tier: models.TierFallback,
		}
	}

	return Result{ID: digest("ephemeral", uuid.NewString()), Tier: models.TierEphemeral}
}

// digest hashes the tier and each part behind a uvarint length, so no
// choice of part contents can make two different inputs hash the same.
func digest(tier string, parts ...string) string {
	h := blake3.New(32, nil)
	var buf []byte
	for _, p := range append([]string{tier}, parts...) {
		buf = binary.AppendUvarint(buf[:0], uint64(len(p)))
		_, _ = h.Write(buf)
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
