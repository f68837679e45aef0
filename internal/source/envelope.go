package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/retry"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// requiredColumns lists every table and column the queries below read.
var requiredColumns = map[string][]string{
	"mailboxes":           {"url"},
	"messages":            {"mailbox", "subject", "sender", "date_sent", "date_received", "read", "flagged", "deleted", "global_message_id"},
	"subjects":            {"subject"},
	"addresses":           {"address", "comment"},
	"recipients":          {"message", "address", "type", "position"},
	"message_global_data": {"message_id_header"},
}

// EnvelopeIndex reads Apple Mail's on-disk store: the "Envelope Index"
// SQLite database plus the .emlx files under the account directories.
type EnvelopeIndex struct {
	db               *sqlx.DB
	root             string
	indexPath        string
	hasSubjectPrefix bool
	retry            retry.Config
	logger           *zap.Logger
}

// OpenEnvelopeIndex opens the index read-only and verifies its structure.
// root is the Mail data directory (for example ~/Library/Mail/V10).
func OpenEnvelopeIndex(ctx context.Context, root, indexPath string, busyTimeout time.Duration, logger *zap.Logger) (*EnvelopeIndex, error) {
	if _, err := os.Stat(indexPath); err != nil {
		return nil, accessError("", indexPath, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(%d)", indexPath, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope index: %w", err)
	}

	cfg := retry.DefaultConfig()
	cfg.MaxElapsed = busyTimeout
	e := &EnvelopeIndex{
		db:        db,
		root:      root,
		indexPath: indexPath,
		retry:     cfg,
		logger:    logger,
	}

	if err := e.verifySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *EnvelopeIndex) Close() error {
	return e.db.Close()
}

func (e *EnvelopeIndex) verifySchema(ctx context.Context) error {
	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var missing []string
	for _, table := range tables {
		var columns []string
		err := e.withRetry(ctx, func() error {
			columns = columns[:0]
			return e.db.SelectContext(ctx, &columns, `SELECT name FROM pragma_table_info(?)`, table)
		})
		if err != nil {
			if isPermissionError(err) {
				return accessError("", e.indexPath, err)
			}
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		if len(columns) == 0 {
			missing = append(missing, "table "+table)
			continue
		}

		have := make(map[string]bool, len(columns))
		for _, c := range columns {
			have[strings.ToLower(c)] = true
		}
		for _, c := range requiredColumns[table] {
			if !have[c] {
				missing = append(missing, table+"."+c)
			}
		}
		if table == "messages" {
			e.hasSubjectPrefix = have["subject_prefix"]
		}
	}

	if len(missing) > 0 {
		return &SchemaDriftError{Missing: missing, Detail: e.indexPath}
	}
	return nil
}

// CheckAccess verifies the account directory and the index are readable.
func (e *EnvelopeIndex) CheckAccess(ctx context.Context, accountID string) error {
	accountDir := filepath.Join(e.root, accountID)
	if _, err := os.ReadDir(accountDir); err != nil {
		return accessError(accountID, accountDir, err)
	}

	var one int
	err := e.withRetry(ctx, func() error {
		return e.db.GetContext(ctx, &one, `SELECT 1`)
	})
	if err != nil {
		return accessError(accountID, e.indexPath, err)
	}
	return nil
}

// ListMailboxes returns the account's mailboxes ordered by row id.
func (e *EnvelopeIndex) ListMailboxes(ctx context.Context, accountID string) ([]Mailbox, error) {
	pattern := "%://" + escapeLike(accountID) + "/%"

	var rows []struct {
		RowID int64  `db:"rowid"`
		URL   string `db:"url"`
	}
	err := e.withRetry(ctx, func() error {
		rows = rows[:0]
		return e.db.SelectContext(ctx, &rows,
			`SELECT ROWID AS rowid, url FROM mailboxes WHERE url LIKE ? ESCAPE '\' ORDER BY ROWID`, pattern)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	mailboxes := make([]Mailbox, 0, len(rows))
	for _, r := range rows {
		name := MailboxName(r.URL)
		mailboxes = append(mailboxes, Mailbox{
			RowID: r.RowID,
			URL:   r.URL,
			Name:  name,
			Kind:  ClassifyMailbox(name),
		})
	}
	return mailboxes, nil
}

type messageRow struct {
	RowID           int64          `db:"rowid"`
	MailboxRowID    int64          `db:"mailbox"`
	MessageIDHeader sql.NullString `db:"message_id_header"`
	Subject         sql.NullString `db:"subject"`
	SenderAddress   sql.NullString `db:"sender_address"`
	SenderName      sql.NullString `db:"sender_name"`
	DateSent        sql.NullInt64  `db:"date_sent"`
	DateReceived    sql.NullInt64  `db:"date_received"`
	Read            sql.NullInt64  `db:"read"`
	Flagged         sql.NullInt64  `db:"flagged"`
	Deleted         sql.NullInt64  `db:"deleted"`
}

type recipientRow struct {
	Message int64          `db:"message"`
	Address string         `db:"address"`
	Name    sql.NullString `db:"comment"`
}

// ListMessages reads the mailbox's rows and locates their message files.
func (e *EnvelopeIndex) ListMessages(ctx context.Context, accountID string, mailbox Mailbox) ([]Message, error) {
	subjectExpr := "s.subject"
	if e.hasSubjectPrefix {
		subjectExpr = "COALESCE(m.subject_prefix, '') || COALESCE(s.subject, '')"
	}
	query := `
		SELECT m.ROWID AS rowid, m.mailbox AS mailbox,
		       g.message_id_header AS message_id_header,
		       ` + subjectExpr + ` AS subject,
		       a.address AS sender_address, a.comment AS sender_name,
		       m.date_sent AS date_sent, m.date_received AS date_received,
		       m.read AS read, m.flagged AS flagged, m.deleted AS deleted
		FROM messages m
		LEFT JOIN subjects s ON s.ROWID = m.subject
		LEFT JOIN addresses a ON a.ROWID = m.sender
		LEFT JOIN message_global_data g ON g.ROWID = m.global_message_id
		WHERE m.mailbox = ?
		ORDER BY m.ROWID`

	var rows []messageRow
	err := e.withRetry(ctx, func() error {
		rows = rows[:0]
		return e.db.SelectContext(ctx, &rows, query, mailbox.RowID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for mailbox %d: %w", mailbox.RowID, err)
	}

	var recipients []recipientRow
	err = e.withRetry(ctx, func() error {
		recipients = recipients[:0]
		return e.db.SelectContext(ctx, &recipients, `
			SELECT r.message AS message, a.address AS address, a.comment AS comment
			FROM recipients r
			JOIN addresses a ON a.ROWID = r.address
			JOIN messages m ON m.ROWID = r.message
			WHERE m.mailbox = ?
			ORDER BY r.message, r.type, r.position`, mailbox.RowID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients for mailbox %d: %w", mailbox.RowID, err)
	}
	byMessage := make(map[int64][]string)
	for _, r := range recipients {
		byMessage[r.Message] = append(byMessage[r.Message], formatAddress(r.Address, r.Name.String))
	}

	paths, err := e.indexMessageFiles(accountID, mailbox)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, Message{
			RowID:           r.RowID,
			MailboxRowID:    r.MailboxRowID,
			MessageIDHeader: r.MessageIDHeader.String,
			Subject:         r.Subject.String,
			Sender:          formatAddress(r.SenderAddress.String, r.SenderName.String),
			Recipients:      byMessage[r.RowID],
			DateSent:        unixTime(r.DateSent),
			DateReceived:    unixTime(r.DateReceived),
			IsRead:          r.Read.Int64 != 0,
			IsFlagged:       r.Flagged.Int64 != 0,
			IsDeleted:       r.Deleted.Int64 != 0,
			Path:            paths[r.RowID],
		})
	}
	return messages, nil
}

// ReadRaw reads one message file.
func (e *EnvelopeIndex) ReadRaw(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if isPermissionError(err) {
			return nil, accessError("", path, err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// indexMessageFiles walks the mailbox directory once and maps row ids to
// message files. Full .emlx files win over .partial.emlx. Nested mailbox
// directories belong to other mailboxes and are skipped.
func (e *EnvelopeIndex) indexMessageFiles(accountID string, mailbox Mailbox) (map[int64]string, error) {
	dir := mailboxDir(e.root, accountID, mailbox.Name)
	paths := make(map[int64]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			if isPermissionError(err) {
				return accessError(accountID, path, err)
			}
			e.logger.Warn("Skipping unreadable mail directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasSuffix(d.Name(), ".mbox") {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		partial := strings.HasSuffix(name, ".partial.emlx")
		var stem string
		switch {
		case partial:
			stem = strings.TrimSuffix(name, ".partial.emlx")
		case strings.HasSuffix(name, ".emlx"):
			stem = strings.TrimSuffix(name, ".emlx")
		default:
			return nil
		}
		rowID, convErr := strconv.ParseInt(stem, 10, 64)
		if convErr != nil {
			return nil
		}
		if _, exists := paths[rowID]; exists && partial {
			return nil
		}
		paths[rowID] = path
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// mailboxDir maps "Work/Clients" to <root>/<account>/Work.mbox/Clients.mbox.
func mailboxDir(root, accountID, name string) string {
	parts := []string{root, accountID}
	for _, seg := range strings.Split(name, "/") {
		if seg != "" {
			parts = append(parts, seg+".mbox")
		}
	}
	return filepath.Join(parts...)
}

func (e *EnvelopeIndex) withRetry(ctx context.Context, fn func() error) error {
	err := retry.Do(ctx, e.retry, retry.IsBusy, fn)
	if retry.IsExhausted(err) {
		e.logger.Warn("Envelope index stayed locked", zap.Error(err))
	}
	return err
}

func formatAddress(address, name string) string {
	if address == "" {
		return ""
	}
	if name != "" {
		return fmt.Sprintf("%s <%s>", name, address)
	}
	return address
}

func unixTime(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func isPermissionError(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "authorization denied")
}

func accessError(accountID, path string, err error) *AccessError {
	remediation := fullDiskAccessHint
	if errors.Is(err, fs.ErrNotExist) {
		remediation = "check that Mail has been set up for this account and that the configured source paths are correct"
	}
	return &AccessError{AccountID: accountID, Path: path, Remediation: remediation, Err: err}
}
