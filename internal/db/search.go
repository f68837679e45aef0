package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailmirror/internal/models"
)

// SearchQuery filters a full-text search.
type SearchQuery struct {
	Text           string
	AccountID      string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// SearchResult is one hit, best first.
type SearchResult struct {
	Message *models.Message
	Rank    float64
	Snippet string
}

type searchRow struct {
	messageRow
	Rank    float64 `db:"score"`
	Snippet string  `db:"snippet"`
}

// Search runs an FTS5 query over subject, sender, recipients and body.
// Every user term is quoted, so FTS operators in the input are matched
// literally; a trailing * keeps prefix matching.
func Search(ctx context.Context, q sqlx.QueryerContext, query SearchQuery) ([]SearchResult, error) {
	match := ftsQuery(query.Text)
	if match == "" {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows []searchRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT `+prefixed("m", messageColumns)+`,
		       bm25(messages_fts) AS score,
		       snippet(messages_fts, -1, '[', ']', '...', 12) AS snippet
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ?
		  AND (? = '' OR m.account_id = ?)
		  AND (? OR m.is_deleted = 0)
		ORDER BY score, m.stable_id
		LIMIT ? OFFSET ?
	`, match, query.AccountID, query.AccountID, query.IncludeDeleted, limit, query.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: msg, Rank: rows[i].Rank, Snippet: rows[i].Snippet})
	}
	return results, nil
}

// ftsQuery turns free text into an FTS5 expression of quoted terms that
// must all match.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		prefix := strings.HasSuffix(f, "*")
		f = strings.TrimRight(f, "*")
		if f == "" {
			continue
		}
		term := `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		if prefix {
			term += "*"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " ")
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
