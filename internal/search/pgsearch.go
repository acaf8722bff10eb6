package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const snippetLen = 160

// PgSearch is the fallback backend matching titles, tags, and block
// text with ILIKE directly against PostgreSQL.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates the PostgreSQL search backend.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always reports true; the database being down fails the whole
// request long before search does.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search matches the query text against document titles, tags, and
// block contents.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	pattern := "%" + escapeLike(q.Text) + "%"
	args := []any{pattern}
	filter := ""
	if q.FilterLibraryID != 0 {
		filter = " AND d.library_id = $2"
		args = append(args, q.FilterLibraryID)
	}
	args = append(args, limit, q.Offset)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.title, d.slug, d.tags,
		       COALESCE((
		           SELECT b.content FROM blocks b
		           WHERE b.doc_id = d.id AND b.content ILIKE $1
		           ORDER BY b.position ASC LIMIT 1
		       ), '')
		FROM documents d
		WHERE (d.title ILIKE $1 OR d.tags ILIKE $1 OR EXISTS (
		    SELECT 1 FROM blocks b WHERE b.doc_id = d.id AND b.content ILIKE $1
		))%s
		ORDER BY d.updated_at DESC, d.id DESC
		LIMIT $%d OFFSET $%d
	`, filter, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var body string
		if err := rows.Scan(&r.DocID, &r.Title, &r.Slug, &r.Tags, &body); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		r.Snippet = snippet(body)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return results, len(results), nil
}

// LoadAllRecords reads every document with its block text, for pushing
// into Meilisearch at startup.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.slug, d.tags, d.library_id,
		       COALESCE(string_agg(b.content, ' ' ORDER BY b.position), '')
		FROM documents d
		LEFT JOIN blocks b ON b.doc_id = d.id
		GROUP BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load search records: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.DocID, &rec.Title, &rec.Slug, &rec.Tags, &rec.LibraryID, &rec.Body); err != nil {
			return nil, fmt.Errorf("scan search record: %w", err)
		}
		rec.ID = fmt.Sprintf("%d", rec.DocID)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search records: %w", err)
	}
	return records, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) > snippetLen {
		return string(runes[:snippetLen]) + "…"
	}
	return body
}
