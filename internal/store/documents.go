package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ListDocuments returns all documents ordered most recently updated
// first, insertion order breaking ties. Used for admins, whose access
// role is synthesized by the caller.
func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, slug, doc_type, tags, library_id, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, false)
}

// ListDocumentsForUser returns the documents the user holds a grant
// for, the grant role carried on each row.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.slug, d.doc_type, d.tags, d.library_id, d.created_at, d.updated_at, da.role
		FROM documents d
		INNER JOIN doc_access da ON da.doc_id = d.id AND da.user_id = $1
		ORDER BY d.updated_at DESC, d.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents for user: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, true)
}

func scanDocuments(rows *sql.Rows, withAccess bool) ([]Document, error) {
	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		dest := []any{&item.ID, &item.Title, &item.Slug, &item.Type, &item.Tags, &item.LibraryID, &item.CreatedAt, &item.UpdatedAt}
		if withAccess {
			dest = append(dest, &item.AccessRole)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID int64) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, slug, doc_type, tags, library_id, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, docID).Scan(&doc.ID, &doc.Title, &doc.Slug, &doc.Type, &doc.Tags, &doc.LibraryID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM documents WHERE slug=$1 AND id<>$2 LIMIT 1
	`, slug, excludeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("slug exists: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (title, slug, doc_type, tags, library_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, doc.Title, doc.Slug, doc.Type, doc.Tags, doc.LibraryID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// UpdateDocument rewrites the mutable metadata, the type included. The
// slug is fixed at creation and never touched here.
func (s *PostgresStore) UpdateDocument(ctx context.Context, docID int64, title, docType, tags string, libraryID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title=$2, doc_type=$3, tags=$4, library_id=$5, updated_at=NOW() WHERE id=$1
	`, docID, title, docType, tags, libraryID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, docID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE doc_id=$1`, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete blocks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_access WHERE doc_id=$1`, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete document grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

// TouchDocument bumps updated_at; called after every block mutation so
// polling clients see the document as changed.
func (s *PostgresStore) TouchDocument(ctx context.Context, docID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET updated_at=NOW() WHERE id=$1`, docID)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBlocks(ctx context.Context, docID int64) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, block_type, content, position, updated_at
		FROM blocks
		WHERE doc_id=$1
		ORDER BY position ASC, id ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	items := make([]Block, 0)
	for rows.Next() {
		var item Block
		if err := rows.Scan(&item.ID, &item.DocID, &item.Type, &item.Content, &item.Position, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

// NextBlockPosition returns one past the highest position in the
// document, zero for an empty document.
func (s *PostgresStore) NextBlockPosition(ctx context.Context, docID int64) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position)+1, 0) FROM blocks WHERE doc_id=$1
	`, docID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("next block position: %w", err)
	}
	return pos, nil
}

func (s *PostgresStore) InsertBlock(ctx context.Context, block Block) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO blocks (doc_id, block_type, content, position)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, block.DocID, block.Type, block.Content, block.Position).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert block: %w", err)
	}
	return id, nil
}

// UpdateBlockContent matches on block id alone.
func (s *PostgresStore) UpdateBlockContent(ctx context.Context, blockID int64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET content=$2, updated_at=NOW() WHERE id=$1
	`, blockID, content)
	if err != nil {
		return fmt.Errorf("update block content: %w", err)
	}
	return nil
}

// UpdateBlockPosition is scoped to the document; an id belonging to
// another document matches no row and is silently ignored.
func (s *PostgresStore) UpdateBlockPosition(ctx context.Context, docID, blockID int64, position int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET position=$3 WHERE id=$2 AND doc_id=$1
	`, docID, blockID, position)
	if err != nil {
		return fmt.Errorf("update block position: %w", err)
	}
	return nil
}

// DeleteBlock is scoped to the document like UpdateBlockPosition.
func (s *PostgresStore) DeleteBlock(ctx context.Context, docID, blockID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id=$2 AND doc_id=$1`, docID, blockID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

// escLike escapes the LIKE metacharacters so slugs and titles are
// matched literally inside the pattern.
func escLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

const backlinkQuery = `
	SELECT DISTINCT d.id, d.title, d.slug, d.doc_type, d.tags, d.library_id, d.created_at, d.updated_at
	FROM documents d
	INNER JOIN blocks b ON b.doc_id = d.id
	WHERE d.id <> $1 AND (b.content ILIKE $2 OR b.content ILIKE $3)
	ORDER BY d.updated_at DESC, d.id DESC
`

// Backlinks returns the documents containing a wiki link to the given
// title or slug, every document visible. For admins.
func (s *PostgresStore) Backlinks(ctx context.Context, docID int64, title, slug string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, backlinkQuery,
		docID, "%[["+escLike(title)+"]]%", "%[["+escLike(slug)+"]]%")
	if err != nil {
		return nil, fmt.Errorf("backlinks: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, false)
}

// BacklinksForUser restricts the result to documents the user holds a
// grant for.
func (s *PostgresStore) BacklinksForUser(ctx context.Context, userID, docID int64, title, slug string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.id, d.title, d.slug, d.doc_type, d.tags, d.library_id, d.created_at, d.updated_at
		FROM documents d
		INNER JOIN blocks b ON b.doc_id = d.id
		INNER JOIN doc_access da ON da.doc_id = d.id AND da.user_id = $4
		WHERE d.id <> $1 AND (b.content ILIKE $2 OR b.content ILIKE $3)
		ORDER BY d.updated_at DESC, d.id DESC
	`, docID, "%[["+escLike(title)+"]]%", "%[["+escLike(slug)+"]]%", userID)
	if err != nil {
		return nil, fmt.Errorf("backlinks for user: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, false)
}

// DocsWithoutSlug lists documents predating slugs, for startup backfill.
func (s *PostgresStore) DocsWithoutSlug(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, slug, doc_type, tags, library_id, created_at, updated_at
		FROM documents
		WHERE slug IS NULL OR slug = ''
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("docs without slug: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows, false)
}

func (s *PostgresStore) SetDocumentSlug(ctx context.Context, docID int64, slug string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET slug=$2 WHERE id=$1`, docID, slug)
	if err != nil {
		return fmt.Errorf("set document slug: %w", err)
	}
	return nil
}
