package app

import (
	"context"
	"encoding/base64"
	"log"
	"strings"

	"collabdocs/api/internal/content"
	"collabdocs/api/internal/links"
	"collabdocs/api/internal/rbac"
	"collabdocs/api/internal/search"
	"collabdocs/api/internal/store"
)

// ListBlocks returns the document's blocks in display order.
func (s *Service) ListBlocks(ctx context.Context, sess Session, docID int64) ([]store.Block, error) {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListBlocks(ctx, docID)
}

// AddBlock appends a block of the given kind at the end of the
// document. Image and youtube blocks keep the caller's payload; every
// other kind starts with its default content.
func (s *Service) AddBlock(ctx context.Context, sess Session, docID int64, kind, payload string) (store.Block, error) {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return store.Block{}, err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionWrite); err != nil {
		return store.Block{}, err
	}
	if !content.ValidKind(kind) {
		return store.Block{}, errValidation("Invalid block type")
	}

	blockContent := content.Default(content.Kind(kind))
	switch content.Kind(kind) {
	case content.KindImage:
		offloaded, err := s.maybeOffloadImage(ctx, payload)
		if err != nil {
			return store.Block{}, err
		}
		blockContent = offloaded
	case content.KindYoutube:
		blockContent = payload
	}

	position, err := s.store.NextBlockPosition(ctx, docID)
	if err != nil {
		return store.Block{}, err
	}
	block := store.Block{
		DocID:    docID,
		Type:     kind,
		Content:  blockContent,
		Position: position,
	}
	id, err := s.store.InsertBlock(ctx, block)
	if err != nil {
		return store.Block{}, err
	}
	block.ID = id

	if err := s.store.TouchDocument(ctx, docID); err != nil {
		return store.Block{}, err
	}
	s.indexDocument(ctx, docID)
	return block, nil
}

// UpdateBlock replaces a block's content. Last writer wins; there is no
// version check.
func (s *Service) UpdateBlock(ctx context.Context, sess Session, docID, blockID int64, payload string) error {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionWrite); err != nil {
		return err
	}

	offloaded, err := s.maybeOffloadImage(ctx, payload)
	if err != nil {
		return err
	}
	if err := s.store.UpdateBlockContent(ctx, blockID, offloaded); err != nil {
		return err
	}
	if err := s.store.TouchDocument(ctx, docID); err != nil {
		return err
	}
	s.indexDocument(ctx, docID)
	return nil
}

// ReorderBlocks rewrites positions to the index of each id in the
// caller-supplied order. Ids belonging to other documents match no row
// and are silently skipped.
func (s *Service) ReorderBlocks(ctx context.Context, sess Session, docID int64, orderedIDs []int64) error {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionWrite); err != nil {
		return err
	}
	for i, id := range orderedIDs {
		if err := s.store.UpdateBlockPosition(ctx, docID, id, i); err != nil {
			return err
		}
	}
	return s.store.TouchDocument(ctx, docID)
}

// DeleteBlock removes a block. An id from another document is a no-op.
func (s *Service) DeleteBlock(ctx context.Context, sess Session, docID, blockID int64) error {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionWrite); err != nil {
		return err
	}
	s.releaseImageObject(ctx, docID, blockID)
	if err := s.store.DeleteBlock(ctx, docID, blockID); err != nil {
		return err
	}
	if err := s.store.TouchDocument(ctx, docID); err != nil {
		return err
	}
	s.indexDocument(ctx, docID)
	return nil
}

// Backlinks lists the documents whose text mentions this document by
// [[title]] or [[slug]], restricted to what the principal may see.
func (s *Service) Backlinks(ctx context.Context, sess Session, docID int64) ([]store.Document, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if rbac.Role(sess.Role) == rbac.RoleAdmin {
		return s.store.Backlinks(ctx, docID, doc.Title, doc.Slug)
	}
	return s.store.BacklinksForUser(ctx, sess.UserID, docID, doc.Title, doc.Slug)
}

// Links extracts the wiki links in the document's text blocks and
// resolves each against the documents visible to the principal.
func (s *Service) Links(ctx context.Context, sess Session, docID int64) ([]links.Link, error) {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionRead); err != nil {
		return nil, err
	}
	blocks, err := s.store.ListBlocks(ctx, docID)
	if err != nil {
		return nil, err
	}
	docs, err := s.ListDocuments(ctx, sess)
	if err != nil {
		return nil, err
	}

	targets := links.Extract(blocks)
	resolved := make([]links.Link, 0, len(targets))
	for _, target := range targets {
		resolved = append(resolved, links.Resolve(target, docs))
	}
	return resolved, nil
}

// Search runs the document search, filtering hits down to documents
// the principal can read.
func (s *Service) Search(ctx context.Context, sess Session, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	resp := s.search.Search(q)
	if rbac.Role(sess.Role) == rbac.RoleAdmin {
		return resp, nil
	}

	filtered := make([]search.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		grant, err := s.store.GetDocAccessRole(ctx, sess.UserID, r.DocID)
		if err != nil {
			return search.Response{}, err
		}
		if rbac.CanReadDoc(rbac.Role(sess.Role), rbac.Role(grant)) {
			filtered = append(filtered, r)
		}
	}
	resp.Results = filtered
	resp.Total = len(filtered)
	return resp, nil
}

// dataURIThreshold is the size above which inline image payloads move
// to object storage.
const dataURIThreshold = 16 * 1024

// releaseImageObject removes the stored object behind an offloaded
// image block before the block row goes away. Best effort; a leftover
// object is preferable to a failed delete.
func (s *Service) releaseImageObject(ctx context.Context, docID, blockID int64) {
	if s.blobs == nil {
		return
	}
	blocks, err := s.store.ListBlocks(ctx, docID)
	if err != nil {
		return
	}
	for _, b := range blocks {
		if b.ID != blockID || b.Type != string(content.KindImage) {
			continue
		}
		if name, ok := s.blobs.ObjectName(b.Content); ok {
			if err := s.blobs.Delete(ctx, name); err != nil {
				log.Printf("release image object %s: %v", name, err)
			}
		}
		return
	}
}

// maybeOffloadImage pushes large data-URI images to the blob store and
// returns the served URL in their place. Payloads stay untouched when
// no blob store is configured.
func (s *Service) maybeOffloadImage(ctx context.Context, payload string) (string, error) {
	if s.blobs == nil || !strings.HasPrefix(payload, "data:image/") || len(payload) < dataURIThreshold {
		return payload, nil
	}
	meta, data, ok := strings.Cut(payload, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return payload, nil
	}
	contentType := strings.TrimSuffix(strings.TrimPrefix(meta, "data:"), ";base64")
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", errValidation("Malformed image payload")
	}
	url, err := s.blobs.PutImage(ctx, decoded, contentType)
	if err != nil {
		return "", err
	}
	return url, nil
}
