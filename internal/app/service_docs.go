package app

import (
	"context"
	"fmt"
	"strings"

	"collabdocs/api/internal/rbac"
	"collabdocs/api/internal/search"
	"collabdocs/api/internal/store"
	"collabdocs/api/internal/util"
)

type CreateDocumentInput struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	// Template selects the initial block set independently of the
	// type; empty means the type's own template.
	Template  string `json:"template"`
	Tags      string `json:"tags"`
	LibraryID int64  `json:"libraryId"`
}

type UpdateDocumentInput struct {
	Title     string `json:"title"`
	Type      string `json:"type"`
	Tags      string `json:"tags"`
	LibraryID int64  `json:"libraryId"`
}

// ListDocuments returns the documents visible to the principal, most
// recently updated first. Admins see everything with a synthesized
// editor access role; everyone else sees only granted documents.
func (s *Service) ListDocuments(ctx context.Context, sess Session) ([]store.Document, error) {
	if rbac.Role(sess.Role) == rbac.RoleAdmin {
		docs, err := s.store.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		for i := range docs {
			docs[i].AccessRole = string(rbac.RoleEditor)
		}
		return docs, nil
	}
	return s.store.ListDocumentsForUser(ctx, sess.UserID)
}

// CreateDocument creates a document with its type template of initial
// blocks. Non-admin creators receive an editor grant on it.
func (s *Service) CreateDocument(ctx context.Context, sess Session, in CreateDocumentInput) (store.Document, error) {
	if !rbac.Can(rbac.Role(sess.Role), rbac.ActionWrite) {
		return store.Document{}, errForbidden("Write role required")
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = untitledPlaceholder
	}
	docType := in.Type
	if docType == "" {
		docType = "note"
	}
	if _, ok := allowedDocTypes[docType]; !ok {
		return store.Document{}, errValidation("Invalid document type")
	}
	template := in.Template
	if template == "" {
		template = docType
	}
	if _, ok := allowedDocTypes[template]; !ok {
		return store.Document{}, errValidation("Invalid template")
	}

	libraryID := in.LibraryID
	if libraryID == 0 {
		id, err := s.store.DefaultLibraryID(ctx)
		if err != nil {
			return store.Document{}, err
		}
		libraryID = id
	}

	slug, err := s.ensureUniqueSlug(ctx, util.Slugify(title), 0)
	if err != nil {
		return store.Document{}, err
	}

	docID, err := s.store.InsertDocument(ctx, store.Document{
		Title:     title,
		Slug:      slug,
		Type:      docType,
		Tags:      in.Tags,
		LibraryID: libraryID,
	})
	if err != nil {
		return store.Document{}, err
	}

	if rbac.Role(sess.Role) != rbac.RoleAdmin {
		if err := s.store.UpsertDocAccess(ctx, sess.UserID, docID, string(rbac.RoleEditor)); err != nil {
			return store.Document{}, err
		}
	}

	for i, content := range templateBlocks(template, title) {
		if _, err := s.store.InsertBlock(ctx, store.Block{
			DocID:    docID,
			Type:     "text",
			Content:  content,
			Position: i,
		}); err != nil {
			return store.Document{}, fmt.Errorf("template blocks: %w", err)
		}
	}

	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	doc.AccessRole = string(rbac.RoleEditor)
	s.indexDocument(ctx, doc.ID)
	return doc, nil
}

// UpdateDocument edits title, type, tags, and library membership. The
// slug is fixed at creation.
func (s *Service) UpdateDocument(ctx context.Context, sess Session, docID int64, in UpdateDocumentInput) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.requireDocAccess(ctx, sess, docID, rbac.ActionWrite); err != nil {
		return store.Document{}, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Document{}, errValidation("Title is required")
	}
	docType := in.Type
	if docType == "" {
		docType = doc.Type
	}
	if _, ok := allowedDocTypes[docType]; !ok {
		return store.Document{}, errValidation("Invalid document type")
	}
	libraryID := in.LibraryID
	if libraryID == 0 {
		libraryID = doc.LibraryID
	}

	if err := s.store.UpdateDocument(ctx, docID, title, docType, in.Tags, libraryID); err != nil {
		return store.Document{}, err
	}

	updated, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	s.indexDocument(ctx, docID)
	return updated, nil
}

// DeleteDocument removes a document with all of its blocks and grants.
// Admin only.
func (s *Service) DeleteDocument(ctx context.Context, sess Session, docID int64) error {
	if err := s.requireAdmin(sess); err != nil {
		return err
	}
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(fmt.Sprintf("%d", docID))
	}
	return nil
}

// requireDocAccess runs the per-document grant check. Admins bypass it;
// everyone else needs a grant row, and writes need an editor grant.
func (s *Service) requireDocAccess(ctx context.Context, sess Session, docID int64, action rbac.Action) error {
	role := rbac.Role(sess.Role)
	if role == rbac.RoleAdmin {
		return nil
	}
	grant, err := s.store.GetDocAccessRole(ctx, sess.UserID, docID)
	if err != nil {
		return err
	}
	allowed := rbac.CanReadDoc(role, rbac.Role(grant))
	if action == rbac.ActionWrite {
		allowed = rbac.CanWriteDoc(role, rbac.Role(grant))
	}
	if !allowed {
		return errForbidden("No access to this document")
	}
	return nil
}

// indexDocument pushes the document's current title, tags, and text
// into the search index. Best effort; failures only log.
func (s *Service) indexDocument(ctx context.Context, docID int64) {
	if s.search == nil {
		return
	}
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return
	}
	blocks, err := s.store.ListBlocks(ctx, docID)
	if err != nil {
		return
	}
	var body strings.Builder
	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}
		body.WriteString(b.Content)
		body.WriteString(" ")
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:        fmt.Sprintf("%d", doc.ID),
		DocID:     doc.ID,
		Title:     doc.Title,
		Slug:      doc.Slug,
		Tags:      doc.Tags,
		Body:      body.String(),
		LibraryID: doc.LibraryID,
	})
}
