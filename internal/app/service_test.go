package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"testing"

	"collabdocs/api/internal/authpw"
	"collabdocs/api/internal/config"
	"collabdocs/api/internal/session"
	"collabdocs/api/internal/store"
)

type fakeStore struct {
	countUsersFn           func(context.Context) (int, error)
	countAdminsFn          func(context.Context) (int, error)
	getUserByIDFn          func(context.Context, int64) (store.User, error)
	getUserByUsernameFn    func(context.Context, string) (store.User, error)
	listUsersFn            func(context.Context) ([]store.User, error)
	insertUserFn           func(context.Context, store.User) (int64, error)
	updateUserRoleFn       func(context.Context, int64, string) error
	deleteUserFn           func(context.Context, int64) error
	listLibrariesFn        func(context.Context) ([]store.Library, error)
	insertLibraryFn        func(context.Context, string) (int64, error)
	defaultLibraryIDFn     func(context.Context) (int64, error)
	deleteLibraryFn        func(context.Context, int64, int64) error
	getDocAccessRoleFn     func(context.Context, int64, int64) (string, error)
	upsertDocAccessFn      func(context.Context, int64, int64, string) error
	deleteDocAccessFn      func(context.Context, int64, int64) error
	listDocAccessFn        func(context.Context, int64) ([]store.UserDocAccess, error)
	listDocumentsFn        func(context.Context) ([]store.Document, error)
	listDocumentsForUserFn func(context.Context, int64) ([]store.Document, error)
	getDocumentFn          func(context.Context, int64) (store.Document, error)
	slugExistsFn           func(context.Context, string, int64) (bool, error)
	insertDocumentFn       func(context.Context, store.Document) (int64, error)
	updateDocumentFn       func(context.Context, int64, string, string, string, int64) error
	deleteDocumentFn       func(context.Context, int64) error
	touchDocumentFn        func(context.Context, int64) error
	listBlocksFn           func(context.Context, int64) ([]store.Block, error)
	nextBlockPositionFn    func(context.Context, int64) (int, error)
	insertBlockFn          func(context.Context, store.Block) (int64, error)
	updateBlockContentFn   func(context.Context, int64, string) error
	updateBlockPositionFn  func(context.Context, int64, int64, int) error
	deleteBlockFn          func(context.Context, int64, int64) error
	backlinksFn            func(context.Context, int64, string, string) ([]store.Document, error)
	backlinksForUserFn     func(context.Context, int64, int64, string, string) ([]store.Document, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CountUsers(ctx context.Context) (int, error) {
	if f.countUsersFn != nil {
		return f.countUsersFn(ctx)
	}
	return 0, nil
}
func (f *fakeStore) CountAdmins(ctx context.Context) (int, error) {
	if f.countAdminsFn != nil {
		return f.countAdminsFn(ctx)
	}
	return 1, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	if f.listUsersFn != nil {
		return f.listUsersFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) InsertUser(ctx context.Context, user store.User) (int64, error) {
	if f.insertUserFn != nil {
		return f.insertUserFn(ctx, user)
	}
	return 1, nil
}
func (f *fakeStore) UpdateUserRole(ctx context.Context, id int64, role string) error {
	if f.updateUserRoleFn != nil {
		return f.updateUserRoleFn(ctx, id, role)
	}
	return nil
}
func (f *fakeStore) UpdateUserPassword(context.Context, int64, string) error { return nil }
func (f *fakeStore) UpdateUserCredentials(context.Context, int64, string, string) error {
	return nil
}
func (f *fakeStore) TouchLastLogin(context.Context, int64) error { return nil }
func (f *fakeStore) DeleteUser(ctx context.Context, id int64) error {
	if f.deleteUserFn != nil {
		return f.deleteUserFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) ListLibraries(ctx context.Context) ([]store.Library, error) {
	if f.listLibrariesFn != nil {
		return f.listLibrariesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) InsertLibrary(ctx context.Context, name string) (int64, error) {
	if f.insertLibraryFn != nil {
		return f.insertLibraryFn(ctx, name)
	}
	return 1, nil
}
func (f *fakeStore) DefaultLibraryID(ctx context.Context) (int64, error) {
	if f.defaultLibraryIDFn != nil {
		return f.defaultLibraryIDFn(ctx)
	}
	return 1, nil
}
func (f *fakeStore) DeleteLibrary(ctx context.Context, id, defaultID int64) error {
	if f.deleteLibraryFn != nil {
		return f.deleteLibraryFn(ctx, id, defaultID)
	}
	return nil
}

func (f *fakeStore) GetDocAccessRole(ctx context.Context, userID, docID int64) (string, error) {
	if f.getDocAccessRoleFn != nil {
		return f.getDocAccessRoleFn(ctx, userID, docID)
	}
	return "", nil
}
func (f *fakeStore) UpsertDocAccess(ctx context.Context, userID, docID int64, role string) error {
	if f.upsertDocAccessFn != nil {
		return f.upsertDocAccessFn(ctx, userID, docID, role)
	}
	return nil
}
func (f *fakeStore) DeleteDocAccess(ctx context.Context, userID, docID int64) error {
	if f.deleteDocAccessFn != nil {
		return f.deleteDocAccessFn(ctx, userID, docID)
	}
	return nil
}
func (f *fakeStore) ListDocAccess(ctx context.Context, docID int64) ([]store.UserDocAccess, error) {
	if f.listDocAccessFn != nil {
		return f.listDocAccessFn(ctx, docID)
	}
	return nil, nil
}

func (f *fakeStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	if f.listDocumentsFn != nil {
		return f.listDocumentsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ListDocumentsForUser(ctx context.Context, userID int64) ([]store.Document, error) {
	if f.listDocumentsForUserFn != nil {
		return f.listDocumentsForUserFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) GetDocument(ctx context.Context, docID int64) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, docID)
	}
	return store.Document{ID: docID, Title: "Doc", Slug: "doc", Type: "note", LibraryID: 1}, nil
}
func (f *fakeStore) SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error) {
	if f.slugExistsFn != nil {
		return f.slugExistsFn(ctx, slug, excludeID)
	}
	return false, nil
}
func (f *fakeStore) InsertDocument(ctx context.Context, doc store.Document) (int64, error) {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, doc)
	}
	return 1, nil
}
func (f *fakeStore) UpdateDocument(ctx context.Context, docID int64, title, docType, tags string, libraryID int64) error {
	if f.updateDocumentFn != nil {
		return f.updateDocumentFn(ctx, docID, title, docType, tags, libraryID)
	}
	return nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, docID int64) error {
	if f.deleteDocumentFn != nil {
		return f.deleteDocumentFn(ctx, docID)
	}
	return nil
}
func (f *fakeStore) TouchDocument(ctx context.Context, docID int64) error {
	if f.touchDocumentFn != nil {
		return f.touchDocumentFn(ctx, docID)
	}
	return nil
}

func (f *fakeStore) ListBlocks(ctx context.Context, docID int64) ([]store.Block, error) {
	if f.listBlocksFn != nil {
		return f.listBlocksFn(ctx, docID)
	}
	return nil, nil
}
func (f *fakeStore) NextBlockPosition(ctx context.Context, docID int64) (int, error) {
	if f.nextBlockPositionFn != nil {
		return f.nextBlockPositionFn(ctx, docID)
	}
	return 0, nil
}
func (f *fakeStore) InsertBlock(ctx context.Context, block store.Block) (int64, error) {
	if f.insertBlockFn != nil {
		return f.insertBlockFn(ctx, block)
	}
	return 1, nil
}
func (f *fakeStore) UpdateBlockContent(ctx context.Context, blockID int64, content string) error {
	if f.updateBlockContentFn != nil {
		return f.updateBlockContentFn(ctx, blockID, content)
	}
	return nil
}
func (f *fakeStore) UpdateBlockPosition(ctx context.Context, docID, blockID int64, position int) error {
	if f.updateBlockPositionFn != nil {
		return f.updateBlockPositionFn(ctx, docID, blockID, position)
	}
	return nil
}
func (f *fakeStore) DeleteBlock(ctx context.Context, docID, blockID int64) error {
	if f.deleteBlockFn != nil {
		return f.deleteBlockFn(ctx, docID, blockID)
	}
	return nil
}

func (f *fakeStore) Backlinks(ctx context.Context, docID int64, title, slug string) ([]store.Document, error) {
	if f.backlinksFn != nil {
		return f.backlinksFn(ctx, docID, title, slug)
	}
	return nil, nil
}
func (f *fakeStore) BacklinksForUser(ctx context.Context, userID, docID int64, title, slug string) ([]store.Document, error) {
	if f.backlinksForUserFn != nil {
		return f.backlinksForUserFn(ctx, userID, docID, title, slug)
	}
	return nil, nil
}
func (f *fakeStore) DocsWithoutSlug(context.Context) ([]store.Document, error) { return nil, nil }
func (f *fakeStore) SetDocumentSlug(context.Context, int64, string) error      { return nil }

// fakeSessions is an in-memory session store.
type fakeSessions struct {
	records map[string]session.Record
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{records: make(map[string]session.Record)}
}

func (f *fakeSessions) Save(ctx context.Context, hash string, rec session.Record) error {
	f.records[hash] = rec
	return nil
}
func (f *fakeSessions) Lookup(ctx context.Context, hash string) (session.Record, error) {
	rec, ok := f.records[hash]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return rec, nil
}
func (f *fakeSessions) Revoke(ctx context.Context, hash string) error {
	delete(f.records, hash)
	return nil
}
func (f *fakeSessions) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{}, fs, newFakeSessions(), nil, nil)
}

func adminSession() Session {
	return Session{UserID: 1, Username: "root", Role: "admin", CSRFToken: "csrf"}
}

func editorSession() Session {
	return Session{UserID: 2, Username: "ed", Role: "editor", CSRFToken: "csrf"}
}

func readerSession() Session {
	return Session{UserID: 3, Username: "ro", Role: "reader", CSRFToken: "csrf"}
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return de.Status
}

func TestCreateDocumentTemplates(t *testing.T) {
	tests := []struct {
		docType    string
		wantBlocks int
	}{
		{"note", 1},
		{"wiki", 3},
		{"course", 6},
		{"spec", 9},
	}
	for _, tt := range tests {
		t.Run(tt.docType, func(t *testing.T) {
			var inserted []store.Block
			fs := &fakeStore{
				insertBlockFn: func(ctx context.Context, b store.Block) (int64, error) {
					inserted = append(inserted, b)
					return int64(len(inserted)), nil
				},
			}
			svc := newTestService(fs)

			_, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{
				Title: "A <b>Plan</b>", Type: tt.docType,
			})
			if err != nil {
				t.Fatalf("CreateDocument failed: %v", err)
			}
			if len(inserted) != tt.wantBlocks {
				t.Fatalf("expected %d template blocks, got %d", tt.wantBlocks, len(inserted))
			}
			for i, b := range inserted {
				if b.Type != "text" {
					t.Errorf("block %d: expected type text, got %s", i, b.Type)
				}
				if b.Position != i {
					t.Errorf("block %d: expected position %d, got %d", i, i, b.Position)
				}
			}
			if !strings.Contains(inserted[0].Content, "A &lt;b&gt;Plan&lt;/b&gt;") {
				t.Errorf("expected escaped title in first block, got %q", inserted[0].Content)
			}
		})
	}
}

func TestCreateDocumentSlugCollision(t *testing.T) {
	taken := map[string]bool{"meeting-notes": true, "meeting-notes-1": true}
	var insertedSlug string
	fs := &fakeStore{
		slugExistsFn: func(ctx context.Context, slug string, excludeID int64) (bool, error) {
			return taken[slug], nil
		},
		insertDocumentFn: func(ctx context.Context, doc store.Document) (int64, error) {
			insertedSlug = doc.Slug
			return 1, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{Title: "Meeting Notes", Type: "note"})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if insertedSlug != "meeting-notes-2" {
		t.Errorf("expected slug meeting-notes-2, got %q", insertedSlug)
	}
}

func TestCreateDocumentEmptyTitlePlaceholder(t *testing.T) {
	var insertedTitle string
	fs := &fakeStore{
		insertDocumentFn: func(ctx context.Context, doc store.Document) (int64, error) {
			insertedTitle = doc.Title
			return 1, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{Title: "   ", Type: "note"}); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if insertedTitle != "Untitled" {
		t.Errorf("expected placeholder title, got %q", insertedTitle)
	}
}

func TestCreateDocumentInvalidType(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{Title: "X", Type: "memo"})
	if got := domainStatus(t, err); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}
}

func TestCreateDocumentGrantsCreator(t *testing.T) {
	var grantedUser, grantedDoc int64
	var grantedRole string
	fs := &fakeStore{
		upsertDocAccessFn: func(ctx context.Context, userID, docID int64, role string) error {
			grantedUser, grantedDoc, grantedRole = userID, docID, role
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateDocument(context.Background(), editorSession(), CreateDocumentInput{Title: "Mine", Type: "note"}); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if grantedUser != 2 || grantedDoc != 1 || grantedRole != "editor" {
		t.Errorf("expected editor grant for creator, got user=%d doc=%d role=%q", grantedUser, grantedDoc, grantedRole)
	}

	// Admins do not get a grant row
	grantedUser = 0
	if _, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{Title: "Admin doc", Type: "note"}); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if grantedUser != 0 {
		t.Error("expected no grant row for admin creator")
	}
}

func TestCreateDocumentReaderForbidden(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateDocument(context.Background(), readerSession(), CreateDocumentInput{Title: "X", Type: "note"})
	if got := domainStatus(t, err); got != http.StatusForbidden {
		t.Errorf("expected 403, got %d", got)
	}
}

func TestUpdateDocumentEmptyTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.UpdateDocument(context.Background(), adminSession(), 1, UpdateDocumentInput{Title: " "})
	if got := domainStatus(t, err); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}
}

func TestCreateDocumentTemplateOverride(t *testing.T) {
	var inserted []store.Block
	var insertedType string
	fs := &fakeStore{
		insertDocumentFn: func(ctx context.Context, doc store.Document) (int64, error) {
			insertedType = doc.Type
			return 1, nil
		},
		insertBlockFn: func(ctx context.Context, b store.Block) (int64, error) {
			inserted = append(inserted, b)
			return int64(len(inserted)), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{
		Title: "Scratch", Type: "note", Template: "wiki",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if insertedType != "note" {
		t.Errorf("expected doc type note, got %q", insertedType)
	}
	if len(inserted) != 3 {
		t.Fatalf("expected the wiki template's 3 blocks, got %d", len(inserted))
	}
}

func TestCreateDocumentInvalidTemplate(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{
		Title: "X", Type: "note", Template: "memo",
	})
	if got := domainStatus(t, err); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}
}

func TestCreateDocumentSpecTemplateMetadata(t *testing.T) {
	var first string
	fs := &fakeStore{
		insertBlockFn: func(ctx context.Context, b store.Block) (int64, error) {
			if first == "" {
				first = b.Content
			}
			return 1, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateDocument(context.Background(), adminSession(), CreateDocumentInput{Title: "API", Type: "spec"}); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	for _, label := range []string{"Version", "Author"} {
		if !strings.Contains(first, label) {
			t.Errorf("expected %s line in spec heading block, got %q", label, first)
		}
	}
}

func TestUpdateDocumentRewritesType(t *testing.T) {
	var storedType string
	fs := &fakeStore{
		updateDocumentFn: func(ctx context.Context, docID int64, title, docType, tags string, libraryID int64) error {
			storedType = docType
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.UpdateDocument(context.Background(), adminSession(), 1, UpdateDocumentInput{Title: "Doc", Type: "wiki"}); err != nil {
		t.Fatalf("UpdateDocument failed: %v", err)
	}
	if storedType != "wiki" {
		t.Errorf("expected type wiki written, got %q", storedType)
	}

	// Omitting the type keeps the current one
	if _, err := svc.UpdateDocument(context.Background(), adminSession(), 1, UpdateDocumentInput{Title: "Doc"}); err != nil {
		t.Fatalf("UpdateDocument failed: %v", err)
	}
	if storedType != "note" {
		t.Errorf("expected current type note kept, got %q", storedType)
	}

	_, err := svc.UpdateDocument(context.Background(), adminSession(), 1, UpdateDocumentInput{Title: "Doc", Type: "memo"})
	if got := domainStatus(t, err); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown type, got %d", got)
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	blocks := map[int64][]int64{1: {10, 11}, 2: {20}}
	grants := map[int64][]int64{1: {5}, 2: {6}}
	fs := &fakeStore{
		deleteDocumentFn: func(ctx context.Context, docID int64) error {
			delete(blocks, docID)
			delete(grants, docID)
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.DeleteDocument(context.Background(), adminSession(), 1); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if _, ok := blocks[1]; ok {
		t.Error("expected doc 1 blocks removed with the document")
	}
	if _, ok := grants[1]; ok {
		t.Error("expected doc 1 grants removed with the document")
	}
	if len(blocks[2]) != 1 || len(grants[2]) != 1 {
		t.Error("expected doc 2 blocks and grants untouched")
	}
}

func TestDeleteDocumentAdminOnly(t *testing.T) {
	svc := newTestService(&fakeStore{})
	err := svc.DeleteDocument(context.Background(), editorSession(), 1)
	if got := domainStatus(t, err); got != http.StatusForbidden {
		t.Errorf("expected 403, got %d", got)
	}
}

func TestRequireDocAccessFailClosed(t *testing.T) {
	fs := &fakeStore{
		getDocAccessRoleFn: func(ctx context.Context, userID, docID int64) (string, error) {
			return "", nil // no grant row
		},
	}
	svc := newTestService(fs)

	_, err := svc.ListBlocks(context.Background(), editorSession(), 1)
	if got := domainStatus(t, err); got != http.StatusForbidden {
		t.Errorf("expected 403 without grant, got %d", got)
	}
}

func TestRequireDocAccessReaderCannotWrite(t *testing.T) {
	fs := &fakeStore{
		getDocAccessRoleFn: func(ctx context.Context, userID, docID int64) (string, error) {
			return "reader", nil
		},
	}
	svc := newTestService(fs)

	// Reads pass
	if _, err := svc.ListBlocks(context.Background(), editorSession(), 1); err != nil {
		t.Fatalf("ListBlocks with reader grant failed: %v", err)
	}
	// Writes fail
	_, err := svc.AddBlock(context.Background(), editorSession(), 1, "text", "")
	if got := domainStatus(t, err); got != http.StatusForbidden {
		t.Errorf("expected 403 for write with reader grant, got %d", got)
	}
}

func TestAddBlockDefaults(t *testing.T) {
	tests := []struct {
		kind        string
		payload     string
		wantContent string
	}{
		{"text", "ignored", ""},
		{"table", "ignored", `[["","",""],["","",""],["","",""]]`},
		{"todo", "ignored", `{"text":"New task","checked":false}`},
		{"image", "https://example.com/x.png", "https://example.com/x.png"},
		{"youtube", "dQw4w9WgXcQ", "dQw4w9WgXcQ"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			var inserted store.Block
			touched := false
			fs := &fakeStore{
				nextBlockPositionFn: func(ctx context.Context, docID int64) (int, error) { return 4, nil },
				insertBlockFn: func(ctx context.Context, b store.Block) (int64, error) {
					inserted = b
					return 9, nil
				},
				touchDocumentFn: func(ctx context.Context, docID int64) error {
					touched = true
					return nil
				},
			}
			svc := newTestService(fs)

			block, err := svc.AddBlock(context.Background(), adminSession(), 1, tt.kind, tt.payload)
			if err != nil {
				t.Fatalf("AddBlock failed: %v", err)
			}
			if inserted.Content != tt.wantContent {
				t.Errorf("content = %q, want %q", inserted.Content, tt.wantContent)
			}
			if inserted.Position != 4 {
				t.Errorf("position = %d, want 4", inserted.Position)
			}
			if block.ID != 9 {
				t.Errorf("expected returned block id 9, got %d", block.ID)
			}
			if !touched {
				t.Error("expected document timestamp bump")
			}
		})
	}
}

func TestAddBlockInvalidKind(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.AddBlock(context.Background(), adminSession(), 1, "chart", "")
	if got := domainStatus(t, err); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}
}

func TestDeleteBlockWithoutBlobStore(t *testing.T) {
	var deletedDoc, deletedBlock int64
	touched := false
	fs := &fakeStore{
		listBlocksFn: func(ctx context.Context, docID int64) ([]store.Block, error) {
			return []store.Block{{ID: 9, DocID: docID, Type: "image", Content: "http://localhost:9000/collabdocs-images/img_ab.png"}}, nil
		},
		deleteBlockFn: func(ctx context.Context, docID, blockID int64) error {
			deletedDoc, deletedBlock = docID, blockID
			return nil
		},
		touchDocumentFn: func(ctx context.Context, docID int64) error {
			touched = true
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.DeleteBlock(context.Background(), adminSession(), 1, 9); err != nil {
		t.Fatalf("DeleteBlock failed: %v", err)
	}
	if deletedDoc != 1 || deletedBlock != 9 {
		t.Errorf("expected delete of block 9 in doc 1, got doc=%d block=%d", deletedDoc, deletedBlock)
	}
	if !touched {
		t.Error("expected document timestamp bump")
	}
}

func TestReorderBlocksWritesIndexPositions(t *testing.T) {
	type call struct {
		docID, blockID int64
		position       int
	}
	var calls []call
	touched := false
	fs := &fakeStore{
		updateBlockPositionFn: func(ctx context.Context, docID, blockID int64, position int) error {
			calls = append(calls, call{docID, blockID, position})
			return nil
		},
		touchDocumentFn: func(ctx context.Context, docID int64) error {
			touched = true
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.ReorderBlocks(context.Background(), adminSession(), 7, []int64{30, 10, 20}); err != nil {
		t.Fatalf("ReorderBlocks failed: %v", err)
	}
	want := []call{{7, 30, 0}, {7, 10, 1}, {7, 20, 2}}
	if len(calls) != len(want) {
		t.Fatalf("expected %d position writes, got %d", len(want), len(calls))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
	if !touched {
		t.Error("expected document timestamp bump")
	}
}

func TestBacklinksVisibility(t *testing.T) {
	adminCalled, userCalled := false, false
	fs := &fakeStore{
		getDocAccessRoleFn: func(ctx context.Context, userID, docID int64) (string, error) {
			return "reader", nil
		},
		backlinksFn: func(ctx context.Context, docID int64, title, slug string) ([]store.Document, error) {
			adminCalled = true
			return nil, nil
		},
		backlinksForUserFn: func(ctx context.Context, userID, docID int64, title, slug string) ([]store.Document, error) {
			userCalled = true
			return nil, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.Backlinks(context.Background(), adminSession(), 1); err != nil {
		t.Fatalf("Backlinks(admin) failed: %v", err)
	}
	if !adminCalled || userCalled {
		t.Error("expected the unrestricted query for admins")
	}

	adminCalled, userCalled = false, false
	if _, err := svc.Backlinks(context.Background(), editorSession(), 1); err != nil {
		t.Fatalf("Backlinks(editor) failed: %v", err)
	}
	if adminCalled || !userCalled {
		t.Error("expected the grant-joined query for non-admins")
	}
}

func TestListDocumentsAdminAccessRole(t *testing.T) {
	fs := &fakeStore{
		listDocumentsFn: func(ctx context.Context) ([]store.Document, error) {
			return []store.Document{{ID: 1}, {ID: 2}}, nil
		},
	}
	svc := newTestService(fs)

	docs, err := svc.ListDocuments(context.Background(), adminSession())
	if err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}
	for _, d := range docs {
		if d.AccessRole != "editor" {
			t.Errorf("doc %d: expected synthesized editor role, got %q", d.ID, d.AccessRole)
		}
	}
}

func TestUpdateUserLastAdminDemotion(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(ctx context.Context, id int64) (store.User, error) {
			return store.User{ID: id, Role: "admin"}, nil
		},
		countAdminsFn: func(ctx context.Context) (int, error) { return 1, nil },
	}
	svc := newTestService(fs)

	err := svc.UpdateUser(context.Background(), adminSession(), 1, "editor", "")
	if got := domainStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
}

func TestDeleteUserSelf(t *testing.T) {
	svc := newTestService(&fakeStore{})
	err := svc.DeleteUser(context.Background(), adminSession(), 1)
	if got := domainStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
}

func TestDeleteUserLastAdmin(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(ctx context.Context, id int64) (store.User, error) {
			return store.User{ID: id, Role: "admin"}, nil
		},
		countAdminsFn: func(ctx context.Context) (int, error) { return 1, nil },
	}
	svc := newTestService(fs)

	err := svc.DeleteUser(context.Background(), adminSession(), 5)
	if got := domainStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	fs := &fakeStore{
		getUserByUsernameFn: func(ctx context.Context, username string) (store.User, error) {
			return store.User{ID: 4, Username: username}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateUser(context.Background(), adminSession(), "taken", "longenough", "editor")
	if got := domainStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	cases := []struct {
		name               string
		username, password string
		role               string
	}{
		{"short username", "ab", "longenough", "editor"},
		{"short password", "alice", "short", "editor"},
		{"bad role", "alice", "longenough", "owner"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateUser(context.Background(), adminSession(), tc.username, tc.password, tc.role)
			if got := domainStatus(t, err); got != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d", got)
			}
		})
	}
}

func TestDeleteLibraryDefault(t *testing.T) {
	fs := &fakeStore{
		defaultLibraryIDFn: func(ctx context.Context) (int64, error) { return 3, nil },
	}
	svc := newTestService(fs)

	err := svc.DeleteLibrary(context.Background(), adminSession(), 3)
	if got := domainStatus(t, err); got != http.StatusConflict {
		t.Errorf("expected 409, got %d", got)
	}
	// Non-default libraries delete fine
	if err := svc.DeleteLibrary(context.Background(), adminSession(), 5); err != nil {
		t.Errorf("expected delete of non-default library to pass, got %v", err)
	}
}

func TestLoginIssuesSession(t *testing.T) {
	hash, _ := authpw.HashPassword("correct-horse")
	fs := &fakeStore{
		getUserByUsernameFn: func(ctx context.Context, username string) (store.User, error) {
			if username != "alice" {
				return store.User{}, sql.ErrNoRows
			}
			return store.User{ID: 7, Username: "alice", PasswordHash: hash, Role: "editor"}, nil
		},
	}
	sessions := newFakeSessions()
	svc := New(config.Config{}, fs, sessions, nil, nil)

	sess, err := svc.Login(context.Background(), "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.Token == "" || sess.CSRFToken == "" {
		t.Error("expected session and anti-forgery tokens")
	}
	if sess.Token == sess.CSRFToken {
		t.Error("expected distinct session and anti-forgery tokens")
	}

	got, err := svc.SessionFromToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if got.UserID != 7 || got.Role != "editor" || got.CSRFToken != sess.CSRFToken {
		t.Errorf("unexpected resolved session: %+v", got)
	}

	_, err = svc.Login(context.Background(), "alice", "wrong")
	if got := domainStatus(t, err); got != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", got)
	}
}

func TestBootstrapCreatesAdminAndSeeds(t *testing.T) {
	var createdUser store.User
	var createdLib string
	var seededDoc store.Document
	blockCount := 0
	fs := &fakeStore{
		countUsersFn: func(ctx context.Context) (int, error) { return 0, nil },
		insertUserFn: func(ctx context.Context, u store.User) (int64, error) {
			createdUser = u
			return 1, nil
		},
		defaultLibraryIDFn: func(ctx context.Context) (int64, error) { return 0, nil },
		insertLibraryFn: func(ctx context.Context, name string) (int64, error) {
			createdLib = name
			return 1, nil
		},
		listDocumentsFn: func(ctx context.Context) ([]store.Document, error) { return nil, nil },
		insertDocumentFn: func(ctx context.Context, doc store.Document) (int64, error) {
			seededDoc = doc
			return 1, nil
		},
		insertBlockFn: func(ctx context.Context, b store.Block) (int64, error) {
			blockCount++
			return int64(blockCount), nil
		},
	}
	svc := New(config.Config{}, fs, newFakeSessions(), nil, nil)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if createdUser.Username != "admin" || createdUser.Role != "admin" {
		t.Errorf("unexpected bootstrap admin: %+v", createdUser)
	}
	if !createdUser.MustChangePassword {
		t.Error("expected fallback admin to be flagged for password change")
	}
	if createdLib != "General" {
		t.Errorf("expected default library General, got %q", createdLib)
	}
	if seededDoc.Type != "wiki" || seededDoc.Slug != "home" {
		t.Errorf("unexpected seed document: %+v", seededDoc)
	}
	if blockCount != 3 {
		t.Errorf("expected 3 seed blocks, got %d", blockCount)
	}
}

func TestBootstrapFailureIsFatal(t *testing.T) {
	fs := &fakeStore{
		countUsersFn: func(ctx context.Context) (int, error) {
			return 0, errors.New("connection refused")
		},
	}
	svc := New(config.Config{}, fs, newFakeSessions(), nil, nil)
	if err := svc.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected bootstrap to surface the store failure")
	}
}
