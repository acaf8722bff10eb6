package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"collabdocs/api/internal/authpw"
	"collabdocs/api/internal/blobstore"
	"collabdocs/api/internal/config"
	"collabdocs/api/internal/rbac"
	"collabdocs/api/internal/search"
	"collabdocs/api/internal/session"
	"collabdocs/api/internal/store"
	"collabdocs/api/internal/util"
)

// Session is the authenticated principal carried through a request.
type Session struct {
	Token      string
	CSRFToken  string
	UserID     int64
	Username   string
	Role       string
	MustChange bool
}

const (
	defaultLibraryName  = "General"
	seedDocTitle        = "Home"
	untitledPlaceholder = "Untitled"
)

type dataStore interface {
	Ping(context.Context) error

	CountUsers(context.Context) (int, error)
	CountAdmins(context.Context) (int, error)
	GetUserByID(context.Context, int64) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	InsertUser(context.Context, store.User) (int64, error)
	UpdateUserRole(context.Context, int64, string) error
	UpdateUserPassword(context.Context, int64, string) error
	UpdateUserCredentials(context.Context, int64, string, string) error
	TouchLastLogin(context.Context, int64) error
	DeleteUser(context.Context, int64) error

	ListLibraries(context.Context) ([]store.Library, error)
	InsertLibrary(context.Context, string) (int64, error)
	DefaultLibraryID(context.Context) (int64, error)
	DeleteLibrary(context.Context, int64, int64) error

	GetDocAccessRole(context.Context, int64, int64) (string, error)
	UpsertDocAccess(context.Context, int64, int64, string) error
	DeleteDocAccess(context.Context, int64, int64) error
	ListDocAccess(context.Context, int64) ([]store.UserDocAccess, error)

	ListDocuments(context.Context) ([]store.Document, error)
	ListDocumentsForUser(context.Context, int64) ([]store.Document, error)
	GetDocument(context.Context, int64) (store.Document, error)
	SlugExists(context.Context, string, int64) (bool, error)
	InsertDocument(context.Context, store.Document) (int64, error)
	UpdateDocument(context.Context, int64, string, string, string, int64) error
	DeleteDocument(context.Context, int64) error
	TouchDocument(context.Context, int64) error

	ListBlocks(context.Context, int64) ([]store.Block, error)
	NextBlockPosition(context.Context, int64) (int, error)
	InsertBlock(context.Context, store.Block) (int64, error)
	UpdateBlockContent(context.Context, int64, string) error
	UpdateBlockPosition(context.Context, int64, int64, int) error
	DeleteBlock(context.Context, int64, int64) error

	Backlinks(context.Context, int64, string, string) ([]store.Document, error)
	BacklinksForUser(context.Context, int64, int64, string, string) ([]store.Document, error)
	DocsWithoutSlug(context.Context) ([]store.Document, error)
	SetDocumentSlug(context.Context, int64, string) error
}

type sessionStore interface {
	Save(context.Context, string, session.Record) error
	Lookup(context.Context, string) (session.Record, error)
	Revoke(context.Context, string) error
	Ping(context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	auth     *authpw.Service
	search   *search.Service
	blobs    *blobstore.Client
}

// New wires the service layer. search and blobs may be nil when the
// corresponding backends are not configured.
func New(cfg config.Config, st dataStore, sessions sessionStore, searchSvc *search.Service, blobs *blobstore.Client) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		auth:     authpw.NewService(st),
		search:   searchSvc,
		blobs:    blobs,
	}
}

// Ping checks database connectivity for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks session-store connectivity for the readiness probe.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Bootstrap prepares first-run state: the initial admin account, the
// default library, a seed document, and slugs for documents predating
// them. Any failure here is fatal to startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: count users: %w", err)
	}
	if count == 0 {
		username := s.cfg.AdminUser
		password := s.cfg.AdminPass
		mustChange := false
		if username == "" || password == "" {
			username, password = "admin", "admin"
			mustChange = true
		}
		hash, err := authpw.HashPassword(password)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if _, err := s.store.InsertUser(ctx, store.User{
			Username:           username,
			PasswordHash:       hash,
			Role:               string(rbac.RoleAdmin),
			MustChangePassword: mustChange,
		}); err != nil {
			return fmt.Errorf("bootstrap: create admin: %w", err)
		}
		log.Printf("bootstrap: created initial admin %q", username)
	}

	libID, err := s.store.DefaultLibraryID(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if libID == 0 {
		libID, err = s.store.InsertLibrary(ctx, defaultLibraryName)
		if err != nil {
			return fmt.Errorf("bootstrap: create default library: %w", err)
		}
	}

	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: list documents: %w", err)
	}
	if len(docs) == 0 {
		if err := s.seedDocument(ctx, libID); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	if err := s.backfillSlugs(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) seedDocument(ctx context.Context, libraryID int64) error {
	slug, err := s.ensureUniqueSlug(ctx, util.Slugify(seedDocTitle), 0)
	if err != nil {
		return err
	}
	docID, err := s.store.InsertDocument(ctx, store.Document{
		Title:     seedDocTitle,
		Slug:      slug,
		Type:      "wiki",
		LibraryID: libraryID,
	})
	if err != nil {
		return fmt.Errorf("seed document: %w", err)
	}
	for i, content := range templateBlocks("wiki", seedDocTitle) {
		if _, err := s.store.InsertBlock(ctx, store.Block{
			DocID:    docID,
			Type:     "text",
			Content:  content,
			Position: i,
		}); err != nil {
			return fmt.Errorf("seed blocks: %w", err)
		}
	}
	return nil
}

func (s *Service) backfillSlugs(ctx context.Context) error {
	docs, err := s.store.DocsWithoutSlug(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		slug, err := s.ensureUniqueSlug(ctx, util.Slugify(doc.Title), doc.ID)
		if err != nil {
			return err
		}
		if err := s.store.SetDocumentSlug(ctx, doc.ID, slug); err != nil {
			return err
		}
	}
	return nil
}

// ensureUniqueSlug appends -1, -2, ... to the base slug until no other
// document holds it. excludeID skips the document itself on renames.
func (s *Service) ensureUniqueSlug(ctx context.Context, base string, excludeID int64) (string, error) {
	slug := base
	for i := 1; ; i++ {
		taken, err := s.store.SlugExists(ctx, slug, excludeID)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

// Login verifies credentials and issues a fresh session with its
// anti-forgery token.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.auth.Authenticate(ctx, username, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, errUnauthorized("Invalid username or password")
	}
	if err != nil {
		return Session{}, err
	}

	token := session.NewToken()
	csrf := session.NewToken()
	rec := session.Record{
		UserID:     user.ID,
		Username:   user.Username,
		Role:       user.Role,
		MustChange: user.MustChangePassword,
		CSRFToken:  csrf,
	}
	if err := s.sessions.Save(ctx, session.HashToken(token), rec); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return Session{
		Token:      token,
		CSRFToken:  csrf,
		UserID:     user.ID,
		Username:   user.Username,
		Role:       user.Role,
		MustChange: user.MustChangePassword,
	}, nil
}

// SessionFromToken resolves a bearer token into the principal it was
// issued to.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	rec, err := s.sessions.Lookup(ctx, session.HashToken(token))
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:      token,
		CSRFToken:  rec.CSRFToken,
		UserID:     rec.UserID,
		Username:   rec.Username,
		Role:       rec.Role,
		MustChange: rec.MustChange,
	}, nil
}

// Logout revokes the session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, session.HashToken(token))
}

// refreshSession rewrites the stored record after a credential change
// so the principal's session keeps working with the new identity.
func (s *Service) refreshSession(ctx context.Context, sess Session, username string) {
	rec := session.Record{
		UserID:     sess.UserID,
		Username:   username,
		Role:       sess.Role,
		MustChange: false,
		CSRFToken:  sess.CSRFToken,
	}
	if err := s.sessions.Save(ctx, session.HashToken(sess.Token), rec); err != nil {
		log.Printf("refresh session for user %d: %v", sess.UserID, err)
	}
}

func (s *Service) requireAdmin(sess Session) error {
	if !rbac.Can(rbac.Role(sess.Role), rbac.ActionAdmin) {
		return errForbidden("Admin role required")
	}
	return nil
}

// ChangePassword rotates the principal's own password after verifying
// the current one.
func (s *Service) ChangePassword(ctx context.Context, sess Session, current, next string) error {
	err := s.auth.ChangePassword(ctx, sess.UserID, current, next)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return errUnauthorized("Current password is incorrect")
	}
	if err != nil {
		if isValidation(err) {
			return errValidation(err.Error())
		}
		return err
	}
	s.refreshSession(ctx, sess, sess.Username)
	return nil
}

// ChangeCredentials rotates the principal's username and password
// together.
func (s *Service) ChangeCredentials(ctx context.Context, sess Session, current, username, password string) error {
	username = strings.TrimSpace(username)
	if username != sess.Username {
		if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
			return errConflict("USERNAME_TAKEN", "Username already in use")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check username: %w", err)
		}
	}

	err := s.auth.ChangeCredentials(ctx, sess.UserID, current, username, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return errUnauthorized("Current password is incorrect")
	}
	if err != nil {
		if isValidation(err) {
			return errValidation(err.Error())
		}
		return err
	}
	s.refreshSession(ctx, sess, username)
	return nil
}

// isValidation distinguishes authpw's input errors from its wrapped
// store failures.
func isValidation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "must be at least")
}

// ListUsers returns all accounts. Admin only.
func (s *Service) ListUsers(ctx context.Context, sess Session) ([]store.User, error) {
	if err := s.requireAdmin(sess); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

// CreateUser provisions a new account. Admin only.
func (s *Service) CreateUser(ctx context.Context, sess Session, username, password, role string) (store.User, error) {
	if err := s.requireAdmin(sess); err != nil {
		return store.User{}, err
	}
	username = strings.TrimSpace(username)
	if err := authpw.ValidateUsername(username); err != nil {
		return store.User{}, errValidation(err.Error())
	}
	if err := authpw.ValidatePassword(password); err != nil {
		return store.User{}, errValidation(err.Error())
	}
	if !rbac.ValidRole(role) {
		return store.User{}, errValidation("Invalid role")
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, errConflict("USERNAME_TAKEN", "Username already in use")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("check username: %w", err)
	}

	hash, err := authpw.HashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	id, err := s.store.InsertUser(ctx, user)
	if err != nil {
		return store.User{}, err
	}
	user.ID = id
	user.PasswordHash = ""
	return user, nil
}

// UpdateUser changes an account's role and optionally resets its
// password. Demoting the last admin is refused.
func (s *Service) UpdateUser(ctx context.Context, sess Session, userID int64, role, password string) error {
	if err := s.requireAdmin(sess); err != nil {
		return err
	}
	if !rbac.ValidRole(role) {
		return errValidation("Invalid role")
	}

	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if target.Role == string(rbac.RoleAdmin) && role != string(rbac.RoleAdmin) {
		admins, err := s.store.CountAdmins(ctx)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return errConflict("LAST_ADMIN", "Cannot demote the last admin")
		}
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		return err
	}

	if password != "" {
		if err := authpw.ValidatePassword(password); err != nil {
			return errValidation(err.Error())
		}
		hash, err := authpw.HashPassword(password)
		if err != nil {
			return err
		}
		if err := s.store.UpdateUserPassword(ctx, userID, hash); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUser removes an account along with its grants. Self-deletion
// and deleting the last admin are refused.
func (s *Service) DeleteUser(ctx context.Context, sess Session, userID int64) error {
	if err := s.requireAdmin(sess); err != nil {
		return err
	}
	if userID == sess.UserID {
		return errConflict("SELF_DELETE", "Cannot delete your own account")
	}
	target, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if target.Role == string(rbac.RoleAdmin) {
		admins, err := s.store.CountAdmins(ctx)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return errConflict("LAST_ADMIN", "Cannot delete the last admin")
		}
	}
	return s.store.DeleteUser(ctx, userID)
}

// ListLibraries is available to any authenticated user.
func (s *Service) ListLibraries(ctx context.Context, sess Session) ([]store.Library, error) {
	return s.store.ListLibraries(ctx)
}

// CreateLibrary creates a named library. Admin only.
func (s *Service) CreateLibrary(ctx context.Context, sess Session, name string) (store.Library, error) {
	if err := s.requireAdmin(sess); err != nil {
		return store.Library{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Library{}, errValidation("Library name is required")
	}
	id, err := s.store.InsertLibrary(ctx, name)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Library{}, errConflict("LIBRARY_EXISTS", "Library name already in use")
		}
		return store.Library{}, fmt.Errorf("insert library: %w", err)
	}
	return store.Library{ID: id, Name: name, CreatedAt: time.Now()}, nil
}

// DeleteLibrary removes a library after re-parenting its documents to
// the default library, which itself cannot be deleted.
func (s *Service) DeleteLibrary(ctx context.Context, sess Session, libraryID int64) error {
	if err := s.requireAdmin(sess); err != nil {
		return err
	}
	defaultID, err := s.store.DefaultLibraryID(ctx)
	if err != nil {
		return err
	}
	if libraryID == defaultID {
		return errConflict("DEFAULT_LIBRARY", "The default library cannot be deleted")
	}
	return s.store.DeleteLibrary(ctx, libraryID, defaultID)
}

// ListDocAccess returns every user with their per-document role. Admin only.
func (s *Service) ListDocAccess(ctx context.Context, sess Session, docID int64) ([]store.UserDocAccess, error) {
	if err := s.requireAdmin(sess); err != nil {
		return nil, err
	}
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	return s.store.ListDocAccess(ctx, docID)
}

// UpdateDocAccess sets or clears a user's grant on a document. Role
// "none" removes the grant row. Admin only.
func (s *Service) UpdateDocAccess(ctx context.Context, sess Session, docID, userID int64, role string) error {
	if err := s.requireAdmin(sess); err != nil {
		return err
	}
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if role == "none" || role == "" {
		return s.store.DeleteDocAccess(ctx, userID, docID)
	}
	if !rbac.ValidGrant(role) {
		return errValidation("Invalid access role")
	}
	return s.store.UpsertDocAccess(ctx, userID, docID, role)
}
