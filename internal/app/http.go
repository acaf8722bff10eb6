package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"collabdocs/api/internal/search"
	"collabdocs/api/internal/session"
	"collabdocs/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated":      true,
			"userId":             sess.UserID,
			"username":           sess.Username,
			"role":               sess.Role,
			"mustChangePassword": sess.MustChange,
		})
		return
	}

	// Everything below requires a session; mutating methods also
	// require the anti-forgery token issued at login.
	sess, err := s.requireSession(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if isMutating(r.Method) {
		supplied := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
		if supplied == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(sess.CSRFToken)) != 1 {
			writeError(w, http.StatusForbidden, "CSRF_MISMATCH", "Invalid anti-forgery token", nil)
			return
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		_ = s.service.Logout(r.Context(), sess.Token)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
		return
	}

	switch parts[1] {
	case "docs":
		s.handleDocs(w, r, sess, parts[2:])
	case "libraries":
		s.handleLibraries(w, r, sess, parts[2:])
	case "users":
		s.handleUsers(w, r, sess, parts[2:])
	case "account":
		s.handleAccount(w, r, sess, parts[2:])
	case "search":
		s.handleSearch(w, r, sess)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"sessions": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingSessions(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":              sess.Token,
		"csrfToken":          sess.CSRFToken,
		"userId":             sess.UserID,
		"username":           sess.Username,
		"role":               sess.Role,
		"mustChangePassword": sess.MustChange,
	})
}

func (s *HTTPServer) handleDocs(w http.ResponseWriter, r *http.Request, sess Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		docs, err := s.service.ListDocuments(r.Context(), sess)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"docs": docsJSON(docs)})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body CreateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), sess, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, docJSON(doc))

	case len(rest) >= 1:
		docID, ok := parseID(rest[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown document", nil)
			return
		}
		s.handleDoc(w, r, sess, docID, rest[1:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleDoc(w http.ResponseWriter, r *http.Request, sess Session, docID int64, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPut:
		var body UpdateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UpdateDocument(r.Context(), sess, docID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, docJSON(doc))

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteDocument(r.Context(), sess, docID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) >= 1 && rest[0] == "blocks":
		s.handleBlocks(w, r, sess, docID, rest[1:])

	case len(rest) == 1 && rest[0] == "backlinks" && r.Method == http.MethodGet:
		docs, err := s.service.Backlinks(r.Context(), sess, docID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backlinks": docsJSON(docs)})

	case len(rest) == 1 && rest[0] == "links" && r.Method == http.MethodGet:
		resolved, err := s.service.Links(r.Context(), sess, docID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"links": resolved})

	case len(rest) == 1 && rest[0] == "access" && r.Method == http.MethodGet:
		entries, err := s.service.ListDocAccess(r.Context(), sess, docID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access": accessJSON(entries)})

	case len(rest) == 1 && rest[0] == "access" && r.Method == http.MethodPut:
		var body struct {
			UserID int64  `json:"userId"`
			Role   string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateDocAccess(r.Context(), sess, docID, body.UserID, body.Role); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleBlocks(w http.ResponseWriter, r *http.Request, sess Session, docID int64, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		blocks, err := s.service.ListBlocks(r.Context(), sess, docID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"blocks": blocksJSON(blocks)})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		block, err := s.service.AddBlock(r.Context(), sess, docID, body.Type, body.Content)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, blockJSON(block))

	case len(rest) == 1 && rest[0] == "reorder" && r.Method == http.MethodPost:
		var body struct {
			Order []int64 `json:"order"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReorderBlocks(r.Context(), sess, docID, body.Order); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && r.Method == http.MethodPut:
		blockID, ok := parseID(rest[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown block", nil)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateBlock(r.Context(), sess, docID, blockID, body.Content); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		blockID, ok := parseID(rest[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown block", nil)
			return
		}
		if err := s.service.DeleteBlock(r.Context(), sess, docID, blockID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleLibraries(w http.ResponseWriter, r *http.Request, sess Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		libs, err := s.service.ListLibraries(r.Context(), sess)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"libraries": librariesJSON(libs)})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		lib, err := s.service.CreateLibrary(r.Context(), sess, body.Name)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": lib.ID, "name": lib.Name})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		libID, ok := parseID(rest[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown library", nil)
			return
		}
		if err := s.service.DeleteLibrary(r.Context(), sess, libID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, sess Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		users, err := s.service.ListUsers(r.Context(), sess)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": usersJSON(users)})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.CreateUser(r.Context(), sess, body.Username, body.Password, body.Role)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, userJSON(user))

	case len(rest) == 1 && r.Method == http.MethodPut:
		userID, ok := parseID(rest[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown user", nil)
			return
		}
		var body struct {
			Role     string `json:"role"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateUser(r.Context(), sess, userID, body.Role, body.Password); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		userID, ok := parseID(rest[0])
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown user", nil)
			return
		}
		if err := s.service.DeleteUser(r.Context(), sess, userID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request, sess Session, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
		return
	}
	switch rest[0] {
	case "password":
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), sess, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "credentials":
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			Username        string `json:"username"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangeCredentials(r.Context(), sess, body.CurrentPassword, body.Username, body.NewPassword); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, sess Session) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown action", nil)
		return
	}
	q := search.Query{Text: strings.TrimSpace(r.URL.Query().Get("q"))}
	if lib := r.URL.Query().Get("library"); lib != "" {
		if id, ok := parseID(lib); ok {
			q.FilterLibraryID = id
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			q.Limit = n
		}
	}
	resp, err := s.service.Search(r.Context(), sess, q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) requireSession(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, session.ErrNotFound
	}
	return s.service.SessionFromToken(r.Context(), token)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-CSRF-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if store.IsUniqueViolation(err) {
		return http.StatusConflict, "CONFLICT", "Duplicate value", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// JSON projections. PasswordHash never leaves the service.

func docJSON(d store.Document) map[string]any {
	return map[string]any{
		"id":         d.ID,
		"title":      d.Title,
		"slug":       d.Slug,
		"type":       d.Type,
		"tags":       d.Tags,
		"libraryId":  d.LibraryID,
		"createdAt":  d.CreatedAt,
		"updatedAt":  d.UpdatedAt,
		"accessRole": d.AccessRole,
	}
}

func docsJSON(docs []store.Document) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, docJSON(d))
	}
	return out
}

func blockJSON(b store.Block) map[string]any {
	return map[string]any{
		"id":        b.ID,
		"docId":     b.DocID,
		"type":      b.Type,
		"content":   b.Content,
		"position":  b.Position,
		"updatedAt": b.UpdatedAt,
	}
}

func blocksJSON(blocks []store.Block) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockJSON(b))
	}
	return out
}

func librariesJSON(libs []store.Library) []map[string]any {
	out := make([]map[string]any, 0, len(libs))
	for _, l := range libs {
		out = append(out, map[string]any{"id": l.ID, "name": l.Name, "createdAt": l.CreatedAt})
	}
	return out
}

func userJSON(u store.User) map[string]any {
	return map[string]any{
		"id":                 u.ID,
		"username":           u.Username,
		"role":               u.Role,
		"mustChangePassword": u.MustChangePassword,
		"createdAt":          u.CreatedAt,
		"lastLogin":          u.LastLogin,
	}
}

func usersJSON(users []store.User) []map[string]any {
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON(u))
	}
	return out
}

func accessJSON(entries []store.UserDocAccess) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"userId":     e.UserID,
			"username":   e.Username,
			"globalRole": e.GlobalRole,
			"docRole":    e.DocRole,
		})
	}
	return out
}
