package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role='admin'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, must_change_password, created_at, last_login
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.MustChangePassword, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, must_change_password, created_at, last_login
		FROM users
		WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.MustChangePassword, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, '', role, must_change_password, created_at, last_login
		FROM users
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.Username, &item.PasswordHash, &item.Role, &item.MustChangePassword, &item.CreatedAt, &item.LastLogin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, role, must_change_password)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, user.Username, user.PasswordHash, user.Role, user.MustChangePassword).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2 WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, must_change_password=FALSE WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserCredentials(ctx context.Context, userID int64, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET username=$2, password_hash=$3, must_change_password=FALSE WHERE id=$1
	`, userID, username, passwordHash)
	if err != nil {
		return fmt.Errorf("update user credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_access WHERE user_id=$1`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLibraries(ctx context.Context) ([]Library, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM libraries ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	items := make([]Library, 0)
	for rows.Next() {
		var item Library
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate libraries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertLibrary(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO libraries (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DefaultLibraryID returns the oldest library, designated default at
// initialization. Zero with no error means none exists yet.
func (s *PostgresStore) DefaultLibraryID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM libraries ORDER BY id ASC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("default library: %w", err)
	}
	return id, nil
}

// DeleteLibrary re-parents the library's documents to the default
// library before removing it.
func (s *PostgresStore) DeleteLibrary(ctx context.Context, libraryID, defaultLibraryID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete library: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET library_id=$2 WHERE library_id=$1`, libraryID, defaultLibraryID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reparent documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM libraries WHERE id=$1`, libraryID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete library: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete library: %w", err)
	}
	return nil
}

// GetDocAccessRole returns the grant role for (user, document), or the
// empty string when no grant row exists.
func (s *PostgresStore) GetDocAccessRole(ctx context.Context, userID, docID int64) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM doc_access WHERE user_id=$1 AND doc_id=$2
	`, userID, docID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("doc access role: %w", err)
	}
	return role, nil
}

// UpsertDocAccess replaces any existing grant for the (user, document)
// pair; at most one grant row exists per pair.
func (s *PostgresStore) UpsertDocAccess(ctx context.Context, userID, docID int64, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_access (user_id, doc_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, doc_id) DO UPDATE SET role=EXCLUDED.role
	`, userID, docID, role)
	if err != nil {
		return fmt.Errorf("upsert doc access: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocAccess(ctx context.Context, userID, docID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM doc_access WHERE user_id=$1 AND doc_id=$2`, userID, docID)
	if err != nil {
		return fmt.Errorf("delete doc access: %w", err)
	}
	return nil
}

// ListDocAccess returns every user together with their grant for the
// document, empty DocRole meaning no grant row.
func (s *PostgresStore) ListDocAccess(ctx context.Context, docID int64) ([]UserDocAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.role, COALESCE(da.role, '')
		FROM users u
		LEFT JOIN doc_access da ON da.user_id = u.id AND da.doc_id = $1
		ORDER BY u.username ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list doc access: %w", err)
	}
	defer rows.Close()

	items := make([]UserDocAccess, 0)
	for rows.Next() {
		var item UserDocAccess
		if err := rows.Scan(&item.UserID, &item.Username, &item.GlobalRole, &item.DocRole); err != nil {
			return nil, fmt.Errorf("scan doc access: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate doc access: %w", err)
	}
	return items, nil
}
