package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"collabdocs/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users       map[int64]store.User
	lastLoginOf int64
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[int64]store.User)}
}

func (m *mockUserStore) addUser(id int64, username, password string) {
	hash, _ := HashPassword(password)
	m.users[id] = store.User{ID: id, Username: username, PasswordHash: hash, Role: "editor"}
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) GetUserByID(ctx context.Context, userID int64) (store.User, error) {
	u, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	u := m.users[userID]
	u.PasswordHash = passwordHash
	u.MustChangePassword = false
	m.users[userID] = u
	return nil
}

func (m *mockUserStore) UpdateUserCredentials(ctx context.Context, userID int64, username, passwordHash string) error {
	u := m.users[userID]
	u.Username = username
	u.PasswordHash = passwordHash
	u.MustChangePassword = false
	m.users[userID] = u
	return nil
}

func (m *mockUserStore) TouchLastLogin(ctx context.Context, userID int64) error {
	m.lastLoginOf = userID
	return nil
}

func TestAuthenticate(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "alice", "correct-horse")
	svc := NewService(m)
	ctx := context.Background()

	user, err := svc.Authenticate(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if user.ID != 1 {
		t.Errorf("expected user 1, got %d", user.ID)
	}
	if m.lastLoginOf != 1 {
		t.Error("expected last login to be recorded")
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "alice", "correct-horse")
	svc := NewService(m)

	_, err := svc.Authenticate(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	svc := NewService(newMockUserStore())

	_, err := svc.Authenticate(context.Background(), "ghost", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "alice", "old-password")
	u := m.users[1]
	u.MustChangePassword = true
	m.users[1] = u
	svc := NewService(m)
	ctx := context.Background()

	if err := svc.ChangePassword(ctx, 1, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if m.users[1].MustChangePassword {
		t.Error("expected must-change flag to be cleared")
	}

	// Old password no longer works, new one does
	if _, err := svc.Authenticate(ctx, "alice", "old-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected old password rejected, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "new-password"); err != nil {
		t.Errorf("expected new password accepted, got %v", err)
	}
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "alice", "old-password")
	svc := NewService(m)

	err := svc.ChangePassword(context.Background(), 1, "not-the-password", "new-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChangePasswordTooShort(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "alice", "old-password")
	svc := NewService(m)

	err := svc.ChangePassword(context.Background(), 1, "old-password", "short")
	if err == nil {
		t.Fatal("expected error for short password")
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Error("expected validation error, not ErrInvalidCredentials")
	}
}

func TestChangeCredentials(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "admin", "admin-pass")
	svc := NewService(m)
	ctx := context.Background()

	if err := svc.ChangeCredentials(ctx, 1, "admin-pass", "root", "stronger-pass"); err != nil {
		t.Fatalf("ChangeCredentials failed: %v", err)
	}
	if m.users[1].Username != "root" {
		t.Errorf("expected username root, got %s", m.users[1].Username)
	}
	if _, err := svc.Authenticate(ctx, "root", "stronger-pass"); err != nil {
		t.Errorf("expected new credentials accepted, got %v", err)
	}
}

func TestChangeCredentialsShortUsername(t *testing.T) {
	m := newMockUserStore()
	m.addUser(1, "admin", "admin-pass")
	svc := NewService(m)

	err := svc.ChangeCredentials(context.Background(), 1, "admin-pass", "ab", "stronger-pass")
	if err == nil {
		t.Fatal("expected error for short username")
	}
}
