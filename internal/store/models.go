package store

import "time"

type User struct {
	ID                 int64
	Username           string
	PasswordHash       string
	Role               string
	MustChangePassword bool
	CreatedAt          time.Time
	LastLogin          *time.Time
}

type Library struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

type Document struct {
	ID        int64
	Title     string
	Slug      string
	Type      string
	Tags      string
	LibraryID int64
	CreatedAt time.Time
	UpdatedAt time.Time
	// AccessRole is the joined grant role for list responses; admins
	// see "editor" synthesized since they never carry grant rows.
	AccessRole string
}

type Block struct {
	ID        int64
	DocID     int64
	Type      string
	Content   string
	Position  int
	UpdatedAt time.Time
}

type DocAccess struct {
	UserID    int64
	DocID     int64
	Role      string
	CreatedAt time.Time
}

// UserDocAccess is a users row joined with its grant (if any) for one
// document, used by the access management view.
type UserDocAccess struct {
	UserID     int64
	Username   string
	GlobalRole string
	DocRole    string
}
