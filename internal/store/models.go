package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	AvatarURL             string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Document is one node in a user's content forest. ParentID references
// another document or is nil for roots; Collaborators holds non-owner user
// ids granted read/write access.
type Document struct {
	ID            string
	Title         string
	Content       []byte
	Icon          string
	CoverImage    string
	IsArchived    bool
	ParentID      *string
	OwnerID       string
	Collaborators []string
	ArchivedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DocumentPatch is a partial update; nil fields are left untouched.
// Content and ContentText travel together so the search column stays in
// step with the payload.
type DocumentPatch struct {
	Title       *string
	Icon        *string
	CoverImage  *string
	Content     []byte
	ContentText *string
}

// PathNode is one step of a root-to-leaf breadcrumb.
type PathNode struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ParentID *string `json:"parentId"`
}

type CommitInfo struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// Child listing orders; the sidebar wants recency, root listings want title.
type ChildOrder string

const (
	OrderByRecency ChildOrder = "recency"
	OrderByTitle   ChildOrder = "title"
)
