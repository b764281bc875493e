// birch/models/models.go
package models

import (
	"database/sql"
	"time"
)

// --- Core Data Models ---

type Board struct {
	ID        string
	Slug      string
	Name      string
	Private   bool
	PostCount int64
	Created   time.Time
}

type Thread struct {
	ID           int64
	BoardID      string
	OpPostID     sql.NullInt64
	LatestPostID sql.NullInt64
	Topic        string
	Created      time.Time
}

type Post struct {
	ID           int64
	PostNumber   int64
	ThreadID     int64
	BoardID      string
	AuthorName   string
	ActualAuthor string
	Content      string
	Created      time.Time
	Moderator    bool
}

type File struct {
	PostID        int64
	Path          string
	ThumbnailPath string
	Hash          string
	Spoiler       bool
}

type Member struct {
	ID            int64
	TokenHash     string
	Subscriptions []PushSubscription
	Admin         bool
	Created       time.Time
}

// PushSubscription is one browser push endpoint stored on a member.
// The transport treats it as opaque delivery coordinates.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth,omitempty"`
	P256DH   string `json:"p256dh,omitempty"`
}

// UserTag kinds. A tag is an invitation grant until redeemed, a held
// grant afterwards.
const (
	TagBoardAccess = "access"
	TagModerator   = "moderator"
)

type UserTag struct {
	ID         string
	BoardID    string
	Label      string
	InviteHash sql.NullString // null until redeemed
	Kind       string
	CreatedBy  string
	Created    time.Time
}

// --- Submission Drafts ---

type PostDraft struct {
	Name      string
	Content   string
	ClaimID   string // staged upload to claim, empty for text-only posts
	Spoiler   bool
	Moderator bool
}

type ThreadDraft struct {
	Topic string
	Post  PostDraft
}

// --- Client-Facing Projections ---

// FileView never exposes the real thumbnail of a spoilered file.
type FileView struct {
	Path          string `json:"path"`
	ThumbnailPath string `json:"thumbnail_path"`
	Spoiler       bool   `json:"spoiler"`
}

type PostView struct {
	ID          int64     `json:"id"`
	PostNumber  int64     `json:"post_number"`
	ThreadID    int64     `json:"thread_id"`
	BoardSlug   string    `json:"board"`
	AuthorName  string    `json:"name,omitempty"`
	Content     string    `json:"content"`
	Created     time.Time `json:"created"`
	Moderator   bool      `json:"moderator,omitempty"`
	RepliesTo   []int64   `json:"replies_to,omitempty"`
	RepliesFrom []int64   `json:"replies_from,omitempty"`
	File        *FileView `json:"file,omitempty"`
}

// ThreadRef is the lightweight thread entry used in board listings.
type ThreadRef struct {
	ID    int64  `json:"id"`
	Topic string `json:"topic"`
}

type ThreadView struct {
	ID        int64      `json:"id"`
	BoardSlug string     `json:"board"`
	Topic     string     `json:"topic"`
	Posts     []PostView `json:"posts"`
}

// --- Event Stream ---

type EventKind string

const (
	EventOpen    EventKind = "open"
	EventNewPost EventKind = "new_post"
	EventClose   EventKind = "close"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	Payload []byte    `json:"payload,omitempty"`
}
