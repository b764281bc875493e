// birch/access/access.go

// Package access computes per-request permission levels and manages the
// invite / moderation grant lifecycle. Permission is never cached across
// requests: a grant can be redeemed mid-session, so every access-sensitive
// boundary asks again.
package access

import (
	"errors"
	"log/slog"

	"birch/database"
	"birch/models"
	"birch/utils"

	"github.com/google/uuid"
)

var (
	// ErrDenied is the generic authorization failure. Private boards never
	// reveal which specific check failed.
	ErrDenied = errors.New("access denied")

	ErrInvalidCode    = errors.New("invalid code")
	ErrEmptyLabel     = errors.New("label must not be empty")
	ErrAlreadyGranted = errors.New("already at or above this level")
)

// Level is a caller's permission tier on one board.
type Level int

const (
	LevelNone Level = iota
	LevelModerator
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelModerator:
		return "moderator"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Permission carries the level and, for moderators, the grant hash the
// level was derived from.
type Permission struct {
	Level Level
	Hash  string
}

// Engine resolves permissions and issues/consumes invite codes.
type Engine struct {
	db     *database.DatabaseService
	secret []byte
	logger *slog.Logger
}

// NewEngine fails on an empty secret: the code codec cycles over it, so
// an empty secret would mean codes carry their tag id in the clear.
func NewEngine(db *database.DatabaseService, codeSecret string, logger *slog.Logger) (*Engine, error) {
	if codeSecret == "" {
		return nil, errors.New("code secret must not be empty")
	}
	return &Engine{db: db, secret: []byte(codeSecret), logger: logger}, nil
}

// PermissionFor computes the caller's level on a board. Admin membership
// short-circuits; otherwise a redeemed moderator tag decides.
func (e *Engine) PermissionFor(board *models.Board, identity string) (Permission, error) {
	admin, err := e.db.IsAdmin(identity)
	if err != nil {
		return Permission{}, err
	}
	if admin {
		return Permission{Level: LevelAdmin}, nil
	}
	grantHash := utils.GrantHash(identity, board.ID)
	isMod, err := e.db.HasRedeemedTag(board.ID, grantHash, models.TagModerator)
	if err != nil {
		return Permission{}, err
	}
	if isMod {
		return Permission{Level: LevelModerator, Hash: grantHash}, nil
	}
	return Permission{Level: LevelNone}, nil
}

// Allowed is the single visibility gate. Public boards are always visible;
// private boards require a permission level or a redeemed access grant.
func (e *Engine) Allowed(board *models.Board, identity string) (bool, error) {
	if !board.Private {
		return true, nil
	}
	perm, err := e.PermissionFor(board, identity)
	if err != nil {
		return false, err
	}
	if perm.Level != LevelNone {
		return true, nil
	}
	return e.db.HasRedeemedTag(board.ID, utils.GrantHash(identity, board.ID), models.TagBoardAccess)
}

// GenerateAccessCode issues an unredeemed board-access invitation. The
// caller must hold at least moderator on a board that is actually private.
func (e *Engine) GenerateAccessCode(board *models.Board, identity, label string) (string, error) {
	if label == "" {
		return "", ErrEmptyLabel
	}
	if !board.Private {
		return "", ErrDenied
	}
	perm, err := e.PermissionFor(board, identity)
	if err != nil {
		return "", err
	}
	if perm.Level < LevelModerator {
		return "", ErrDenied
	}
	return e.issueTag(board, identity, label, models.TagBoardAccess)
}

// GenerateModeratorCode issues an unredeemed moderator grant. Admin only.
func (e *Engine) GenerateModeratorCode(board *models.Board, identity, label string) (string, error) {
	if label == "" {
		return "", ErrEmptyLabel
	}
	perm, err := e.PermissionFor(board, identity)
	if err != nil {
		return "", err
	}
	if perm.Level != LevelAdmin {
		return "", ErrDenied
	}
	return e.issueTag(board, identity, label, models.TagModerator)
}

func (e *Engine) issueTag(board *models.Board, identity, label, kind string) (string, error) {
	tag := &models.UserTag{
		ID:        uuid.New().String(),
		BoardID:   board.ID,
		Label:     label,
		Kind:      kind,
		CreatedBy: identity,
	}
	if err := e.db.InsertUserTag(tag); err != nil {
		return "", err
	}
	e.logger.Info("Issued invite code", "board", board.Slug, "kind", kind, "label", label)
	return e.encodeCode(tag.ID, board.ID), nil
}

// ConsumeCode redeems an invite code for the caller. Three outcomes: the
// tag is redeemed, an existing access grant is upgraded in place (and the
// new tag deleted), or the caller already holds an equal-or-higher grant.
func (e *Engine) ConsumeCode(identity, code string) error {
	tagID, boardID, err := e.decodeCode(code)
	if err != nil {
		return ErrInvalidCode
	}
	tag, err := e.db.GetUserTag(tagID)
	if err != nil {
		return ErrInvalidCode
	}
	if tag.BoardID != boardID || tag.InviteHash.Valid {
		return ErrInvalidCode
	}

	grantHash := utils.GrantHash(identity, boardID)
	existing, err := e.db.FindRedeemedTag(boardID, grantHash)
	if err != nil {
		return err
	}
	if existing == nil {
		return e.db.RedeemUserTag(tagID, grantHash)
	}
	if existing.Kind == models.TagBoardAccess && tag.Kind == models.TagModerator {
		// Idempotent upgrade: promote the held grant, drop the new tag.
		if err := e.db.PromoteUserTag(existing.ID); err != nil {
			return err
		}
		return e.db.DeleteUserTag(tagID)
	}
	return ErrAlreadyGranted
}
