// birch/database/members.go
package database

import (
	"birch/models"
	"birch/utils"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// --- Members ---

// EnsureMember returns the member for a hashed identity token, creating the
// row on first contact. The insert is idempotent under concurrency.
func (ds *DatabaseService) EnsureMember(tokenHash string) (*models.Member, error) {
	_, err := ds.DB.Exec("INSERT OR IGNORE INTO members (token_hash, created) VALUES (?, ?)",
		tokenHash, utils.GetSQLTime())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure member: %w", err)
	}
	return ds.GetMemberByHash(tokenHash)
}

func (ds *DatabaseService) GetMemberByHash(tokenHash string) (*models.Member, error) {
	var m models.Member
	var subsJSON string
	err := ds.DB.QueryRow("SELECT id, token_hash, subscriptions, admin, created FROM members WHERE token_hash = ?", tokenHash).
		Scan(&m.ID, &m.TokenHash, &subsJSON, &m.Admin, &m.Created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting member: %w", err)
	}
	if err := json.Unmarshal([]byte(subsJSON), &m.Subscriptions); err != nil {
		ds.logger.Error("Corrupt subscriptions JSON for member", "member_id", m.ID, "error", err)
		m.Subscriptions = nil
	}
	return &m, nil
}

// IsAdmin checks the member admin flag for a hashed identity token.
func (ds *DatabaseService) IsAdmin(tokenHash string) (bool, error) {
	var admin bool
	err := ds.DB.QueryRow("SELECT admin FROM members WHERE token_hash = ?", tokenHash).Scan(&admin)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return admin, nil
}

func (ds *DatabaseService) SetAdmin(tokenHash string, admin bool) error {
	if _, err := ds.DB.Exec("UPDATE members SET admin = ? WHERE token_hash = ?", admin, tokenHash); err != nil {
		return fmt.Errorf("failed to set admin flag: %w", err)
	}
	return nil
}

// SyncMembers reconciles the member table against the full set of valid
// token hashes, deleting members whose token is no longer valid. Returns
// the number of members removed.
func (ds *DatabaseService) SyncMembers(validHashes []string) (int64, error) {
	if len(validHashes) == 0 {
		res, err := ds.DB.Exec("DELETE FROM members")
		if err != nil {
			return 0, fmt.Errorf("failed to sync members: %w", err)
		}
		return res.RowsAffected()
	}
	args := make([]interface{}, 0, len(validHashes))
	for _, h := range validHashes {
		args = append(args, h)
	}
	query := "DELETE FROM members WHERE token_hash NOT IN (?" + strings.Repeat(",?", len(validHashes)-1) + ")"
	res, err := ds.DB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sync members: %w", err)
	}
	if _, err := ds.DB.Exec("UPDATE members SET synced_at = ?", utils.GetSQLTime()); err != nil {
		ds.logger.Warn("Failed to stamp member sync time", "error", err)
	}
	return res.RowsAffected()
}

// --- Watch Lists ---

func (ds *DatabaseService) SetWatching(memberID, threadID int64, watching bool) error {
	var err error
	if watching {
		_, err = ds.DB.Exec("INSERT OR IGNORE INTO member_watches (member_id, thread_id) VALUES (?, ?)", memberID, threadID)
	} else {
		_, err = ds.DB.Exec("DELETE FROM member_watches WHERE member_id = ? AND thread_id = ?", memberID, threadID)
	}
	if err != nil {
		return fmt.Errorf("failed to update watch list: %w", err)
	}
	return nil
}

func (ds *DatabaseService) GetWatching(memberID int64) ([]int64, error) {
	rows, err := ds.DB.Query("SELECT thread_id FROM member_watches WHERE member_id = ? ORDER BY thread_id", memberID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetWatching", "error", err)
		}
	}()
	var threadIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			threadIDs = append(threadIDs, id)
		}
	}
	return threadIDs, rows.Err()
}

// WatchersForThread returns every member watching a thread, subscriptions
// parsed and ready for fan-out.
func (ds *DatabaseService) WatchersForThread(threadID int64) ([]models.Member, error) {
	rows, err := ds.DB.Query(`
		SELECT m.id, m.token_hash, m.subscriptions, m.admin, m.created
		FROM members m JOIN member_watches w ON w.member_id = m.id
		WHERE w.thread_id = ?`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in WatchersForThread", "error", err)
		}
	}()
	var members []models.Member
	for rows.Next() {
		var m models.Member
		var subsJSON string
		if err := rows.Scan(&m.ID, &m.TokenHash, &subsJSON, &m.Admin, &m.Created); err != nil {
			ds.logger.Error("Failed to scan watcher row", "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(subsJSON), &m.Subscriptions); err != nil {
			m.Subscriptions = nil
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- Push Subscriptions ---

func (ds *DatabaseService) AddSubscription(memberID int64, sub models.PushSubscription) error {
	member, err := ds.getMemberByID(memberID)
	if err != nil {
		return err
	}
	for _, existing := range member.Subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return nil
		}
	}
	return ds.ReplaceSubscriptions(memberID, append(member.Subscriptions, sub))
}

// ReplaceSubscriptions overwrites a member's stored subscription set. Used
// by fan-out to prune endpoints that failed delivery.
func (ds *DatabaseService) ReplaceSubscriptions(memberID int64, subs []models.PushSubscription) error {
	if subs == nil {
		subs = []models.PushSubscription{}
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("failed to marshal subscriptions: %w", err)
	}
	if _, err := ds.DB.Exec("UPDATE members SET subscriptions = ? WHERE id = ?", string(data), memberID); err != nil {
		return fmt.Errorf("failed to store subscriptions: %w", err)
	}
	return nil
}

func (ds *DatabaseService) getMemberByID(memberID int64) (*models.Member, error) {
	var m models.Member
	var subsJSON string
	err := ds.DB.QueryRow("SELECT id, token_hash, subscriptions, admin, created FROM members WHERE id = ?", memberID).
		Scan(&m.ID, &m.TokenHash, &subsJSON, &m.Admin, &m.Created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subsJSON), &m.Subscriptions); err != nil {
		m.Subscriptions = nil
	}
	return &m, nil
}

// --- User Tags ---

func (ds *DatabaseService) InsertUserTag(tag *models.UserTag) error {
	_, err := ds.DB.Exec(`
		INSERT INTO user_tags (id, board_id, label, invite_hash, kind, created_by, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tag.ID, tag.BoardID, tag.Label, tag.InviteHash, tag.Kind, tag.CreatedBy, utils.GetSQLTime())
	if err != nil {
		return fmt.Errorf("failed to insert user tag: %w", err)
	}
	return nil
}

func (ds *DatabaseService) GetUserTag(id string) (*models.UserTag, error) {
	var tag models.UserTag
	err := ds.DB.QueryRow("SELECT id, board_id, label, invite_hash, kind, created_by, created FROM user_tags WHERE id = ?", id).
		Scan(&tag.ID, &tag.BoardID, &tag.Label, &tag.InviteHash, &tag.Kind, &tag.CreatedBy, &tag.Created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tag: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting tag: %w", err)
	}
	return &tag, nil
}

// RedeemUserTag performs the one-shot null-to-hash transition. A second
// redemption attempt finds no matching row and fails.
func (ds *DatabaseService) RedeemUserTag(id, grantHash string) error {
	res, err := ds.DB.Exec("UPDATE user_tags SET invite_hash = ? WHERE id = ? AND invite_hash IS NULL", grantHash, id)
	if err != nil {
		return fmt.Errorf("failed to redeem tag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("tag already redeemed")
	}
	return nil
}

// PromoteUserTag upgrades a redeemed access tag to a moderator grant in place.
func (ds *DatabaseService) PromoteUserTag(id string) error {
	if _, err := ds.DB.Exec("UPDATE user_tags SET kind = ? WHERE id = ?", models.TagModerator, id); err != nil {
		return fmt.Errorf("failed to promote tag: %w", err)
	}
	return nil
}

func (ds *DatabaseService) DeleteUserTag(id string) error {
	if _, err := ds.DB.Exec("DELETE FROM user_tags WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	return nil
}

// FindRedeemedTag looks up the tag a caller already holds on a board, if any.
func (ds *DatabaseService) FindRedeemedTag(boardID, grantHash string) (*models.UserTag, error) {
	var tag models.UserTag
	err := ds.DB.QueryRow(
		"SELECT id, board_id, label, invite_hash, kind, created_by, created FROM user_tags WHERE board_id = ? AND invite_hash = ?",
		boardID, grantHash).
		Scan(&tag.ID, &tag.BoardID, &tag.Label, &tag.InviteHash, &tag.Kind, &tag.CreatedBy, &tag.Created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error finding redeemed tag: %w", err)
	}
	return &tag, nil
}

// HasRedeemedTag reports whether any redeemed tag of the given kind exists
// for a grant hash on a board.
func (ds *DatabaseService) HasRedeemedTag(boardID, grantHash, kind string) (bool, error) {
	var count int
	err := ds.DB.QueryRow(
		"SELECT COUNT(*) FROM user_tags WHERE board_id = ? AND invite_hash = ? AND kind = ?",
		boardID, grantHash, kind).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
