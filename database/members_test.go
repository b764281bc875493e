// birch/database/members_test.go
package database

import (
	"database/sql"
	"testing"

	"birch/models"
)

func TestEnsureMemberIsIdempotent(t *testing.T) {
	ds := newTestDB(t)

	m1, err := ds.EnsureMember("hash-one")
	if err != nil {
		t.Fatalf("Failed to ensure member: %v", err)
	}
	m2, err := ds.EnsureMember("hash-one")
	if err != nil {
		t.Fatalf("Second ensure failed: %v", err)
	}
	if m1.ID != m2.ID {
		t.Errorf("EnsureMember created a second row: %d vs %d", m1.ID, m2.ID)
	}
	if m1.Admin {
		t.Error("New members must not be admins")
	}
}

func TestAdminFlag(t *testing.T) {
	ds := newTestDB(t)

	if admin, err := ds.IsAdmin("unknown-hash"); err != nil || admin {
		t.Errorf("Unknown member must not be admin, got %v, %v", admin, err)
	}

	if _, err := ds.EnsureMember("hash-admin"); err != nil {
		t.Fatalf("Failed to ensure member: %v", err)
	}
	if err := ds.SetAdmin("hash-admin", true); err != nil {
		t.Fatalf("Failed to set admin flag: %v", err)
	}
	if admin, err := ds.IsAdmin("hash-admin"); err != nil || !admin {
		t.Errorf("Expected admin flag to be set, got %v, %v", admin, err)
	}
}

func TestSyncMembers(t *testing.T) {
	ds := newTestDB(t)
	for _, h := range []string{"keep-one", "keep-two", "drop-me"} {
		if _, err := ds.EnsureMember(h); err != nil {
			t.Fatalf("Failed to seed member %s: %v", h, err)
		}
	}

	removed, err := ds.SyncMembers([]string{"keep-one", "keep-two"})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 member removed, got %d", removed)
	}
	if _, err := ds.GetMemberByHash("drop-me"); err == nil {
		t.Error("Dropped member is still present")
	}
	if _, err := ds.GetMemberByHash("keep-one"); err != nil {
		t.Errorf("Kept member was removed: %v", err)
	}

	// An empty roster wipes the table.
	removed, err = ds.SyncMembers(nil)
	if err != nil {
		t.Fatalf("Empty-roster sync failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 members removed by empty roster, got %d", removed)
	}
}

func TestWatchLists(t *testing.T) {
	ds := newTestDB(t)
	board, _ := ds.CreateBoard("w", "Watch", false)

	var threadID int64
	withTx(t, ds, func(tx *sql.Tx) error {
		var err error
		threadID, err = ds.InsertThread(tx, board.ID, "watched thread")
		return err
	})

	member, err := ds.EnsureMember("watcher-hash")
	if err != nil {
		t.Fatalf("Failed to ensure member: %v", err)
	}

	if err := ds.SetWatching(member.ID, threadID, true); err != nil {
		t.Fatalf("Failed to watch thread: %v", err)
	}
	// Watching twice must not duplicate.
	if err := ds.SetWatching(member.ID, threadID, true); err != nil {
		t.Fatalf("Second watch failed: %v", err)
	}

	watching, err := ds.GetWatching(member.ID)
	if err != nil {
		t.Fatalf("Failed to load watch list: %v", err)
	}
	if len(watching) != 1 || watching[0] != threadID {
		t.Errorf("Expected watch list [%d], got %v", threadID, watching)
	}

	watchers, err := ds.WatchersForThread(threadID)
	if err != nil {
		t.Fatalf("Failed to load watchers: %v", err)
	}
	if len(watchers) != 1 || watchers[0].TokenHash != "watcher-hash" {
		t.Errorf("Expected one watcher with hash 'watcher-hash', got %+v", watchers)
	}

	if err := ds.SetWatching(member.ID, threadID, false); err != nil {
		t.Fatalf("Failed to unwatch: %v", err)
	}
	watching, _ = ds.GetWatching(member.ID)
	if len(watching) != 0 {
		t.Errorf("Expected empty watch list after unwatch, got %v", watching)
	}
}

func TestSubscriptions(t *testing.T) {
	ds := newTestDB(t)
	member, err := ds.EnsureMember("sub-hash")
	if err != nil {
		t.Fatalf("Failed to ensure member: %v", err)
	}

	sub := models.PushSubscription{Endpoint: "https://push.example/one", Auth: "a", P256DH: "k"}
	if err := ds.AddSubscription(member.ID, sub); err != nil {
		t.Fatalf("Failed to add subscription: %v", err)
	}
	// Same endpoint twice is a no-op.
	if err := ds.AddSubscription(member.ID, sub); err != nil {
		t.Fatalf("Duplicate add failed: %v", err)
	}

	got, err := ds.GetMemberByHash("sub-hash")
	if err != nil {
		t.Fatalf("Failed to reload member: %v", err)
	}
	if len(got.Subscriptions) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(got.Subscriptions))
	}

	if err := ds.ReplaceSubscriptions(member.ID, nil); err != nil {
		t.Fatalf("Failed to prune subscriptions: %v", err)
	}
	got, _ = ds.GetMemberByHash("sub-hash")
	if len(got.Subscriptions) != 0 {
		t.Errorf("Expected pruned subscriptions, got %+v", got.Subscriptions)
	}
}

func TestUserTagRedemptionIsOneShot(t *testing.T) {
	ds := newTestDB(t)
	board, _ := ds.CreateBoard("p", "Private", true)

	tag := &models.UserTag{ID: "tag-1", BoardID: board.ID, Label: "friend", Kind: models.TagBoardAccess, CreatedBy: "issuer"}
	if err := ds.InsertUserTag(tag); err != nil {
		t.Fatalf("Failed to insert tag: %v", err)
	}

	if err := ds.RedeemUserTag("tag-1", "grant-hash-a"); err != nil {
		t.Fatalf("First redemption failed: %v", err)
	}
	if err := ds.RedeemUserTag("tag-1", "grant-hash-b"); err == nil {
		t.Error("Second redemption of the same tag must fail")
	}

	got, err := ds.GetUserTag("tag-1")
	if err != nil {
		t.Fatalf("Failed to reload tag: %v", err)
	}
	if !got.InviteHash.Valid || got.InviteHash.String != "grant-hash-a" {
		t.Errorf("Tag invite hash was not the first redeemer's, got %+v", got.InviteHash)
	}

	has, err := ds.HasRedeemedTag(board.ID, "grant-hash-a", models.TagBoardAccess)
	if err != nil || !has {
		t.Errorf("Expected redeemed access tag to be found, got %v, %v", has, err)
	}
	has, _ = ds.HasRedeemedTag(board.ID, "grant-hash-a", models.TagModerator)
	if has {
		t.Error("Access tag must not count as a moderator tag")
	}

	found, err := ds.FindRedeemedTag(board.ID, "grant-hash-a")
	if err != nil || found == nil || found.ID != "tag-1" {
		t.Errorf("FindRedeemedTag mismatch: %+v, %v", found, err)
	}
	missing, err := ds.FindRedeemedTag(board.ID, "grant-hash-z")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for unknown grant, got %+v, %v", missing, err)
	}
}

func TestPromoteAndDeleteUserTag(t *testing.T) {
	ds := newTestDB(t)
	board, _ := ds.CreateBoard("m", "Mods", true)

	tag := &models.UserTag{ID: "tag-acc", BoardID: board.ID, Label: "helper", Kind: models.TagBoardAccess, CreatedBy: "issuer"}
	if err := ds.InsertUserTag(tag); err != nil {
		t.Fatalf("Failed to insert tag: %v", err)
	}
	if err := ds.RedeemUserTag("tag-acc", "grant-x"); err != nil {
		t.Fatalf("Redemption failed: %v", err)
	}

	if err := ds.PromoteUserTag("tag-acc"); err != nil {
		t.Fatalf("Promotion failed: %v", err)
	}
	has, err := ds.HasRedeemedTag(board.ID, "grant-x", models.TagModerator)
	if err != nil || !has {
		t.Errorf("Expected promoted tag to count as moderator, got %v, %v", has, err)
	}

	if err := ds.DeleteUserTag("tag-acc"); err != nil {
		t.Fatalf("Deletion failed: %v", err)
	}
	if _, err := ds.GetUserTag("tag-acc"); err == nil {
		t.Error("Deleted tag is still present")
	}
}
