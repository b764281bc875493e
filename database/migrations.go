// birch/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Track when a member was last reconciled by a token sync
ALTER TABLE members ADD COLUMN synced_at DATETIME;

CREATE INDEX IF NOT EXISTS idx_threads_board ON threads(board_id);
		`,
	},
}
