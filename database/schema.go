package database

const schema = `
CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	private BOOLEAN DEFAULT 0,
	post_count INTEGER DEFAULT 0, -- monotonic, never decremented
	created DATETIME
);
CREATE TABLE IF NOT EXISTS threads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	board_id TEXT NOT NULL,
	op_post_id INTEGER,
	latest_post_id INTEGER,
	topic TEXT NOT NULL,
	created DATETIME,
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_number INTEGER NOT NULL,
	thread_id INTEGER NOT NULL,
	board_id TEXT NOT NULL,
	author_name TEXT DEFAULT '',
	actual_author TEXT DEFAULT '', -- finalized in a second pass, salted with the row id
	content TEXT DEFAULT '',
	created DATETIME,
	moderator BOOLEAN DEFAULT 0,
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE,
	FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS post_replies (
	source_post_id INTEGER NOT NULL,
	target_post_id INTEGER NOT NULL,
	PRIMARY KEY (source_post_id, target_post_id),
	FOREIGN KEY (source_post_id) REFERENCES posts(id) ON DELETE CASCADE,
	FOREIGN KEY (target_post_id) REFERENCES posts(id) ON DELETE CASCADE
);
-- A file row shares its identity with its owning post.
CREATE TABLE IF NOT EXISTS files (
	post_id INTEGER PRIMARY KEY,
	path TEXT NOT NULL,
	thumbnail_path TEXT DEFAULT '',
	hash TEXT NOT NULL,
	spoiler BOOLEAN DEFAULT 0,
	FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS members (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token_hash TEXT NOT NULL UNIQUE,
	subscriptions TEXT DEFAULT '[]', -- JSON array of push subscriptions
	admin BOOLEAN DEFAULT 0,
	created DATETIME
);
CREATE TABLE IF NOT EXISTS member_watches (
	member_id INTEGER NOT NULL,
	thread_id INTEGER NOT NULL,
	PRIMARY KEY (member_id, thread_id),
	FOREIGN KEY (member_id) REFERENCES members(id) ON DELETE CASCADE,
	FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS user_tags (
	id TEXT PRIMARY KEY, -- uuid, the unguessable part of an invite code
	board_id TEXT NOT NULL,
	label TEXT NOT NULL,
	invite_hash TEXT, -- null until redeemed
	kind TEXT NOT NULL, -- 'access' or 'moderator'
	created_by TEXT NOT NULL,
	created DATETIME,
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME
);

-- --- INDEXES ---
CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_board_number ON posts(board_id, post_number);
CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_id);
CREATE INDEX IF NOT EXISTS idx_post_replies_target ON post_replies(target_post_id);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files(hash);
CREATE INDEX IF NOT EXISTS idx_user_tags_board ON user_tags(board_id, kind, invite_hash);
CREATE INDEX IF NOT EXISTS idx_watches_thread ON member_watches(thread_id);
`
