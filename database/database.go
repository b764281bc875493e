// birch/database/database.go
package database

import (
	"birch/models"
	"birch/utils"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound wraps every missing-row lookup so callers can map it to a
// 404 without string matching.
var ErrNotFound = errors.New("not found")

// DatabaseService is the central struct for all database operations. It is
// an opaque relational store: consistency of post numbering is provided by
// the submission pipeline's lock, not by anything in here.
type DatabaseService struct {
	DB     *sql.DB
	logger *slog.Logger
}

// InitDB connects to the database and runs migrations.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	logger.Info("Database initialized.")

	return &DatabaseService{DB: db, logger: logger}, nil
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	for _, m := range allMigrations {
		if m.Version > latestVersion {
			logger.Info("Applying migration", "version", m.Version)
			tx, err := db.Begin()
			if err != nil {
				return err
			}

			if _, err := tx.Exec(m.Query); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, utils.GetSQLTime()); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
			}
		}
	}
	return nil
}

// --- Boards ---

// CreateBoard inserts a new board with a fresh identity.
func (ds *DatabaseService) CreateBoard(slug, name string, private bool) (*models.Board, error) {
	board := &models.Board{
		ID:      uuid.New().String(),
		Slug:    slug,
		Name:    name,
		Private: private,
		Created: utils.GetSQLTime(),
	}
	_, err := ds.DB.Exec("INSERT INTO boards (id, slug, name, private, post_count, created) VALUES (?, ?, ?, ?, 0, ?)",
		board.ID, board.Slug, board.Name, board.Private, board.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to insert board '%s': %w", slug, err)
	}
	return board, nil
}

func (ds *DatabaseService) scanBoard(row *sql.Row) (*models.Board, error) {
	var b models.Board
	err := row.Scan(&b.ID, &b.Slug, &b.Name, &b.Private, &b.PostCount, &b.Created)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBoardBySlug fetches a board by its URL discriminator.
func (ds *DatabaseService) GetBoardBySlug(slug string) (*models.Board, error) {
	board, err := ds.scanBoard(ds.DB.QueryRow(
		"SELECT id, slug, name, private, post_count, created FROM boards WHERE slug = ?", slug))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("board '%s': %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting board '%s': %w", slug, err)
	}
	return board, nil
}

func (ds *DatabaseService) GetBoardByID(id string) (*models.Board, error) {
	board, err := ds.scanBoard(ds.DB.QueryRow(
		"SELECT id, slug, name, private, post_count, created FROM boards WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("board: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting board: %w", err)
	}
	return board, nil
}

// BoardPostCount reads the current counter inside the caller's transaction.
func (ds *DatabaseService) BoardPostCount(tx *sql.Tx, boardID string) (int64, error) {
	var count int64
	if err := tx.QueryRow("SELECT post_count FROM boards WHERE id = ?", boardID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read post count: %w", err)
	}
	return count, nil
}

// SetBoardPostCount advances the monotonic counter.
func (ds *DatabaseService) SetBoardPostCount(tx *sql.Tx, boardID string, count int64) error {
	if _, err := tx.Exec("UPDATE boards SET post_count = ? WHERE id = ?", count, boardID); err != nil {
		return fmt.Errorf("failed to update post count: %w", err)
	}
	return nil
}

// --- Threads ---

func (ds *DatabaseService) InsertThread(tx *sql.Tx, boardID, topic string) (int64, error) {
	res, err := tx.Exec("INSERT INTO threads (board_id, topic, created) VALUES (?, ?, ?)",
		boardID, topic, utils.GetSQLTime())
	if err != nil {
		return 0, fmt.Errorf("failed to insert thread: %w", err)
	}
	return res.LastInsertId()
}

func (ds *DatabaseService) SetThreadOp(tx *sql.Tx, threadID, postID int64) error {
	if _, err := tx.Exec("UPDATE threads SET op_post_id = ? WHERE id = ?", postID, threadID); err != nil {
		return fmt.Errorf("failed to set thread OP: %w", err)
	}
	return nil
}

func (ds *DatabaseService) SetThreadLatest(tx *sql.Tx, threadID, postID int64) error {
	if _, err := tx.Exec("UPDATE threads SET latest_post_id = ? WHERE id = ?", postID, threadID); err != nil {
		return fmt.Errorf("failed to set latest post: %w", err)
	}
	return nil
}

// GetThread fetches a thread row by id.
func (ds *DatabaseService) GetThread(threadID int64) (*models.Thread, error) {
	var t models.Thread
	err := ds.DB.QueryRow("SELECT id, board_id, op_post_id, latest_post_id, topic, created FROM threads WHERE id = ?", threadID).
		Scan(&t.ID, &t.BoardID, &t.OpPostID, &t.LatestPostID, &t.Topic, &t.Created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %d: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting thread %d: %w", threadID, err)
	}
	return &t, nil
}

// GetThreadTx is GetThread inside the caller's transaction.
func (ds *DatabaseService) GetThreadTx(tx *sql.Tx, threadID int64) (*models.Thread, error) {
	var t models.Thread
	err := tx.QueryRow("SELECT id, board_id, op_post_id, latest_post_id, topic, created FROM threads WHERE id = ?", threadID).
		Scan(&t.ID, &t.BoardID, &t.OpPostID, &t.LatestPostID, &t.Topic, &t.Created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %d: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting thread %d: %w", threadID, err)
	}
	return &t, nil
}

// ThreadsForBoard lists threads for a board, newest activity first.
func (ds *DatabaseService) ThreadsForBoard(boardID string) ([]models.Thread, error) {
	rows, err := ds.DB.Query(
		"SELECT id, board_id, op_post_id, latest_post_id, topic, created FROM threads WHERE board_id = ? ORDER BY latest_post_id DESC", boardID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ThreadsForBoard", "error", err)
		}
	}()

	var threads []models.Thread
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.BoardID, &t.OpPostID, &t.LatestPostID, &t.Topic, &t.Created); err != nil {
			ds.logger.Error("Failed to scan thread row", "error", err)
			continue
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// --- Posts ---

// InsertPost writes a post row. The actual_author column is left empty; it
// is finalized by FinalizeAuthor once the row id is known.
func (ds *DatabaseService) InsertPost(tx *sql.Tx, p *models.Post) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO posts (post_number, thread_id, board_id, author_name, actual_author, content, created, moderator)
		VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
		p.PostNumber, p.ThreadID, p.BoardID, p.AuthorName, p.Content, p.Created, p.Moderator)
	if err != nil {
		return 0, fmt.Errorf("failed to insert post: %w", err)
	}
	return res.LastInsertId()
}

// FinalizeAuthor is the second pass of the two-step identity-hash write.
func (ds *DatabaseService) FinalizeAuthor(tx *sql.Tx, postID int64, authorHash string) error {
	if _, err := tx.Exec("UPDATE posts SET actual_author = ? WHERE id = ?", authorHash, postID); err != nil {
		return fmt.Errorf("failed to finalize post author: %w", err)
	}
	return nil
}

// GetPostByID fetches a single post.
func (ds *DatabaseService) GetPostByID(postID int64) (*models.Post, error) {
	var p models.Post
	err := ds.DB.QueryRow(
		"SELECT id, post_number, thread_id, board_id, author_name, actual_author, content, created, moderator FROM posts WHERE id = ?", postID).
		Scan(&p.ID, &p.PostNumber, &p.ThreadID, &p.BoardID, &p.AuthorName, &p.ActualAuthor, &p.Content, &p.Created, &p.Moderator)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting post %d: %w", postID, err)
	}
	return &p, nil
}

// GetPostsForThread fetches all posts of a thread in commit order.
func (ds *DatabaseService) GetPostsForThread(threadID int64) ([]models.Post, error) {
	rows, err := ds.DB.Query(
		"SELECT id, post_number, thread_id, board_id, author_name, actual_author, content, created, moderator FROM posts WHERE thread_id = ? ORDER BY id ASC", threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetPostsForThread", "error", err)
		}
	}()

	var posts []models.Post
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.PostNumber, &p.ThreadID, &p.BoardID, &p.AuthorName, &p.ActualAuthor, &p.Content, &p.Created, &p.Moderator); err != nil {
			ds.logger.Error("Failed to scan post row", "error", err)
			continue
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// ResolvePostNumbers maps board-scoped post numbers to post ids. Numbers
// with no matching post are simply absent from the result.
func (ds *DatabaseService) ResolvePostNumbers(tx *sql.Tx, boardID string, numbers []int64) (map[int64]int64, error) {
	resolved := make(map[int64]int64, len(numbers))
	if len(numbers) == 0 {
		return resolved, nil
	}
	args := make([]interface{}, 0, len(numbers)+1)
	args = append(args, boardID)
	for _, n := range numbers {
		args = append(args, n)
	}
	query := "SELECT post_number, id FROM posts WHERE board_id = ? AND post_number IN (?" +
		strings.Repeat(",?", len(numbers)-1) + ")"
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ResolvePostNumbers", "error", err)
		}
	}()
	for rows.Next() {
		var number, id int64
		if err := rows.Scan(&number, &id); err == nil {
			resolved[number] = id
		}
	}
	return resolved, rows.Err()
}

// InsertReplies records the cross-links a post makes to earlier posts.
func (ds *DatabaseService) InsertReplies(tx *sql.Tx, sourceID int64, targetIDs []int64) error {
	for _, target := range targetIDs {
		if _, err := tx.Exec("INSERT OR IGNORE INTO post_replies (source_post_id, target_post_id) VALUES (?, ?)", sourceID, target); err != nil {
			return fmt.Errorf("failed to insert reply link: %w", err)
		}
	}
	return nil
}

// RepliesForPosts returns the replies-to and replies-from post numbers for a
// set of posts, for the client-facing projection.
func (ds *DatabaseService) RepliesForPosts(postIDs []int64) (to map[int64][]int64, from map[int64][]int64, err error) {
	to = make(map[int64][]int64)
	from = make(map[int64][]int64)
	if len(postIDs) == 0 {
		return to, from, nil
	}
	args := make([]interface{}, 0, len(postIDs)*2)
	for _, id := range postIDs {
		args = append(args, id)
	}
	placeholders := "?" + strings.Repeat(",?", len(postIDs)-1)
	query := `
		SELECT r.source_post_id, r.target_post_id, sp.post_number, tp.post_number
		FROM post_replies r
		JOIN posts sp ON sp.id = r.source_post_id
		JOIN posts tp ON tp.id = r.target_post_id
		WHERE r.source_post_id IN (` + placeholders + `) OR r.target_post_id IN (` + placeholders + `)`
	rows, err := ds.DB.Query(query, append(args, args...)...)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			ds.logger.Error("Failed to close rows in RepliesForPosts", "error", cerr)
		}
	}()
	idSet := make(map[int64]bool, len(postIDs))
	for _, id := range postIDs {
		idSet[id] = true
	}
	for rows.Next() {
		var sourceID, targetID, sourceNum, targetNum int64
		if err := rows.Scan(&sourceID, &targetID, &sourceNum, &targetNum); err != nil {
			continue
		}
		if idSet[sourceID] {
			to[sourceID] = append(to[sourceID], targetNum)
		}
		if idSet[targetID] {
			from[targetID] = append(from[targetID], sourceNum)
		}
	}
	return to, from, rows.Err()
}

// --- Files ---

func (ds *DatabaseService) InsertFile(tx *sql.Tx, f *models.File) error {
	_, err := tx.Exec("INSERT INTO files (post_id, path, thumbnail_path, hash, spoiler) VALUES (?, ?, ?, ?, ?)",
		f.PostID, f.Path, f.ThumbnailPath, f.Hash, f.Spoiler)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetFileForPost returns the post's attachment, or nil when it has none.
func (ds *DatabaseService) GetFileForPost(postID int64) (*models.File, error) {
	var f models.File
	err := ds.DB.QueryRow("SELECT post_id, path, thumbnail_path, hash, spoiler FROM files WHERE post_id = ?", postID).
		Scan(&f.PostID, &f.Path, &f.ThumbnailPath, &f.Hash, &f.Spoiler)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting file for post %d: %w", postID, err)
	}
	return &f, nil
}

// GetFileByPath resolves an attachment row from its public path. Used to
// gate raw file serving on board access, so misses are nil, not errors.
func (ds *DatabaseService) GetFileByPath(path string) (*models.File, error) {
	var f models.File
	err := ds.DB.QueryRow("SELECT post_id, path, thumbnail_path, hash, spoiler FROM files WHERE path = ? OR thumbnail_path = ?", path, path).
		Scan(&f.PostID, &f.Path, &f.ThumbnailPath, &f.Hash, &f.Spoiler)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting file by path: %w", err)
	}
	return &f, nil
}

// FilesForThread maps post id to attachment for a whole thread.
func (ds *DatabaseService) FilesForThread(threadID int64) (map[int64]*models.File, error) {
	rows, err := ds.DB.Query(`
		SELECT f.post_id, f.path, f.thumbnail_path, f.hash, f.spoiler
		FROM files f JOIN posts p ON p.id = f.post_id WHERE p.thread_id = ?`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in FilesForThread", "error", err)
		}
	}()
	files := make(map[int64]*models.File)
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.PostID, &f.Path, &f.ThumbnailPath, &f.Hash, &f.Spoiler); err != nil {
			continue
		}
		files[f.PostID] = &f
	}
	return files, rows.Err()
}

// ThreadFileHashes returns the content hashes already attached to posts of a
// thread. Dedup is thread-scoped, not global.
func (ds *DatabaseService) ThreadFileHashes(tx *sql.Tx, threadID int64) (map[string]bool, error) {
	rows, err := tx.Query("SELECT f.hash FROM files f JOIN posts p ON p.id = f.post_id WHERE p.thread_id = ?", threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ThreadFileHashes", "error", err)
		}
	}()
	hashes := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err == nil {
			hashes[h] = true
		}
	}
	return hashes, rows.Err()
}
