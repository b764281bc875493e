// birch/pipeline/pipeline.go

// Package pipeline orchestrates content submission: validation, profanity
// scrubbing, reply resolution, access checks, attachment claiming, atomic
// post numbering, persistence and notification fan-out.
package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"birch/access"
	"birch/config"
	"birch/database"
	"birch/models"
	"birch/notify"
	"birch/staging"
	"birch/utils"
)

var (
	ErrEmptyTopic    = errors.New("topic must not be empty")
	ErrEmptyPost     = errors.New("post must have content or a file")
	ErrDuplicateFile = errors.New("this file was already posted in the thread")
)

var refPattern = regexp.MustCompile(`>>(\d+)`)

// Service owns the process-wide submission lock and the collaborators the
// pipeline needs. One instance per process, injected into handlers.
type Service struct {
	db       *database.DatabaseService
	files    *staging.Store
	acl      *access.Engine
	notifier *notify.Notifier
	scrubber *utils.Scrubber
	logger   *slog.Logger

	// submitMu serializes "read post_count -> claim attachment -> insert".
	// Coarse by design: it trades per-board parallelism for gapless
	// monotonic numbering and race-free claiming.
	submitMu sync.Mutex
}

func NewService(db *database.DatabaseService, files *staging.Store, acl *access.Engine, notifier *notify.Notifier, scrubber *utils.Scrubber, logger *slog.Logger) *Service {
	return &Service{db: db, files: files, acl: acl, notifier: notifier, scrubber: scrubber, logger: logger}
}

// CreatePost validates and commits a reply into an existing thread. The
// identity is the caller's hashed token; the raw token never reaches the
// pipeline.
func (s *Service) CreatePost(boardSlug string, threadID int64, draft models.PostDraft, identity string) (*models.PostView, error) {
	board, err := s.db.GetBoardBySlug(boardSlug)
	if err != nil {
		return nil, err
	}
	draft, refs, err := s.prepare(board, draft, identity)
	if err != nil {
		return nil, err
	}

	var post *models.Post
	var file *models.File
	var thread *models.Thread
	err = s.withSubmitLock(func(tx *sql.Tx) error {
		// The thread read shares the submission transaction, so the board
		// check cannot race a concurrent write.
		t, err := s.db.GetThreadTx(tx, threadID)
		if err != nil {
			return err
		}
		if t.BoardID != board.ID {
			return fmt.Errorf("thread %d: %w", threadID, database.ErrNotFound)
		}
		thread = t
		post, file, err = s.commitLocked(tx, board, threadID, draft, identity, refs)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("New post created", "board", board.Slug, "post_number", post.PostNumber)

	to, from, err := s.db.RepliesForPosts([]int64{post.ID})
	if err != nil {
		s.logger.Warn("Failed to load reply links for new post", "post_id", post.ID, "error", err)
	}
	view := s.projectPost(post, file, board.Slug, to[post.ID], from[post.ID])
	go s.notifier.Dispatch(post, thread, identity)
	return &view, nil
}

// CreateThread commits a new thread and its OP post atomically: if the OP
// post fails, the thread row rolls back with it.
func (s *Service) CreateThread(boardSlug string, draft models.ThreadDraft, identity string) (*models.ThreadView, error) {
	if strings.TrimSpace(draft.Topic) == "" {
		return nil, ErrEmptyTopic
	}
	board, err := s.db.GetBoardBySlug(boardSlug)
	if err != nil {
		return nil, err
	}

	postDraft, refs, err := s.prepare(board, draft.Post, identity)
	if err != nil {
		return nil, err
	}

	var post *models.Post
	var file *models.File
	var thread *models.Thread
	err = s.withSubmitLock(func(tx *sql.Tx) error {
		threadID, err := s.db.InsertThread(tx, board.ID, strings.TrimSpace(draft.Topic))
		if err != nil {
			return err
		}
		post, file, err = s.commitLocked(tx, board, threadID, postDraft, identity, refs)
		if err != nil {
			return err
		}
		if err := s.db.SetThreadOp(tx, threadID, post.ID); err != nil {
			return err
		}
		thread = &models.Thread{ID: threadID, BoardID: board.ID, Topic: draft.Topic}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("New thread created", "board", board.Slug, "thread_id", thread.ID, "post_number", post.PostNumber)
	to, _, err := s.db.RepliesForPosts([]int64{post.ID})
	if err != nil {
		s.logger.Warn("Failed to load reply links for new thread", "post_id", post.ID, "error", err)
	}
	view := &models.ThreadView{
		ID:        thread.ID,
		BoardSlug: board.Slug,
		Topic:     thread.Topic,
		Posts:     []models.PostView{s.projectPost(post, file, board.Slug, to[post.ID], nil)},
	}
	go s.notifier.Dispatch(post, thread, identity)
	return view, nil
}

// prepare runs the submission steps that precede the critical section:
// content validation, profanity scrub, reply extraction and the access
// check. Returned refs are board-scoped post numbers, still unresolved.
func (s *Service) prepare(board *models.Board, draft models.PostDraft, identity string) (models.PostDraft, []int64, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.ClaimID == "" {
		return draft, nil, ErrEmptyPost
	}
	draft.Content = s.scrubber.Scrub(draft.Content)
	draft.Name = s.scrubber.Scrub(strings.TrimSpace(draft.Name))

	refs := extractRefs(draft.Content)

	allowed, err := s.acl.Allowed(board, identity)
	if err != nil {
		return draft, nil, err
	}
	if !allowed {
		return draft, nil, access.ErrDenied
	}

	// A caller below moderator never gets a moderator-flagged post
	// persisted, regardless of what it submitted.
	if draft.Moderator {
		perm, err := s.acl.PermissionFor(board, identity)
		if err != nil {
			return draft, nil, err
		}
		if perm.Level < access.LevelModerator {
			draft.Moderator = false
		}
	}
	return draft, refs, nil
}

// withSubmitLock runs fn inside the submission lock and a transaction. The
// lock is released before fan-out and before the response is built, so a
// slow notification never holds up the next submission.
func (s *Service) withSubmitLock(fn func(tx *sql.Tx) error) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	tx, err := s.db.DB.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			s.logger.Error("Failed to rollback submission transaction", "error", rerr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// commitLocked is the critical section body: read the board counter, claim
// the staged attachment, insert the post, finalize the identity hash with
// the new row id as salt, and advance the counter. Caller holds submitMu.
func (s *Service) commitLocked(tx *sql.Tx, board *models.Board, threadID int64, draft models.PostDraft, identity string, refs []int64) (*models.Post, *models.File, error) {
	count, err := s.db.BoardPostCount(tx, board.ID)
	if err != nil {
		return nil, nil, err
	}

	var file *models.File
	if draft.ClaimID != "" {
		hashes, err := s.db.ThreadFileHashes(tx, threadID)
		if err != nil {
			return nil, nil, err
		}
		claimed, err := s.files.Claim(draft.ClaimID, identity)
		if err != nil {
			return nil, nil, err
		}
		if hashes[claimed.Hash] {
			// The claim already moved the bytes to permanent storage;
			// reclaim them, no row will reference them.
			s.files.Discard(claimed)
			return nil, nil, ErrDuplicateFile
		}
		file = &models.File{
			Path:          claimed.Path,
			ThumbnailPath: claimed.ThumbnailPath,
			Hash:          claimed.Hash,
			Spoiler:       draft.Spoiler,
		}
	}

	post := &models.Post{
		PostNumber: count + 1,
		ThreadID:   threadID,
		BoardID:    board.ID,
		AuthorName: draft.Name,
		Content:    strings.TrimSpace(draft.Content),
		Created:    utils.GetSQLTime(),
		Moderator:  draft.Moderator,
	}
	postID, err := s.db.InsertPost(tx, post)
	if err != nil {
		return nil, nil, err
	}
	post.ID = postID

	// Second pass: the hash is salted with the row's own id, so it could
	// not have been computed before the insert.
	post.ActualAuthor = utils.AuthorHash(identity, postID)
	if err := s.db.FinalizeAuthor(tx, postID, post.ActualAuthor); err != nil {
		return nil, nil, err
	}

	if file != nil {
		file.PostID = postID
		if err := s.db.InsertFile(tx, file); err != nil {
			return nil, nil, err
		}
	}

	if len(refs) > 0 {
		resolved, err := s.db.ResolvePostNumbers(tx, board.ID, refs)
		if err != nil {
			return nil, nil, err
		}
		targets := make([]int64, 0, len(resolved))
		for _, id := range resolved {
			if id != postID {
				targets = append(targets, id)
			}
		}
		if err := s.db.InsertReplies(tx, postID, targets); err != nil {
			return nil, nil, err
		}
	}

	if err := s.db.SetThreadLatest(tx, threadID, postID); err != nil {
		return nil, nil, err
	}
	if err := s.db.SetBoardPostCount(tx, board.ID, count+1); err != nil {
		return nil, nil, err
	}
	return post, file, nil
}

// extractRefs pulls ">>123" style references out of content, best-effort.
// Malformed or unresolvable references are dropped, never errors.
func extractRefs(content string) []int64 {
	matches := refPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(matches))
	var refs []int64
	for _, match := range matches {
		n, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, n)
	}
	return refs
}

// projectPost derives the safe, client-facing projection of a post.
func (s *Service) projectPost(post *models.Post, file *models.File, boardSlug string, repliesTo, repliesFrom []int64) models.PostView {
	view := models.PostView{
		ID:          post.ID,
		PostNumber:  post.PostNumber,
		ThreadID:    post.ThreadID,
		BoardSlug:   boardSlug,
		AuthorName:  post.AuthorName,
		Content:     post.Content,
		Created:     post.Created,
		Moderator:   post.Moderator,
		RepliesTo:   repliesTo,
		RepliesFrom: repliesFrom,
	}
	if file != nil {
		thumb := file.ThumbnailPath
		if file.Spoiler {
			// Spoilered attachments never leak their real thumbnail.
			thumb = config.SpoilerThumb
		}
		view.File = &models.FileView{Path: file.Path, ThumbnailPath: thumb, Spoiler: file.Spoiler}
	}
	return view
}
