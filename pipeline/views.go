// birch/pipeline/views.go
package pipeline

import (
	"birch/access"
	"birch/models"
)

// BoardView is the access-checked board projection with its thread list.
type BoardView struct {
	Slug      string             `json:"slug"`
	Name      string             `json:"name"`
	Private   bool               `json:"private"`
	PostCount int64              `json:"post_count"`
	Threads   []models.ThreadRef `json:"threads"`
}

// GetBoard returns board metadata and its thread listing. The access gate
// is consulted here independently of any earlier decision: permission can
// change between requests.
func (s *Service) GetBoard(slug, identity string) (*BoardView, error) {
	board, err := s.db.GetBoardBySlug(slug)
	if err != nil {
		return nil, err
	}
	allowed, err := s.acl.Allowed(board, identity)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, access.ErrDenied
	}

	threads, err := s.db.ThreadsForBoard(board.ID)
	if err != nil {
		return nil, err
	}
	refs := make([]models.ThreadRef, 0, len(threads))
	for _, t := range threads {
		refs = append(refs, models.ThreadRef{ID: t.ID, Topic: t.Topic})
	}
	return &BoardView{
		Slug:      board.Slug,
		Name:      board.Name,
		Private:   board.Private,
		PostCount: board.PostCount,
		Threads:   refs,
	}, nil
}

// GetThread returns a full access-checked thread projection.
func (s *Service) GetThread(threadID int64, identity string) (*models.ThreadView, error) {
	thread, err := s.db.GetThread(threadID)
	if err != nil {
		return nil, err
	}
	board, err := s.db.GetBoardByID(thread.BoardID)
	if err != nil {
		return nil, err
	}
	allowed, err := s.acl.Allowed(board, identity)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, access.ErrDenied
	}

	posts, err := s.db.GetPostsForThread(threadID)
	if err != nil {
		return nil, err
	}
	files, err := s.db.FilesForThread(threadID)
	if err != nil {
		return nil, err
	}
	postIDs := make([]int64, 0, len(posts))
	for _, p := range posts {
		postIDs = append(postIDs, p.ID)
	}
	to, from, err := s.db.RepliesForPosts(postIDs)
	if err != nil {
		return nil, err
	}

	view := &models.ThreadView{ID: thread.ID, BoardSlug: board.Slug, Topic: thread.Topic}
	for i := range posts {
		p := &posts[i]
		view.Posts = append(view.Posts, s.projectPost(p, files[p.ID], board.Slug, to[p.ID], from[p.ID]))
	}
	return view, nil
}

// GetPost returns one access-checked post projection.
func (s *Service) GetPost(postID int64, identity string) (*models.PostView, error) {
	post, err := s.db.GetPostByID(postID)
	if err != nil {
		return nil, err
	}
	board, err := s.db.GetBoardByID(post.BoardID)
	if err != nil {
		return nil, err
	}
	allowed, err := s.acl.Allowed(board, identity)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, access.ErrDenied
	}

	file, err := s.db.GetFileForPost(postID)
	if err != nil {
		return nil, err
	}
	to, from, err := s.db.RepliesForPosts([]int64{postID})
	if err != nil {
		return nil, err
	}
	view := s.projectPost(post, file, board.Slug, to[postID], from[postID])
	return &view, nil
}
