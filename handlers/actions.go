// birch/handlers/actions.go
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"birch/access"
	"birch/config"
	"birch/models"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

// --- Submission ---

// HandleUpload stages a file and returns its claim id. Nothing touches disk
// until a post claims it.
func HandleUpload(w http.ResponseWriter, r *http.Request, app App) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxFileSize+4096)
	if err := r.ParseMultipartForm(config.MaxFileSize); err != nil {
		respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file too large"}, app)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"}, app)
		return
	}
	defer file.Close()

	if header.Size > config.MaxFileSize {
		respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file too large"}, app)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, err, app)
		return
	}

	ext := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	claimID, err := app.Staging().Add(ext, data, identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"claim_id": claimID}, app)
}

func draftFromForm(r *http.Request) models.PostDraft {
	return models.PostDraft{
		Name:      r.FormValue("name"),
		Content:   r.FormValue("content"),
		ClaimID:   strings.TrimSpace(r.FormValue("claim_id")),
		Spoiler:   formBool(r, "spoiler"),
		Moderator: formBool(r, "moderator"),
	}
}

func formBool(r *http.Request, key string) bool {
	v := r.FormValue(key)
	return v == "true" || v == "on" || v == "1"
}

// HandleCreateThread opens a new thread with its OP post.
func HandleCreateThread(w http.ResponseWriter, r *http.Request, app App) {
	draft := models.ThreadDraft{
		Topic: r.FormValue("topic"),
		Post:  draftFromForm(r),
	}
	if len(draft.Topic) > config.MaxTopicLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "topic too long"}, app)
		return
	}
	if !draftLengthsOK(w, draft.Post, app) {
		return
	}
	view, err := app.Pipeline().CreateThread(r.FormValue("board"), draft, identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, view, app)
}

// HandleCreatePost appends a reply to an existing thread.
func HandleCreatePost(w http.ResponseWriter, r *http.Request, app App) {
	threadID, err := strconv.ParseInt(r.FormValue("thread_id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"}, app)
		return
	}
	draft := draftFromForm(r)
	if !draftLengthsOK(w, draft, app) {
		return
	}
	view, err := app.Pipeline().CreatePost(r.FormValue("board"), threadID, draft, identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, view, app)
}

// draftLengthsOK enforces the request-size limits that belong to the
// transport, before the pipeline sees the draft. A false return means the
// response was already written.
func draftLengthsOK(w http.ResponseWriter, draft models.PostDraft, app App) bool {
	if len(draft.Name) > config.MaxNameLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "name too long"}, app)
		return false
	}
	if len(draft.Content) > config.MaxCommentLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "content too long"}, app)
		return false
	}
	return true
}

// --- Invitation codes ---

func HandleRedeemCode(w http.ResponseWriter, r *http.Request, app App) {
	if err := app.Access().ConsumeCode(identity(r), strings.TrimSpace(r.FormValue("code"))); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "redeemed"}, app)
}

func HandleAccessCode(w http.ResponseWriter, r *http.Request, app App) {
	board, err := app.DB().GetBoardBySlug(r.FormValue("board"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	code, err := app.Access().GenerateAccessCode(board, identity(r), r.FormValue("label"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"code": code}, app)
}

func HandleModeratorCode(w http.ResponseWriter, r *http.Request, app App) {
	board, err := app.DB().GetBoardBySlug(r.FormValue("board"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	code, err := app.Access().GenerateModeratorCode(board, identity(r), r.FormValue("label"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"code": code}, app)
}

// --- Reads ---

func HandleGetBoard(w http.ResponseWriter, r *http.Request, app App) {
	view, err := app.Pipeline().GetBoard(chi.URLParam(r, "slug"), identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, view, app)
}

func HandleGetThread(w http.ResponseWriter, r *http.Request, app App) {
	threadID, err := strconv.ParseInt(chi.URLParam(r, "threadID"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"}, app)
		return
	}
	view, err := app.Pipeline().GetThread(threadID, identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, view, app)
}

func HandleGetPost(w http.ResponseWriter, r *http.Request, app App) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid post id"}, app)
		return
	}
	view, err := app.Pipeline().GetPost(postID, identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, view, app)
}

// HandleAttachment serves raw upload bytes, gated on the access rules of the
// board the file was posted to.
func HandleAttachment(w http.ResponseWriter, r *http.Request, app App) {
	rel := filepath.Clean(chi.URLParam(r, "*"))
	if rel == "." || strings.Contains(rel, "..") {
		http.NotFound(w, r)
		return
	}
	file, err := app.DB().GetFileByPath("/uploads/" + rel)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if file == nil {
		http.NotFound(w, r)
		return
	}
	post, err := app.DB().GetPostByID(file.PostID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	board, err := app.DB().GetBoardByID(post.BoardID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	allowed, err := app.Access().Allowed(board, identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	if !allowed {
		respondError(w, access.ErrDenied, app)
		return
	}
	http.ServeFile(w, r, filepath.Join(app.UploadDir(), rel))
}

// --- Watches and push ---

func HandleSetWatch(w http.ResponseWriter, r *http.Request, app App) {
	threadID, err := strconv.ParseInt(r.FormValue("thread_id"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"}, app)
		return
	}
	// Watching a thread requires seeing it.
	if _, err := app.Pipeline().GetThread(threadID, identity(r)); err != nil {
		respondError(w, err, app)
		return
	}
	member, err := app.DB().EnsureMember(identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	if err := app.DB().SetWatching(member.ID, threadID, formBool(r, "watching")); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, app)
}

func HandleGetWatches(w http.ResponseWriter, r *http.Request, app App) {
	member, err := app.DB().EnsureMember(identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	watching, err := app.DB().GetWatching(member.ID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if watching == nil {
		watching = []int64{}
	}
	respondJSON(w, http.StatusOK, map[string][]int64{"watching": watching}, app)
}

func HandlePushSubscribe(w http.ResponseWriter, r *http.Request, app App) {
	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscription"}, app)
		return
	}
	member, err := app.DB().EnsureMember(identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	if err := app.DB().AddSubscription(member.ID, sub); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "subscribed"}, app)
}

// --- Admin ---

func HandleCreateBoard(w http.ResponseWriter, r *http.Request, app App) {
	admin, err := app.DB().IsAdmin(identity(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	if !admin {
		respondError(w, access.ErrDenied, app)
		return
	}

	slug := strings.ToLower(strings.TrimSpace(r.FormValue("slug")))
	name := strings.TrimSpace(r.FormValue("name"))
	if slug == "" || name == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "slug and name are required"}, app)
		return
	}
	board, err := app.DB().CreateBoard(slug, name, formBool(r, "private"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Logger().Info("Board created", "slug", board.Slug, "private", board.Private)
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"slug": board.Slug, "name": board.Name, "private": board.Private,
	}, app)
}

// HandleSyncMembers reconciles the members table against an external roster
// of valid token hashes. The caller proves itself with the sync secret, not
// with a member identity.
func HandleSyncMembers(w http.ResponseWriter, r *http.Request, app App) {
	secret := r.Header.Get("X-Sync-Secret")
	if len(app.SyncSecretHash()) == 0 ||
		bcrypt.CompareHashAndPassword(app.SyncSecretHash(), []byte(secret)) != nil {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad sync secret"}, app)
		return
	}

	var hashes []string
	if err := json.NewDecoder(r.Body).Decode(&hashes); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid roster"}, app)
		return
	}
	removed, err := app.DB().SyncMembers(hashes)
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Logger().Info("Member sync complete", "roster_size", len(hashes), "removed", removed)
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed}, app)
}
