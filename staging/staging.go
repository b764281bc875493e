// birch/staging/staging.go

// Package staging is the short-lived, process-local holding area for
// uploaded bytes before a post claims them. Entries are keyed by the
// caller's identity token; a background trim sweep discards entries that
// were never claimed.
package staging

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"birch/config"
	"birch/models"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // webp decode support for thumbnails
)

var (
	ErrNotFound       = errors.New("file not found")
	ErrInvalidClaimID = errors.New("invalid id")

	// ErrIDExhausted is transient: the caller should simply retry the upload.
	ErrIDExhausted = errors.New("could not allocate a claim id, try again")
)

type staged struct {
	claimID string
	data    []byte
	ext     string
	created time.Time
}

// Claimed describes a staged upload after it has been moved to permanent
// storage. Hash is computed from the claimed bytes and drives the
// thread-scoped dedup check.
type Claimed struct {
	Path          string
	ThumbnailPath string
	Hash          string
}

// Store guards the unclaimed-file map with its own lock, independent of the
// pipeline's submission lock.
type Store struct {
	mu      sync.Mutex
	entries map[string]*staged // keyed by caller token
	ids     map[string]bool    // claim ids currently staged

	lifespan   time.Duration
	retryDelay time.Duration
	storage    models.StorageService
	logger     *slog.Logger
}

func NewStore(storage models.StorageService, lifespan time.Duration, logger *slog.Logger) *Store {
	retryDelay, _ := time.ParseDuration(config.ClaimRetryDelay)
	return &Store{
		entries:    make(map[string]*staged),
		ids:        make(map[string]bool),
		lifespan:   lifespan,
		retryDelay: retryDelay,
		storage:    storage,
		logger:     logger,
	}
}

// Add stages uploaded bytes under the caller's token and returns the claim
// id the caller must present later. Id allocation retries a bounded number
// of times on collision and then reports a transient failure, never a
// silent drop.
func (s *Store) Add(ext string, data []byte, token string) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for attempt := 0; attempt < config.ClaimRetries; attempt++ {
		id, err := randomClaimID()
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		if s.ids[id] {
			s.mu.Unlock()
			time.Sleep(s.retryDelay)
			continue
		}
		// A second upload under the same token replaces the first.
		if prev, ok := s.entries[token]; ok {
			delete(s.ids, prev.claimID)
		}
		s.entries[token] = &staged{claimID: id, data: data, ext: ext, created: time.Now()}
		s.ids[id] = true
		s.mu.Unlock()
		return id, nil
	}
	return "", ErrIDExhausted
}

// Claim moves a staged upload into permanent storage. The entry is removed
// before the id check, so a mismatched id forfeits the upload: the caller
// must re-upload. This mirrors the original claim semantics and keeps
// claiming strictly exactly-once.
func (s *Store) Claim(expectedID, token string) (*Claimed, error) {
	s.mu.Lock()
	entry, ok := s.entries[token]
	delete(s.entries, token)
	if ok {
		delete(s.ids, entry.claimID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.claimID != expectedID {
		return nil, ErrInvalidClaimID
	}

	hash := sha256.Sum256(entry.data)
	hashStr := hex.EncodeToString(hash[:])

	name, err := s.pickFilename(hashStr, entry.ext)
	if err != nil {
		return nil, err
	}
	path, err := s.storage.SaveFile(name, entry.data, contentTypeFor(entry.ext))
	if err != nil {
		return nil, fmt.Errorf("failed to write claimed file: %w", err)
	}

	thumbPath := config.PlaceholderThumb
	if isImageExt(entry.ext) {
		thumbName := thumbnailName(name)
		thumbPath = s.storage.PublicPath(thumbName)
		// Off the critical path: a slow codec must never hold up the
		// submission lock.
		go s.deriveThumbnail(entry.data, thumbName)
	}

	return &Claimed{Path: path, ThumbnailPath: thumbPath, Hash: hashStr}, nil
}

// Discard removes a claimed file from permanent storage again, for
// submissions that are rejected after the move. No database row points at
// the bytes yet, so this is the only reclamation path.
func (s *Store) Discard(c *Claimed) {
	if err := s.storage.DeleteFile(c.Path); err != nil {
		s.logger.Warn("Failed to delete discarded file", "path", c.Path, "error", err)
	}
	if c.ThumbnailPath == config.PlaceholderThumb {
		return
	}
	// The thumbnail goroutine may still be in flight; best effort.
	if err := s.storage.DeleteFile(c.ThumbnailPath); err != nil {
		s.logger.Warn("Failed to delete discarded thumbnail", "path", c.ThumbnailPath, "error", err)
	}
}

// Trim removes staged entries older than the configured lifespan. Runs on
// a fixed interval, independent of claim traffic.
func (s *Store) Trim() int {
	cutoff := time.Now().Add(-s.lifespan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, entry := range s.entries {
		if entry.created.Before(cutoff) {
			delete(s.entries, token)
			delete(s.ids, entry.claimID)
			removed++
		}
	}
	return removed
}

// Run trims on a ticker until stop is closed.
func (s *Store) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Trim(); n > 0 {
				s.logger.Info("Trimmed unclaimed files", "count", n)
			}
		case <-stop:
			return
		}
	}
}

// pickFilename chooses a non-colliding name under the extension's category
// directory, appending a numeric suffix while the canonical name is taken.
func (s *Store) pickFilename(hashStr, ext string) (string, error) {
	category := categoryFor(ext)
	base := hashStr[:12]
	name := fmt.Sprintf("%s/%s.%s", category, base, ext)
	for n := 2; ; n++ {
		exists, err := s.storage.Exists(name)
		if err != nil {
			return "", fmt.Errorf("failed to probe for filename: %w", err)
		}
		if !exists {
			return name, nil
		}
		name = fmt.Sprintf("%s/%s_%d.%s", category, base, n, ext)
	}
}

func (s *Store) deriveThumbnail(data []byte, thumbName string) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		s.logger.Warn("Failed to decode image for thumbnail", "name", thumbName, "error", err)
		return
	}
	thumb := imaging.Fit(img, config.ThumbnailWidth, config.ThumbnailHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		s.logger.Warn("Failed to encode thumbnail", "name", thumbName, "error", err)
		return
	}
	if _, err := s.storage.SaveFile(thumbName, buf.Bytes(), "image/jpeg"); err != nil {
		s.logger.Warn("Failed to store thumbnail", "name", thumbName, "error", err)
	}
}

// thumbnailName places the thumbnail in a parallel subtree beside the full
// file: "image/abc.png" -> "thumbs/image/abc.jpeg".
func thumbnailName(name string) string {
	if idx := strings.LastIndex(name, "."); idx != -1 {
		name = name[:idx]
	}
	return "thumbs/" + name + ".jpeg"
}

func randomClaimID() (string, error) {
	buf := make([]byte, config.ClaimIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate claim id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func isImageExt(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp":
		return true
	}
	return false
}

func categoryFor(ext string) string {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp":
		return "image"
	case "mp4", "webm":
		return "video"
	default:
		return "file"
	}
}

func contentTypeFor(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
