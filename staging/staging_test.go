// birch/staging/staging_test.go
package staging

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStorage is an in-memory StorageService for tests.
type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) SaveFile(filename string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = data
	return "/uploads/" + filename, nil
}

func (m *memStorage) DeleteFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, strings.TrimPrefix(path, "/uploads/"))
	return nil
}

func (m *memStorage) Exists(filename string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[filename]
	return ok, nil
}

func (m *memStorage) PublicPath(filename string) string {
	return "/uploads/" + filename
}

func newTestStore(t *testing.T, lifespan time.Duration) (*Store, *memStorage) {
	t.Helper()
	storage := newMemStorage()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewStore(storage, lifespan, logger), storage
}

func TestAddAndClaim(t *testing.T) {
	s, storage := newTestStore(t, time.Minute)

	id, err := s.Add("bin", []byte("payload"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}
	if len(id) != 6 {
		t.Errorf("Expected a 6-character claim id, got %q", id)
	}

	claimed, err := s.Claim(id, "token-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !strings.HasPrefix(claimed.Path, "/uploads/file/") {
		t.Errorf("Non-image file landed outside the file category: %q", claimed.Path)
	}
	if claimed.Hash == "" {
		t.Error("Claimed file has no content hash")
	}
	if !strings.HasSuffix(claimed.ThumbnailPath, "placeholder.png") {
		t.Errorf("Non-image file should get the placeholder thumbnail, got %q", claimed.ThumbnailPath)
	}

	exists, err := storage.Exists(strings.TrimPrefix(claimed.Path, "/uploads/"))
	if err != nil || !exists {
		t.Errorf("Claimed bytes were not persisted: %v, %v", exists, err)
	}
}

func TestDiscardRemovesClaimedBytes(t *testing.T) {
	s, storage := newTestStore(t, time.Minute)

	id, err := s.Add("bin", []byte("payload"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}
	claimed, err := s.Claim(id, "token-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	s.Discard(claimed)

	exists, err := storage.Exists(strings.TrimPrefix(claimed.Path, "/uploads/"))
	if err != nil {
		t.Fatalf("Exists probe failed: %v", err)
	}
	if exists {
		t.Error("Discarded bytes are still in storage")
	}
}

func TestClaimIsExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	id, err := s.Add("bin", []byte("payload"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}
	if _, err := s.Claim(id, "token-a"); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if _, err := s.Claim(id, "token-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second claim should report not found, got %v", err)
	}
}

func TestMismatchedClaimIDForfeitsUpload(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	if _, err := s.Add("bin", []byte("payload"), "token-a"); err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}

	// Wrong id: the entry is consumed anyway.
	if _, err := s.Claim("zzzzzz", "token-a"); !errors.Is(err, ErrInvalidClaimID) {
		t.Fatalf("Expected ErrInvalidClaimID, got %v", err)
	}
	// The upload is gone; even the right id cannot recover it.
	if _, err := s.Claim("zzzzzz", "token-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after forfeit, got %v", err)
	}
}

func TestClaimIsTokenScoped(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	id, err := s.Add("bin", []byte("payload"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}
	// Another caller presenting the right id has nothing staged.
	if _, err := s.Claim(id, "token-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for wrong token, got %v", err)
	}
	// The owner's entry is untouched.
	if _, err := s.Claim(id, "token-a"); err != nil {
		t.Errorf("Owner claim failed after a stranger's attempt: %v", err)
	}
}

func TestSecondUploadReplacesFirst(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	firstID, err := s.Add("bin", []byte("first"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage first file: %v", err)
	}
	secondID, err := s.Add("bin", []byte("second"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage second file: %v", err)
	}

	// The first id no longer matches; the entry now carries the second id,
	// and the mismatch forfeits the replacement too.
	if _, err := s.Claim(firstID, "token-a"); !errors.Is(err, ErrInvalidClaimID) {
		t.Errorf("Expected stale id to be invalid, got %v", err)
	}
	if _, err := s.Claim(secondID, "token-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after forfeit, got %v", err)
	}
}

func TestFilenameCollisionGetsSuffix(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	// Same bytes staged by two callers: same content hash, so the second
	// claim must pick a suffixed name.
	id1, _ := s.Add("bin", []byte("same bytes"), "token-a")
	id2, _ := s.Add("bin", []byte("same bytes"), "token-b")

	first, err := s.Claim(id1, "token-a")
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	second, err := s.Claim(id2, "token-b")
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if first.Path == second.Path {
		t.Errorf("Colliding filenames were not disambiguated: %q", first.Path)
	}
	if !strings.Contains(second.Path, "_2.") {
		t.Errorf("Expected a numeric suffix on the second path, got %q", second.Path)
	}
	if first.Hash != second.Hash {
		t.Error("Identical bytes should hash identically")
	}
}

func TestTrimDiscardsExpiredEntries(t *testing.T) {
	s, _ := newTestStore(t, 10*time.Millisecond)

	id, err := s.Add("bin", []byte("doomed"), "token-a")
	if err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}

	time.Sleep(25 * time.Millisecond)
	if removed := s.Trim(); removed != 1 {
		t.Errorf("Expected 1 trimmed entry, got %d", removed)
	}
	if _, err := s.Claim(id, "token-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected trimmed entry to be gone, got %v", err)
	}

	// Fresh entries survive the sweep.
	id2, _ := s.Add("bin", []byte("alive"), "token-b")
	if removed := s.Trim(); removed != 0 {
		t.Errorf("Trim removed a fresh entry: %d", removed)
	}
	if _, err := s.Claim(id2, "token-b"); err != nil {
		t.Errorf("Fresh entry was lost: %v", err)
	}
}

func TestCategoryRouting(t *testing.T) {
	testCases := []struct {
		ext      string
		category string
	}{
		{"jpg", "image"},
		{"JPEG", "image"},
		{"webp", "image"},
		{"mp4", "video"},
		{"webm", "video"},
		{"pdf", "file"},
		{"bin", "file"},
	}

	for _, tc := range testCases {
		t.Run(tc.ext, func(t *testing.T) {
			s, _ := newTestStore(t, time.Minute)
			id, err := s.Add(tc.ext, []byte("content-"+tc.ext), "token")
			if err != nil {
				t.Fatalf("Failed to stage file: %v", err)
			}
			claimed, err := s.Claim(id, "token")
			if err != nil {
				t.Fatalf("Claim failed: %v", err)
			}
			if !strings.HasPrefix(claimed.Path, "/uploads/"+tc.category+"/") {
				t.Errorf("Extension %q routed to %q, want category %q", tc.ext, claimed.Path, tc.category)
			}
		})
	}
}

func TestThumbnailName(t *testing.T) {
	if got := thumbnailName("image/abc.png"); got != "thumbs/image/abc.jpeg" {
		t.Errorf("thumbnailName mangled the path: %q", got)
	}
}
