// birch/handlers/main_test.go
package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"birch/access"
	"birch/database"
	"birch/models"
	"birch/notify"
	"birch/pipeline"
	"birch/staging"
	"birch/utils"

	"golang.org/x/crypto/bcrypt"
)

const testSyncSecret = "sync-secret-for-tests"

// testApp holds the full dependency stack for handler tests.
type testApp struct {
	db             *database.DatabaseService
	pipeline       *pipeline.Service
	acl            *access.Engine
	staging        *staging.Store
	hub            *notify.Hub
	rateLimiter    *models.RateLimiter
	logger         *slog.Logger
	uploadDir      string
	syncSecretHash []byte
}

func (a *testApp) DB() *database.DatabaseService    { return a.db }
func (a *testApp) Pipeline() *pipeline.Service      { return a.pipeline }
func (a *testApp) Access() *access.Engine           { return a.acl }
func (a *testApp) Staging() *staging.Store          { return a.staging }
func (a *testApp) Hub() *notify.Hub                 { return a.hub }
func (a *testApp) RateLimiter() *models.RateLimiter { return a.rateLimiter }
func (a *testApp) Logger() *slog.Logger             { return a.logger }
func (a *testApp) UploadDir() string                { return a.uploadDir }
func (a *testApp) SyncSecretHash() []byte           { return a.syncSecretHash }

// silentTransport keeps handler tests off the network.
type silentTransport struct{}

func (silentTransport) Send(models.PushSubscription, []byte) error { return nil }

func setupTestApp(t *testing.T) (*testApp, http.Handler) {
	t.Helper()
	utils.ServerSalt = "handlers-test-salt"
	t.Cleanup(func() { utils.ServerSalt = "" })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dbPath := filepath.Join(t.TempDir(), "test.db") + "?_journal_mode=WAL&_foreign_keys=on"
	ds, err := database.InitDB(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { _ = ds.DB.Close() })

	uploadDir := t.TempDir()
	storage := &utils.LocalStorage{UploadDir: uploadDir}
	acl, err := access.NewEngine(ds, "code-secret", logger)
	if err != nil {
		t.Fatalf("Failed to construct access engine: %v", err)
	}
	files := staging.NewStore(storage, time.Minute, logger)
	hub := notify.NewHub()
	t.Cleanup(hub.Close)
	notifier := notify.NewNotifier(ds, acl, silentTransport{}, hub, logger)
	scrubber := utils.NewScrubber(nil, nil)

	syncHash, err := bcrypt.GenerateFromPassword([]byte(testSyncSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash sync secret: %v", err)
	}

	app := &testApp{
		db:             ds,
		pipeline:       pipeline.NewService(ds, files, acl, notifier, scrubber, logger),
		acl:            acl,
		staging:        files,
		hub:            hub,
		rateLimiter:    models.NewRateLimiter(time.Millisecond, 1000, time.Hour, 24*time.Hour),
		logger:         logger,
		uploadDir:      uploadDir,
		syncSecretHash: syncHash,
	}
	return app, SetupRouter(app)
}

// doForm performs a form POST as the given raw identity token.
func doForm(t *testing.T, router http.Handler, token, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "birch_id", Value: token})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doGet(t *testing.T, router http.Handler, token, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	req.AddCookie(&http.Cookie{Name: "birch_id", Value: token})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// bootstrapAdmin flags a raw token's member row as admin.
func bootstrapAdmin(t *testing.T, app *testApp, token string) {
	t.Helper()
	hash := utils.HashToken(token)
	if _, err := app.db.EnsureMember(hash); err != nil {
		t.Fatalf("Failed to ensure admin member: %v", err)
	}
	if err := app.db.SetAdmin(hash, true); err != nil {
		t.Fatalf("Failed to flag admin: %v", err)
	}
}
