// birch/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"birch/access"
	"birch/database"
	"birch/models"
	"birch/notify"
	"birch/pipeline"
	"birch/staging"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	Pipeline() *pipeline.Service
	Access() *access.Engine
	Staging() *staging.Store
	Hub() *notify.Hub
	RateLimiter() *models.RateLimiter
	Logger() *slog.Logger
	UploadDir() string
	SyncSecretHash() []byte
}

// MakeHandler adapts our app-aware handler signature to http.HandlerFunc.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		app.Logger().Error("Failed to encode JSON response", "error", err)
	}
}

// respondError maps pipeline and engine errors onto the error taxonomy:
// validation and resource failures are reported verbatim, authorization
// failures as a generic denial, everything else as a server error.
func respondError(w http.ResponseWriter, err error, app App) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyTopic),
		errors.Is(err, pipeline.ErrEmptyPost),
		errors.Is(err, staging.ErrInvalidClaimID),
		errors.Is(err, access.ErrInvalidCode),
		errors.Is(err, access.ErrEmptyLabel):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
	case errors.Is(err, access.ErrDenied):
		respondJSON(w, http.StatusForbidden, map[string]string{"error": "access denied"}, app)
	case errors.Is(err, access.ErrAlreadyGranted),
		errors.Is(err, pipeline.ErrDuplicateFile):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()}, app)
	case errors.Is(err, staging.ErrNotFound),
		errors.Is(err, database.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()}, app)
	case errors.Is(err, staging.ErrIDExhausted):
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()}, app)
	default:
		app.Logger().Error("Request failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, app)
	}
}
