// birch/handlers/router.go
package handlers

import (
	"net/http"

	"birch/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRouter wires the full HTTP surface. Read endpoints are gated inside
// the pipeline projections; write endpoints additionally pass the rate
// limiter.
func SetupRouter(app App) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(app.Logger()))
	r.Use(middleware.Recoverer)
	r.Use(IdentityMiddleware)

	// Submission surface, rate limited per client IP.
	r.Group(func(r chi.Router) {
		r.Use(rateLimit(app))
		r.Post("/api/upload", MakeHandler(app, HandleUpload))
		r.Post("/api/thread", MakeHandler(app, HandleCreateThread))
		r.Post("/api/post", MakeHandler(app, HandleCreatePost))
		r.Post("/api/code/redeem", MakeHandler(app, HandleRedeemCode))
		r.Post("/api/code/access", MakeHandler(app, HandleAccessCode))
		r.Post("/api/code/moderator", MakeHandler(app, HandleModeratorCode))
	})

	r.Get("/api/post/{postID}", MakeHandler(app, HandleGetPost))
	r.Get("/api/watch", MakeHandler(app, HandleGetWatches))
	r.Post("/api/watch", MakeHandler(app, HandleSetWatch))
	r.Post("/api/push/subscribe", MakeHandler(app, HandlePushSubscribe))
	r.Get("/api/events", MakeHandler(app, HandleEvents))

	r.Post("/api/admin/board", MakeHandler(app, HandleCreateBoard))
	r.Post("/api/admin/sync-members", MakeHandler(app, HandleSyncMembers))

	r.Get("/uploads/*", MakeHandler(app, HandleAttachment))

	r.Get("/{slug}", MakeHandler(app, HandleGetBoard))
	r.Get("/{slug}/thread/{threadID}", MakeHandler(app, HandleGetThread))

	return r
}

func rateLimit(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := app.RateLimiter().GetLimiter(utils.GetIPAddress(r))
			if !limiter.Allow() {
				respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down"}, app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
