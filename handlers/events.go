// birch/handlers/events.go
package handlers

import (
	"fmt"
	"net/http"
)

// HandleEvents streams the caller's notification events over SSE. The
// subscription lives exactly as long as the request.
func HandleEvents(w http.ResponseWriter, r *http.Request, app App) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"}, app)
		return
	}

	events, cancel := app.Hub().Subscribe(identity(r))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\n", event.Kind)
			if len(event.Payload) > 0 {
				fmt.Fprintf(w, "data: %s\n", event.Payload)
			} else {
				fmt.Fprint(w, "data: {}\n")
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}
