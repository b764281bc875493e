// birch/notify/notify.go

// Package notify fans out new-post notifications to members watching a
// thread. Delivery is best-effort: failures are logged and pruned, never
// surfaced to the submitter.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"birch/access"
	"birch/database"
	"birch/models"
)

// Transport delivers one payload to one push subscription. Failure is
// opaque: network errors, expired endpoints and bad signatures all
// collapse to an error.
type Transport interface {
	Send(sub models.PushSubscription, payload []byte) error
}

// HTTPTransport posts the payload to the subscription endpoint.
type HTTPTransport struct {
	Client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *HTTPTransport) Send(sub models.PushSubscription, payload []byte) error {
	resp, err := t.Client.Post(sub.Endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Payload is the notification body sent to push endpoints and over the
// event stream.
type Payload struct {
	Board      string `json:"board"`
	ThreadID   int64  `json:"thread_id"`
	Topic      string `json:"topic"`
	PostNumber int64  `json:"post_number"`
	Excerpt    string `json:"excerpt,omitempty"`
}

type Notifier struct {
	db        *database.DatabaseService
	engine    *access.Engine
	transport Transport
	hub       *Hub
	logger    *slog.Logger
}

func NewNotifier(db *database.DatabaseService, engine *access.Engine, transport Transport, hub *Hub, logger *slog.Logger) *Notifier {
	return &Notifier{db: db, engine: engine, transport: transport, hub: hub, logger: logger}
}

// Dispatch notifies every member watching the thread about a freshly
// committed post. The submitter is excluded. On private boards the watcher
// set is re-filtered through the access gate, and members that lost access
// are unwatched as a side effect (self-healing watch lists). Subscriptions
// that fail delivery are pruned without failing the others.
func (n *Notifier) Dispatch(post *models.Post, thread *models.Thread, submitter string) {
	logger := n.logger.With("system", "fanout", "post_id", post.ID)

	board, err := n.db.GetBoardByID(post.BoardID)
	if err != nil {
		logger.Error("Fan-out failed to load board", "error", err)
		return
	}
	watchers, err := n.db.WatchersForThread(thread.ID)
	if err != nil {
		logger.Error("Fan-out failed to load watchers", "error", err)
		return
	}

	payload := Payload{
		Board:      board.Slug,
		ThreadID:   thread.ID,
		Topic:      thread.Topic,
		PostNumber: post.PostNumber,
		Excerpt:    excerpt(post.Content, 80),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Fan-out failed to marshal payload", "error", err)
		return
	}

	for _, member := range watchers {
		if member.TokenHash == submitter {
			continue
		}
		if board.Private {
			allowed, err := n.engine.Allowed(board, member.TokenHash)
			if err != nil {
				logger.Error("Fan-out access check failed", "member_id", member.ID, "error", err)
				continue
			}
			if !allowed {
				if err := n.db.SetWatching(member.ID, thread.ID, false); err != nil {
					logger.Warn("Failed to unwatch member without access", "member_id", member.ID, "error", err)
				}
				continue
			}
		}

		n.hub.Publish(member.TokenHash, models.Event{Kind: models.EventNewPost, Payload: data})

		kept := member.Subscriptions[:0]
		pruned := false
		for _, sub := range member.Subscriptions {
			if err := n.transport.Send(sub, data); err != nil {
				logger.Warn("Push delivery failed, pruning subscription", "member_id", member.ID, "error", err)
				pruned = true
				continue
			}
			kept = append(kept, sub)
		}
		if pruned {
			if err := n.db.ReplaceSubscriptions(member.ID, kept); err != nil {
				logger.Warn("Failed to prune stale subscriptions", "member_id", member.ID, "error", err)
			}
		}
	}
}

func excerpt(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "…"
}
