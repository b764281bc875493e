// birch/utils/security.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
)

var (
	ServerSalt string
)

// LoadOrCreateSalt reads the identity salt from path, generating and
// persisting a new one on first boot. Identity hashes are durable rows
// (member tokens, redeemed grants), so the salt must survive restarts.
func LoadOrCreateSalt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt := strings.TrimSpace(string(data))
		if salt == "" {
			return "", fmt.Errorf("salt file %s is empty", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read salt file: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(salt), 0600); err != nil {
		return "", fmt.Errorf("failed to persist salt file: %w", err)
	}
	return salt, nil
}

// HashToken creates a salted SHA256 hash of a caller's identity token and
// returns a truncated hex string. The raw token never reaches the store.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token + ServerSalt))
	return hex.EncodeToString(hash[:16])
}

// GrantHash binds a caller identity to a board. Redeemed UserTags store
// this value, so a grant on one board says nothing about any other.
func GrantHash(identity, boardID string) string {
	hash := sha256.Sum256([]byte(identity + "|" + boardID + "|" + ServerSalt))
	return hex.EncodeToString(hash[:16])
}

// AuthorHash is the one-way per-post identity hash persisted on a post.
// The post's own id is part of the salt, so it cannot be computed before
// the row exists.
func AuthorHash(identity string, postID int64) string {
	input := fmt.Sprintf("%s-%d-%s", identity, postID, ServerSalt)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// GetIPAddress extracts the real IP address from a request, trusting
// X-Real-IP from a reverse proxy.
func GetIPAddress(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return strings.Trim(host[:idx], "[]")
	}
	return host
}
