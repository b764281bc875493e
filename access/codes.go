// birch/access/codes.go
package access

import (
	"encoding/base64"
	"strings"

	"birch/config"
)

// Invite code wire format: "{tagID}|{boardID}|{salt}" XOR-ed cyclically
// against the server secret, then URL-safe unpadded base64. This is
// obfuscation, not authentication: the security property is the
// unguessable tag id plus one-shot redemption server-side. Do not extend
// it into anything signature-shaped without bumping the salt literal,
// since outstanding codes must keep decoding.

func (e *Engine) xorCycle(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ e.secret[i%len(e.secret)]
	}
	return out
}

func (e *Engine) encodeCode(tagID, boardID string) string {
	plain := tagID + "|" + boardID + "|" + config.CodeSaltLiteral
	return base64.RawURLEncoding.EncodeToString(e.xorCycle([]byte(plain)))
}

// decodeCode reverses encodeCode and re-validates the trailing salt
// literal so garbage input is an invalid-code outcome, never a crash.
func (e *Engine) decodeCode(code string) (tagID, boardID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return "", "", ErrInvalidCode
	}
	plain := string(e.xorCycle(raw))
	parts := strings.Split(plain, "|")
	if len(parts) != 3 || parts[2] != config.CodeSaltLiteral {
		return "", "", ErrInvalidCode
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidCode
	}
	return parts[0], parts[1], nil
}
