package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the push body, prefixed with "sha256=".
const SignatureHeader = "X-Hub-Signature-256"

// ErrSignature indicates a push notification whose signature does not match the shared secret.
var ErrSignature = errors.New("invalid push signature")

// PushEvent is the subset of a source push notification the controller reads.
type PushEvent struct {
	Ref      string `json:"ref"`
	Revision string `json:"after"`
}

// VerifySignature checks signature against body. An empty secret accepts every request.
func VerifySignature(secret []byte, body []byte, signature string) error {
	if len(secret) == 0 {
		return nil
	}
	digest, found := strings.CutPrefix(signature, "sha256=")
	if !found {
		return fmt.Errorf("%w: missing sha256 prefix", ErrSignature)
	}
	provided, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignature
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePush decodes a push notification. An empty body is a bare refresh request.
func ParsePush(body []byte) (PushEvent, error) {
	var event PushEvent
	if len(strings.TrimSpace(string(body))) == 0 {
		return event, nil
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return PushEvent{}, fmt.Errorf("decode push: %w", err)
	}
	return event, nil
}
