// Package signature validates provider webhook signatures on raw request bodies.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaydev/relay/internal/task"
)

var (
	// ErrBadSignature is returned when the HMAC does not match.
	ErrBadSignature = errors.New("bad signature")
	// ErrStaleTimestamp is returned when the chat timestamp is outside the
	// allowed skew window.
	ErrStaleTimestamp = errors.New("stale timestamp")
	// ErrUnknownProvider is returned for providers with no configured secret.
	ErrUnknownProvider = errors.New("unknown provider")
)

// MaxTimestampSkew bounds |now - timestamp| for the chat scheme.
const MaxTimestampSkew = 5 * time.Minute

// Signature header names per provider.
const (
	HeaderCodeForge     = "X-Forge-Signature-256"
	HeaderTracker       = "X-Tracker-Signature"
	HeaderErrorMonitor  = "X-Monitor-Signature"
	HeaderChat          = "X-Chat-Signature"
	HeaderChatTimestamp = "X-Chat-Request-Timestamp"
)

// Verifier validates webhook HMACs with per-provider secrets.
type Verifier struct {
	secrets map[string]string // provider -> shared secret
	now     func() time.Time
}

// NewVerifier creates a Verifier with the given provider secrets.
func NewVerifier(secrets map[string]string) *Verifier {
	return &Verifier{secrets: secrets, now: time.Now}
}

// Verify checks the provider's signature scheme against the raw body.
// The code-forge, tracker, and error-monitor providers sign the body
// directly; chat signs "v0:<timestamp>:<body>" with a freshness window.
func (v *Verifier) Verify(provider task.Provider, body []byte, headers http.Header) error {
	secret, ok := v.secrets[string(provider)]
	if !ok || secret == "" {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	switch provider {
	case task.ProviderCodeForge:
		return v.verifyBodyHMAC(secret, body, headers.Get(HeaderCodeForge), "sha256=")
	case task.ProviderTracker:
		return v.verifyBodyHMAC(secret, body, headers.Get(HeaderTracker), "")
	case task.ProviderErrorMonitor:
		return v.verifyBodyHMAC(secret, body, headers.Get(HeaderErrorMonitor), "")
	case task.ProviderChat:
		return v.verifyChat(secret, body, headers)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

// verifyBodyHMAC validates a hex HMAC-SHA256 over the raw body, optionally
// stripping a scheme prefix like "sha256=".
func (v *Verifier) verifyBodyHMAC(secret string, body []byte, header, prefix string) error {
	if header == "" {
		return fmt.Errorf("missing signature header: %w", ErrBadSignature)
	}
	if prefix != "" {
		if !strings.HasPrefix(header, prefix) {
			return fmt.Errorf("malformed signature header: %w", ErrBadSignature)
		}
		header = strings.TrimPrefix(header, prefix)
	}
	if !hmacEqual(secret, body, header) {
		return ErrBadSignature
	}
	return nil
}

// verifyChat validates the timestamped chat scheme: HMAC over
// "v0:<timestamp>:<body>" with |now - timestamp| <= MaxTimestampSkew.
func (v *Verifier) verifyChat(secret string, body []byte, headers http.Header) error {
	header := headers.Get(HeaderChat)
	tsHeader := headers.Get(HeaderChatTimestamp)
	if header == "" || tsHeader == "" {
		return fmt.Errorf("missing signature headers: %w", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp %q: %w", tsHeader, ErrBadSignature)
	}
	age := v.now().UTC().Sub(time.Unix(ts, 0).UTC())
	if age > MaxTimestampSkew || age < -MaxTimestampSkew {
		return fmt.Errorf("timestamp %ds out of window: %w", ts, ErrStaleTimestamp)
	}

	if !strings.HasPrefix(header, "v0=") {
		return fmt.Errorf("malformed signature header: %w", ErrBadSignature)
	}
	base := append([]byte("v0:"+tsHeader+":"), body...)
	if !hmacEqual(secret, base, strings.TrimPrefix(header, "v0=")) {
		return ErrBadSignature
	}
	return nil
}

// hmacEqual compares a hex-encoded signature to the expected HMAC-SHA256 in
// constant time.
func hmacEqual(secret string, payload []byte, hexSig string) bool {
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign computes the hex HMAC-SHA256 of payload. Exposed for tests and for
// the signing side of local adapters.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
