package signature

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/task"
)

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier(map[string]string{
		"codeforge":    "forge-secret",
		"tracker":      "tracker-secret",
		"chat":         "chat-secret",
		"errormonitor": "monitor-secret",
	})
	v.now = func() time.Time { return now }
	return v
}

func TestVerifyCodeForge(t *testing.T) {
	v := newTestVerifier(time.Now())
	body := []byte(`{"action":"opened"}`)

	h := http.Header{}
	h.Set(HeaderCodeForge, "sha256="+Sign("forge-secret", body))
	require.NoError(t, v.Verify(task.ProviderCodeForge, body, h))

	h.Set(HeaderCodeForge, "sha256="+Sign("wrong-secret", body))
	assert.ErrorIs(t, v.Verify(task.ProviderCodeForge, body, h), ErrBadSignature)

	// Missing scheme prefix is rejected even with a valid digest.
	h.Set(HeaderCodeForge, Sign("forge-secret", body))
	assert.ErrorIs(t, v.Verify(task.ProviderCodeForge, body, h), ErrBadSignature)
}

func TestVerifyTamperedBody(t *testing.T) {
	v := newTestVerifier(time.Now())
	body := []byte(`{"issue":{"key":"REL-1"}}`)

	h := http.Header{}
	h.Set(HeaderTracker, Sign("tracker-secret", body))
	require.NoError(t, v.Verify(task.ProviderTracker, body, h))

	tampered := append([]byte(nil), body...)
	tampered[0] = ' '
	assert.ErrorIs(t, v.Verify(task.ProviderTracker, tampered, h), ErrBadSignature)
}

func TestVerifyMissingHeader(t *testing.T) {
	v := newTestVerifier(time.Now())
	err := v.Verify(task.ProviderErrorMonitor, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyUnknownProvider(t *testing.T) {
	v := NewVerifier(map[string]string{})
	err := v.Verify(task.ProviderCodeForge, []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func chatHeaders(secret string, body []byte, ts int64) http.Header {
	tsStr := fmt.Sprintf("%d", ts)
	base := []byte("v0:" + tsStr + ":" + string(body))
	h := http.Header{}
	h.Set(HeaderChatTimestamp, tsStr)
	h.Set(HeaderChat, "v0="+Sign(secret, base))
	return h
}

func TestVerifyChat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	body := []byte(`{"type":"event_callback"}`)

	h := chatHeaders("chat-secret", body, now.Unix())
	require.NoError(t, v.Verify(task.ProviderChat, body, h))

	h = chatHeaders("other-secret", body, now.Unix())
	assert.ErrorIs(t, v.Verify(task.ProviderChat, body, h), ErrBadSignature)
}

func TestVerifyChatStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestVerifier(now)
	body := []byte(`{}`)

	// 5 minutes exactly is still inside the window.
	h := chatHeaders("chat-secret", body, now.Add(-MaxTimestampSkew).Unix())
	require.NoError(t, v.Verify(task.ProviderChat, body, h))

	h = chatHeaders("chat-secret", body, now.Add(-MaxTimestampSkew-time.Second).Unix())
	assert.ErrorIs(t, v.Verify(task.ProviderChat, body, h), ErrStaleTimestamp)

	// Future timestamps outside the window are rejected too.
	h = chatHeaders("chat-secret", body, now.Add(MaxTimestampSkew+time.Minute).Unix())
	assert.ErrorIs(t, v.Verify(task.ProviderChat, body, h), ErrStaleTimestamp)
}
