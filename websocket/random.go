package websocket

import (
	"crypto/rand"
	"encoding/base64"
)

// generateMaskKey produces a fresh 32-bit masking key for one outgoing
// client frame, per RFC 6455 Section 5.3. crypto/rand is safe for
// concurrent use by multiple goroutines without extra locking, which
// matters here since every client-role SendFrame call draws a new key.
func generateMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// generateNonce produces the base64-encoded 16-byte Sec-WebSocket-Key
// nonce a client sends in its opening handshake request (RFC 6455 Section
// 4.1).
func generateNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
