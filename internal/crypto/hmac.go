package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names sent to the order gateway.
const (
	HeaderAPIKey     = "MF-API-KEY"
	HeaderTimestamp  = "MF-TIMESTAMP"
	HeaderPassphrase = "MF-PASSPHRASE"
	HeaderSignature  = "MF-SIGNATURE"
)

// HMACAuth holds the credentials for HMAC-authenticated order gateway
// requests.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret, base64 or raw
	Passphrase string
}

// Headers returns the authentication headers for a gateway request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the Unix millisecond
// timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixMillis int64) map[string]string {
	ts := strconv.FormatInt(unixMillis, 10)
	return map[string]string{
		HeaderAPIKey:     h.Key,
		HeaderTimestamp:  ts,
		HeaderPassphrase: h.Passphrase,
		HeaderSignature:  Sign(h.secretBytes(), ts, method, path, body),
	}
}

// Verify reports whether sig is the valid signature for the request. The
// gateway side and tests use it.
func (h *HMACAuth) Verify(sig, ts, method, path, body string) bool {
	want := Sign(h.secretBytes(), ts, method, path, body)
	return hmac.Equal([]byte(sig), []byte(want))
}

func (h *HMACAuth) secretBytes() []byte {
	if b, err := base64.StdEncoding.DecodeString(h.Secret); err == nil && len(b) > 0 {
		return b
	}
	// Not base64: use the raw bytes.
	return []byte(h.Secret)
}

// Sign computes the base64 HMAC-SHA256 of ts+method+path+body.
func Sign(key []byte, ts, method, path, body string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", Redact(h.Key), Redact(h.Secret))
}

// Redact keeps the first four characters of s.
func Redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
