package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("s3cr3t-value", "hunter2")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	path := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSecret(SecretConfig{EncryptedPath: path, Password: "hunter2"})
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if got != "s3cr3t-value" {
		t.Errorf("secret = %q", got)
	}
	if _, err := DecryptSecret(blob, "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
}

func TestLoadSecretPrecedence(t *testing.T) {
	got, err := LoadSecret(SecretConfig{RawSecret: "raw", EncryptedPath: "/does/not/exist"})
	if err != nil || got != "raw" {
		t.Fatalf("LoadSecret = %q, %v", got, err)
	}
	if _, err := LoadSecret(SecretConfig{}); err == nil {
		t.Error("empty config accepted")
	}
}

func TestHeadersSignAndVerify(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "c2VjcmV0", Passphrase: "pp"}
	h := auth.HeadersAt("POST", "/orders", `{"a":1}`, 1700000000000)

	if h[HeaderTimestamp] != "1700000000000" || h[HeaderAPIKey] != "key-1" {
		t.Fatalf("headers = %v", h)
	}
	if !auth.Verify(h[HeaderSignature], h[HeaderTimestamp], "POST", "/orders", `{"a":1}`) {
		t.Error("signature did not verify")
	}
	if auth.Verify(h[HeaderSignature], h[HeaderTimestamp], "POST", "/orders", `{"a":2}`) {
		t.Error("tampered body verified")
	}
	// Same key bytes, raw form.
	raw := &HMACAuth{Secret: "secret"}
	if raw.HeadersAt("GET", "/", "", 1)[HeaderSignature] != auth.HeadersAt("GET", "/", "", 1)[HeaderSignature] {
		t.Error("base64 and raw secrets disagree")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("abcdefgh"); got != "abcd****" {
		t.Errorf("Redact = %q", got)
	}
	if got := Redact("ab"); got != "****" {
		t.Errorf("Redact short = %q", got)
	}
}
