package redis

import (
	"strings"
	"testing"
)

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: "mf:"}
	lm := &LockManager{client: c}
	rl := &RateLimiter{client: c}
	dc := &DiagnosticsCache{client: c}

	tests := []struct{ got, want string }{
		{c.Key("market"), "mf:market"},
		{lm.lockKey("instance:btc-1"), "mf:lock:instance:btc-1"},
		{rl.rateLimitKey("entries:btc-1"), "mf:ratelimit:entries:btc-1"},
		{dc.key(), "mf:diag:instances"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestNormalisePrefix(t *testing.T) {
	for in, want := range map[string]string{"": "", "mf": "mf:", "mf:": "mf:"} {
		if got := normalisePrefix(in); got != want {
			t.Errorf("normalisePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHasPattern(t *testing.T) {
	if !hasPattern("diagnostics*") || hasPattern("positions") {
		t.Error("hasPattern misclassified")
	}
}

func TestPayloadOf(t *testing.T) {
	if b, ok := payloadOf(map[string]any{"payload": "x"}); !ok || string(b) != "x" {
		t.Errorf("string payload = %q, %v", b, ok)
	}
	if b, ok := payloadOf(map[string]any{"payload": []byte("y")}); !ok || string(b) != "y" {
		t.Errorf("bytes payload = %q, %v", b, ok)
	}
	if _, ok := payloadOf(map[string]any{"other": 1}); ok {
		t.Error("missing payload accepted")
	}
}

func TestDecodeDiagnosticsSortsAndSkipsJunk(t *testing.T) {
	got := decodeDiagnostics(map[string]string{
		"b":    `{"instance":"b"}`,
		"a":    `{"instance":"a","halted":true}`,
		"junk": `{`,
	})
	if len(got) != 2 || got[0].InstanceKey != "a" || !got[0].Halted {
		t.Errorf("decoded = %+v", got)
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	if !strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE") {
		t.Error("sliding window script not embedded")
	}
}
