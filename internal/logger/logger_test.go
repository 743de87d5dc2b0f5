package logger

import "testing"

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"api_key", "sk-123", "quotation_id", "q1", "dangling"})
	if len(out) != 5 {
		t.Fatalf("len=%d", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Fatalf("api_key not redacted: %v", out[1])
	}
	if out[3] != "q1" {
		t.Fatalf("quotation_id altered: %v", out[3])
	}
	if out[4] != "dangling" {
		t.Fatalf("dangling key lost: %v", out[4])
	}
}

func TestNew(t *testing.T) {
	for _, mode := range []string{"development", "production"} {
		log, err := New(mode)
		if err != nil {
			t.Fatalf("New(%s): %v", mode, err)
		}
		log.With("component", "test").Debug("ok", "token", "x")
	}
}
