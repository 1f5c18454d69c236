package redact_test

import (
	"testing"

	"github.com/mmrelay/mmrelay/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	token := "syt_bW1yZWxheQ_abcdef123456"
	line := "sync failed: GET /_matrix/client/v3/sync?access_token=syt_bW1yZWxheQ_abcdef123456: 502"
	got := redact.String(line, token)
	if got == line {
		t.Fatal("expected redaction, got unchanged string")
	}
	const want = "sync failed: GET /_matrix/client/v3/sync?access_token=[REDACTED]: 502"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	got := redact.String(line, "abc")
	if got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestString_MultipleValues(t *testing.T) {
	line := "token=tok_live_xxx pickle=hunter2secret end"
	got := redact.String(line, "hunter2secret", "tok_live_xxx")
	if got != "token=[REDACTED] pickle=[REDACTED] end" {
		t.Fatalf("unexpected result: %q", got)
	}
}
