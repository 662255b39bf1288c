package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenIssued("user-42", "client-1", "company-9", "accounting")

	out := buf.String()
	for _, want := range []string{"security_audit", "event_type=code_exchanged", "client_id=client-1", "company_id=company-9"} {
		if !strings.Contains(out, want) {
			t.Errorf("audit output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "user-42") {
		t.Error("raw user id must not be logged")
	}
	if !strings.Contains(out, "user_id_hash="+hashForLogging("user-42")) {
		t.Error("hashed user id missing")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogClientRegistered("client-1", "none", "127.0.0.1")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogRateLimitExceeded("127.0.0.1", "/oauth/token")
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	if len(hashForLogging("x")) != 16 {
		t.Error("hash should be truncated to 16 hex chars")
	}
	if hashForLogging("a") == hashForLogging("b") {
		t.Error("different inputs should hash differently")
	}
}
