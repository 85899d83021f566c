package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"perimeter.org/internal/authz"
	"perimeter.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = authz.ContextWithSubject(ctx, authz.Subject{
		UserID:          "user-42",
		OrganizationID:  "wonka",
		ImpersonatedOrg: "acme",
	})

	if err := LogEvent(ctx, "authorization.access", map[string]any{"resource": "/docs/a"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "authorization.access" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	if entry["organization_id"] != "wonka" {
		t.Fatalf("unexpected organization id: %v", entry["organization_id"])
	}
	if entry["impersonated_org"] != "acme" {
		t.Fatalf("unexpected impersonated org: %v", entry["impersonated_org"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["resource"] != "/docs/a" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}
