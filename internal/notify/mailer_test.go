package notify

import (
	"strings"
	"testing"

	"github.com/sentc-io/sentc/server/internal/config"
)

func TestMailerSendNoopWithoutHost(t *testing.T) {
	m := NewMailer(config.Config{})
	if err := m.Send([]string{"ops@example.com"}, "subject", "body"); err != nil {
		t.Fatalf("expected no-op send to succeed, got %v", err)
	}
}

func TestMailerSendNoopWithoutRecipients(t *testing.T) {
	m := NewMailer(config.Config{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPFrom: "noreply@example.com"})
	if err := m.Send(nil, "subject", "body"); err != nil {
		t.Fatalf("expected no-op send to succeed, got %v", err)
	}
}

func TestBuildEmailIncludesHeaders(t *testing.T) {
	msg := string(buildEmail("noreply@example.com", []string{"a@example.com", "b@example.com"}, "hello", "world"))
	for _, want := range []string{"From: noreply@example.com", "To: a@example.com, b@example.com", "Subject: hello", "world"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected message to contain %q, got:\n%s", want, msg)
		}
	}
}
