package email

import (
	"errors"
	"fmt"
	"mime/multipart"
	"strings"
	"testing"
)

func TestNormalizeResend(t *testing.T) {
	body := `{
		"type": "email.received",
		"data": {
			"email_id": "msg-42",
			"from": "Jordan Lee <jordan@example.com>",
			"to": ["desk@firefly.example"],
			"subject": "Refund for order 1001",
			"text": "Please refund order 1001."
		}
	}`

	in, err := Normalize(ProviderResend, "application/json", []byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.From != "jordan@example.com" {
		t.Errorf("From = %q, want bare address", in.From)
	}
	if in.To != "desk@firefly.example" {
		t.Errorf("To = %q", in.To)
	}
	if in.Subject != "Refund for order 1001" {
		t.Errorf("Subject = %q", in.Subject)
	}
	if in.Text != "Please refund order 1001." {
		t.Errorf("Text = %q", in.Text)
	}
	if in.MessageID != "msg-42" {
		t.Errorf("MessageID = %q", in.MessageID)
	}
	if in.Provider != ProviderResend {
		t.Errorf("Provider = %q", in.Provider)
	}
}

func TestNormalizeResendFallsBackToHTML(t *testing.T) {
	body := `{"type":"email.received","data":{"from":"a@b.c","html":"<p>hi there</p>"}}`
	in, err := Normalize(ProviderResend, "application/json", []byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.Text != "<p>hi there</p>" {
		t.Errorf("Text = %q, want html fallback", in.Text)
	}
}

func TestNormalizeSESWithSNSEnvelope(t *testing.T) {
	inner := `{"notificationType":"Received","mail":{"messageId":"ses-7","source":"carol@example.com","destination":["desk@firefly.example"],"commonHeaders":{"subject":"VPN access"}},"content":"Need VPN access for a contractor."}`
	envelope := fmt.Sprintf(`{"Type":"Notification","Message":%q}`, inner)

	in, err := Normalize(ProviderSES, "application/json", []byte(envelope))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.From != "carol@example.com" {
		t.Errorf("From = %q", in.From)
	}
	if in.Subject != "VPN access" {
		t.Errorf("Subject = %q", in.Subject)
	}
	if in.MessageID != "ses-7" {
		t.Errorf("MessageID = %q", in.MessageID)
	}
}

func TestNormalizeSESDirect(t *testing.T) {
	body := `{"notificationType":"Received","mail":{"source":"carol@example.com","destination":["desk@firefly.example"],"commonHeaders":{"subject":"hi"}},"content":"direct payload"}`
	in, err := Normalize(ProviderSES, "application/json", []byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.Text != "direct payload" {
		t.Errorf("Text = %q", in.Text)
	}
}

func TestNormalizeSendgridJSON(t *testing.T) {
	body := `{"from":"Dana <dana@example.com>","to":"desk@firefly.example","subject":"Laptop request","text":"I need a new laptop."}`
	in, err := Normalize(ProviderSendgrid, "application/json", []byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.From != "dana@example.com" {
		t.Errorf("From = %q", in.From)
	}
	if in.Text != "I need a new laptop." {
		t.Errorf("Text = %q", in.Text)
	}
}

func TestNormalizeSendgridFormEncoded(t *testing.T) {
	body := "from=dana%40example.com&to=desk%40firefly.example&subject=hi&text=form+body"
	in, err := Normalize(ProviderSendgrid, "application/x-www-form-urlencoded", []byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.From != "dana@example.com" {
		t.Errorf("From = %q", in.From)
	}
	if in.Text != "form body" {
		t.Errorf("Text = %q", in.Text)
	}
}

func TestNormalizeSendgridMultipart(t *testing.T) {
	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	for field, value := range map[string]string{
		"from":    "Dana <dana@example.com>",
		"to":      "desk@firefly.example",
		"subject": "Badge renewal",
		"text":    "My badge expired.",
	} {
		if err := w.WriteField(field, value); err != nil {
			t.Fatalf("WriteField(%s): %v", field, err)
		}
	}
	w.Close()

	in, err := Normalize(ProviderSendgrid, w.FormDataContentType(), []byte(buf.String()))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if in.From != "dana@example.com" {
		t.Errorf("From = %q", in.From)
	}
	if in.Subject != "Badge renewal" {
		t.Errorf("Subject = %q", in.Subject)
	}
	if in.Text != "My badge expired." {
		t.Errorf("Text = %q", in.Text)
	}
}

func TestNormalizeRejections(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		body     string
		want     error
	}{
		{"unknown provider", "pigeon", `{}`, ErrUnknownProvider},
		{"resend bad json", ProviderResend, `{nope`, ErrBadPayload},
		{"resend missing sender", ProviderResend, `{"data":{"text":"hi"}}`, ErrBadPayload},
		{"resend empty body", ProviderResend, `{"data":{"from":"a@b.c","text":"  "}}`, ErrBadPayload},
		{"ses bad json", ProviderSES, `not json`, ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.provider, "application/json", []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Normalize error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Refund request", "Re: Refund request"},
		{"Re: Refund request", "Re: Refund request"},
		{"RE: shouting", "RE: shouting"},
		{"", "Re: your message"},
	}
	for _, tt := range tests {
		if got := ReplySubject(tt.in); got != tt.want {
			t.Errorf("ReplySubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
