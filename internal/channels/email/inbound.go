// Package email implements the email channel: normalizing inbound
// provider webhooks into agent turns and sending replies through an
// HTTP mail API.
package email

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/url"
	"strings"
)

// Provider names accepted on /api/email/inbound/{provider}.
const (
	ProviderResend   = "resend"
	ProviderSES      = "ses"
	ProviderSendgrid = "sendgrid"
)

var (
	// ErrUnknownProvider means the path named a provider we do not speak.
	ErrUnknownProvider = errors.New("email: unknown provider")
	// ErrBadPayload means the body did not carry a usable message.
	ErrBadPayload = errors.New("email: bad payload")
)

// Inbound is a provider-neutral inbound email.
type Inbound struct {
	Provider  string `json:"provider"`
	MessageID string `json:"message_id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Text      string `json:"text"`
}

// Normalize parses a provider webhook body into an Inbound. The sender
// address is reduced to the bare address so it can key a user identity.
func Normalize(provider, contentType string, body []byte) (*Inbound, error) {
	var (
		in  *Inbound
		err error
	)
	switch provider {
	case ProviderResend:
		in, err = normalizeResend(body)
	case ProviderSES:
		in, err = normalizeSES(body)
	case ProviderSendgrid:
		in, err = normalizeSendgrid(contentType, body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if err != nil {
		return nil, err
	}

	in.Provider = provider
	in.From = bareAddress(in.From)
	in.To = bareAddress(in.To)
	if in.From == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrBadPayload)
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return nil, fmt.Errorf("%w: empty body", ErrBadPayload)
	}
	return in, nil
}

// resendEvent is the webhook envelope Resend posts for email.received.
type resendEvent struct {
	Type string `json:"type"`
	Data struct {
		EmailID string   `json:"email_id"`
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Text    string   `json:"text"`
		HTML    string   `json:"html"`
	} `json:"data"`
}

func normalizeResend(body []byte) (*Inbound, error) {
	var ev resendEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	text := ev.Data.Text
	if text == "" {
		text = ev.Data.HTML
	}
	in := &Inbound{
		MessageID: ev.Data.EmailID,
		From:      ev.Data.From,
		Subject:   ev.Data.Subject,
		Text:      text,
	}
	if len(ev.Data.To) > 0 {
		in.To = ev.Data.To[0]
	}
	return in, nil
}

// sesNotification is the SES receipt payload. When SES delivers through
// SNS the payload arrives string-encoded inside the SNS Message field.
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID     string   `json:"messageId"`
		Source        string   `json:"source"`
		Destination   []string `json:"destination"`
		CommonHeaders struct {
			Subject string `json:"subject"`
		} `json:"commonHeaders"`
	} `json:"mail"`
	Content string `json:"content"`
}

func normalizeSES(body []byte) (*Inbound, error) {
	// Unwrap an SNS envelope if present.
	var envelope struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	var n sesNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	in := &Inbound{
		MessageID: n.Mail.MessageID,
		From:      n.Mail.Source,
		Subject:   n.Mail.CommonHeaders.Subject,
		Text:      n.Content,
	}
	if len(n.Mail.Destination) > 0 {
		in.To = n.Mail.Destination[0]
	}
	return in, nil
}

// normalizeSendgrid handles SendGrid's inbound parse webhook, which posts
// form data (multipart by default), plus plain JSON for relays that
// re-encode it.
func normalizeSendgrid(contentType string, body []byte) (*Inbound, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "application/json"
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		form, err := parseMultipart(body, params["boundary"])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return inboundFromForm(form), nil
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return inboundFromForm(form), nil
	default:
		var p struct {
			From    string `json:"from"`
			To      string `json:"to"`
			Subject string `json:"subject"`
			Text    string `json:"text"`
			HTML    string `json:"html"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		text := p.Text
		if text == "" {
			text = p.HTML
		}
		return &Inbound{From: p.From, To: p.To, Subject: p.Subject, Text: text}, nil
	}
}

func parseMultipart(body []byte, boundary string) (url.Values, error) {
	if boundary == "" {
		return nil, errors.New("missing boundary")
	}
	form := url.Values{}
	reader := multipart.NewReader(strings.NewReader(string(body)), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		value, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		form.Add(part.FormName(), string(value))
	}
	return form, nil
}

func inboundFromForm(form url.Values) *Inbound {
	text := form.Get("text")
	if text == "" {
		text = form.Get("html")
	}
	return &Inbound{
		From:    form.Get("from"),
		To:      form.Get("to"),
		Subject: form.Get("subject"),
		Text:    text,
	}
}

// bareAddress reduces "Name <user@host>" to user@host. Unparseable input
// is returned trimmed so provider quirks do not drop mail.
func bareAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return addr.Address
}

// ReplySubject prefixes Re: unless the subject already carries one.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// BaseSubject strips reply and forward prefixes so follow-up mails on
// the same thread land in the same conversation.
func BaseSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		default:
			return s
		}
	}
}
