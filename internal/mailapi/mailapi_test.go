package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/BTreeMap/MailPipe/internal/models"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad request", &APIError{StatusCode: 400}, true},
		{"unauthorized", &APIError{StatusCode: 401}, true},
		{"forbidden", &APIError{StatusCode: 403}, true},
		{"not found", &APIError{StatusCode: 404}, true},
		{"method not allowed", &APIError{StatusCode: 405}, true},
		{"not acceptable", &APIError{StatusCode: 406}, true},
		{"gone", &APIError{StatusCode: 410}, true},
		{"too large", &APIError{StatusCode: 413}, true},
		{"unsupported media", &APIError{StatusCode: 415}, true},
		{"unprocessable", &APIError{StatusCode: 422}, true},
		{"request timeout", &APIError{StatusCode: 408}, false},
		{"conflict", &APIError{StatusCode: 409}, false},
		{"precondition", &APIError{StatusCode: 412}, false},
		{"too early", &APIError{StatusCode: 425}, false},
		{"rate limited", &APIError{StatusCode: 429}, false},
		{"server error", &APIError{StatusCode: 500}, false},
		{"unavailable", &APIError{StatusCode: 503}, false},
		{"wrapped permanent", fmt.Errorf("send: %w", &APIError{StatusCode: 422}), true},
		{"smtp mailbox unavailable", &textproto.Error{Code: 550, Msg: "no such user"}, true},
		{"smtp greylisted", &textproto.Error{Code: 451, Msg: "try later"}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPayloadFor(t *testing.T) {
	simple := &models.Message{ID: "msg_1", From: "a@example.com", To: []string{"b@example.com"}, Subject: "Hi"}
	p := PayloadFor(simple, "<b>hi</b>", "hi")
	if p.Subject != "Hi" || p.HTML != "<b>hi</b>" || p.Text != "hi" || p.UsesTemplate() {
		t.Errorf("unexpected simple payload: %+v", p)
	}

	templated := &models.Message{
		ID: "msg_2", From: "a@example.com", To: []string{"b@example.com"},
		Template: "welcome", TemplateData: map[string]any{"name": "Ada"},
	}
	p = PayloadFor(templated, "ignored", "ignored")
	if !p.UsesTemplate() || p.HTML != "" || p.Text != "" || p.TemplateData["name"] != "Ada" {
		t.Errorf("unexpected template payload: %+v", p)
	}
	if p.MessageID != "msg_2" {
		t.Errorf("expected message id carried, got %q", p.MessageID)
	}
}

func TestHTTPSender_Send(t *testing.T) {
	var gotAuth, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ext-123"}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL)
	id, err := s.Send(context.Background(), models.SendConfig{APIKey: "secret"}, Payload{
		MessageID: "msg_1", From: "a@example.com", To: []string{"b@example.com"}, Subject: "Hi", Text: "hello",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id != "ext-123" {
		t.Errorf("expected ext-123, got %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotKey != "msg_1" {
		t.Errorf("expected idempotency key msg_1, got %q", gotKey)
	}
	if gotBody["subject"] != "Hi" || gotBody["text"] != "hello" {
		t.Errorf("unexpected body: %v", gotBody)
	}
	if _, ok := gotBody["MessageID"]; ok {
		t.Error("message id must not be sent as content")
	}
}

func TestHTTPSender_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		contentType   string
		body          string
		wantPermanent bool
		wantMessage   string
	}{
		{"validation", 422, "application/json", `{"name":"validation_error","message":"invalid from"}`, true, "invalid from"},
		{"rate limited", 429, "application/json", `{"message":"slow down"}`, false, "slow down"},
		{"server error", 500, "text/plain", `oops`, false, "500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSender(srv.URL).Send(context.Background(), models.SendConfig{}, Payload{MessageID: "m"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if !strings.Contains(apiErr.Message, tt.wantMessage) {
				t.Errorf("message %q does not contain %q", apiErr.Message, tt.wantMessage)
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.wantPermanent)
			}
		})
	}
}

func TestHTTPSender_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPSender(url).Send(context.Background(), models.SendConfig{}, Payload{MessageID: "m"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if IsPermanent(err) {
		t.Errorf("transport error must be retryable: %v", err)
	}
}

func TestSMTPSender_RejectsTemplates(t *testing.T) {
	s := NewSMTPSender("127.0.0.1", 1, "", "")
	_, err := s.Send(context.Background(), models.SendConfig{}, Payload{Template: "welcome"})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error for template over SMTP, got %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	p := Payload{
		From:    "Sender <sender@example.com>",
		To:      []string{"to@example.com"},
		Cc:      []string{"cc@example.com"},
		ReplyTo: []string{"reply@example.com"},
		Subject: "Greetings",
		HTML:    "<p>hi</p>",
		Text:    "hi",
		Headers: []models.Header{{Name: "X-Campaign", Value: "spring"}},
	}
	var buf bytes.Buffer
	if _, err := buildMessage(p, "abc@example.com").WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Message-ID: <abc@example.com>",
		"Subject: Greetings",
		"X-Campaign: spring",
		"Reply-To: reply@example.com",
		"multipart/alternative",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("message missing %q:\n%s", want, out)
		}
	}
	if domainOf(p.From) != "example.com" {
		t.Errorf("domainOf = %q, want example.com", domainOf(p.From))
	}
	if domainOf("nobody") != "mailpipe.local" {
		t.Errorf("domainOf fallback = %q", domainOf("nobody"))
	}
}
