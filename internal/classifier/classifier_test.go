package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sentinel/modbot/internal/store"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() with empty API key: expected error, got nil")
	}
}

func TestFormatRecord(t *testing.T) {
	tests := []struct {
		name string
		rec  store.Record
		want string
	}{
		{
			"not validated",
			store.Record{AuthorID: 123, Content: "hello there"},
			"AUTHOR: 123\nCONTENT: hello there\nVALIDATION_STATUS: not_validated",
		},
		{
			"validated",
			store.Record{AuthorID: 9, Content: "spam", Status: store.StatusValidated},
			"AUTHOR: 9\nCONTENT: spam\nVALIDATION_STATUS: validated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatRecord(tt.rec); got != tt.want {
				t.Errorf("formatRecord() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		want      Verdict
		malformed bool
	}{
		{"violation", `{"user_id": 42, "reason": "harassment"}`, Verdict{UserID: 42, Reason: "harassment"}, false},
		{"clean empty object", `{}`, Verdict{}, false},
		{"reason only", `{"reason": "spam"}`, Verdict{Reason: "spam"}, false},
		{"surrounding whitespace", "\n  {\"reason\": \"spam\"}  \n", Verdict{Reason: "spam"}, false},
		{"not json", `the user was rude`, Verdict{}, true},
		{"empty body", ``, Verdict{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdict(tt.content)
			if tt.malformed {
				if !errors.Is(err, ErrMalformedVerdict) {
					t.Fatalf("expected ErrMalformedVerdict, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseVerdict() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVerdictViolation(t *testing.T) {
	if (Verdict{}).Violation() {
		t.Error("empty verdict reported a violation")
	}
	if (Verdict{UserID: 1}).Violation() {
		t.Error("verdict without reason reported a violation")
	}
	if !(Verdict{Reason: "spam"}).Violation() {
		t.Error("verdict with reason did not report a violation")
	}
}

// TestClassifyRoundTrip runs a full classification against a stubbed
// chat-completions endpoint and checks both the request shape and the parsed
// verdict.
func TestClassifyRoundTrip(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "{\"user_id\": 7, \"reason\": \"threats\"}"},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	window := []store.Record{
		{AuthorID: 7, Content: "first"},
		{AuthorID: 8, Content: "second", Status: store.StatusValidated},
	}
	verdict, err := c.Classify(context.Background(), window)
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}

	if verdict.UserID != 7 || verdict.Reason != "threats" {
		t.Errorf("verdict = %+v, want user 7 / threats", verdict)
	}

	if captured.Model != "test-model" {
		t.Errorf("request model = %q, want test-model", captured.Model)
	}
	if captured.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %q, want json_object", captured.ResponseFormat.Type)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("request carried %d messages, want 3 (system + 2 records)", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("first turn role = %q, want system", captured.Messages[0].Role)
	}
	if captured.Messages[1].Content != "AUTHOR: 7\nCONTENT: first\nVALIDATION_STATUS: not_validated" {
		t.Errorf("first record turn = %q", captured.Messages[1].Content)
	}
	if captured.Messages[2].Content != "AUTHOR: 8\nCONTENT: second\nVALIDATION_STATUS: validated" {
		t.Errorf("second record turn = %q", captured.Messages[2].Content)
	}
}

// TestClassifyServerError verifies a non-success response surfaces as an
// error, not a verdict.
func TestClassifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := c.Classify(context.Background(), []store.Record{{AuthorID: 1, Content: "hi"}}); err == nil {
		t.Fatal("expected error from 503 response, got nil")
	}
}
