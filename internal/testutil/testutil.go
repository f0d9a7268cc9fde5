// Package testutil provides common test utilities and helpers for MailPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// NewSQLiteStore opens a SQLite store in a temporary directory that is removed when the
// test ends.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "mailpipe_test_")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(dir, "test.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewMessage returns a waiting message with a plain-text body reference.
func NewMessage(id string, segment int64) *models.Message {
	return &models.Message{
		ID:          id,
		From:        "sender@example.com",
		To:          []string{"rcpt@example.com"},
		Subject:     "Subject " + id,
		Status:      models.StatusWaiting,
		Segment:     segment,
		FinalizedAt: models.NotFinalized,
		CreatedAt:   time.Now().UTC(),
	}
}

// InsertMessages stores waiting messages with the given ids in segment.
func InsertMessages(t testing.TB, s store.MessageRepo, segment int64, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.InsertMessage(context.Background(), NewMessage(id, segment), "<p>"+id+"</p>", id); err != nil {
			t.Fatalf("failed to insert message %s: %v", id, err)
		}
	}
}

// MessageIDs returns count ids of the form prefix-0, prefix-1, ...
func MessageIDs(prefix string, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return ids
}

// MustGetMessage loads a message and fails the test if it does not exist.
func MustGetMessage(t TB, s store.MessageRepo, id string) *models.Message {
	t.Helper()
	m, err := s.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get message %s: %v", id, err)
		return nil
	}
	if m == nil {
		t.Fatalf("message %s not found", id)
	}
	return m
}

// AssertStatus checks the stored status of a message.
func AssertStatus(t TB, s store.MessageRepo, id string, expected models.Status) {
	t.Helper()
	m := MustGetMessage(t, s, id)
	if m != nil && m.Status != expected {
		t.Errorf("message %s: expected status %s, got %s", id, expected, m.Status)
	}
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the API envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
