package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/session"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.Config{
		BackendURL:      srv.URL,
		APIKey:          "test-key-0123456789",
		PollIntervalSec: 1,
	})
}

func TestGetSendsBearerAuth(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(session.New("doc1", nil))
	}))

	if _, err := c.Get(context.Background(), "learner-1", "doc1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer test-key-0123456789" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestPutCompressesLargePayloads(t *testing.T) {
	var encoding string
	var body []byte
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	s := session.New("doc1", &session.DocumentRef{ContentRef: strings.Repeat("a", 4096)})
	if err := c.Put(context.Background(), "learner-1", s); err != nil {
		t.Fatal(err)
	}

	if encoding != "zstd" {
		t.Fatalf("content-encoding = %q, want zstd", encoding)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(body, nil)
	if err != nil {
		t.Fatalf("body is not valid zstd: %v", err)
	}
	var back session.Session
	if err := json.Unmarshal(plain, &back); err != nil {
		t.Fatalf("decompressed body is not a session: %v", err)
	}
	if back.ID != s.ID {
		t.Error("payload mangled by compression")
	}
}

func TestSmallPayloadsStayPlain(t *testing.T) {
	var encoding string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Patch(context.Background(), "learner-1", "doc1", map[string]any{"title": "x"}); err != nil {
		t.Fatal(err)
	}
	if encoding != "" {
		t.Errorf("small payload compressed with %q", encoding)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"missing", http.StatusNotFound, ErrNotFound},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, ErrUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.Get(context.Background(), "learner-1", "doc1")
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNetworkFailureIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := NewClient(&config.Config{BackendURL: srv.URL, APIKey: "test-key-0123456789"})
	srv.Close() // connection refused from here on

	err := c.Put(context.Background(), "learner-1", session.New("doc1", nil))
	if !IsRetriable(err) {
		t.Errorf("network error should be retriable, got %v", err)
	}
}

func TestDeleteTreatsMissingAsSuccess(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if err := c.Delete(context.Background(), "learner-1", "doc1"); err != nil {
		t.Errorf("deleting an absent record should succeed, got %v", err)
	}
}

func TestListParsesSessions(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/identities/learner-1/progress" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []*session.Session{session.New("doc1", nil), session.New("doc2", nil)},
		})
	}))

	sessions, err := c.List(context.Background(), "learner-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}
}
