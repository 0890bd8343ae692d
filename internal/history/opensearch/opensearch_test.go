package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/appstead/appstead/internal/history"
)

func TestSendPostsDocument(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL, "appstead-executions")
	ev := history.Event{AppName: "web", ExecutionID: "e1", Status: "success"}
	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/appstead-executions/_doc" {
		t.Fatalf("path = %q", gotPath)
	}
	var got history.Event
	if err := json.Unmarshal(gotBody, &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.AppName != "web" || got.ExecutionID != "e1" {
		t.Fatalf("unexpected doc: %+v", got)
	}
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, "idx")
	if err := s.Send(context.Background(), history.Event{}); err == nil {
		t.Fatal("expected error on 500")
	}
}
