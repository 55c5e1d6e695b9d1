package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatgate/chatgate/internal/llm"
)

func TestQuery_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Result{
			Content: "CTX",
			Metadata: Metadata{
				DataSource:      "docs",
				ProcessingMS:    12,
				TotalSearched:   40,
				RetrievalMethod: "hybrid",
				Documents:       []Document{{Source: "a.md", Confidence: 0.9, ContentType: "text/markdown"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	content, meta, err := c.Query(context.Background(), "alice", "docs", []llm.Message{{Role: llm.RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if content != "CTX" {
		t.Errorf("content = %q", content)
	}
	if meta["data_source"] != "docs" || meta["retrieval_method"] != "hybrid" {
		t.Errorf("meta = %v", meta)
	}
	if gotBody["user"] != "alice" || gotBody["data_source"] != "docs" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestQuery_RetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Result{Content: "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	content, _, err := c.Query(context.Background(), "u", "ds", nil)
	if err != nil {
		t.Fatalf("Query after retry: %v", err)
	}
	if content != "ok" || attempts != 2 {
		t.Errorf("content=%q attempts=%d", content, attempts)
	}
}

func TestQuery_ClientErrorIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "no such data source", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, _, err := c.Query(context.Background(), "u", "missing", nil); err == nil {
		t.Fatal("expected error for 404")
	}
	if attempts != 1 {
		t.Errorf("4xx retried: attempts = %d", attempts)
	}
}
