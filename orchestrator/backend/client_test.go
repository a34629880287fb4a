package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/corvid-run/orchestrator/orchestrator/modelmanager"
)

func TestClient_ListModels_DecodesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]interface{}{
				{"name": "llama2:7b-chat", "size": 1024},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 100)
	entries, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "llama2:7b-chat" {
		t.Errorf("entries = %+v, want one llama2:7b-chat entry", entries)
	}
	if entries[0].Tier != modelmanager.TierLocal {
		t.Errorf("Tier = %v, want TierLocal", entries[0].Tier)
	}
}

func TestClient_ListModels_CachesResult(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": []map[string]interface{}{}})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 100)
	_, _ = c.ListModels(context.Background())
	_, _ = c.ListModels(context.Background())

	if calls != 1 {
		t.Errorf("backend called %d times, want 1 due to caching", calls)
	}
}

func TestClient_EnsureLoaded_PermanentOn404(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 100)
	err := c.EnsureLoaded(context.Background(), "missing-model")
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	if calls != 1 {
		t.Errorf("backend called %d times, want 1 (404 should not be retried)", calls)
	}
}

func TestClient_Generate_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"response":          "hello there",
			"prompt_eval_count": 5,
			"eval_count":        7,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 100)
	result, err := c.Generate(context.Background(), "llama2:7b-chat", "hi", modelmanager.GenerateOptions{MaxTokens: 10})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "hello there" || result.InputTokens != 5 || result.OutputTokens != 7 {
		t.Errorf("result = %+v, unexpected", result)
	}
}

func TestClient_Generate_RetriesOn5xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 100)
	result, err := c.Generate(context.Background(), "model", "hi", modelmanager.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("Text = %q, want ok", result.Text)
	}
	if calls < 2 {
		t.Errorf("calls = %d, want at least 2 (one failure then a retry)", calls)
	}
}

func TestClient_IsHealthy_CachesResult(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 100)
	if !c.IsHealthy(context.Background()) {
		t.Fatal("expected healthy")
	}
	if !c.IsHealthy(context.Background()) {
		t.Fatal("expected healthy (cached)")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 due to health caching", calls)
	}
}
