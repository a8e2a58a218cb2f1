package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestRevalidator(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	r := NewRevalidator(RevalidateConfig{URL: server.URL, Token: "tok"})
	if err := r.Revalidate(context.Background(), "test-shop"); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if got["slug"] != "test-shop" {
		t.Errorf("body = %v", got)
	}

	bad := NewRevalidator(RevalidateConfig{URL: server.URL})
	if err := bad.Revalidate(context.Background(), "x"); err == nil {
		t.Error("expected error without token")
	}
}

func TestRevalidator_Disabled(t *testing.T) {
	if err := NewRevalidator(RevalidateConfig{}).Revalidate(context.Background(), "x"); err != nil {
		t.Fatalf("disabled revalidator returned %v", err)
	}
}

func TestIndexNow_PartialSuccess(t *testing.T) {
	var body indexNowBody
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer failing.Close()

	n := NewIndexNow(IndexNowConfig{
		Host:      "https://places.example.com",
		Key:       "k123",
		Endpoints: []string{failing.URL, ok.URL},
	})
	if err := n.Submit(context.Background(), []string{"https://places.example.com/p/a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if body.Host != "places.example.com" || body.Key != "k123" || len(body.URLList) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestIndexNow_AllFail(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	n := NewIndexNow(IndexNowConfig{Host: "h", Key: "k", Endpoints: []string{failing.URL, failing.URL}})
	if err := n.Submit(context.Background(), []string{"u"}); err == nil {
		t.Fatal("expected error when every endpoint fails")
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}
