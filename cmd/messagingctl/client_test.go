package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAPIClientSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token","code":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"connected","is_connected":true}`))
	}))
	defer srv.Close()

	var out struct {
		Status string `json:"status"`
	}
	client := newAPIClient(srv.URL+"/", "secret", time.Second)
	if err := client.do(context.Background(), http.MethodGet, "/v1/bot/status", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "connected" {
		t.Fatalf("unexpected body: %+v", out)
	}

	err := newAPIClient(srv.URL, "wrong", time.Second).do(context.Background(), http.MethodGet, "/v1/bot/status", nil, &out)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "unauthorized" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"pix=abc=1", " link =https://x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["pix"] != "abc=1" || got["link"] != "https://x" {
		t.Fatalf("unexpected pairs: %v", got)
	}
	if _, err := parsePairs([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing '='")
	}
}
