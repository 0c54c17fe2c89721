package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, responses map[string]string) *apiClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":{"code":"not_found","message":"not found"}}`))
	}))
	t.Cleanup(server.Close)

	return &apiClient{
		baseURL:    server.URL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestDecodeDataUnwrapsEnvelope(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"GET /api/version": `{"success":true,"data":{"version":"v1.2.3"}}`,
	})

	resp, err := client.get("/api/version")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var data struct {
		Version string `json:"version"`
	}
	if err := decodeData(resp, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Version != "v1.2.3" {
		t.Errorf("version = %q", data.Version)
	}
}

func TestDecodeDataSurfacesErrorEnvelope(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"POST /api/connectors/spotify/connect": `{"success":false,"error":{"code":"already_connected","message":"provider already connected: spotify"}}`,
	})

	resp, err := client.post("/api/connectors/spotify/connect", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	err = decodeData(resp, nil)
	if err == nil {
		t.Fatal("expected error from error envelope")
	}
	if !strings.Contains(err.Error(), "already_connected") {
		t.Errorf("err = %v, want the error code surfaced", err)
	}
}

func TestDecodeDataHandlesMissingData(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"DELETE /api/connectors/spotify": `{"success":true}`,
	})

	resp, err := client.delete("/api/connectors/spotify")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := decodeData(resp, nil); err != nil {
		t.Errorf("decode: %v", err)
	}
}
