package status

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/soulsig/twinhub/internal/backend"
)

type fakeFetcher struct {
	statuses map[string]backend.ConnectionStatus
	errs     map[string]error
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		statuses: map[string]backend.ConnectionStatus{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeFetcher) ProviderStatus(ctx context.Context, userID, provider string) (backend.ConnectionStatus, error) {
	f.calls[provider]++
	if err := f.errs[provider]; err != nil {
		return backend.ConnectionStatus{}, err
	}
	return f.statuses[provider], nil
}

func providersFunc(ids ...string) func() []string {
	return func() []string { return ids }
}

func TestRefetchCombinesIndependentProviders(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: true}
	fetcher.statuses["whoop"] = backend.ConnectionStatus{Connected: false}

	client := NewClient(fetcher, providersFunc("spotify", "whoop"))
	statuses, err := client.Refetch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}

	if !statuses["spotify"].Connected {
		t.Error("expected spotify connected")
	}
	if statuses["whoop"].Connected {
		t.Error("expected whoop disconnected")
	}
	if !client.HasConnectedServices() {
		t.Error("expected HasConnectedServices true")
	}

	connected := client.ConnectedProviders()
	if len(connected) != 1 || connected[0] != "spotify" {
		t.Errorf("ConnectedProviders = %v", connected)
	}
}

func TestRefetchPartialFailureIsSoft(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: true}
	fetcher.errs["whoop"] = fmt.Errorf("connection refused")

	client := NewClient(fetcher, providersFunc("spotify", "whoop"))
	statuses, err := client.Refetch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("one provider's failure must not fail the set: %v", err)
	}

	if !statuses["spotify"].Connected {
		t.Error("spotify must be unaffected by whoop's failure")
	}
	if statuses["whoop"].Connected {
		t.Error("failed provider must be reported disconnected")
	}
	if client.Warnings()["whoop"] == "" {
		t.Error("failed provider must carry a soft warning")
	}
	if client.Warnings()["spotify"] != "" {
		t.Error("healthy provider must not carry a warning")
	}
}

func TestRefetchIsIdempotent(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: true}
	fetcher.statuses["google_calendar"] = backend.ConnectionStatus{Connected: true, TokenExpired: true}

	client := NewClient(fetcher, providersFunc("spotify", "google_calendar"))

	first, err := client.Refetch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	second, err := client.Refetch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("refetch not idempotent: %v vs %v", first, second)
	}
}

func TestRefetchClearsConnectingFlagsUnconditionally(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.errs["spotify"] = fmt.Errorf("backend down")

	client := NewClient(fetcher, providersFunc("spotify"))
	client.MarkConnecting("spotify")
	if !client.IsConnecting("spotify") {
		t.Fatal("expected connecting flag set")
	}

	if _, err := client.Refetch(context.Background(), "user-1"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if client.IsConnecting("spotify") {
		t.Error("connecting flag must be cleared after refetch, even on failure")
	}
}

func TestRefetchAbandonedContextLeavesStaleState(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: true}

	client := NewClient(fetcher, providersFunc("spotify"))
	if _, err := client.Refetch(context.Background(), "user-1"); err != nil {
		t.Fatalf("refetch: %v", err)
	}

	// Flip the backend, then refetch with a cancelled context: the stale
	// (but safe) committed state must survive.
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: false}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Refetch(ctx, "user-1"); err == nil {
		t.Fatal("expected context error")
	}
	if !client.IsConnected("spotify") {
		t.Error("cancelled refetch must not commit a partial read")
	}
}

func TestTokenExpiredSurfacedPerProvider(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.statuses["google_calendar"] = backend.ConnectionStatus{Connected: true, TokenExpired: true}
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: true}

	client := NewClient(fetcher, providersFunc("google_calendar", "spotify"))
	statuses, err := client.Refetch(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}

	if !statuses["google_calendar"].TokenExpired {
		t.Error("expected google_calendar tokenExpired")
	}
	if statuses["spotify"].TokenExpired {
		t.Error("spotify must remain healthy")
	}
}

func TestResetClearsEverything(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.statuses["spotify"] = backend.ConnectionStatus{Connected: true}

	client := NewClient(fetcher, providersFunc("spotify"))
	if _, err := client.Refetch(context.Background(), "user-1"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	client.MarkConnecting("whoop")

	client.Reset()
	if client.HasConnectedServices() {
		t.Error("reset must drop connection state")
	}
	if client.IsConnecting("whoop") {
		t.Error("reset must drop connecting flags")
	}
}
