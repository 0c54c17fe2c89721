package reconcile

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soulsig/twinhub/internal/backend"
)

type fakeStatus struct {
	mu        sync.Mutex
	refetches int32
	cleared   []string
}

func (f *fakeStatus) ClearConnecting(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, provider)
}

func (f *fakeStatus) Refetch(ctx context.Context, userID string) (backend.StatusMap, error) {
	atomic.AddInt32(&f.refetches, 1)
	return backend.StatusMap{}, nil
}

func (f *fakeStatus) refetchCount() int {
	return int(atomic.LoadInt32(&f.refetches))
}

type fixedSession string

func (s fixedSession) UserID() string { return string(s) }

const testOrigin = "http://localhost:8090"

func newTestReconciler(status *fakeStatus, notify func(Notice)) *Reconciler {
	return New(status, fixedSession("user-1"), testOrigin, 10*time.Millisecond, notify)
}

func waitForRefetch(t *testing.T, status *fakeStatus, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status.refetchCount() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d refetches, got %d", want, status.refetchCount())
}

func TestRedirectMarkerTriggersDelayedRefetch(t *testing.T) {
	status := &fakeStatus{}
	var notices []Notice
	r := newTestReconciler(status, func(n Notice) { notices = append(notices, n) })
	defer r.Close()

	query, _ := url.ParseQuery("connected=true&provider=spotify")
	if !r.HandleRedirect(query) {
		t.Fatal("expected redirect marker to be recognized")
	}

	if status.refetchCount() != 0 {
		t.Error("refetch must be delayed, not immediate")
	}
	waitForRefetch(t, status, 1)

	if len(notices) != 1 || notices[0].Provider != "spotify" {
		t.Errorf("notices = %+v", notices)
	}
	status.mu.Lock()
	cleared := append([]string(nil), status.cleared...)
	status.mu.Unlock()
	if len(cleared) != 1 || cleared[0] != "spotify" {
		t.Errorf("cleared = %v", cleared)
	}
}

func TestRedirectWithoutMarkerIgnored(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)
	defer r.Close()

	for _, raw := range []string{"", "connected=false&provider=spotify", "connected=true"} {
		query, _ := url.ParseQuery(raw)
		if r.HandleRedirect(query) {
			t.Errorf("query %q must not be treated as completion", raw)
		}
	}
	time.Sleep(30 * time.Millisecond)
	if status.refetchCount() != 0 {
		t.Error("no refetch without a recognized marker")
	}
}

func TestForeignOriginMessageDiscarded(t *testing.T) {
	status := &fakeStatus{}
	var notices []Notice
	r := newTestReconciler(status, func(n Notice) { notices = append(notices, n) })
	defer r.Close()

	acted := r.HandleMessage("https://evil.example.com", Message{Type: MessageTypeOAuthSuccess, Provider: "spotify"})
	if acted {
		t.Fatal("foreign-origin message must be discarded")
	}
	time.Sleep(30 * time.Millisecond)
	if status.refetchCount() != 0 {
		t.Error("no refetch for a foreign-origin message")
	}
	if len(notices) != 0 {
		t.Error("no notice for a foreign-origin message")
	}
}

func TestOwnOriginMessageAccepted(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)
	defer r.Close()

	if !r.HandleMessage(testOrigin, Message{Type: MessageTypeOAuthSuccess, Provider: "whoop"}) {
		t.Fatal("own-origin completion message must be accepted")
	}
	waitForRefetch(t, status, 1)
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)
	defer r.Close()

	if r.HandleMessage(testOrigin, Message{Type: "oauth-error", Provider: "whoop"}) {
		t.Error("unrecognized message type must be ignored")
	}
}

func TestDuplicateSignalsActOnce(t *testing.T) {
	status := &fakeStatus{}
	var acted int
	r := newTestReconciler(status, func(Notice) { acted++ })
	defer r.Close()

	// A lingering redirect marker plus a genuine completion message for the
	// same connection: at most one notice is acted upon.
	query, _ := url.ParseQuery("connected=true&provider=spotify")
	first := r.HandleRedirect(query)
	second := r.HandleMessage(testOrigin, Message{Type: MessageTypeOAuthSuccess, Provider: "spotify"})

	if !first {
		t.Error("first signal must act")
	}
	if second {
		t.Error("second signal while one is pending must be a no-op")
	}
	waitForRefetch(t, status, 1)
	if acted != 1 {
		t.Errorf("acted notices = %d, want 1", acted)
	}
}

func TestSignalAfterRefetchActsAgain(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)
	defer r.Close()

	query, _ := url.ParseQuery("connected=true&provider=spotify")
	if !r.HandleRedirect(query) {
		t.Fatal("first signal must act")
	}
	waitForRefetch(t, status, 1)

	// A genuinely new completion later (e.g. a reconnect) acts again.
	if !r.HandleRedirect(query) {
		t.Error("signal after a completed refetch must act")
	}
	waitForRefetch(t, status, 2)
}

func TestScheduleRefetchFiresWithoutNotice(t *testing.T) {
	status := &fakeStatus{}
	var notices []Notice
	r := newTestReconciler(status, func(n Notice) { notices = append(notices, n) })
	defer r.Close()

	if !r.ScheduleRefetch("whoop") {
		t.Fatal("first schedule must act")
	}
	if status.refetchCount() != 0 {
		t.Error("refetch must be delayed, not immediate")
	}
	waitForRefetch(t, status, 1)

	if len(notices) != 0 {
		t.Errorf("notices = %+v, a bare refetch must not announce a completion", notices)
	}
	status.mu.Lock()
	cleared := append([]string(nil), status.cleared...)
	status.mu.Unlock()
	if len(cleared) != 0 {
		t.Errorf("cleared = %v, a bare refetch must not touch connecting flags", cleared)
	}
}

func TestScheduleRefetchDedupesAgainstPendingSignal(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)
	defer r.Close()

	query, _ := url.ParseQuery("connected=true&provider=whoop")
	if !r.HandleRedirect(query) {
		t.Fatal("signal must act")
	}
	if r.ScheduleRefetch("whoop") {
		t.Error("schedule while a refetch is pending must be a no-op")
	}
	waitForRefetch(t, status, 1)
	time.Sleep(30 * time.Millisecond)
	if status.refetchCount() != 1 {
		t.Errorf("refetches = %d, want 1", status.refetchCount())
	}
}

func TestScheduleRefetchIgnoredAfterClose(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)
	r.Close()

	if r.ScheduleRefetch("whoop") {
		t.Error("schedule after Close must be ignored")
	}
	time.Sleep(30 * time.Millisecond)
	if status.refetchCount() != 0 {
		t.Error("no refetch after Close")
	}
}

func TestCloseCancelsPendingAndIgnoresLaterSignals(t *testing.T) {
	status := &fakeStatus{}
	r := newTestReconciler(status, nil)

	query, _ := url.ParseQuery("connected=true&provider=spotify")
	if !r.HandleRedirect(query) {
		t.Fatal("signal must act")
	}
	r.Close()

	time.Sleep(30 * time.Millisecond)
	if status.refetchCount() != 0 {
		t.Error("no state updates after Close")
	}
	if r.HandleRedirect(query) {
		t.Error("signals after Close must be ignored")
	}
}
