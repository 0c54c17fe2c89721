// Package reconcile turns OAuth completion signals into status refreshes.
// Completion can be observed two independent ways: a query-string marker on
// a redirect return, and a cross-context completion message. Both are
// treated purely as invalidation triggers for the status read model, never
// as truth about connection state.
package reconcile

import (
	"context"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/soulsig/twinhub/internal/backend"
)

// MessageTypeOAuthSuccess is the recognized completion message type.
const MessageTypeOAuthSuccess = "oauth-success"

// DefaultDelay bounds the race between a redirect return and the backend
// finalizing its token exchange. A buffer, not a correctness guarantee.
const DefaultDelay = 1500 * time.Millisecond

// Message is a cross-context completion message (the postMessage analog).
type Message struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
}

// Notice is a transient user-visible completion notice. At most one notice
// per signal burst is acted upon downstream.
type Notice struct {
	Provider string
	Message  string
	At       time.Time
}

// Status is the slice of the status client the reconciler drives.
type Status interface {
	ClearConnecting(provider string)
	Refetch(ctx context.Context, userID string) (backend.StatusMap, error)
}

// Session supplies the user whose status gets reconciled.
type Session interface {
	UserID() string
}

// Reconciler listens for completion signals and schedules delayed,
// idempotent refetches through cancellable per-provider timers.
type Reconciler struct {
	status  Status
	session Session
	origin  string
	delay   time.Duration
	notify  func(Notice)

	mu      sync.Mutex
	closed  bool
	pending map[string]*time.Timer
}

// New creates a Reconciler. origin is the daemon's own origin; completion
// messages from any other origin are discarded unconditionally. notify may
// be nil.
func New(status Status, session Session, origin string, delay time.Duration, notify func(Notice)) *Reconciler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if notify == nil {
		notify = func(Notice) {}
	}
	return &Reconciler{
		status:  status,
		session: session,
		origin:  origin,
		delay:   delay,
		notify:  notify,
		pending: map[string]*time.Timer{},
	}
}

// HandleRedirect inspects return-navigation query parameters for the
// completion marker (connected=true&provider=...). Returns true when the
// signal was recognized and acted upon.
func (r *Reconciler) HandleRedirect(query url.Values) bool {
	if query.Get("connected") != "true" {
		return false
	}
	provider := query.Get("provider")
	if provider == "" {
		return false
	}
	return r.signal(provider, "redirect")
}

// HandleMessage processes a cross-context completion message. Messages from
// foreign origins are dropped entirely: no refetch, no notice. This is a
// security boundary, not an optimization.
func (r *Reconciler) HandleMessage(origin string, msg Message) bool {
	if origin != r.origin {
		log.Printf("[reconcile] Dropping message from foreign origin %q", origin)
		return false
	}
	if msg.Type != MessageTypeOAuthSuccess || msg.Provider == "" {
		return false
	}
	return r.signal(msg.Provider, "message")
}

// signal clears the provider's connecting flag, emits at most one notice per
// burst, and schedules the delayed refetch. Repeated signals while one is
// pending are safe no-ops: the refetch is idempotent by construction, so the
// only thing deduplication buys is suppressing redundant notices.
func (r *Reconciler) signal(provider, source string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	r.status.ClearConnecting(provider)

	if !r.scheduleLocked(provider) {
		r.mu.Unlock()
		log.Printf("[reconcile] Duplicate %s signal for %s ignored", source, provider)
		return false
	}
	r.mu.Unlock()

	log.Printf("[reconcile] %s completion via %s, refetch in %v", provider, source, r.delay)
	r.notify(Notice{
		Provider: provider,
		Message:  provider + " connected",
		At:       time.Now(),
	})
	return true
}

// ScheduleRefetch schedules the delayed idempotent refetch without treating
// the trigger as a confirmed completion: no notice is emitted and no
// connecting flag is touched. Used for soft-success launches, where no
// navigation happens and so no redirect or message signal will ever arrive.
func (r *Reconciler) ScheduleRefetch(provider string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	scheduled := r.scheduleLocked(provider)
	r.mu.Unlock()

	if scheduled {
		log.Printf("[reconcile] %s refetch scheduled in %v", provider, r.delay)
	}
	return scheduled
}

func (r *Reconciler) scheduleLocked(provider string) bool {
	if _, inFlight := r.pending[provider]; inFlight {
		return false
	}
	r.pending[provider] = time.AfterFunc(r.delay, func() { r.fire(provider) })
	return true
}

func (r *Reconciler) fire(provider string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.pending, provider)
	r.mu.Unlock()

	// The backend may still not be ready after the delay; a failed refetch
	// leaves stale-but-safe state the user can refresh manually.
	if _, err := r.status.Refetch(context.Background(), r.session.UserID()); err != nil {
		log.Printf("[reconcile] Post-callback refetch failed: %v", err)
	}
}

// PendingFor reports whether a delayed refetch is scheduled for provider.
func (r *Reconciler) PendingFor(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[provider]
	return ok
}

// Close tears the reconciler down: all scheduled refetches are cancelled and
// later signals are ignored. Required on unmount so stale subscriptions
// cannot act after navigation away.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for provider, timer := range r.pending {
		timer.Stop()
		delete(r.pending, provider)
	}
	log.Printf("[reconcile] Closed")
}
