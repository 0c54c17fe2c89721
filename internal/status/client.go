// Package status is the single authoritative read model for provider
// connection state. Every other signal (redirect markers, completion
// messages, cached records) is only ever an invalidation trigger for this
// client, never an alternate truth source.
package status

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/soulsig/twinhub/internal/backend"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentFetches bounds the per-provider status fan-out.
const maxConcurrentFetches = 4

// Fetcher is the backend surface the status client reads from.
type Fetcher interface {
	ProviderStatus(ctx context.Context, userID, provider string) (backend.ConnectionStatus, error)
}

// Client caches the provider connection map and refreshes it from the
// backend on demand. The cache is read-through: always treated as stale
// until a completed Refetch.
type Client struct {
	fetcher   Fetcher
	providers func() []string

	mu            sync.RWMutex
	statuses      backend.StatusMap
	warnings      map[string]string
	connecting    map[string]bool
	lastRefreshed time.Time
}

// NewClient creates a status client. providers supplies the catalog IDs to
// poll; it is re-evaluated on every refetch so catalog reloads apply.
func NewClient(fetcher Fetcher, providers func() []string) *Client {
	return &Client{
		fetcher:    fetcher,
		providers:  providers,
		statuses:   backend.StatusMap{},
		warnings:   map[string]string{},
		connecting: map[string]bool{},
	}
}

// Refetch reloads every provider's status independently and replaces the
// cached map wholesale. One provider's failure never fails the set: the
// failed provider is reported disconnected with a soft warning. All
// ephemeral connecting flags are cleared once the refetch completes,
// regardless of outcome.
func (c *Client) Refetch(ctx context.Context, userID string) (backend.StatusMap, error) {
	ids := c.providers()

	next := make(backend.StatusMap, len(ids))
	nextWarnings := make(map[string]string)
	var resultMu sync.Mutex

	g := errgroup.Group{}
	g.SetLimit(maxConcurrentFetches)
	for _, id := range ids {
		provider := id
		g.Go(func() error {
			record, err := c.fetcher.ProviderStatus(ctx, userID, provider)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				// Settle-all semantics: failures degrade to disconnected.
				next[provider] = backend.ConnectionStatus{}
				nextWarnings[provider] = err.Error()
				log.Printf("[status] %s status fetch failed: %v", provider, err)
				return nil
			}
			next[provider] = record
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Connecting spinners never outlive a reconciliation pass.
	c.connecting = map[string]bool{}

	if ctx.Err() != nil {
		// The hosting caller went away mid-flight; leave stale-but-safe
		// state rather than committing a partial read.
		return copyMap(c.statuses), ctx.Err()
	}

	c.statuses = next
	c.warnings = nextWarnings
	c.lastRefreshed = time.Now()
	return copyMap(next), nil
}

// Snapshot returns the cached status map. Callers treat it as provisional
// until a completed Refetch.
func (c *Client) Snapshot() backend.StatusMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.statuses)
}

// Warnings returns per-provider soft warnings from the last refetch.
func (c *Client) Warnings() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.warnings))
	for k, v := range c.warnings {
		out[k] = v
	}
	return out
}

// ConnectedProviders returns the providers currently reported connected.
// Order is not significant.
func (c *Client) ConnectedProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, record := range c.statuses {
		if record.Connected {
			out = append(out, id)
		}
	}
	return out
}

// HasConnectedServices reports whether at least one provider is connected.
func (c *Client) HasConnectedServices() bool {
	return len(c.ConnectedProviders()) > 0
}

// IsConnected reports the cached connected state for one provider.
func (c *Client) IsConnected(provider string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses[provider].Connected
}

// MarkConnecting sets the ephemeral provider-scoped in-flight flag. It is
// the only optimistic state the client is allowed to hold.
func (c *Client) MarkConnecting(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting[provider] = true
}

// ClearConnecting drops the in-flight flag for one provider.
func (c *Client) ClearConnecting(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connecting, provider)
}

// IsConnecting reports whether a connect is in flight for the provider.
func (c *Client) IsConnecting(provider string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connecting[provider]
}

// LastRefreshed returns the completion time of the last successful refetch.
func (c *Client) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefreshed
}

// Reset clears all cached state. Part of sign-out teardown.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = backend.StatusMap{}
	c.warnings = map[string]string{}
	c.connecting = map[string]bool{}
	c.lastRefreshed = time.Time{}
}

func copyMap(m backend.StatusMap) backend.StatusMap {
	out := make(backend.StatusMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
