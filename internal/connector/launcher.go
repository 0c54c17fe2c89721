// Package connector initiates and tears down per-provider OAuth
// connections. It never flips connection state optimistically: the backend
// confirms through a later reconciliation pass, and the only local state a
// launch may set is the provider-scoped "connecting" flag.
package connector

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/soulsig/twinhub/internal/providers/catalog"
	"github.com/soulsig/twinhub/internal/status"
	"golang.org/x/oauth2"
)

var (
	// ErrNotSignedIn is returned when no session credential is present.
	ErrNotSignedIn = errors.New("no active session")
	// ErrUnknownProvider is returned for providers absent from the catalog.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrAlreadyConnected rejects duplicate authorization attempts.
	ErrAlreadyConnected = errors.New("provider already connected")
	// ErrNotConnected rejects disconnects for providers without a record.
	ErrNotConnected = errors.New("provider not connected")
)

// API is the slice of the backend client the launcher needs.
type API interface {
	AuthURL(ctx context.Context, provider, userID string) (string, error)
	Disconnect(ctx context.Context, provider, userID string) error
}

// Session exposes the credential state the launcher gates on.
type Session interface {
	SignedIn() bool
	UserID() string
}

// RefreshScheduler schedules the delayed status refetch for launches that
// complete without navigation. Typically the callback reconciler.
type RefreshScheduler interface {
	ScheduleRefetch(provider string) bool
}

// Launch is the outcome of a successful Connect call.
type Launch struct {
	Provider string
	// RedirectURL is the consent URL control transfers to. Empty means the
	// backend answered with a degraded/test response: a soft success with a
	// scheduled refetch and no navigation.
	RedirectURL string
	// DirectMode is true when the URL was constructed locally from catalog
	// endpoints rather than delivered by the backend.
	DirectMode bool
}

// Launcher drives connect/disconnect for catalog providers.
type Launcher struct {
	api       API
	session   Session
	status    *status.Client
	scheduler RefreshScheduler

	// callbackURL is where direct-mode consent flows return to.
	callbackURL string

	mu         sync.Mutex
	stateToken string
}

// NewLauncher creates a Launcher. callbackURL receives direct-mode OAuth
// returns (the daemon's /oauth/callback route). scheduler may be nil, in
// which case soft-success launches rely on a manual refresh.
func NewLauncher(api API, session Session, statusClient *status.Client, scheduler RefreshScheduler, callbackURL string) *Launcher {
	return &Launcher{
		api:         api,
		session:     session,
		status:      statusClient,
		scheduler:   scheduler,
		callbackURL: callbackURL,
		stateToken:  newStateToken(),
	}
}

func newStateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// StateToken returns the CSRF state token expected on direct-mode returns.
func (l *Launcher) StateToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateToken
}

// ValidateState checks a returned state token against the expected one.
func (l *Launcher) ValidateState(state string) bool {
	return state != "" && state == l.StateToken()
}

// Connect requests an authorization URL for the provider and returns the
// launch decision. Exactly one redirect per successful call; failures leave
// provider state untouched and are never retried automatically.
func (l *Launcher) Connect(ctx context.Context, provider string) (Launch, error) {
	provider = catalog.NormalizeID(provider)

	if !l.session.SignedIn() {
		return Launch{}, ErrNotSignedIn
	}
	if !catalog.IsKnownProvider(provider) {
		return Launch{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if l.status.IsConnected(provider) {
		// Re-connecting an active connection is a separate path; see
		// Reconnect for expired tokens.
		return Launch{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, provider)
	}

	authURL, err := l.api.AuthURL(ctx, provider, l.session.UserID())
	if err != nil {
		return Launch{}, fmt.Errorf("request auth url for %s: %w", provider, err)
	}

	if authURL != "" {
		l.status.MarkConnecting(provider)
		log.Printf("[connector] Launching %s consent flow", provider)
		return Launch{Provider: provider, RedirectURL: authURL}, nil
	}

	// Backend answered without a URL. If the catalog declares endpoints and
	// credentials are configured, build the consent URL locally; otherwise
	// treat the response as a soft success: no navigation, but the delayed
	// refetch is still scheduled so a backend-recorded connection surfaces
	// without a manual refresh.
	if directURL, ok := l.directModeURL(provider); ok {
		l.status.MarkConnecting(provider)
		log.Printf("[connector] Launching %s consent flow (direct mode)", provider)
		return Launch{Provider: provider, RedirectURL: directURL, DirectMode: true}, nil
	}

	log.Printf("[connector] %s returned no auth url, treating as soft success", provider)
	if l.scheduler != nil {
		l.scheduler.ScheduleRefetch(provider)
	}
	return Launch{Provider: provider}, nil
}

// directModeURL constructs a consent URL from catalog endpoints, mirroring
// a standard authorization-code launch with offline access.
func (l *Launcher) directModeURL(provider string) (string, bool) {
	if !catalog.SupportsDirectMode(provider) {
		return "", false
	}
	info, ok := catalog.GetProvider(provider)
	if !ok {
		return "", false
	}
	clientID := os.Getenv(info.ClientIDEnv)
	if clientID == "" {
		return "", false
	}

	config := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: l.callbackURL,
		Scopes:      info.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  info.AuthURL,
			TokenURL: info.TokenURL,
		},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("provider", provider),
	}
	return config.AuthCodeURL(l.StateToken(), opts...), true
}

// Disconnect deletes the backend connection record and forces a refetch
// before reporting success. On failure the displayed state is left
// untouched; there is no optimistic removal.
func (l *Launcher) Disconnect(ctx context.Context, provider string) error {
	provider = catalog.NormalizeID(provider)

	if !l.session.SignedIn() {
		return ErrNotSignedIn
	}
	record := l.status.Snapshot()[provider]
	if !record.Connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, provider)
	}

	if err := l.api.Disconnect(ctx, provider, l.session.UserID()); err != nil {
		return fmt.Errorf("disconnect %s: %w", provider, err)
	}

	if _, err := l.status.Refetch(ctx, l.session.UserID()); err != nil {
		return fmt.Errorf("disconnect %s succeeded but status refresh failed: %w", provider, err)
	}
	log.Printf("[connector] Disconnected %s", provider)
	return nil
}

// Reconnect handles expired tokens: it removes the stale record, reconciles,
// then runs the normal connect path. This is the "reconnect required"
// affordance behind token-expired statuses.
func (l *Launcher) Reconnect(ctx context.Context, provider string) (Launch, error) {
	provider = catalog.NormalizeID(provider)

	if !l.session.SignedIn() {
		return Launch{}, ErrNotSignedIn
	}
	record := l.status.Snapshot()[provider]
	if record.Connected {
		if err := l.api.Disconnect(ctx, provider, l.session.UserID()); err != nil {
			return Launch{}, fmt.Errorf("reconnect %s: drop stale connection: %w", provider, err)
		}
		if _, err := l.status.Refetch(ctx, l.session.UserID()); err != nil {
			return Launch{}, fmt.Errorf("reconnect %s: status refresh: %w", provider, err)
		}
	}
	return l.Connect(ctx, provider)
}
