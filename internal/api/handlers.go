package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soulsig/twinhub/internal/backend"
	"github.com/soulsig/twinhub/internal/connector"
	"github.com/soulsig/twinhub/internal/credstore"
	"github.com/soulsig/twinhub/internal/onboarding"
	"github.com/soulsig/twinhub/internal/progress"
	"github.com/soulsig/twinhub/internal/providers/catalog"
	"github.com/soulsig/twinhub/internal/reconcile"
	"github.com/soulsig/twinhub/internal/status"
	"github.com/soulsig/twinhub/internal/version"
)

// SessionInfoHandler reports the current session and cached user record.
func SessionInfoHandler(store *credstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, hasUser := store.User()
		data := map[string]interface{}{
			"signedIn": store.SignedIn(),
			"expired":  store.TokenLooksExpired(),
		}
		if hasUser {
			data["user"] = user
		}
		writeJSON(w, http.StatusOK, data)
	}
}

// SignInHandler stores a session credential delivered by the client.
func SignInHandler(store *credstore.Store) http.HandlerFunc {
	type signInRequest struct {
		Token string         `json:"token"`
		User  credstore.User `json:"user"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid sign-in payload")
			return
		}
		if err := store.SignIn(req.Token, req.User); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"userId": req.User.ID})
	}
}

// SignOutHandler clears the credential store and every derived cache in the
// same teardown.
func SignOutHandler(store *credstore.Store, statusClient *status.Client, flow *onboarding.Flow, tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.SignOut(); err != nil {
			writeError(w, http.StatusInternalServerError, "signout_failed", err.Error())
			return
		}
		statusClient.Reset()
		flow.Reset()
		tracker.Stop()
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
	}
}

// ProvidersHandler lists the provider catalog.
func ProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, catalog.GetProviders())
	}
}

// providerStatusView is the per-provider status row served to clients. The
// tokenExpired flag is surfaced as a distinct reconnect affordance.
type providerStatusView struct {
	Connected         bool       `json:"connected"`
	TokenExpired      bool       `json:"tokenExpired"`
	ReconnectRequired bool       `json:"reconnectRequired"`
	Connecting        bool       `json:"connecting"`
	LastSyncedAt      *time.Time `json:"lastSynced,omitempty"`
	Warning           string     `json:"warning,omitempty"`
}

// StatusHandler serves the cached connection map. `?refresh=true` forces a
// refetch from the backend first.
func StatusHandler(store *credstore.Store, statusClient *status.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("refresh") == "true" {
			if _, err := statusClient.Refetch(r.Context(), store.UserID()); err != nil {
				writeError(w, http.StatusBadGateway, "refresh_failed", err.Error())
				return
			}
		}

		snapshot := statusClient.Snapshot()
		warnings := statusClient.Warnings()
		providers := make(map[string]providerStatusView, len(snapshot))
		for id, record := range snapshot {
			providers[id] = providerStatusView{
				Connected:         record.Connected,
				TokenExpired:      record.TokenExpired,
				ReconnectRequired: record.Connected && record.TokenExpired,
				Connecting:        statusClient.IsConnecting(id),
				LastSyncedAt:      record.LastSyncedAt,
				Warning:           warnings[id],
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"providers":     providers,
			"lastRefreshed": statusClient.LastRefreshed(),
		})
	}
}

// ConnectHandler launches the OAuth consent flow for a provider.
func ConnectHandler(launcher *connector.Launcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		launch, err := launcher.Connect(r.Context(), provider)
		if err != nil {
			writeLaunchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, launchView(launch))
	}
}

// ReconnectHandler re-runs consent for a provider with an expired token.
func ReconnectHandler(launcher *connector.Launcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		launch, err := launcher.Reconnect(r.Context(), provider)
		if err != nil {
			writeLaunchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, launchView(launch))
	}
}

// DisconnectHandler removes a provider connection.
func DisconnectHandler(launcher *connector.Launcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		if err := launcher.Disconnect(r.Context(), provider); err != nil {
			writeLaunchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}

func launchView(launch connector.Launch) map[string]interface{} {
	return map[string]interface{}{
		"provider":    launch.Provider,
		"redirectUrl": launch.RedirectURL,
		"directMode":  launch.DirectMode,
	}
}

func writeLaunchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connector.ErrNotSignedIn):
		writeError(w, http.StatusUnauthorized, "not_signed_in", "sign in to continue")
	case errors.Is(err, connector.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown_provider", err.Error())
	case errors.Is(err, connector.ErrAlreadyConnected):
		writeError(w, http.StatusConflict, "already_connected", err.Error())
	case errors.Is(err, connector.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error())
	case backend.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, "reconnect_required", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "backend_error", err.Error())
	}
}

// OAuthCallbackHandler receives return navigations from consent flows. A
// state token is required when present to match the launcher's expectation;
// the connected/provider markers then feed the reconciler.
func OAuthCallbackHandler(launcher *connector.Launcher, reconciler *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if state := query.Get("state"); state != "" && !launcher.ValidateState(state) {
			writeError(w, http.StatusForbidden, "state_mismatch", "state token mismatch")
			return
		}

		recognized := reconciler.HandleRedirect(query)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if !recognized {
			fmt.Fprint(w, "<html><body><p>No connection to record. You can close this window.</p></body></html>")
			return
		}
		fmt.Fprintf(w, "<html><body><p>%s connected. You can close this window.</p></body></html>",
			query.Get("provider"))
	}
}

// OAuthMessageHandler accepts cross-context completion messages. The Origin
// header stands in for the posting context's origin; mismatches are dropped
// without side effects.
func OAuthMessageHandler(reconciler *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg reconcile.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid message payload")
			return
		}
		accepted := reconciler.HandleMessage(r.Header.Get("Origin"), msg)
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
	}
}

// NoticesHandler drains buffered completion notices.
func NoticesHandler(buffer *NoticeBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notices := buffer.Drain()
		if notices == nil {
			notices = []reconcile.Notice{}
		}
		writeJSON(w, http.StatusOK, notices)
	}
}

// OnboardingStateHandler reports the flow position and selections.
func OnboardingStateHandler(flow *onboarding.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, flow.State())
	}
}

// OnboardingAdvanceHandler moves the flow one step forward.
func OnboardingAdvanceHandler(flow *onboarding.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := flow.Advance(r.Context())
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// OnboardingBackHandler moves the flow one step backwards.
func OnboardingBackHandler(flow *onboarding.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := flow.Back()
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// OnboardingRestartHandler returns to the configure step after a failed
// generation run.
func OnboardingRestartHandler(flow *onboarding.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, flow.RestartFromConfigure())
	}
}

// OnboardingSelectHandler toggles a connector in the run's selection.
func OnboardingSelectHandler(flow *onboarding.Flow) http.HandlerFunc {
	type selectRequest struct {
		Provider string `json:"provider"`
		Selected bool   `json:"selected"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid selection payload")
			return
		}
		if !catalog.IsKnownProvider(catalog.NormalizeID(req.Provider)) {
			writeError(w, http.StatusNotFound, "unknown_provider", "unknown provider: "+req.Provider)
			return
		}
		if req.Selected {
			flow.Select(catalog.NormalizeID(req.Provider))
		} else {
			flow.Deselect(catalog.NormalizeID(req.Provider))
		}
		writeJSON(w, http.StatusOK, flow.State())
	}
}

// OnboardingPriorityHandler records the processing-priority hint.
func OnboardingPriorityHandler(flow *onboarding.Flow) http.HandlerFunc {
	type priorityRequest struct {
		Priority string `json:"processingPriority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req priorityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid priority payload")
			return
		}
		flow.SetPriority(req.Priority)
		writeJSON(w, http.StatusOK, flow.State())
	}
}

func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, onboarding.ErrNoConnections):
		writeError(w, http.StatusUnprocessableEntity, "no_connections", err.Error())
	case errors.Is(err, onboarding.ErrAtFirstStep), errors.Is(err, onboarding.ErrAtLastStep):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "backend_error", err.Error())
	}
}

// progressView is the snapshot shape served to clients.
type progressView struct {
	RunID                  string `json:"runId"`
	TwinID                 string `json:"twinId"`
	Stage                  string `json:"stage"`
	Progress               int    `json:"progress"`
	CurrentTask            string `json:"currentTask,omitempty"`
	EstimatedTimeRemaining int    `json:"estimatedTimeRemaining"`
	ConnectorsConnected    int    `json:"connectorsConnected"`
	DataPointsIngested     int    `json:"dataPointsIngested"`
	InsightsGenerated      int    `json:"insightsGenerated"`
	Done                   bool   `json:"done"`
	Failed                 bool   `json:"failed"`
	Error                  string `json:"error,omitempty"`
}

// ProgressStartHandler begins polling generation progress for the flow's
// twin. The poll loop outlives the request.
func ProgressStartHandler(flow *onboarding.Flow, tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		twin, ok := flow.Twin()
		if !ok {
			writeError(w, http.StatusConflict, "no_twin", "no twin to track; complete the configure step first")
			return
		}
		runID := tracker.Start(context.Background(), twin.ID)
		writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "twinId": twin.ID})
	}
}

func toProgressView(snapshot progress.Snapshot) progressView {
	return progressView{
		RunID:                  snapshot.RunID,
		TwinID:                 snapshot.TwinID,
		Stage:                  string(snapshot.Stage),
		Progress:               snapshot.Progress,
		CurrentTask:            snapshot.CurrentTask,
		EstimatedTimeRemaining: int(snapshot.EstimatedTimeRemaining.Seconds()),
		ConnectorsConnected:    snapshot.ConnectorsConnected,
		DataPointsIngested:     snapshot.DataPointsIngested,
		InsightsGenerated:      snapshot.InsightsGenerated,
		Done:                   snapshot.Done,
		Failed:                 snapshot.Failed,
		Error:                  snapshot.Err,
	}
}

// ProgressSnapshotHandler serves the latest monotonic progress snapshot.
func ProgressSnapshotHandler(tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := tracker.Latest()
		if err != nil {
			writeError(w, http.StatusNotFound, "no_run", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toProgressView(snapshot))
	}
}

// ProgressCompletionHandler hands out a run's terminal snapshot exactly once.
// Without a pending completion the response is an empty 200 so pollers can
// distinguish "nothing yet" from a real error.
func ProgressCompletionHandler(completion *CompletionSignal) http.HandlerFunc {
	type completionResponse struct {
		Completed bool          `json:"completed"`
		Snapshot  *progressView `json:"snapshot,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, ok := completion.Consume()
		if !ok {
			writeJSON(w, http.StatusOK, completionResponse{})
			return
		}
		view := toProgressView(snapshot)
		writeJSON(w, http.StatusOK, completionResponse{Completed: true, Snapshot: &view})
	}
}

// VersionHandler reports build metadata.
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":   version.Version,
			"commit":    version.Commit,
			"buildTime": version.BuildTime,
		})
	}
}
