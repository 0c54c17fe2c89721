package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ConnectionStatus is the backend-owned record for one (user, provider) pair.
// The client never mutates it locally; it is replaced wholesale on refetch.
type ConnectionStatus struct {
	Connected    bool       `json:"connected"`
	TokenExpired bool       `json:"tokenExpired"`
	LastSyncedAt *time.Time `json:"lastSynced,omitempty"`
}

// StatusMap maps provider ID to its connection record.
type StatusMap map[string]ConnectionStatus

// Twin is the backend's twin record, opaque beyond its identity fields.
type Twin struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateTwinRequest is the payload for POST /twins. One call per onboarding
// run; the backend treats repeats for the same run as idempotent.
type CreateTwinRequest struct {
	UserID     string   `json:"userId"`
	Connectors []string `json:"connectors"`
	Priority   string   `json:"processingPriority,omitempty"`
}

// ProgressRecord is one raw generation progress snapshot as the backend
// reports it. Monotonicity is enforced by the progress tracker, not here.
type ProgressRecord struct {
	Stage                  string `json:"stage"`
	Progress               int    `json:"progress"`
	CurrentTask            string `json:"currentTask"`
	EstimatedTimeRemaining int    `json:"estimatedTimeRemaining"` // seconds
	ConnectorsConnected    int    `json:"connectorsConnected"`
	DataPointsIngested     int    `json:"dataPointsIngested"`
	InsightsGenerated      int    `json:"insightsGenerated"`
}

// APIError is a tagged backend failure. Callers branch on Status/Code
// instead of probing response shapes.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is a session/auth failure that should be
// surfaced as "reconnect required" rather than a generic error.
func IsAuthError(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   errorBody       `json:"error"`
}

// errorBody accepts both wire shapes the backend emits: a bare string and a
// {code,message} object.
type errorBody struct {
	Code    string
	Message string
}

func (e *errorBody) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		e.Message = msg
		return nil
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Code = obj.Code
	e.Message = obj.Message
	return nil
}
