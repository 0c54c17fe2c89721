// Package onboarding drives the linear Connect → Configure → Generate flow.
// The controller owns only navigation state and the connector selection; all
// connection truth comes from the status read model, and the twin record
// from the backend.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/soulsig/twinhub/internal/backend"
)

// Step is a position in the fixed flow.
type Step int

const (
	StepConnect   Step = 1
	StepConfigure Step = 2
	StepGenerate  Step = 3
)

func (s Step) String() string {
	switch s {
	case StepConnect:
		return "connect"
	case StepConfigure:
		return "configure"
	case StepGenerate:
		return "generate"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

var (
	// ErrNoConnections blocks leaving the connect step with nothing to work
	// on. The message is user-facing.
	ErrNoConnections = errors.New("connect at least one service to continue")
	// ErrAtLastStep rejects advancing past the generate step.
	ErrAtLastStep = errors.New("already at the last step")
	// ErrAtFirstStep rejects navigating back from the connect step.
	ErrAtFirstStep = errors.New("already at the first step")
)

// Connections is the slice of the status read model the flow gates on.
type Connections interface {
	ConnectedProviders() []string
}

// Twins is the backend surface for twin creation and discovery.
type Twins interface {
	CreateTwin(ctx context.Context, req backend.CreateTwinRequest) (backend.Twin, error)
	FindTwin(ctx context.Context, userID string) (backend.Twin, bool, error)
}

// Session supplies the acting user.
type Session interface {
	UserID() string
}

// State is a point-in-time view of the flow for rendering.
type State struct {
	Step       Step     `json:"step"`
	Selected   []string `json:"selectedConnectors"`
	Priority   string   `json:"processingPriority,omitempty"`
	TwinID     string   `json:"twinId,omitempty"`
	TwinStatus string   `json:"twinStatus,omitempty"`
	// Degraded marks a generate step entered through twin discovery after a
	// failed create.
	Degraded bool `json:"degraded,omitempty"`
}

// Flow is the 3-step controller. Navigation and selection state live only in
// memory; a restart re-derives everything from the backend.
type Flow struct {
	connections Connections
	twins       Twins
	session     Session

	mu       sync.Mutex
	step     Step
	selected map[string]bool
	priority string
	twin     *backend.Twin
	degraded bool
}

// NewFlow creates a flow positioned at the connect step.
func NewFlow(connections Connections, twins Twins, session Session) *Flow {
	return &Flow{
		connections: connections,
		twins:       twins,
		session:     session,
		step:        StepConnect,
		selected:    map[string]bool{},
	}
}

// State returns the current flow state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Flow) stateLocked() State {
	s := State{
		Step:     f.step,
		Selected: f.selectedList(),
		Priority: f.priority,
		Degraded: f.degraded,
	}
	if f.twin != nil {
		s.TwinID = f.twin.ID
		s.TwinStatus = f.twin.Status
	}
	return s
}

func (f *Flow) selectedList() []string {
	out := make([]string, 0, len(f.selected))
	for id := range f.selected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Select adds a connector to the run's selection.
func (f *Flow) Select(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected[provider] = true
}

// Deselect removes a connector from the run's selection.
func (f *Flow) Deselect(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.selected, provider)
}

// SetPriority records the processing-priority hint for twin creation.
func (f *Flow) SetPriority(priority string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priority = priority
}

// Back moves one step backwards. Selections and the twin record are
// preserved so forward navigation resumes where it left off.
func (f *Flow) Back() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step <= StepConnect {
		return f.stateLocked(), ErrAtFirstStep
	}
	f.step--
	log.Printf("[onboarding] Back to %s", f.step)
	return f.stateLocked(), nil
}

// Advance moves one step forward, enforcing the transition guards. A guard
// failure leaves the step unchanged and returns an error with a user-facing
// message.
func (f *Flow) Advance(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.step {
	case StepConnect:
		if len(f.selected) == 0 && len(f.connections.ConnectedProviders()) == 0 {
			return f.stateLocked(), ErrNoConnections
		}
		f.step = StepConfigure
		log.Printf("[onboarding] Advanced to %s", f.step)
		return f.stateLocked(), nil

	case StepConfigure:
		if err := f.ensureTwinLocked(ctx); err != nil {
			return f.stateLocked(), err
		}
		f.step = StepGenerate
		log.Printf("[onboarding] Advanced to %s (twin %s)", f.step, f.twin.ID)
		return f.stateLocked(), nil

	default:
		return f.stateLocked(), ErrAtLastStep
	}
}

// ensureTwinLocked makes the 2→3 transition idempotent: one create per run,
// with discovery of an existing twin as the degraded fallback when the
// create fails.
func (f *Flow) ensureTwinLocked(ctx context.Context) error {
	if f.twin != nil {
		return nil
	}

	connectors := f.selectedList()
	if len(connectors) == 0 {
		connectors = f.connections.ConnectedProviders()
		sort.Strings(connectors)
	}

	userID := f.session.UserID()
	twin, err := f.twins.CreateTwin(ctx, backend.CreateTwinRequest{
		UserID:     userID,
		Connectors: connectors,
		Priority:   f.priority,
	})
	if err == nil {
		f.twin = &twin
		f.degraded = false
		return nil
	}

	// Create failed. An independently discoverable twin still lets the run
	// proceed, flagged as degraded; otherwise the flow stays on configure.
	existing, found, findErr := f.twins.FindTwin(ctx, userID)
	if findErr == nil && found {
		log.Printf("[onboarding] Create twin failed (%v), continuing with existing twin %s", err, existing.ID)
		f.twin = &existing
		f.degraded = true
		return nil
	}
	return fmt.Errorf("create twin: %w", err)
}

// Twin returns the run's twin record once the generate step was entered.
func (f *Flow) Twin() (backend.Twin, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.twin == nil {
		return backend.Twin{}, false
	}
	return *f.twin, true
}

// RestartFromConfigure returns to the configure step after a failed
// generation run, dropping the twin record so the next advance creates a
// fresh one. Selections are preserved.
func (f *Flow) RestartFromConfigure() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = StepConfigure
	f.twin = nil
	f.degraded = false
	log.Printf("[onboarding] Restarted from %s", f.step)
	return f.stateLocked()
}

// Reset returns the flow to its initial state. Part of sign-out teardown.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = StepConnect
	f.selected = map[string]bool{}
	f.priority = ""
	f.twin = nil
	f.degraded = false
}
