package onboarding

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/soulsig/twinhub/internal/backend"
)

type fakeConnections struct {
	connected []string
}

func (f *fakeConnections) ConnectedProviders() []string { return f.connected }

type fakeTwins struct {
	createErr   error
	createCalls int
	lastReq     backend.CreateTwinRequest
	existing    *backend.Twin
	findErr     error
}

func (f *fakeTwins) CreateTwin(ctx context.Context, req backend.CreateTwinRequest) (backend.Twin, error) {
	f.createCalls++
	f.lastReq = req
	if f.createErr != nil {
		return backend.Twin{}, f.createErr
	}
	return backend.Twin{ID: "twin-1", UserID: req.UserID, Status: "generating"}, nil
}

func (f *fakeTwins) FindTwin(ctx context.Context, userID string) (backend.Twin, bool, error) {
	if f.findErr != nil {
		return backend.Twin{}, false, f.findErr
	}
	if f.existing == nil {
		return backend.Twin{}, false, nil
	}
	return *f.existing, true, nil
}

type staticSession string

func (s staticSession) UserID() string { return string(s) }

func newTestFlow(connections *fakeConnections, twins *fakeTwins) *Flow {
	return NewFlow(connections, twins, staticSession("user-1"))
}

func TestAdvanceBlockedWithoutConnections(t *testing.T) {
	flow := newTestFlow(&fakeConnections{}, &fakeTwins{})

	state, err := flow.Advance(context.Background())
	if !errors.Is(err, ErrNoConnections) {
		t.Fatalf("expected ErrNoConnections, got %v", err)
	}
	if state.Step != StepConnect {
		t.Errorf("step = %v, want connect after a blocked advance", state.Step)
	}
}

func TestAdvanceAllowedWithConnectedProvider(t *testing.T) {
	flow := newTestFlow(&fakeConnections{connected: []string{"spotify"}}, &fakeTwins{})

	state, err := flow.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if state.Step != StepConfigure {
		t.Errorf("step = %v, want configure", state.Step)
	}
}

func TestAdvanceAllowedWithSelectionOnly(t *testing.T) {
	flow := newTestFlow(&fakeConnections{}, &fakeTwins{})
	flow.Select("google_gmail")

	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("advance with a selection: %v", err)
	}
}

func TestBackPreservesSelections(t *testing.T) {
	flow := newTestFlow(&fakeConnections{connected: []string{"spotify"}}, &fakeTwins{})
	flow.Select("spotify")
	flow.Select("whoop")
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}

	state, err := flow.Back()
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if state.Step != StepConnect {
		t.Errorf("step = %v, want connect", state.Step)
	}
	if !reflect.DeepEqual(state.Selected, []string{"spotify", "whoop"}) {
		t.Errorf("selections lost on back navigation: %v", state.Selected)
	}

	if _, err := flow.Back(); !errors.Is(err, ErrAtFirstStep) {
		t.Errorf("expected ErrAtFirstStep, got %v", err)
	}
}

func TestGenerateCreatesTwinOnce(t *testing.T) {
	twins := &fakeTwins{}
	flow := newTestFlow(&fakeConnections{connected: []string{"spotify"}}, twins)
	flow.Select("spotify")
	flow.SetPriority("social_butterfly")
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("1->2: %v", err)
	}

	state, err := flow.Advance(context.Background())
	if err != nil {
		t.Fatalf("2->3: %v", err)
	}
	if state.Step != StepGenerate || state.TwinID != "twin-1" {
		t.Errorf("state = %+v", state)
	}
	if twins.lastReq.Priority != "social_butterfly" {
		t.Errorf("priority not forwarded: %+v", twins.lastReq)
	}
	if !reflect.DeepEqual(twins.lastReq.Connectors, []string{"spotify"}) {
		t.Errorf("connectors = %v", twins.lastReq.Connectors)
	}

	// Back and forward again must not create a second twin.
	if _, err := flow.Back(); err != nil {
		t.Fatalf("back: %v", err)
	}
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	if twins.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 per run", twins.createCalls)
	}
}

func TestGenerateUsesConnectedSetWhenNothingSelected(t *testing.T) {
	twins := &fakeTwins{}
	flow := newTestFlow(&fakeConnections{connected: []string{"whoop", "spotify"}}, twins)
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("1->2: %v", err)
	}
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("2->3: %v", err)
	}
	if !reflect.DeepEqual(twins.lastReq.Connectors, []string{"spotify", "whoop"}) {
		t.Errorf("connectors = %v, want the connected set when nothing is selected", twins.lastReq.Connectors)
	}
}

func TestCreateFailureWithDiscoverableTwinDegrades(t *testing.T) {
	twins := &fakeTwins{
		createErr: &backend.APIError{Status: 500, Message: "twin service unavailable"},
		existing:  &backend.Twin{ID: "twin-old", UserID: "user-1", Status: "ready"},
	}
	flow := newTestFlow(&fakeConnections{connected: []string{"spotify"}}, twins)
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("1->2: %v", err)
	}

	state, err := flow.Advance(context.Background())
	if err != nil {
		t.Fatalf("expected degraded advance, got %v", err)
	}
	if state.Step != StepGenerate || !state.Degraded || state.TwinID != "twin-old" {
		t.Errorf("state = %+v", state)
	}
}

func TestCreateFailureWithoutTwinStaysOnConfigure(t *testing.T) {
	twins := &fakeTwins{
		createErr: &backend.APIError{Status: 500, Message: "twin service unavailable"},
	}
	flow := newTestFlow(&fakeConnections{connected: []string{"spotify"}}, twins)
	if _, err := flow.Advance(context.Background()); err != nil {
		t.Fatalf("1->2: %v", err)
	}

	state, err := flow.Advance(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if state.Step != StepConfigure {
		t.Errorf("step = %v, want configure after a failed create", state.Step)
	}
}

func TestRestartFromConfigureDropsTwin(t *testing.T) {
	twins := &fakeTwins{}
	flow := newTestFlow(&fakeConnections{connected: []string{"spotify"}}, twins)
	ctx := context.Background()
	if _, err := flow.Advance(ctx); err != nil {
		t.Fatalf("1->2: %v", err)
	}
	if _, err := flow.Advance(ctx); err != nil {
		t.Fatalf("2->3: %v", err)
	}

	state := flow.RestartFromConfigure()
	if state.Step != StepConfigure || state.TwinID != "" {
		t.Errorf("state = %+v", state)
	}
	if _, err := flow.Advance(ctx); err != nil {
		t.Fatalf("re-advance: %v", err)
	}
	if twins.createCalls != 2 {
		t.Errorf("createCalls = %d, want a fresh twin after restart", twins.createCalls)
	}
}
