// Package progress polls twin generation progress and presents it as a
// monotonic sequence. The backend's raw reports may jitter backwards under
// load balancing; consumers only ever observe non-decreasing stages and
// percentages, with completion surfaced exactly once per run.
package progress

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulsig/twinhub/internal/backend"
)

// DefaultPollInterval is used when the caller passes a non-positive interval.
const DefaultPollInterval = 2 * time.Second

// ErrNoActiveRun is returned by Latest when no run has been started.
var ErrNoActiveRun = errors.New("no active progress run")

// Source is the backend surface the tracker polls.
type Source interface {
	Progress(ctx context.Context, twinID string) (backend.ProgressRecord, error)
}

// Snapshot is one observer-facing progress state. Unlike the raw backend
// record it is guaranteed monotonic within a run, and Progress is 100 if and
// only if Stage is ready.
type Snapshot struct {
	RunID  string
	TwinID string

	Stage       Stage
	Progress    int
	CurrentTask string

	EstimatedTimeRemaining time.Duration
	ConnectorsConnected    int
	DataPointsIngested     int
	InsightsGenerated      int

	// Done is set on the single terminal success snapshot of a run.
	Done bool
	// Failed is set on the single terminal failure snapshot of a run. A
	// failed run never resumes; the caller starts a new run explicitly.
	Failed bool
	Err    string

	At time.Time
}

// Terminal reports whether the snapshot ends its run.
func (s Snapshot) Terminal() bool {
	return s.Done || s.Failed
}

// Tracker polls one twin's generation progress at a time. Starting a new run
// supersedes the previous one: its poll loop stops and any in-flight result
// it still produces is discarded.
type Tracker struct {
	source   Source
	interval time.Duration
	onUpdate func(Snapshot)

	mu     sync.Mutex
	runID  string
	cancel context.CancelFunc
	latest Snapshot
	active bool
}

// NewTracker creates a Tracker. onUpdate receives every published snapshot
// in order, terminal one last; it may be nil.
func NewTracker(source Source, interval time.Duration, onUpdate func(Snapshot)) *Tracker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if onUpdate == nil {
		onUpdate = func(Snapshot) {}
	}
	return &Tracker{
		source:   source,
		interval: interval,
		onUpdate: onUpdate,
	}
}

// Start begins polling progress for twinID and returns the run token. Any
// in-flight run is superseded immediately.
func (t *Tracker) Start(ctx context.Context, twinID string) string {
	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		log.Printf("[progress] Run %s superseded", t.runID)
	}
	t.runID = runID
	t.cancel = cancel
	t.active = true
	first := Snapshot{
		RunID:  runID,
		TwinID: twinID,
		Stage:  StageConnecting,
		At:     time.Now(),
	}
	t.latest = first
	t.mu.Unlock()

	log.Printf("[progress] Run %s started for twin %s", runID, twinID)
	t.onUpdate(first)
	go t.poll(runCtx, runID, twinID)
	return runID
}

// poll drives one run. It exits on the first terminal snapshot or when the
// run context is cancelled (supersession or Stop).
func (t *Tracker) poll(ctx context.Context, runID, twinID string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		record, err := t.source.Progress(ctx, twinID)
		if ctx.Err() != nil {
			return
		}

		snapshot, publish := t.apply(runID, record, err)
		if !publish {
			// A later run took over while this poll was in flight.
			return
		}
		t.onUpdate(snapshot)
		if snapshot.Terminal() {
			return
		}
	}
}

// apply folds one raw poll result into the run's monotonic state. Results
// for a superseded run are dropped wholesale.
func (t *Tracker) apply(runID string, record backend.ProgressRecord, err error) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if runID != t.runID || !t.active {
		return Snapshot{}, false
	}

	next := t.latest
	next.At = time.Now()

	if err != nil {
		log.Printf("[progress] Run %s failed: %v", runID, err)
		next.Failed = true
		next.Err = err.Error()
		t.latest = next
		t.active = false
		return next, true
	}

	// Stages only advance. A raw report behind the published stage keeps the
	// published stage; its counters may still move forward.
	if reported := Stage(record.Stage); reported.Valid() && !reported.Before(next.Stage) {
		next.Stage = reported
	}
	if record.CurrentTask != "" {
		next.CurrentTask = record.CurrentTask
	}
	next.EstimatedTimeRemaining = time.Duration(record.EstimatedTimeRemaining) * time.Second
	next.ConnectorsConnected = maxInt(next.ConnectorsConnected, record.ConnectorsConnected)
	next.DataPointsIngested = maxInt(next.DataPointsIngested, record.DataPointsIngested)
	next.InsightsGenerated = maxInt(next.InsightsGenerated, record.InsightsGenerated)

	next.Progress = maxInt(next.Progress, clampPercent(record.Progress))
	if next.Stage == StageReady {
		next.Progress = 100
		next.Done = true
		t.active = false
		log.Printf("[progress] Run %s complete", runID)
	} else if next.Progress >= 100 {
		// 100 is reserved for the ready stage.
		next.Progress = 99
	}

	t.latest = next
	return next, true
}

// Latest returns the most recent published snapshot for the current run.
func (t *Tracker) Latest() (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runID == "" {
		return Snapshot{}, ErrNoActiveRun
	}
	return t.latest, nil
}

// RunID returns the current run token, empty if none was started.
func (t *Tracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

// Stop abandons the current run without publishing a terminal snapshot.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.active = false
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
