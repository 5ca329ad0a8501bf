// Package fetch wraps an aggregation run as a durable, observable job with a
// persisted status state machine.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/aggregate"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/observability"
)

var (
	// ErrNoCredential means no stored credential matches the principal.
	ErrNoCredential = errors.New("fetch: no credential for principal")
	// ErrBudgetExceeded is the continuation signal from a bounded run: the
	// job is still running in the background, not failed.
	ErrBudgetExceeded = errors.New("fetch: wall-clock budget exceeded")
)

// ClientFactory builds an upstream client authorized for one credential.
type ClientFactory func(ctx context.Context, cred domain.AccessCredential) (aggregate.Client, error)

// Publisher hands a run off to the background worker queue.
type Publisher interface {
	Publish(ctx context.Context, req Request) error
}

// terminalWriteTimeout bounds best-effort status writes that must still be
// attempted after the run's own context has died.
const terminalWriteTimeout = 5 * time.Second

// Option configures optional orchestrator behaviour.
type Option func(*Orchestrator)

// WithBudget sets the wall-clock budget for bounded runs.
func WithBudget(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.budget = d
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithWindow overrides the run window derivation; the default covers the
// configured season start through now.
func WithWindow(fn func(now time.Time) aggregate.Window) Option {
	return func(o *Orchestrator) {
		o.window = fn
	}
}

// RunInfo describes one in-flight run in the process-wide registry.
type RunInfo struct {
	Principal domain.Principal
	StartedAt time.Time
}

// Orchestrator owns the job lifecycle: it records start, progress, completion
// and failure in the status store, guards each principal with single-flight,
// and keeps a registry of in-flight runs so a panic is recorded as a failed
// job instead of leaving it stuck in fetching.
type Orchestrator struct {
	engine  *aggregate.Engine
	clients ClientFactory
	creds   domain.CredentialStore
	stats   domain.StatsStore
	status  domain.StatusStore
	queue   Publisher
	budget  time.Duration
	window  func(now time.Time) aggregate.Window
	logger  *log.Logger

	flight singleflight.Group

	mu      sync.Mutex
	running map[string]RunInfo
}

// NewOrchestrator constructs an Orchestrator. The queue may be nil for
// callers that never invoke RunBounded (the background worker).
func NewOrchestrator(engine *aggregate.Engine, clients ClientFactory, creds domain.CredentialStore, stats domain.StatsStore, status domain.StatusStore, queue Publisher, seasonStart time.Time, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:  engine,
		clients: clients,
		creds:   creds,
		stats:   stats,
		status:  status,
		queue:   queue,
		budget:  8 * time.Second,
		logger:  log.New(log.Writer(), "[fetch] ", log.LstdFlags),
		running: make(map[string]RunInfo),
	}
	o.window = func(now time.Time) aggregate.Window {
		return aggregate.Window{After: seasonStart, Before: now}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one unbounded run for the principal. Concurrent calls for the
// same principal join the in-flight run instead of racing on status writes.
func (o *Orchestrator) Run(ctx context.Context, p domain.Principal) error {
	_, err, _ := o.flight.Do(p.Key(), func() (interface{}, error) {
		return nil, o.run(ctx, p)
	})
	return err
}

// RunBounded executes a run racing the wall-clock budget. When the budget
// wins, the engine context is cancelled so nothing leaks, the job status is
// left as fetching, a continuation is published to the worker queue, and
// ErrBudgetExceeded is returned as the "check again later" signal.
func (o *Orchestrator) RunBounded(ctx context.Context, p domain.Principal) error {
	runCtx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	err := o.Run(runCtx, p)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	req := NewRequest(p)
	if pubErr := o.queue.Publish(ctx, req); pubErr != nil {
		o.logger.Printf("continuation publish failed for %s, job may stay in fetching: %v", p.Key(), pubErr)
		return pubErr
	}
	observability.RecordContinuationPublished()
	observability.RecordRun("budget_exceeded", 0)
	o.logger.Printf("budget exceeded for %s, continuation %s queued", p.Key(), req.CorrelationID)
	return ErrBudgetExceeded
}

// InFlight reports whether a run for the principal is currently registered.
func (o *Orchestrator) InFlight(p domain.Principal) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[p.Key()]
	return ok
}

// ActiveRuns snapshots the run registry.
func (o *Orchestrator) ActiveRuns() []RunInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunInfo, 0, len(o.running))
	for _, info := range o.running {
		out = append(out, info)
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, p domain.Principal) (err error) {
	cred, err := o.creds.GetCredential(ctx, p)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return ErrNoCredential
	}

	startedAt := time.Now().UTC()
	o.track(p, startedAt)
	defer o.untrack(p)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch run panic: %v", r)
			o.writeTerminal(p, startedAt, domain.FetchStateError, err.Error())
			observability.RecordRun("error", time.Since(startedAt))
		}
	}()

	if werr := o.status.UpsertStatus(ctx, domain.FetchStatus{
		ClientID:  p.ClientID,
		AthleteID: p.AthleteID,
		State:     domain.FetchStateFetching,
		StartedAt: startedAt,
	}); werr != nil {
		return fmt.Errorf("record run start: %w", werr)
	}

	client, err := o.clients(ctx, *cred)
	if err != nil {
		o.writeTerminal(p, startedAt, domain.FetchStateError, err.Error())
		observability.RecordRun("error", time.Since(startedAt))
		return err
	}

	onProgress := func(current, total int) error {
		return o.status.UpsertStatus(ctx, domain.FetchStatus{
			ClientID:  p.ClientID,
			AthleteID: p.AthleteID,
			State:     domain.FetchStateFetching,
			StartedAt: startedAt,
			Progress:  &domain.Progress{Current: current, Total: total},
		})
	}

	stats, err := o.engine.Fetch(ctx, client, cred.AthleteID, cred.AthleteName, o.window(time.Now().UTC()), onProgress)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Budget or caller cancellation: the status stays fetching so a
			// later invocation restarts the run from scratch.
			return err
		}
		o.writeTerminal(p, startedAt, domain.FetchStateError, err.Error())
		observability.RecordRun("error", time.Since(startedAt))
		return err
	}

	if err := o.stats.UpsertStats(ctx, p, *stats); err != nil {
		o.writeTerminal(p, startedAt, domain.FetchStateError, err.Error())
		observability.RecordRun("error", time.Since(startedAt))
		return fmt.Errorf("persist stats: %w", err)
	}

	o.writeTerminal(p, startedAt, domain.FetchStateCompleted, "")
	observability.RecordRun("completed", time.Since(startedAt))
	o.logger.Printf("run completed for %s: %d activities, %.1f km", p.Key(), stats.TotalActivities, stats.TotalDistance/1000)
	return nil
}

// writeTerminal records a terminal state best-effort: it runs on its own
// context so it still lands after the run context has died, and a failure here
// is logged rather than allowed to mask the run's outcome.
func (o *Orchestrator) writeTerminal(p domain.Principal, startedAt time.Time, state domain.FetchState, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	completedAt := time.Now().UTC()
	status := domain.FetchStatus{
		ClientID:    p.ClientID,
		AthleteID:   p.AthleteID,
		State:       state,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Error:       message,
	}
	if err := o.status.UpsertStatus(ctx, status); err != nil {
		o.logger.Printf("failed to record %s status for %s: %v", state, p.Key(), err)
	}
}

func (o *Orchestrator) track(p domain.Principal, startedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[p.Key()] = RunInfo{Principal: p, StartedAt: startedAt}
}

func (o *Orchestrator) untrack(p domain.Principal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, p.Key())
}
