package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sashakarcz/vrconf/internal/databag"
	"github.com/sashakarcz/vrconf/internal/dnsmasq"
	"github.com/sashakarcz/vrconf/internal/events"
	"github.com/sashakarcz/vrconf/internal/history"
	"github.com/sashakarcz/vrconf/internal/metrics"
	"github.com/sashakarcz/vrconf/internal/redundancy"
	"github.com/sashakarcz/vrconf/internal/runlog"
	"github.com/sashakarcz/vrconf/internal/shell"
)

// RunStore persists run records
type RunStore interface {
	Create(ctx context.Context, run *runlog.Run) error
	Complete(ctx context.Context, run *runlog.Run) error
	Prune(ctx context.Context, retain int) (int64, error)
}

// Journal snapshots committed files
type Journal interface {
	Record(runID string, files []string) (*history.Snapshot, error)
}

// Publisher receives live run events
type Publisher interface {
	Publish(eventType events.EventType, runID, message string, details map[string]any)
}

// InterfaceLister discovers the live interfaces
type InterfaceLister interface {
	ListInterfaces(ctx context.Context) ([]shell.Interface, error)
}

// Result contains the result of a run
type Result struct {
	RunID          string
	Trigger        runlog.Trigger
	Success        bool
	ErrorMessage   string
	Changed        []string
	ServiceActions []string
	Redundant      bool
	Master         bool
	Entries        int
	Unmatched      []string
	Snapshot       *history.Snapshot
	Duration       time.Duration
}

// Runner performs one reconciliation at a time: data bags in, files and
// daemons converged, bookkeeping out
type Runner struct {
	fs         afero.Fs
	lockPath   string
	loader     *databag.Loader
	ifaces     InterfaceLister
	redundancy *redundancy.Controller
	dnsmasq    *dnsmasq.Reconciler
	log        zerolog.Logger

	store   RunStore
	retain  int
	journal Journal
	metrics *metrics.Metrics
	events  Publisher

	mu   sync.Mutex
	last *Result
}

// Option configures a Runner
type Option func(*Runner)

// WithRunStore records every run, keeping the newest retain
func WithRunStore(s RunStore, retain int) Option {
	return func(r *Runner) {
		r.store = s
		r.retain = retain
	}
}

// WithJournal snapshots changed files after every run
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithMetrics updates m after every run
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithEvents publishes the progress of every run to p
func WithEvents(p Publisher) Option {
	return func(r *Runner) { r.events = p }
}

// New creates a new runner
func New(
	fs afero.Fs,
	lockPath string,
	loader *databag.Loader,
	ifaces InterfaceLister,
	red *redundancy.Controller,
	dns *dnsmasq.Reconciler,
	log zerolog.Logger,
	opts ...Option,
) *Runner {
	r := &Runner{
		fs:         fs,
		lockPath:   lockPath,
		loader:     loader,
		ifaces:     ifaces,
		redundancy: red,
		dnsmasq:    dns,
		log:        log.With().Str("component", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles redundancy and dnsmasq against the current data bags
func (r *Runner) Run(ctx context.Context, trigger runlog.Trigger) (*Result, error) {
	return r.execute(ctx, trigger, func(ctx context.Context, bag *databag.Bag, result *Result) error {
		// Discover interfaces
		ifaces, err := r.ifaces.ListInterfaces(ctx)
		if err != nil {
			return err
		}

		// Redundancy
		res, err := r.redundancy.Reconcile(ctx, bag)
		mergeRedundancy(result, res)
		if err != nil {
			return err
		}

		// dnsmasq
		dns, err := r.dnsmasq.Reconcile(ctx, bag, ifaces)
		if dns != nil {
			result.Changed = append(result.Changed, dns.Changed...)
			result.ServiceActions = appendActions(result.ServiceActions, dns.Actions)
			result.Entries = dns.Entries
			result.Unmatched = dns.Unmatched
		}
		return err
	})
}

// SetRedundancy forces redundancy on or off regardless of the data bag flag.
// dnsmasq is left alone.
func (r *Runner) SetRedundancy(ctx context.Context, enabled bool) (*Result, error) {
	return r.execute(ctx, runlog.TriggerManual, func(ctx context.Context, bag *databag.Bag, result *Result) error {
		var (
			res *redundancy.Result
			err error
		)
		if enabled {
			res, err = r.redundancy.On(ctx, bag)
		} else {
			res, err = r.redundancy.Off(ctx)
		}
		mergeRedundancy(result, res)
		return err
	})
}

// Last returns the result of the most recent run, or nil
func (r *Runner) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func mergeRedundancy(result *Result, res *redundancy.Result) {
	if res == nil {
		return
	}
	result.Redundant = res.Enabled
	result.Changed = append(result.Changed, res.Changed...)
	result.Changed = append(result.Changed, res.Removed...)
	result.ServiceActions = appendActions(result.ServiceActions, res.Actions)
}

// execute runs body under the lock and takes care of the run log, history
// and metrics whatever the outcome
func (r *Runner) execute(ctx context.Context, trigger runlog.Trigger, body func(context.Context, *databag.Bag, *Result) error) (*Result, error) {
	lock, err := AcquireLock(r.fs, r.lockPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.log.Error().Err(err).Msg("Failed to release lock")
		}
	}()

	start := time.Now()
	run := &runlog.Run{
		ID:          uuid.NewString(),
		StartedAt:   start,
		Status:      runlog.StatusRunning,
		TriggeredBy: trigger,
	}
	result := &Result{RunID: run.ID, Trigger: trigger}
	log := r.log.With().Str("run_id", run.ID).Str("trigger", string(trigger)).Logger()

	// Create run log entry
	if r.store != nil {
		if err := r.store.Create(ctx, run); err != nil {
			log.Error().Err(err).Msg("Failed to create run log entry")
			r.recordRunLogError()
		}
	}

	log.Info().Msg("Starting reconciliation")
	r.publish(events.EventTypeRunStarted, run.ID, "Reconciliation started", map[string]any{"trigger": trigger})

	// Load data bags
	bag, runErr := r.loader.Load()
	if runErr == nil {
		result.Master = bag.Router.IsMaster()
		runErr = body(ctx, bag, result)
	}

	result.Changed = dedupe(result.Changed)
	result.Duration = time.Since(start)
	result.Success = runErr == nil
	if runErr != nil {
		result.ErrorMessage = runErr.Error()
	}

	r.finalize(ctx, log, run, result)

	if runErr != nil {
		log.Error().Err(runErr).Strs("changed", result.Changed).Msg("Reconciliation failed")
		return result, fmt.Errorf("reconciliation failed: %w", runErr)
	}

	log.Info().
		Strs("changed", result.Changed).
		Strs("actions", result.ServiceActions).
		Dur("duration", result.Duration).
		Msg("Reconciliation completed")

	return result, nil
}

// finalize records history, the run log entry and metrics
func (r *Runner) finalize(ctx context.Context, log zerolog.Logger, run *runlog.Run, result *Result) {
	// History
	if r.journal != nil && len(result.Changed) > 0 {
		snap, err := r.journal.Record(run.ID, result.Changed)
		if err != nil {
			log.Error().Err(err).Msg("Failed to record history")
		} else if snap != nil {
			result.Snapshot = snap
			if r.metrics != nil {
				r.metrics.RecordHistorySnapshot()
			}
		}
	}

	// Run log
	if r.store != nil {
		now := time.Now()
		run.CompletedAt = &now
		run.ChangedFiles = result.Changed
		run.ServiceActions = result.ServiceActions
		run.ErrorMessage = result.ErrorMessage
		run.Status = runlog.StatusSuccess
		if !result.Success {
			run.Status = runlog.StatusFailed
		}

		// Record the outcome even when ctx was cancelled
		bg := context.WithoutCancel(ctx)
		if err := r.store.Complete(bg, run); err != nil && !errors.Is(err, runlog.ErrNotFound) {
			log.Error().Err(err).Msg("Failed to update run log entry")
			r.recordRunLogError()
		}
		if _, err := r.store.Prune(bg, r.retain); err != nil {
			log.Warn().Err(err).Msg("Failed to prune run log")
		}
	}

	// Metrics
	if r.metrics != nil {
		r.metrics.RecordRun(result.Success, result.Duration.Seconds())
		r.metrics.RecordFileChanges(result.Changed)
		for _, a := range result.ServiceActions {
			svc, action, _ := strings.Cut(a, ":")
			r.metrics.RecordServiceAction(svc, action)
		}
		r.metrics.UpdateDhcpMetrics(result.Entries, len(result.Unmatched))
		r.metrics.UpdateRedundancy(result.Redundant, result.Master)
	}

	// Events
	for _, f := range result.Changed {
		r.publish(events.EventTypeFileChanged, run.ID, f, nil)
	}
	for _, a := range result.ServiceActions {
		r.publish(events.EventTypeServiceAction, run.ID, a, nil)
	}
	details := map[string]any{
		"changed":     len(result.Changed),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Success {
		r.publish(events.EventTypeRunCompleted, run.ID, "Reconciliation completed", details)
	} else {
		details["error"] = result.ErrorMessage
		r.publish(events.EventTypeRunFailed, run.ID, "Reconciliation failed", details)
	}

	r.mu.Lock()
	r.last = result
	r.mu.Unlock()
}

func (r *Runner) publish(eventType events.EventType, runID, message string, details map[string]any) {
	if r.events != nil {
		r.events.Publish(eventType, runID, message, details)
	}
}

func (r *Runner) recordRunLogError() {
	if r.metrics != nil {
		r.metrics.RecordRunLogError()
	}
}

func appendActions(dst []string, actions []shell.ServiceAction) []string {
	for _, a := range actions {
		dst = append(dst, a.String())
	}
	return dst
}

func dedupe(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
