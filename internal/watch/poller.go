package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sashakarcz/vrconf/internal/reconciler"
	"github.com/sashakarcz/vrconf/internal/runlog"
)

// Runner performs one reconciliation
type Runner interface {
	Run(ctx context.Context, trigger runlog.Trigger) (*reconciler.Result, error)
}

// Poller handles periodic polling of the data bag directory
type Poller struct {
	fs           afero.Fs
	dir          string
	runner       Runner
	pollInterval time.Duration
	log          zerolog.Logger
	stopChan     chan struct{}
	doneChan     chan struct{}

	// fingerprint of the last successfully applied data bags. It is only
	// meaningful once synced is set, since an empty directory has an empty
	// fingerprint too.
	applied string
	synced  bool
}

// NewPoller creates a new data bag poller
func NewPoller(fs afero.Fs, dir string, runner Runner, pollInterval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{
		fs:           fs,
		dir:          dir,
		runner:       runner,
		pollInterval: pollInterval,
		log:          log.With().Str("component", "watch").Logger(),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start performs the initial run and begins the polling loop
func (p *Poller) Start(ctx context.Context) error {
	p.log.Info().
		Str("dir", p.dir).
		Dur("interval", p.pollInterval).
		Msg("Starting data bag poller")

	// Perform initial run
	p.log.Info().Msg("Performing initial reconciliation")
	p.perform(ctx, runlog.TriggerStartup)

	// Start polling loop in background
	go p.pollLoop(ctx)

	return nil
}

// Stop stops the polling loop
func (p *Poller) Stop(ctx context.Context) error {
	p.log.Info().Msg("Stopping data bag poller")

	close(p.stopChan)

	// Wait for polling loop to finish with timeout
	select {
	case <-p.doneChan:
		p.log.Info().Msg("Data bag poller stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn().Msg("Data bag poller stop timed out")
		return ctx.Err()
	}
}

// Done is closed when the polling loop has exited
func (p *Poller) Done() <-chan struct{} {
	return p.doneChan
}

// pollLoop is the main polling loop
func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			p.log.Debug().Msg("Poller received stop signal")
			return

		case <-ctx.Done():
			p.log.Debug().Msg("Poller context cancelled")
			return

		case <-ticker.C:
			fp, err := Fingerprint(p.fs, p.dir)
			if err != nil {
				p.log.Error().Err(err).Msg("Failed to fingerprint data bags")
				continue
			}
			if p.synced && fp == p.applied {
				continue
			}
			if p.synced {
				p.log.Info().Msg("Data bags changed")
			} else {
				p.log.Info().Msg("Retrying reconciliation")
			}
			p.perform(ctx, runlog.TriggerWatch)
		}
	}
}

// perform runs the reconciler. The fingerprint is taken before the run so a
// data bag rewritten during the run triggers another one.
func (p *Poller) perform(ctx context.Context, trigger runlog.Trigger) {
	fp, err := Fingerprint(p.fs, p.dir)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to fingerprint data bags")
		return
	}

	result, err := p.runner.Run(ctx, trigger)
	if errors.Is(err, reconciler.ErrLocked) {
		p.log.Warn().Msg("Another reconciliation holds the lock, retrying on next tick")
		return
	}
	if err != nil {
		p.log.Error().Err(err).Msg("Reconciliation failed during polling")
		return
	}

	p.applied = fp
	p.synced = true
	if len(result.Changed) > 0 {
		p.log.Info().
			Str("run_id", result.RunID).
			Strs("changed", result.Changed).
			Msg("Applied data bag changes")
	} else {
		p.log.Debug().Msg("Data bags applied without changes")
	}
}

// Fingerprint summarizes name, size and mtime of every JSON file in dir.
// A missing directory has an empty fingerprint.
func Fingerprint(fs afero.Fs, dir string) (string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read data bag directory: %w", err)
	}

	var parts []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d:%d", info.Name(), info.Size(), info.ModTime().UnixNano()))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|"), nil
}
