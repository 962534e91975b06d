package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/sashakarcz/vrconf/internal/config"
	"github.com/sashakarcz/vrconf/internal/databag"
	"github.com/sashakarcz/vrconf/internal/dnsmasq"
	"github.com/sashakarcz/vrconf/internal/events"
	"github.com/sashakarcz/vrconf/internal/history"
	"github.com/sashakarcz/vrconf/internal/logger"
	"github.com/sashakarcz/vrconf/internal/metrics"
	"github.com/sashakarcz/vrconf/internal/reconciler"
	"github.com/sashakarcz/vrconf/internal/redundancy"
	"github.com/sashakarcz/vrconf/internal/runlog"
	"github.com/sashakarcz/vrconf/internal/shell"
)

// app holds every component built from the configuration
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	fs      afero.Fs
	exec    *shell.Executor
	store   *runlog.Store
	journal *history.Journal
	metrics *metrics.Metrics
	events  *events.Broadcaster
	runner  *reconciler.Runner
}

// newApp loads the configuration and wires the components. A daemon also
// gets Go runtime metrics and a live event feed.
func newApp(ctx context.Context, configPath string, daemon bool) (*app, error) {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logging
	log, err := logger.Setup(logger.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		fs:      afero.NewOsFs(),
		metrics: metrics.New(daemon),
	}

	// Shell executor
	opts := []shell.Option{shell.WithHostnameFile(cfg.Paths.Hostname)}
	if cfg.Shell.CommandTimeout > 0 {
		opts = append(opts, shell.WithTimeout(cfg.Shell.CommandTimeout))
	}
	a.exec = shell.New(a.fs, log, opts...)
	if cfg.Interfaces.Source == "ip" {
		a.exec = shell.New(a.fs, log,
			append(opts, shell.WithInterfaceSource(shell.IPCommandSource{Exec: a.exec}))...)
	}

	// Run log
	if cfg.RunLog.Driver != "none" {
		a.store, err = runlog.Open(ctx, runlog.Config{
			Driver:         cfg.RunLog.Driver,
			DSN:            cfg.RunLog.DSN,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open run log: %w", err)
		}
	}

	// History
	if cfg.History.Enabled {
		a.journal, err = history.Open(cfg.History.Path, cfg.History.Author, a.fs, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
	}

	red := redundancy.New(a.fs, a.exec, redundancy.Paths{
		Ramdisk:       cfg.Paths.Ramdisk,
		RouterDir:     cfg.Paths.RouterDir,
		TemplatesDir:  cfg.Paths.TemplatesDir,
		Keepalived:    cfg.Paths.Keepalived,
		Conntrackd:    cfg.Paths.Conntrackd,
		HeartbeatCron: cfg.Paths.HeartbeatCron,
	}, redundancy.Options{
		Priority:         cfg.Redundancy.Priority,
		Weight:           cfg.Redundancy.Weight,
		MulticastAddress: cfg.Redundancy.MulticastAddress,
		MulticastGroup:   cfg.Redundancy.MulticastGroup,
		SocketBuffer:     cfg.Redundancy.SocketBuffer,
	}, log)

	dns := dnsmasq.New(a.fs, a.exec, dnsmasq.Paths{
		Hosts:     cfg.Paths.Hosts,
		DhcpHosts: cfg.Paths.DhcpHosts,
		DhcpOpts:  cfg.Paths.DhcpOpts,
		CloudConf: cfg.Paths.CloudConf,
		Leases:    cfg.Paths.Leases,
	}, dnsmasq.Options{
		User:                cfg.Dnsmasq.User,
		LeaseMin:            cfg.Dnsmasq.LeaseMin,
		LeaseMax:            cfg.Dnsmasq.LeaseMax,
		RestartOnConfChange: cfg.Dnsmasq.RestartOnConfChange,
		DefaultDomain:       cfg.Dnsmasq.DefaultDomain,
	}, log)

	runnerOpts := []reconciler.Option{reconciler.WithMetrics(a.metrics)}
	if a.store != nil {
		runnerOpts = append(runnerOpts, reconciler.WithRunStore(a.store, cfg.RunLog.Retain))
	}
	if a.journal != nil {
		runnerOpts = append(runnerOpts, reconciler.WithJournal(a.journal))
	}
	if daemon {
		a.events = events.NewBroadcaster(log)
		runnerOpts = append(runnerOpts, reconciler.WithEvents(a.events))
	}

	a.runner = reconciler.New(
		a.fs,
		cfg.Paths.LockFile,
		databag.NewLoader(a.fs, cfg.Paths.DataBagDir, log),
		a.exec,
		red,
		dns,
		log,
		runnerOpts...,
	)

	return a, nil
}

// writeTextfile exports the metrics for the node exporter when configured
func (a *app) writeTextfile() {
	if a.cfg.Observability.MetricsTextfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Observability.MetricsTextfile); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write metrics textfile")
	}
}

// Close releases the run log connection
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close run log")
		}
	}
}
