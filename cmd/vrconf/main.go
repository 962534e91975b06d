package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sashakarcz/vrconf/internal/api"
	"github.com/sashakarcz/vrconf/internal/config"
	"github.com/sashakarcz/vrconf/internal/history"
	"github.com/sashakarcz/vrconf/internal/logger"
	"github.com/sashakarcz/vrconf/internal/reconciler"
	"github.com/sashakarcz/vrconf/internal/runlog"
	"github.com/sashakarcz/vrconf/internal/watch"
)

// Version is set at build time
var Version = "development"

var configFile string

var rootCmd = &cobra.Command{
	Use:     "vrconf",
	Version: Version,
	Short:   "Reconciles a virtual router against its data bags",
	Long: `vrconf reads the JSON data bags the management server drops on a
virtual router and converges dnsmasq and the redundancy stack
(keepalived, conntrackd) to match them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "path to configuration file")

	redundancyCmd.AddCommand(redundancyOnCmd, redundancyOffCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to show")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print runs as JSON")

	rootCmd.AddCommand(applyCmd, watchCmd, redundancyCmd, restoreCmd, runsCmd, interfacesCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vrconf: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), configFile, false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.runner.Run(cmd.Context(), runlog.TriggerManual)
		a.writeTextfile()
		if res != nil {
			printResult(cmd.OutOrStdout(), res)
		}
		return err
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reconcile on startup and whenever the data bags change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configFile, true)
		if err != nil {
			return err
		}
		defer a.Close()

		log := logger.Component(a.log, "cli")
		log.Info().
			Str("config", configFile).
			Str("version", Version).
			Msg("Starting vrconf")

		a.events.Start(ctx)

		// Status server (if enabled)
		var apiServer *api.Server
		if a.cfg.Observability.StatusListen != "" {
			var store api.RunStore
			if a.store != nil {
				store = a.store
			}
			var journal api.History
			if a.journal != nil {
				journal = a.journal
			}
			apiServer = api.New(api.Config{Listen: a.cfg.Observability.StatusListen}, a.runner, store, journal, a.metrics, a.log,
				api.WithEvents(a.events))
			if err := apiServer.Start(ctx); err != nil {
				return err
			}
		}

		poller := watch.NewPoller(a.fs, a.cfg.Paths.DataBagDir, a.runner, a.cfg.Watch.PollInterval, a.log)
		if err := poller.Start(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		// Metrics textfile export, until the poller exits
		g.Go(func() error {
			ticker := time.NewTicker(a.cfg.Watch.PollInterval)
			defer ticker.Stop()
			for {
				a.writeTextfile()
				select {
				case <-gctx.Done():
					return nil
				case <-poller.Done():
					a.writeTextfile()
					return nil
				case <-ticker.C:
				}
			}
		})

		// Shutdown
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Msg("Shutdown signal received, stopping")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var errs []error
			if err := poller.Stop(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
			if apiServer != nil {
				if err := apiServer.Stop(shutdownCtx); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})

		log.Info().Msg("vrconf is running. Press Ctrl+C to stop.")

		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
			return err
		}

		log.Info().Msg("Stopped. Goodbye!")
		return nil
	},
}

var redundancyCmd = &cobra.Command{
	Use:   "redundancy",
	Short: "Force the redundancy stack on or off",
}

var redundancyOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Provision keepalived and conntrackd from the data bags",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setRedundancy(cmd, true)
	},
}

var redundancyOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Stop keepalived and conntrackd and remove their state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return setRedundancy(cmd, false)
	},
}

func setRedundancy(cmd *cobra.Command, enabled bool) error {
	a, err := newApp(cmd.Context(), configFile, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.SetRedundancy(cmd.Context(), enabled)
	a.writeTextfile()
	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	return err
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Write back the version of a managed file from before its last change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configFile, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.journal == nil {
			return errors.New("history is disabled in the configuration")
		}

		// Hold the lock so a concurrent run does not overwrite the restore
		lock, err := reconciler.AcquireLock(a.fs, a.cfg.Paths.LockFile)
		if err != nil {
			return err
		}
		defer lock.Release()

		snap, err := a.journal.Restore(args[0])
		if errors.Is(err, history.ErrNoHistory) {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "restored %s from before run %s (%s)\n", args[0], snap.RunID, snap.Hash[:12])
		return nil
	},
}

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent reconciliation runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), configFile, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.store == nil {
			return errors.New("the run log is disabled in the configuration")
		}

		runs, err := a.store.Recent(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}

		if runsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		return printRuns(cmd.OutOrStdout(), runs)
	},
}

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "Show the IPv4 interfaces as discovered on this system",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), configFile, false)
		if err != nil {
			return err
		}
		defer a.Close()

		ifaces, err := a.exec.ListInterfaces(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tADDRESS\tNETMASK")
		for _, i := range ifaces {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", i.Device, i.IP, i.Netmask())
		}
		return tw.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vrconf %s\n", Version)
	},
}

func printResult(w io.Writer, res *reconciler.Result) {
	status := "ok"
	if !res.Success {
		status = "failed: " + res.ErrorMessage
	}
	fmt.Fprintf(w, "run %s %s (%s)\n", res.RunID, status, res.Duration.Round(time.Millisecond))
	for _, f := range res.Changed {
		fmt.Fprintf(w, "  changed  %s\n", f)
	}
	for _, a := range res.ServiceActions {
		fmt.Fprintf(w, "  service  %s\n", a)
	}
	for _, u := range res.Unmatched {
		fmt.Fprintf(w, "  skipped  %s (no matching interface)\n", u)
	}
}

func printRuns(w io.Writer, runs []*runlog.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tTRIGGER\tSTATUS\tDURATION\tCHANGED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.TriggeredBy,
			r.Status,
			r.Duration().Round(time.Millisecond),
			len(r.ChangedFiles),
		)
	}
	return tw.Flush()
}
