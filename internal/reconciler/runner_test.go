package reconciler

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/mount-utils"

	"github.com/sashakarcz/vrconf/internal/databag"
	"github.com/sashakarcz/vrconf/internal/dnsmasq"
	"github.com/sashakarcz/vrconf/internal/events"
	"github.com/sashakarcz/vrconf/internal/history"
	"github.com/sashakarcz/vrconf/internal/metrics"
	"github.com/sashakarcz/vrconf/internal/redundancy"
	"github.com/sashakarcz/vrconf/internal/runlog"
	"github.com/sashakarcz/vrconf/internal/shell"
	"github.com/sashakarcz/vrconf/internal/shell/fake"
)

const (
	bagDir   = "/etc/cloudstack"
	lockPath = "/var/run/vrconf.lock"
)

type memStore struct {
	runs    map[string]runlog.Run
	order   []string
	pruned  int
	failing error
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]runlog.Run)}
}

func (s *memStore) Create(_ context.Context, run *runlog.Run) error {
	if s.failing != nil {
		return s.failing
	}
	s.runs[run.ID] = *run
	s.order = append(s.order, run.ID)
	return nil
}

func (s *memStore) Complete(_ context.Context, run *runlog.Run) error {
	if s.failing != nil {
		return s.failing
	}
	if _, ok := s.runs[run.ID]; !ok {
		return runlog.ErrNotFound
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) Prune(_ context.Context, retain int) (int64, error) {
	s.pruned = retain
	return 0, nil
}

type recordingPublisher struct {
	types []events.EventType
}

func (p *recordingPublisher) Publish(eventType events.EventType, _, _ string, _ map[string]any) {
	p.types = append(p.types, eventType)
}

type harness struct {
	fs      afero.Fs
	procs   *fake.ProcessTable
	signals *fake.Signals
	store   *memStore
	metrics *metrics.Metrics
	events  *recordingPublisher
	runner  *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		fs:      afero.NewMemMapFs(),
		procs:   &fake.ProcessTable{Procs: []shell.Process{{PID: 4242, User: "dnsmasq", Comm: "dnsmasq"}}},
		signals: &fake.Signals{},
		store:   newMemStore(),
		metrics: metrics.New(false),
		events:  &recordingPublisher{},
	}
	(&fake.Exec{}).Setup(t)

	require.NoError(t, afero.WriteFile(h.fs, "/etc/hostname", []byte("r-7-VM\n"), 0644))

	exec := shell.New(h.fs, zerolog.Nop(),
		shell.WithMounter(mount.NewFakeMounter(nil)),
		shell.WithProcessLister(h.procs),
		shell.WithSignalFunc(h.signals.Send),
		shell.WithInterfaceSource(&fake.Interfaces{List: []shell.Interface{
			fake.Interface(t, "lo", "127.0.0.1/8"),
			fake.Interface(t, "eth0", "10.1.1.1/24"),
		}}),
	)

	red := redundancy.New(h.fs, exec, redundancy.Paths{
		Ramdisk:       "/ramdisk",
		RouterDir:     "/ramdisk/rrouter",
		TemplatesDir:  "/opt/cloud/templates",
		Keepalived:    "/etc/keepalived/keepalived.conf",
		Conntrackd:    "/etc/conntrackd/conntrackd.conf",
		HeartbeatCron: "/etc/cron.d/heartbeat",
	}, redundancy.Options{Priority: 100, Weight: 2, MulticastAddress: "225.0.0.50", MulticastGroup: 3780, SocketBuffer: 1249280}, zerolog.Nop())

	dns := dnsmasq.New(h.fs, exec, dnsmasq.Paths{
		Hosts:     "/etc/hosts",
		DhcpHosts: "/etc/dhcphosts.txt",
		DhcpOpts:  "/etc/dhcpopts.txt",
		CloudConf: "/etc/dnsmasq.d/cloud.conf",
		Leases:    "/var/lib/misc/dnsmasq.leases",
	}, dnsmasq.Options{User: "dnsmasq", LeaseMin: 700, LeaseMax: 760, DefaultDomain: "cloudnine.internal"},
		zerolog.Nop(), dnsmasq.WithRand(rand.New(rand.NewPCG(1, 2))))

	journal, err := history.New(memory.NewStorage(), memfs.New(), "vrconf", h.fs, zerolog.Nop())
	require.NoError(t, err)

	h.runner = New(h.fs, lockPath, databag.NewLoader(h.fs, bagDir, zerolog.Nop()), exec, red, dns, zerolog.Nop(),
		WithRunStore(h.store, 50),
		WithJournal(journal),
		WithMetrics(h.metrics),
		WithEvents(h.events),
	)
	return h
}

func (h *harness) bag(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(h.fs, filepath.Join(bagDir, name), []byte(content), 0644))
}

func (h *harness) standalone(t *testing.T) {
	h.bag(t, databag.CmdLineFile, `{"cmd_line": {"type": "router", "name": "r-7-VM", "domain": "cloudnine.internal", "dns1": "8.8.8.8"}}`)
	h.bag(t, databag.IPsFile, `{"eth0": [{"cidr": "10.1.1.1/24", "nw_type": "guest", "add": true}]}`)
	h.bag(t, databag.DhcpEntryFile, `{"vm1": {"mac_address": "52:54:00:12:34:56", "ipv4_address": "10.1.1.10", "host_name": "vm1", "default_entry": true, "default_gateway": "10.1.1.1"}}`)
}

func TestRun_Standalone(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)

	res, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []string{"/etc/dhcphosts.txt", "/etc/dnsmasq.d/cloud.conf", "/etc/hosts"}, res.Changed)
	assert.Equal(t, []string{"dnsmasq:hup"}, res.ServiceActions)
	assert.False(t, res.Redundant)
	assert.Equal(t, 1, res.Entries)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, res.RunID, res.Snapshot.RunID)

	// Bookkeeping
	run := h.store.runs[res.RunID]
	assert.Equal(t, runlog.StatusSuccess, run.Status)
	assert.Equal(t, res.Changed, run.ChangedFiles)
	assert.Equal(t, 50, h.store.pruned)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FileChanges.WithLabelValues("/etc/hosts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ServiceActions.WithLabelValues("dnsmasq", "hup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DhcpEntries))
	assert.Same(t, res, h.runner.Last())

	exists, err := afero.Exists(h.fs, lockPath)
	require.NoError(t, err)
	assert.False(t, exists, "lock must be released")
}

func TestRun_PublishesEvents(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)

	_, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{
		events.EventTypeRunStarted,
		events.EventTypeFileChanged,
		events.EventTypeFileChanged,
		events.EventTypeFileChanged,
		events.EventTypeServiceAction,
		events.EventTypeRunCompleted,
	}, h.events.types)

	// A failing run ends with run_failed
	h.events.types = nil
	h.bag(t, databag.DhcpEntryFile, `{"vm1": {"mac_address": "nope", "ipv4_address": "10.1.1.10", "host_name": "vm1"}}`)
	_, err = h.runner.Run(context.Background(), runlog.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, []events.EventType{events.EventTypeRunStarted, events.EventTypeRunFailed}, h.events.types)
}

func TestRun_SecondRunIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)

	_, err := h.runner.Run(context.Background(), runlog.TriggerStartup)
	require.NoError(t, err)

	res, err := h.runner.Run(context.Background(), runlog.TriggerWatch)
	require.NoError(t, err)

	assert.Empty(t, res.Changed)
	assert.Empty(t, res.ServiceActions)
	assert.Nil(t, res.Snapshot)
	assert.Len(t, h.signals.Sent, 1)
	assert.Len(t, h.store.order, 2)
}

func TestRun_Locked(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)
	require.NoError(t, afero.WriteFile(h.fs, lockPath, []byte("1\n"), 0644))

	_, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, h.store.order)

	// The foreign lock is left alone
	exists, _ := afero.Exists(h.fs, lockPath)
	assert.True(t, exists)
}

// deadPID is above the kernel's pid_max, so no process can hold it
const deadPID = "999999999\n"

func TestRun_StaleLockIsTakenOver(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)
	require.NoError(t, afero.WriteFile(h.fs, lockPath, []byte(deadPID), 0644))
	old := time.Now().Add(-2 * StaleLockAge)
	require.NoError(t, h.fs.Chtimes(lockPath, old, old))

	_, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	require.NoError(t, err)
}

func TestRun_OldLockOfLiveProcessIsKept(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)
	require.NoError(t, afero.WriteFile(h.fs, lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	old := time.Now().Add(-2 * StaleLockAge)
	require.NoError(t, h.fs.Chtimes(lockPath, old, old))

	_, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, h.store.order)
}

func TestRun_MalformedDataBagIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.bag(t, databag.DhcpEntryFile, `{"vm1": {"mac_address": "nope", "ipv4_address": "10.1.1.10", "host_name": "vm1"}}`)

	res, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, databag.ErrMalformedDataBag)

	require.NotNil(t, res)
	assert.False(t, res.Success)
	run := h.store.runs[res.RunID]
	assert.Equal(t, runlog.StatusFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("failed")))

	// Nothing was touched
	exists, _ := afero.Exists(h.fs, "/etc/hosts")
	assert.False(t, exists)
}

func TestRun_RunLogFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)
	h.store.failing = errors.New("disk full")

	res, err := h.runner.Run(context.Background(), runlog.TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RunLogErrors))
}

func TestSetRedundancy_OffOnStandalone(t *testing.T) {
	h := newHarness(t)
	h.standalone(t)

	res, err := h.runner.SetRedundancy(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, res.Redundant)
	assert.Empty(t, res.Changed)
	assert.Empty(t, res.ServiceActions)
}

func TestLock(t *testing.T) {
	fs := afero.NewMemMapFs()

	l, err := AcquireLock(fs, "/run/vrconf/vrconf.lock")
	require.NoError(t, err)

	_, err = AcquireLock(fs, "/run/vrconf/vrconf.lock")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l, err = AcquireLock(fs, "/run/vrconf/vrconf.lock")
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestLock_ReleaseLeavesForeignLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/run/vrconf/vrconf.lock"

	l, err := AcquireLock(fs, path)
	require.NoError(t, err)

	// Another process took the lock over
	require.NoError(t, afero.WriteFile(fs, path, []byte(deadPID), 0644))
	require.NoError(t, l.Release())

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, deadPID, string(data))
}

func TestLock_UnreadableStaleLockIsTakenOver(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/run/vrconf/vrconf.lock"
	require.NoError(t, afero.WriteFile(fs, path, nil, 0644))
	old := time.Now().Add(-2 * StaleLockAge)
	require.NoError(t, fs.Chtimes(path, old, old))

	l, err := AcquireLock(fs, path)
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
	require.NoError(t, l.Release())

	exists, _ := afero.Exists(fs, path)
	assert.False(t, exists)
}
