package shell_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/mount-utils"

	"github.com/sashakarcz/vrconf/internal/shell"
	"github.com/sashakarcz/vrconf/internal/shell/fake"
)

type harness struct {
	fs      afero.Fs
	exec    *shell.Executor
	mounter *mount.FakeMounter
	procs   *fake.ProcessTable
	signals *fake.Signals
	cmds    *fake.Exec
}

func newHarness(t *testing.T, opts ...shell.Option) *harness {
	t.Helper()

	h := &harness{
		fs:      afero.NewMemMapFs(),
		mounter: mount.NewFakeMounter(nil),
		procs:   &fake.ProcessTable{},
		signals: &fake.Signals{},
		cmds:    &fake.Exec{},
	}
	h.cmds.Setup(t)

	opts = append([]shell.Option{
		shell.WithMounter(h.mounter),
		shell.WithProcessLister(h.procs),
		shell.WithSignalFunc(h.signals.Send),
		shell.WithInterfaceSource(&fake.Interfaces{}),
	}, opts...)
	h.exec = shell.New(h.fs, zerolog.Nop(), opts...)
	return h
}

func TestExecutor_Execute_CommandError(t *testing.T) {
	h := newHarness(t)
	h.cmds.ExpectCommands(&fake.ExpectedCmd{
		Name:         "service",
		Args:         []string{"keepalived", "restart"},
		ResultOutput: []byte("Job for keepalived.service failed\n"),
		ResultErr:    fake.ExitErr{Code: 3},
	})

	err := h.exec.Service(context.Background(), "keepalived", "restart")

	var cmdErr *shell.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, []string{"service", "keepalived", "restart"}, cmdErr.CommandWithArgs)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Output, "Job for keepalived.service failed")
	assert.Contains(t, err.Error(), "service keepalived restart")
}

func TestParseIPAddrShow(t *testing.T) {
	out := `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN group default qlen 1000
    link/loopback 00:00:00:00:00:00 brd 00:00:00:00:00:00
    inet 127.0.0.1/8 scope host lo
       valid_lft forever preferred_lft forever
    inet6 ::1/128 scope host
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc pfifo_fast state UP group default qlen 1000
    link/ether 0e:00:a9:fe:01:6e brd ff:ff:ff:ff:ff:ff
    inet 10.1.1.1/24 brd 10.1.1.255 scope global eth0
    inet 10.1.1.5/24 brd 10.1.1.255 scope global secondary eth0:1
3: eth1: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500
    inet 169.254.1.110/16 brd 169.254.255.255 scope global eth1
`

	ifaces, err := shell.ParseIPAddrShow(out)
	require.NoError(t, err)
	require.Len(t, ifaces, 4)

	assert.Equal(t, "lo", ifaces[0].Device)
	assert.Equal(t, "eth0", ifaces[1].Device)
	assert.Equal(t, "10.1.1.1/24", ifaces[1].IP)
	assert.Equal(t, "10.1.1.0/24", ifaces[1].Network.String())
	assert.Equal(t, "255.255.255.0", ifaces[1].Netmask())
	assert.Equal(t, "10.1.1.1", ifaces[1].Address().String())
	assert.False(t, ifaces[1].DnsmasqManaged)
	assert.Equal(t, "eth0:1", ifaces[2].Device)
	assert.Equal(t, "169.254.0.0/16", ifaces[3].Network.String())
}

func TestIPCommandSource(t *testing.T) {
	h := newHarness(t)
	h.cmds.ExpectCommands(&fake.ExpectedCmd{
		Name:         "ip",
		Args:         []string{"addr", "show"},
		ResultOutput: []byte("    inet 192.168.0.1/24 brd 192.168.0.255 scope global eth2\n"),
	})

	ifaces, err := shell.IPCommandSource{Exec: h.exec}.Interfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "eth2", ifaces[0].Device)
}

func TestExecutor_Tmpfs(t *testing.T) {
	h := newHarness(t)

	mounted, err := h.exec.IsMounted("/ramdisk")
	require.NoError(t, err)
	assert.False(t, mounted)

	require.NoError(t, h.exec.MountTmpfs("/ramdisk"))
	require.NoError(t, h.exec.MountTmpfs("/ramdisk"))

	mps, err := h.mounter.List()
	require.NoError(t, err)
	assert.Len(t, mps, 1)

	mounted, err = h.exec.IsMounted("/ramdisk/")
	require.NoError(t, err)
	assert.True(t, mounted)

	require.NoError(t, h.exec.UnmountTmpfs("/ramdisk"))
	require.NoError(t, h.exec.UnmountTmpfs("/ramdisk"))

	mps, err = h.mounter.List()
	require.NoError(t, err)
	assert.Empty(t, mps)
}

func TestExecutor_IsMounted_IgnoresOtherFilesystems(t *testing.T) {
	h := newHarness(t)
	h.mounter.MountPoints = []mount.MountPoint{{Device: "/dev/sda1", Path: "/ramdisk", Type: "ext4"}}

	mounted, err := h.exec.IsMounted("/ramdisk")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestExecutor_HupOrStart_SignalsOwnedProcesses(t *testing.T) {
	h := newHarness(t)
	h.procs.Procs = []shell.Process{
		{PID: 10, User: "root", Comm: "dnsmasq"},
		{PID: 11, User: "dnsmasq", Comm: "dnsmasq"},
		{PID: 12, User: "dnsmasq", Comm: "bash"},
	}

	action, err := h.exec.HupOrStart(context.Background(), "dnsmasq", "dnsmasq")
	require.NoError(t, err)

	assert.Equal(t, shell.ActionHup, action)
	assert.Equal(t, []fake.Signal{{PID: 11, Sig: syscall.SIGHUP}}, h.signals.Sent)
}

func TestExecutor_HupOrStart_StartsWhenNotRunning(t *testing.T) {
	h := newHarness(t)
	h.procs.Procs = []shell.Process{{PID: 10, User: "root", Comm: "dnsmasq"}}
	h.cmds.ExpectCommands(fake.Service("dnsmasq", "start"))

	action, err := h.exec.HupOrStart(context.Background(), "dnsmasq", "dnsmasq")
	require.NoError(t, err)

	assert.Equal(t, shell.ActionStart, action)
	assert.Empty(t, h.signals.Sent)
}

func TestExecutor_IsRunning_ProcessTableError(t *testing.T) {
	h := newHarness(t)
	h.procs.Err = errors.New("no proc")

	_, err := h.exec.IsRunning(context.Background(), "keepalived")
	assert.ErrorContains(t, err, "failed to read process table")
}

func TestParsePs(t *testing.T) {
	procs := shell.ParsePs("root         1 systemd\ndnsmasq    812 dnsmasq\n\ngarbage\nroot x bad\n")

	assert.Equal(t, []shell.Process{
		{PID: 1, User: "root", Comm: "systemd"},
		{PID: 812, User: "dnsmasq", Comm: "dnsmasq"},
	}, procs)
}

func TestProcfsLister(t *testing.T) {
	root := t.TempDir()
	writeProc := func(pid, comm, uid string) {
		dir := filepath.Join(root, pid)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0644))
		status := "Name:\t" + comm + "\nUid:\t" + uid + "\t" + uid + "\t" + uid + "\t" + uid + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0644))
	}
	writeProc("1", "init", "0")
	writeProc("812", "dnsmasq", "0")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0755))

	h := newHarness(t, shell.WithProcessLister(shell.NewProcfsListerAt(root)))

	running, err := h.exec.IsRunning(context.Background(), "dnsmasq")
	require.NoError(t, err)
	assert.True(t, running)

	found, err := h.exec.FindProcesses(context.Background(), "dnsmasq", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 812, found[0].PID)
	assert.NotEmpty(t, found[0].User)
}

func TestExecutor_CopyIfAbsent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, "/opt/cloud/templates/heartbeat.sh.templ", []byte("#!/bin/bash\n"), 0755))

	copied, err := h.exec.CopyIfAbsent("/opt/cloud/templates/heartbeat.sh.templ", "/ramdisk/rrouter/heartbeat.sh")
	require.NoError(t, err)
	assert.True(t, copied)

	info, err := h.fs.Stat("/ramdisk/rrouter/heartbeat.sh")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	require.NoError(t, afero.WriteFile(h.fs, "/ramdisk/rrouter/heartbeat.sh", []byte("local edit\n"), 0755))
	copied, err = h.exec.CopyIfAbsent("/opt/cloud/templates/heartbeat.sh.templ", "/ramdisk/rrouter/heartbeat.sh")
	require.NoError(t, err)
	assert.False(t, copied)

	data, err := afero.ReadFile(h.fs, "/ramdisk/rrouter/heartbeat.sh")
	require.NoError(t, err)
	assert.Equal(t, "local edit\n", string(data))
}

func TestExecutor_AddLineIfMissing(t *testing.T) {
	h := newHarness(t)

	added, err := h.exec.AddLineIfMissing("/etc/cron.d/heartbeat", "SHELL=/bin/bash")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = h.exec.AddLineIfMissing("/etc/cron.d/heartbeat", "SHELL=/bin/bash")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestExecutor_Hostname(t *testing.T) {
	h := newHarness(t, shell.WithHostnameFile("/etc/hostname"))
	require.NoError(t, afero.WriteFile(h.fs, "/etc/hostname", []byte("r-7-VM\n"), 0644))

	name, err := h.exec.Hostname()
	require.NoError(t, err)
	assert.Equal(t, "r-7-VM", name)
}

func TestExecutor_RemoveMissingIsFine(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.exec.Remove("/etc/keepalived/keepalived.conf"))
	assert.NoError(t, h.exec.RemoveAll("/ramdisk"))
}
