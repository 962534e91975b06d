package history

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJournalForTest(t *testing.T) (*Journal, afero.Fs) {
	t.Helper()

	source := afero.NewMemMapFs()
	j, err := New(memory.NewStorage(), memfs.New(), "vrconf", source, zerolog.Nop())
	require.NoError(t, err)
	return j, source
}

func write(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func TestRecord_CommitsChangedFiles(t *testing.T) {
	j, source := newJournalForTest(t)
	write(t, source, "/etc/hosts", "127.0.0.1\tlocalhost\n")
	write(t, source, "/etc/dhcphosts.txt", "52:54:00:12:34:56,10.1.1.10,vm1,720h\n")

	snap, err := j.Record("run-1", []string{"/etc/dhcphosts.txt", "/etc/hosts"})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "run-1", snap.RunID)
	assert.NotEmpty(t, snap.Hash)

	log, err := j.Log(10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "run-1", log[0].RunID)
	assert.Equal(t, []string{"/etc/dhcphosts.txt", "/etc/hosts"}, log[0].Files)
	assert.Equal(t, "vrconf", log[0].Author)
}

func TestRecord_UnchangedIsSkipped(t *testing.T) {
	j, source := newJournalForTest(t)
	write(t, source, "/etc/hosts", "127.0.0.1\tlocalhost\n")

	_, err := j.Record("run-1", []string{"/etc/hosts"})
	require.NoError(t, err)

	snap, err := j.Record("run-2", []string{"/etc/hosts"})
	require.NoError(t, err)
	assert.Nil(t, snap)

	snap, err = j.Record("run-3", nil)
	require.NoError(t, err)
	assert.Nil(t, snap)

	log, err := j.Log(0)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestLog_EmptyAndLimit(t *testing.T) {
	j, source := newJournalForTest(t)

	log, err := j.Log(5)
	require.NoError(t, err)
	assert.Empty(t, log)

	for i, content := range []string{"a\n", "b\n", "c\n"} {
		write(t, source, "/etc/hosts", content)
		_, err := j.Record("run-"+string(rune('1'+i)), []string{"/etc/hosts"})
		require.NoError(t, err)
	}

	log, err = j.Log(2)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "run-3", log[0].RunID)
	assert.Equal(t, "run-2", log[1].RunID)
}

func TestRestore_UndoesLastChange(t *testing.T) {
	j, source := newJournalForTest(t)

	write(t, source, "/etc/dnsmasq.d/cloud.conf", "dhcp-range=set:interface-eth1-0,10.1.1.10,static\n")
	_, err := j.Record("run-1", []string{"/etc/dnsmasq.d/cloud.conf"})
	require.NoError(t, err)

	write(t, source, "/etc/dnsmasq.d/cloud.conf", "dhcp-range=set:interface-eth1-0,10.1.1.20,static\n")
	write(t, source, "/etc/hosts", "10.1.1.20\tvm2\n")
	_, err = j.Record("run-2", []string{"/etc/dnsmasq.d/cloud.conf", "/etc/hosts"})
	require.NoError(t, err)

	// An unrelated later run must not hide the cloud.conf change
	write(t, source, "/etc/hosts", "10.1.1.30\tvm3\n")
	_, err = j.Record("run-3", []string{"/etc/hosts"})
	require.NoError(t, err)

	snap, err := j.Restore("/etc/dnsmasq.d/cloud.conf")
	require.NoError(t, err)
	assert.Equal(t, "run-2", snap.RunID)

	data, err := afero.ReadFile(source, "/etc/dnsmasq.d/cloud.conf")
	require.NoError(t, err)
	assert.Equal(t, "dhcp-range=set:interface-eth1-0,10.1.1.10,static\n", string(data))
}

func TestPrevious_NoHistory(t *testing.T) {
	j, source := newJournalForTest(t)

	_, _, err := j.Previous("/etc/hosts")
	assert.ErrorIs(t, err, ErrNoHistory)

	// A file created by its only recorded run has nothing to go back to
	write(t, source, "/etc/hosts", "x\n")
	_, err = j.Record("run-1", []string{"/etc/hosts"})
	require.NoError(t, err)

	_, _, err = j.Previous("/etc/hosts")
	assert.ErrorIs(t, err, ErrNoHistory)

	_, _, err = j.Previous("/etc/never-seen")
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestRecord_RemovedFile(t *testing.T) {
	j, source := newJournalForTest(t)

	write(t, source, "/etc/keepalived/keepalived.conf", "vrrp_instance inside_network {\n}\n")
	_, err := j.Record("run-1", []string{"/etc/keepalived/keepalived.conf"})
	require.NoError(t, err)

	require.NoError(t, source.Remove("/etc/keepalived/keepalived.conf"))
	snap, err := j.Record("run-2", []string{"/etc/keepalived/keepalived.conf"})
	require.NoError(t, err)
	require.NotNil(t, snap)

	// Restoring brings the file back
	_, err = j.Restore("/etc/keepalived/keepalived.conf")
	require.NoError(t, err)
	data, err := afero.ReadFile(source, "/etc/keepalived/keepalived.conf")
	require.NoError(t, err)
	assert.Equal(t, "vrrp_instance inside_network {\n}\n", string(data))
}

func TestRepoPath(t *testing.T) {
	assert.Equal(t, "etc/hosts", repoPath("/etc/hosts"))
	assert.Equal(t, "etc/dnsmasq.d/cloud.conf", repoPath("/etc//dnsmasq.d/./cloud.conf"))
}
