package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const messagePrefix = "vrconf run "

// ErrNoHistory is returned when a file has never been recorded, or was
// created by the last run that touched it
var ErrNoHistory = errors.New("no previous version recorded")

// Snapshot describes one recorded run
type Snapshot struct {
	Hash      string    `json:"hash"`
	RunID     string    `json:"run_id"`
	Files     []string  `json:"files"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal keeps every managed file in a local git repository. Paths in the
// repository mirror the absolute path on the router.
type Journal struct {
	repo   *git.Repository
	source afero.Fs
	author string
	log    zerolog.Logger
}

// Open opens the journal at path, creating the repository on first use
func Open(path, author string, source afero.Fs, log zerolog.Logger) (*Journal, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		repo, err = git.PlainInit(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to init history repository: %w", err)
		}
		log.Info().Str("path", path).Msg("Initialized history repository")
	} else if err != nil {
		return nil, fmt.Errorf("failed to open history repository: %w", err)
	}

	return newJournal(repo, author, source, log), nil
}

// New creates a journal on the given storage and worktree
func New(s storage.Storer, worktree billy.Filesystem, author string, source afero.Fs, log zerolog.Logger) (*Journal, error) {
	repo, err := git.Init(s, worktree)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.Open(s, worktree)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init history repository: %w", err)
	}
	return newJournal(repo, author, source, log), nil
}

func newJournal(repo *git.Repository, author string, source afero.Fs, log zerolog.Logger) *Journal {
	return &Journal{
		repo:   repo,
		source: source,
		author: author,
		log:    log.With().Str("component", "history").Logger(),
	}
}

// Record snapshots files as they are now and commits them under runID.
// Files that no longer exist are removed from the journal. It returns nil
// when nothing differs from the last snapshot.
func (j *Journal) Record(runID string, files []string) (*Snapshot, error) {
	if len(files) == 0 {
		return nil, nil
	}

	wt, err := j.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	// Stage current content
	for _, path := range files {
		rel := repoPath(path)

		data, err := afero.ReadFile(j.source, path)
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := wt.Filesystem.Stat(rel); statErr != nil {
				continue
			}
			if _, err := wt.Remove(rel); err != nil {
				return nil, fmt.Errorf("failed to remove %s from history: %w", path, err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		if err := wt.Filesystem.MkdirAll(filepath.Dir(rel), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory for %s: %w", path, err)
		}
		if err := util.WriteFile(wt.Filesystem, rel, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s to history: %w", path, err)
		}
		if _, err := wt.Add(rel); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		j.log.Debug().Str("run_id", runID).Msg("History unchanged, nothing to commit")
		return nil, nil
	}

	// Commit
	now := time.Now()
	msg := messagePrefix + runID + "\n\n" + strings.Join(files, "\n") + "\n"
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: j.author, Email: j.author + "@localhost", When: now},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit history: %w", err)
	}

	j.log.Info().
		Str("commit", hash.String()).
		Str("run_id", runID).
		Int("files", len(files)).
		Msg("Recorded file history")

	return &Snapshot{
		Hash:      hash.String(),
		RunID:     runID,
		Files:     files,
		Author:    j.author,
		Timestamp: now,
	}, nil
}

// Log returns up to limit snapshots, newest first
func (j *Journal) Log(limit int) ([]*Snapshot, error) {
	head, err := j.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	iter, err := j.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to get commit log: %w", err)
	}
	defer iter.Close()

	var snaps []*Snapshot
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(snaps) >= limit {
			return storer.ErrStop
		}
		snaps = append(snaps, snapshotOf(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate commits: %w", err)
	}

	return snaps, nil
}

// Previous returns the content path had before the most recent run that
// changed it, along with that run's snapshot
func (j *Journal) Previous(path string) ([]byte, *Snapshot, error) {
	rel := repoPath(path)

	head, err := j.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	iter, err := j.repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get file log: %w", err)
	}
	defer iter.Close()

	last, err := iter.Next()
	if err != nil {
		return nil, nil, ErrNoHistory
	}

	parent, err := last.Parent(0)
	if errors.Is(err, object.ErrParentNotFound) {
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get parent of %s: %w", last.Hash, err)
	}

	f, err := parent.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s at %s: %w", path, parent.Hash, err)
	}

	contents, err := f.Contents()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s at %s: %w", path, parent.Hash, err)
	}

	return []byte(contents), snapshotOf(last), nil
}

// Restore writes back the content path had before the most recent run that
// changed it. It does not reload any daemon.
func (j *Journal) Restore(path string) (*Snapshot, error) {
	data, snap, err := j.Previous(path)
	if err != nil {
		return nil, err
	}

	mode := os.FileMode(0644)
	if info, err := j.source.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := j.source.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := afero.WriteFile(j.source, path, data, mode); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", path, err)
	}

	j.log.Info().
		Str("file", path).
		Str("undone_run", snap.RunID).
		Msg("Restored previous version")

	return snap, nil
}

func repoPath(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(path)), "/")
}

func snapshotOf(c *object.Commit) *Snapshot {
	snap := &Snapshot{
		Hash:      c.Hash.String(),
		Author:    c.Author.Name,
		Timestamp: c.Author.When,
	}

	header, body, _ := strings.Cut(c.Message, "\n")
	snap.RunID = strings.TrimPrefix(strings.TrimSpace(header), messagePrefix)
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			snap.Files = append(snap.Files, line)
		}
	}
	return snap
}
