package fileeditor

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Change is one recorded edit. Old is empty for insertions and New is empty
// for removals.
type Change struct {
	Index int
	Old   []string
	New   []string
}

// File is an in-memory, line oriented view of one configuration file.
// Edits are staged in memory and only reach disk through Commit.
type File struct {
	fs       afero.Fs
	path     string
	log      zerolog.Logger
	original []string
	lines    []string
	changes  []Change
	exists   bool
}

// New creates an editor for path without reading it
func New(fs afero.Fs, path string, log zerolog.Logger) *File {
	return &File{
		fs:   fs,
		path: path,
		log:  log.With().Str("file", path).Logger(),
	}
}

// Open creates an editor for path and loads its current content
func Open(fs afero.Fs, path string, log zerolog.Logger) (*File, error) {
	f := New(fs, path, log)
	if err := f.Load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads the file into memory. A missing file is not an error: the
// editor starts empty, which is the normal first-boot state.
func (f *File) Load() error {
	f.original = nil
	f.lines = nil
	f.changes = nil
	f.exists = false

	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.log.Debug().Msg("File does not exist yet")
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	f.exists = true
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		f.original = append(f.original, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to parse %s: %w", f.path, err)
	}

	f.lines = slices.Clone(f.original)
	return nil
}

// Path returns the file path
func (f *File) Path() string {
	return f.path
}

// Exists reports whether the file existed when it was loaded
func (f *File) Exists() bool {
	return f.exists
}

// Lines returns a copy of the staged content
func (f *File) Lines() []string {
	return slices.Clone(f.lines)
}

// Original returns a copy of the content as loaded or last committed
func (f *File) Original() []string {
	return slices.Clone(f.original)
}

// Changes returns the recorded edits in the order they were made
func (f *File) Changes() []Change {
	return slices.Clone(f.changes)
}

// IsChanged reports whether the staged content differs from disk
func (f *File) IsChanged() bool {
	return !slices.Equal(f.original, f.lines)
}

// Search replaces the first non-comment line containing pattern with line.
// When no line matches, line is appended. Replacing a line with an identical
// one is a no-op. It returns true when a matching line was found.
func (f *File) Search(pattern, line string) bool {
	return f.SearchRegexp(regexp.MustCompile(regexp.QuoteMeta(pattern)), line)
}

// SearchRegexp is Search with a regular expression
func (f *File) SearchRegexp(re *regexp.Regexp, line string) bool {
	line = strings.TrimRight(line, "\n")

	for i, cur := range f.lines {
		if strings.HasPrefix(strings.TrimSpace(cur), "#") {
			continue
		}
		if !re.MatchString(cur) {
			continue
		}
		if cur != line {
			f.log.Debug().Str("old", cur).Str("new", line).Msg("Replacing line")
			f.lines[i] = line
			f.record(Change{Index: i, Old: []string{cur}, New: []string{line}})
		}
		return true
	}

	f.log.Debug().Str("pattern", re.String()).Str("new", line).Msg("Pattern not found, appending line")
	f.append(line)
	return false
}

// Section replaces every line strictly between the first line starting with
// start and the next line starting with end. Missing markers leave the file
// untouched and return false.
func (f *File) Section(start, end string, body []string) bool {
	sind, eind := -1, -1
	for i, cur := range f.lines {
		trimmed := strings.TrimSpace(cur)
		if sind == -1 {
			if strings.HasPrefix(trimmed, start) {
				sind = i + 1
			}
			continue
		}
		if strings.HasPrefix(trimmed, end) {
			eind = i
			break
		}
	}
	if sind == -1 || eind == -1 {
		f.log.Warn().Str("start", start).Str("end", end).Msg("Section markers not found")
		return false
	}

	newBody := make([]string, 0, len(body))
	for _, l := range body {
		newBody = append(newBody, strings.TrimRight(l, "\n"))
	}

	oldBody := slices.Clone(f.lines[sind:eind])
	if slices.Equal(oldBody, newBody) {
		return true
	}

	f.lines = slices.Concat(f.lines[:sind], newBody, f.lines[eind:])
	f.record(Change{Index: sind, Old: oldBody, New: newBody})
	return true
}

// AddIfMissing appends line unless an equivalent line is already present
func (f *File) AddIfMissing(line string) bool {
	return f.Add(line, -1)
}

// Add inserts line at position unless an equivalent line is already present.
// A negative position appends. It returns true when the line was added.
func (f *File) Add(line string, position int) bool {
	line = strings.TrimRight(line, "\n")
	if f.Contains(line) {
		return false
	}

	if position < 0 || position > len(f.lines) {
		f.append(line)
		return true
	}

	f.lines = slices.Insert(f.lines, position, line)
	f.record(Change{Index: position, New: []string{line}})
	return true
}

// Contains reports whether a line equal to line, ignoring surrounding
// whitespace, is staged
func (f *File) Contains(line string) bool {
	want := strings.TrimSpace(line)
	for _, cur := range f.lines {
		if strings.TrimSpace(cur) == want {
			return true
		}
	}
	return false
}

// Replace substitutes every occurrence of old with new in all lines
func (f *File) Replace(old, new string) {
	for i, cur := range f.lines {
		if !strings.Contains(cur, old) {
			continue
		}
		replaced := strings.ReplaceAll(cur, old, new)
		f.lines[i] = replaced
		f.record(Change{Index: i, Old: []string{cur}, New: []string{replaced}})
	}
}

// DeleteLine removes every line containing pattern
func (f *File) DeleteLine(pattern string) int {
	removed := 0
	for i := 0; i < len(f.lines); {
		if !strings.Contains(f.lines[i], pattern) {
			i++
			continue
		}
		f.record(Change{Index: i, Old: []string{f.lines[i]}})
		f.lines = slices.Delete(f.lines, i, i+1)
		removed++
	}
	return removed
}

// Repopulate clears the staged content so a wholly owned file can be rebuilt.
// Rebuilding identical content leaves IsChanged false.
func (f *File) Repopulate() {
	if len(f.lines) > 0 {
		f.record(Change{Index: 0, Old: slices.Clone(f.lines)})
	}
	f.lines = nil
}

// Commit writes the staged content when it differs from disk. It returns
// whether anything was written.
func (f *File) Commit() (bool, error) {
	if !f.IsChanged() {
		f.log.Debug().Msg("Nothing to commit, file did not change")
		return false, nil
	}

	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", f.path, err)
	}

	mode := os.FileMode(0644)
	if info, err := f.fs.Stat(f.path); err == nil {
		mode = info.Mode().Perm()
	}

	var buf bytes.Buffer
	for _, l := range f.lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}

	// Write next to the target and rename so readers never see a torn file
	tmp := f.path + ".vrconf.tmp"
	if err := afero.WriteFile(f.fs, tmp, buf.Bytes(), mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		_ = f.fs.Remove(tmp)
		return false, fmt.Errorf("failed to replace %s: %w", f.path, err)
	}

	f.original = slices.Clone(f.lines)
	f.exists = true

	f.log.Info().Int("lines", len(f.lines)).Msg("Wrote edited file")
	return true, nil
}

// Backup reverts the recorded changes in the order they were made and returns
// how many could be applied. It is best effort: edits made by someone else in
// the meantime may prevent a full restore. Call Commit to persist the result.
func (f *File) Backup() int {
	applied := 0
	for _, c := range f.changes {
		if f.revert(c) {
			applied++
		} else {
			f.log.Warn().Int("index", c.Index).Strs("new", c.New).Msg("Could not revert change")
		}
	}
	f.changes = nil
	return applied
}

func (f *File) revert(c Change) bool {
	if len(c.New) == 0 {
		at := min(max(c.Index, 0), len(f.lines))
		f.lines = slices.Concat(f.lines[:at], c.Old, f.lines[at:])
		return true
	}

	at := indexOfRun(f.lines, c.New)
	if at == -1 {
		return false
	}
	f.lines = slices.Concat(f.lines[:at], c.Old, f.lines[at+len(c.New):])
	return true
}

func (f *File) append(line string) {
	f.lines = append(f.lines, line)
	f.record(Change{Index: len(f.lines) - 1, New: []string{line}})
}

func (f *File) record(c Change) {
	f.changes = append(f.changes, c)
}

// indexOfRun returns the index of the first contiguous occurrence of run in
// lines, or -1
func indexOfRun(lines, run []string) int {
	for i := 0; i+len(run) <= len(lines); i++ {
		if slices.Equal(lines[i:i+len(run)], run) {
			return i
		}
	}
	return -1
}
