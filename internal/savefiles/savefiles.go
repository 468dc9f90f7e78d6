// Package savefiles keeps captured savestate blobs on disk so a state
// can be restored in a later session. Files are grouped per ROM title
// and named <timestamp>.<digest>.state, where the digest is the
// xxhash of the blob; loading verifies the digest so a truncated or
// bit-rotted state is never pushed back to the console.
package savefiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/hashicorp/go-multierror"
)

const defaultRoot = "states"

// Entry is one stored savestate.
type Entry struct {
	Path      string
	Timestamp int64
	Digest    uint64
}

// Library is a directory of stored savestates.
type Library struct {
	root string
}

// NewLibrary opens (or designates) a savestate directory. An empty
// root uses "states" under the working directory.
func NewLibrary(root string) *Library {
	if root == "" {
		root = defaultRoot
	}
	return &Library{root: root}
}

// Save stores a blob for the given title. The blob is written to a
// temporary file and renamed into place so a crash mid-write never
// leaves a half-written state behind.
func (l *Library) Save(title string, blob []byte) (Entry, error) {
	dir := filepath.Join(l.root, sanitizeTitle(title))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Entry{}, err
	}

	e := Entry{
		Timestamp: time.Now().Unix(),
		Digest:    xxhash.Sum64(blob),
	}
	e.Path = filepath.Join(dir, fmt.Sprintf("%d.%016x.state", e.Timestamp, e.Digest))

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return Entry{}, err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Entry{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Entry{}, err
	}
	if err := os.Rename(tmp.Name(), e.Path); err != nil {
		os.Remove(tmp.Name())
		return Entry{}, err
	}
	return e, nil
}

// List returns the stored savestates for a title, newest first. An
// absent directory is an empty library, not an error.
func (l *Library) List(title string) ([]Entry, error) {
	dir := filepath.Join(l.root, sanitizeTitle(title))
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		e, ok := parseEntry(dir, f.Name())
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	return entries, nil
}

// Load reads an entry and verifies its digest.
func (l *Library) Load(e Entry) ([]byte, error) {
	blob, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, err
	}
	if sum := xxhash.Sum64(blob); sum != e.Digest {
		return nil, fmt.Errorf("savefiles: %s is corrupt: digest %016x, want %016x", e.Path, sum, e.Digest)
	}
	return blob, nil
}

// LoadNewest loads the most recent savestate for a title.
func (l *Library) LoadNewest(title string) ([]byte, error) {
	entries, err := l.List(title)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("savefiles: no savestates for %q", title)
	}
	return l.Load(entries[0])
}

// Verify checks the digest of every stored savestate for a title and
// reports all corrupt entries at once.
func (l *Library) Verify(title string) error {
	entries, err := l.List(title)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, e := range entries {
		if _, err := l.Load(e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// parseEntry decodes "<timestamp>.<digest>.state" filenames. Anything
// else in the directory is ignored.
func parseEntry(dir, name string) (Entry, bool) {
	if !strings.HasSuffix(name, ".state") {
		return Entry{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".state"), ".")
	if len(parts) != 2 {
		return Entry{}, false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	digest, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		Path:      filepath.Join(dir, name),
		Timestamp: ts,
		Digest:    digest,
	}, true
}

func sanitizeTitle(title string) string {
	if title == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, title)
}
