package bptree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/horadrim/storage/heap"
)

// ErrIndexMissing is returned when an operation expects a type's index
// file to already exist and it does not.
var ErrIndexMissing = errors.New("bptree: index file missing")

// Index is the on-disk, per-type primary index file B+<type>.txt. It is
// not held resident between commands: every command that touches a type
// rebuilds a fresh Tree from this file (§4.2's rebuild-on-demand design).
type Index struct {
	dir      string
	typeName string
}

// NewIndex returns the index handle for typeName under dir. It does not
// touch the filesystem.
func NewIndex(dir, typeName string) *Index {
	return &Index{dir: dir, typeName: typeName}
}

func (idx *Index) path() string {
	return filepath.Join(idx.dir, "B+"+idx.typeName+".txt")
}

// Exists reports whether the index file is present.
func (idx *Index) Exists() bool {
	_, err := os.Stat(idx.path())
	return err == nil
}

// Create makes an empty index file. It is an error for one to already
// exist.
func (idx *Index) Create() error {
	f, err := os.OpenFile(idx.path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "bptree: create index file")
	}
	return f.Close()
}

// Remove deletes the index file outright, as type deletion requires.
func (idx *Index) Remove() error {
	if err := os.Remove(idx.path()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "bptree: remove index file")
	}
	return nil
}

type fileEntry struct {
	key string
	loc heap.Locator
}

func (idx *Index) readEntries() ([]fileEntry, error) {
	f, err := os.Open(idx.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrIndexMissing, "%s", idx.typeName)
		}
		return nil, errors.Wrap(err, "bptree: open index file")
	}
	defer f.Close()

	var entries []fileEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "-", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("bptree: malformed index line %q", line)
		}
		loc, err := heap.ParseLocator(parts[1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntry{key: parts[0], loc: loc})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "bptree: read index file")
	}
	return entries, nil
}

// Load rebuilds a fresh in-memory Tree from the on-disk file.
func (idx *Index) Load(keyType KeyType) (*Tree, error) {
	entries, err := idx.readEntries()
	if err != nil {
		return nil, err
	}
	t := NewTree(keyType)
	for _, e := range entries {
		t.Insert(e.key, e.loc.String())
	}
	return t, nil
}

// Append adds one "key-locator" line to the index file.
func (idx *Index) Append(key string, loc heap.Locator) error {
	f, err := os.OpenFile(idx.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "bptree: open index file")
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s-%s\n", key, loc.String()); err != nil {
		return errors.Wrap(err, "bptree: append index file")
	}
	return nil
}

// RewriteWithout rewrites the index file omitting every line whose key
// equals removedKey, as record deletion requires.
func (idx *Index) RewriteWithout(removedKey string) error {
	entries, err := idx.readEntries()
	if err != nil {
		return err
	}

	tmp := idx.path() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "bptree: open temp index file")
	}
	for _, e := range entries {
		if e.key == removedKey {
			continue
		}
		if _, err := fmt.Fprintf(f, "%s-%s\n", e.key, e.loc.String()); err != nil {
			f.Close()
			return errors.Wrap(err, "bptree: write temp index file")
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "bptree: close temp index file")
	}
	if err := os.Rename(tmp, idx.path()); err != nil {
		return errors.Wrap(err, "bptree: replace index file")
	}
	return nil
}
