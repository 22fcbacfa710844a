// Package picker scans the upload directory and serves stable snapshots of
// its contents to the file-selection UI. A snapshot is keyed by a ULID so the
// set of files a user is choosing from cannot shift underneath a submission.
package picker

import (
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const snapshotTTL = 7 * 24 * time.Hour

// Video container extensions we consider eligible transcode inputs.
var mediaExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".wmv": {}, ".ts": {}, ".m2ts": {}, ".webm": {}, ".flv": {},
}

type (
	FileEntry struct {
		Path      string    `json:"path"`
		Name      string    `json:"name"`
		SizeBytes int64     `json:"sizeBytes"`
		ModTime   time.Time `json:"modTime"`
	}

	Snapshot struct {
		Key       string      `json:"key"`
		Entries   []FileEntry `json:"entries"`
		CreatedAt time.Time   `json:"createdAt"`
	}

	Store struct {
		uploadDir string

		mutex     sync.Mutex
		snapshots map[string]*Snapshot
		entropy   *ulid.MonotonicEntropy
	}
)

func New(uploadDir string) *Store {
	return &Store{
		uploadDir: uploadDir,
		snapshots: make(map[string]*Snapshot),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Scan walks the upload directory and captures an immutable, ULID-keyed
// snapshot of every eligible media file found.
func (store *Store) Scan() (*Snapshot, error) {
	entries := make([]FileEntry, 0)
	err := filepath.WalkDir(store.uploadDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if _, ok := mediaExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{
			Path:      path,
			Name:      entry.Name(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})

		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeLocked()

	snapshot := &Snapshot{
		Key:       ulid.MustNew(ulid.Timestamp(time.Now()), store.entropy).String(),
		Entries:   entries,
		CreatedAt: time.Now(),
	}
	store.snapshots[snapshot.Key] = snapshot

	return snapshot, nil
}

// Get returns the snapshot for the given key, or nil if it has expired or
// never existed.
func (store *Store) Get(key string) *Snapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeLocked()

	return store.snapshots[key]
}

// Contains reports whether the snapshot holds the given path. Submissions
// reference snapshot entries rather than free-form paths.
func (snapshot *Snapshot) Contains(path string) bool {
	for _, entry := range snapshot.Entries {
		if entry.Path == path {
			return true
		}
	}

	return false
}

func (store *Store) purgeLocked() {
	cutoff := time.Now().Add(-snapshotTTL)
	for key, snapshot := range store.snapshots {
		if snapshot.CreatedAt.Before(cutoff) {
			delete(store.snapshots, key)
		}
	}
}
