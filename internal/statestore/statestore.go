// Package statestore owns the durable JSON document recording every
// user's uploads and history.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/model"
)

// document is the on-disk shape: every known user keyed by user key.
type document struct {
	Users map[string]*model.UserRecord `json:"users"`
}

type job struct {
	fn   func(*document) error
	done chan error
}

// Store serializes all reads and writes of the document through a
// single worker goroutine.
type Store struct {
	path string
	jobs chan job
	stop chan struct{}
}

// Open loads (or creates) the document at dataDir/state.json and starts
// the serialization worker.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "state.json")

	doc := &document{Users: make(map[string]*model.UserRecord)}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("statestore: parse %s: %w", path, err)
		}
		if doc.Users == nil {
			doc.Users = make(map[string]*model.UserRecord)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("statestore: read %s: %w", path, err)
	}

	s := &Store{
		path: path,
		jobs: make(chan job, 64),
		stop: make(chan struct{}),
	}
	go s.run(doc)
	return s, nil
}

func (s *Store) run(doc *document) {
	for {
		select {
		case j := <-s.jobs:
			j.done <- j.fn(doc)
		case <-s.stop:
			return
		}
	}
}

// Close stops the worker. Call it once. Jobs still queued when it runs
// are not guaranteed to be processed, and submissions made after it
// block forever, so callers should quiesce writers first.
func (s *Store) Close() {
	close(s.stop)
}

// do submits fn to the worker and blocks for its result.
func (s *Store) do(fn func(*document) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	s.jobs <- j
	return <-j.done
}

func (s *Store) persist(doc *document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: rename temp file: %w", err)
	}
	return nil
}

// ErrUserNotFound is returned by operations addressed at an unknown key.
var ErrUserNotFound = fmt.Errorf("statestore: user not found")

// EnsureUser creates a user record if absent and always returns it.
func (s *Store) EnsureUser(key string, now time.Time) (*model.UserRecord, error) {
	var out *model.UserRecord
	err := s.do(func(d *document) error {
		u, ok := d.Users[key]
		if !ok {
			u = model.NewUserRecord(key, now)
			d.Users[key] = u
			if err := s.persist(d); err != nil {
				delete(d.Users, key)
				return err
			}
		}
		out = cloneUser(u)
		return nil
	})
	return out, err
}

// GetUser returns a deep copy of the named user's record.
func (s *Store) GetUser(key string) (*model.UserRecord, error) {
	var out *model.UserRecord
	err := s.do(func(d *document) error {
		u, ok := d.Users[key]
		if !ok {
			return ErrUserNotFound
		}
		out = cloneUser(u)
		return nil
	})
	return out, err
}

// UserExists reports whether key is already allocated. Used by idgen's
// collision check.
func (s *Store) UserExists(key string) bool {
	found := false
	_ = s.do(func(d *document) error {
		_, found = d.Users[key]
		return nil
	})
	return found
}

// Mutate runs fn against a deep copy of the named user's record and,
// only if fn succeeds, swaps the copy into the document and persists
// it. A failing fn never leaves partial edits behind: the live record
// is untouched and nothing is written to disk. fn must not retain the
// record pointer beyond the call.
func (s *Store) Mutate(key string, fn func(*model.UserRecord) error) error {
	return s.do(func(d *document) error {
		u, ok := d.Users[key]
		if !ok {
			return ErrUserNotFound
		}
		working := cloneUser(u)
		if err := fn(working); err != nil {
			return err
		}
		d.Users[key] = working
		if err := s.persist(d); err != nil {
			d.Users[key] = u
			return err
		}
		return nil
	})
}

// AllUsers returns a deep copy of every user record, for the startup
// crash-recovery scan.
func (s *Store) AllUsers() ([]*model.UserRecord, error) {
	var out []*model.UserRecord
	err := s.do(func(d *document) error {
		out = make([]*model.UserRecord, 0, len(d.Users))
		for _, u := range d.Users {
			out = append(out, cloneUser(u))
		}
		return nil
	})
	return out, err
}

func cloneUser(u *model.UserRecord) *model.UserRecord {
	c := &model.UserRecord{
		Key:       u.Key,
		CreatedAt: u.CreatedAt,
		Uploads:   make(map[string]*model.UploadMetadata, len(u.Uploads)),
		History:   append([]model.HistoryEntry(nil), u.History...),
	}
	for id, m := range u.Uploads {
		c.Uploads[id] = m.Clone()
	}
	return c
}
