// Package filestore persists funds and groups as a JSON snapshot on local disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/observability"
)

const (
	component       = "fund/filestore"
	snapshotVersion = 1
)

type snapshot struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"savedAt"`
	Funds   []fund.Fund  `json:"funds"`
	Groups  []fund.Group `json:"groups"`
}

// Store serves reads from memory and rewrites the snapshot file after every
// successful mutation.
type Store struct {
	*fund.MemoryStore

	path    string
	writeMu sync.Mutex
}

var _ fund.Repository = (*Store)(nil)

// Open loads path into a new store. A missing file yields an empty store; the
// file is created on the first mutation.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("snapshot path required"))
	}
	store := &Store{MemoryStore: fund.NewMemoryStore(), path: trimmed}

	data, err := os.ReadFile(trimmed)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return store, nil
	case err != nil:
		return nil, fmt.Errorf("%s: read snapshot: %w", component, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return store, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errs.New(component, errs.CodeDataFormat,
			errs.WithMessage("snapshot is not valid json"),
			errs.WithField("path", trimmed),
			errs.WithCause(err))
	}
	if snap.Version > snapshotVersion {
		return nil, errs.New(component, errs.CodeDataFormat,
			errs.WithMessage(fmt.Sprintf("unsupported snapshot version %d", snap.Version)),
			errs.WithField("path", trimmed))
	}
	store.Seed(snap.Funds, snap.Groups)
	observability.Log().Debug("fund snapshot loaded",
		observability.F("path", trimmed),
		observability.F("funds", len(snap.Funds)),
		observability.F("groups", len(snap.Groups)),
	)
	return store, nil
}

// Path reports the snapshot location.
func (s *Store) Path() string { return s.path }

// Create inserts f and persists the snapshot.
func (s *Store) Create(ctx context.Context, f fund.Fund) (fund.Fund, error) {
	var created fund.Fund
	err := s.commit(func() (err error) {
		created, err = s.MemoryStore.Create(ctx, f)
		return err
	})
	if err != nil {
		return fund.Fund{}, err
	}
	return created, nil
}

// Update mutates fund id and persists the snapshot.
func (s *Store) Update(ctx context.Context, id string, mutate fund.Mutation) (fund.Fund, error) {
	var updated fund.Fund
	err := s.commit(func() (err error) {
		updated, err = s.MemoryStore.Update(ctx, id, mutate)
		return err
	})
	if err != nil {
		return fund.Fund{}, err
	}
	return updated, nil
}

// Delete removes fund id and persists the snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.commit(func() error {
		return s.MemoryStore.Delete(ctx, id)
	})
}

// CreateGroup adds a group and persists the snapshot.
func (s *Store) CreateGroup(ctx context.Context, name string) (fund.Group, error) {
	var g fund.Group
	err := s.commit(func() (err error) {
		g, err = s.MemoryStore.CreateGroup(ctx, name)
		return err
	})
	if err != nil {
		return fund.Group{}, err
	}
	return g, nil
}

// RenameGroup renames group id and persists the snapshot.
func (s *Store) RenameGroup(ctx context.Context, id, name string) (fund.Group, error) {
	var g fund.Group
	err := s.commit(func() (err error) {
		g, err = s.MemoryStore.RenameGroup(ctx, id, name)
		return err
	})
	if err != nil {
		return fund.Group{}, err
	}
	return g, nil
}

// DeleteGroup removes group id, ungroups its funds and persists the snapshot.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	return s.commit(func() error {
		return s.MemoryStore.DeleteGroup(ctx, id)
	})
}

// commit applies one mutation and writes the snapshot. When the write fails
// the in-memory state is restored, so memory and disk never disagree.
func (s *Store) commit(apply func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	funds, groups := s.Snapshot()
	if err := apply(); err != nil {
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.Seed(funds, groups)
		return err
	}
	return nil
}

// Close flushes the current state to disk.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persistLocked()
}

// persistLocked replaces the snapshot file via temp file and rename. Callers
// hold writeMu.
func (s *Store) persistLocked() error {
	funds, groups := s.Snapshot()
	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Funds:   funds,
		Groups:  groups,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: encode snapshot: %w", component, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s: create snapshot dir: %w", component, err)
	}
	tmp, err := os.CreateTemp(dir, ".fundwatch-*.json")
	if err != nil {
		return fmt.Errorf("%s: create temp snapshot: %w", component, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%s: write snapshot: %w", component, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%s: sync snapshot: %w", component, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%s: close snapshot: %w", component, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("%s: replace snapshot: %w", component, err)
	}
	return nil
}
