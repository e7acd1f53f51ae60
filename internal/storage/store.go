package storage

import (
	"sync/atomic"
	"time"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// Store holds the current snapshot of a namespace.
//
// Readers call Get and never block. The refresh scheduler is the only writer
// and replaces the snapshot with Commit as a single pointer swap, so a reader
// sees either the old or the new snapshot and never a mix of both.
type Store struct {
	current atomic.Pointer[domain.Snapshot]

	commits      atomic.Uint64
	reads        atomic.Uint64
	notReady     atomic.Uint64
	lastCommitNs atomic.Int64
}

// Metrics represents store metrics
type Metrics struct {
	Commits     uint64
	Reads       uint64
	NotReady    uint64
	LastCommit  time.Time
	Version     string
	FlagCount   int
	HasSnapshot bool
}

// NewStore returns an empty store. Get reports domain.ErrNotReady until the
// first Commit.
func NewStore() *Store {
	return &Store{}
}

// Get returns the latest committed snapshot
func (s *Store) Get() (*domain.Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		s.notReady.Add(1)
		return nil, domain.ErrNotReady
	}
	s.reads.Add(1)
	return snap, nil
}

// Ready reports whether a snapshot has been committed
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

// Commit atomically replaces the current snapshot
func (s *Store) Commit(snap *domain.Snapshot) error {
	if snap == nil {
		return domain.NewValidationError("cannot commit nil snapshot")
	}
	s.current.Store(snap)
	s.commits.Add(1)
	s.lastCommitNs.Store(time.Now().UnixNano())
	return nil
}

// Metrics returns store metrics
func (s *Store) Metrics() Metrics {
	m := Metrics{
		Commits:  s.commits.Load(),
		Reads:    s.reads.Load(),
		NotReady: s.notReady.Load(),
	}
	if ns := s.lastCommitNs.Load(); ns > 0 {
		m.LastCommit = time.Unix(0, ns)
	}
	if snap := s.current.Load(); snap != nil {
		m.HasSnapshot = true
		m.Version = snap.Version()
		m.FlagCount = snap.Len()
	}
	return m
}
