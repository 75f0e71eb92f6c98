// Package stats keeps the per-location daily capacity series.
//
// Store is the single writer for locations and daily stats. All state lives
// in memory behind one mutex and every mutation is journaled; Flush hands the
// journal to a storage.Backend in one transaction. A failed flush keeps the
// journal so the next flush retries it.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jgalley/capscout/internal/storage"
)

// ErrNotFound is returned for operations on an unknown location id.
var ErrNotFound = errors.New("location not found")

// Store is safe for concurrent use.
type Store struct {
	backend storage.Backend

	mu        sync.Mutex
	locations map[int64]storage.Location
	series    map[int64][]storage.DailyStat // ascending by day
	removed   map[int64]struct{} // ids are never reused
	lastID    int64
	journal   []storage.Mutation
	dirty     bool

	flushMu sync.Mutex
}

// Open loads the durable state from backend.
func Open(ctx context.Context, backend storage.Backend) (*Store, error) {
	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	s := &Store{
		backend:   backend,
		locations: make(map[int64]storage.Location, len(snap.Locations)),
		series:    make(map[int64][]storage.DailyStat, len(snap.Locations)),
		removed:   make(map[int64]struct{}),
		lastID:    snap.LastLocationID,
	}
	for _, l := range snap.Locations {
		s.locations[l.ID] = l
		if l.ID > s.lastID {
			s.lastID = l.ID
		}
	}
	for _, st := range snap.Stats {
		if _, ok := s.locations[st.LocationID]; !ok {
			continue
		}
		s.series[st.LocationID] = append(s.series[st.LocationID], st)
	}
	for id := range s.series {
		rows := s.series[id]
		sort.Slice(rows, func(i, j int) bool { return rows[i].Day < rows[j].Day })
	}

	return s, nil
}

// AddLocation allocates an id for l and stores it.
func (s *Store) AddLocation(l storage.Location) storage.Location {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	l.ID = s.lastID
	s.locations[l.ID] = l
	s.mutate(storage.Mutation{Op: storage.OpInsertLocation, Location: l})
	return l
}

// RemoveLocation deletes the location and all of its daily stats at once.
func (s *Store) RemoveLocation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locations[id]
	if !ok {
		return fmt.Errorf("removing location %d: %w", id, ErrNotFound)
	}
	delete(s.locations, id)
	delete(s.series, id)
	s.removed[id] = struct{}{}
	s.mutate(storage.Mutation{Op: storage.OpDeleteLocation, Location: l})
	return nil
}

// Sync compares the in-memory locations with the ones persisted in the
// backend, which other processes may have changed. Locations only present
// in the backend are adopted as they are, without a journal entry.
// Locations missing there are returned in gone for the caller to remove;
// locations whose insert is still waiting for a flush are never gone.
func (s *Store) Sync(ctx context.Context) (added, gone []storage.Location, err error) {
	// No flush may land between reading the backend and reading the journal.
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	durable, err := s.backend.Locations(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reading persisted locations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unflushed := make(map[int64]bool)
	for _, m := range s.journal {
		if m.Op == storage.OpInsertLocation {
			unflushed[m.Location.ID] = true
		}
	}

	seen := make(map[int64]bool, len(durable))
	for _, l := range durable {
		seen[l.ID] = true
		if _, ok := s.locations[l.ID]; ok {
			continue
		}
		if _, ok := s.removed[l.ID]; ok {
			// Removed here, delete not flushed yet.
			continue
		}
		s.locations[l.ID] = l
		if l.ID > s.lastID {
			s.lastID = l.ID
		}
		added = append(added, l)
	}

	for id, l := range s.locations {
		if !seen[id] && !unflushed[id] {
			gone = append(gone, l)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].ID < gone[j].ID })
	return added, gone, nil
}

// Location returns the location with the given id.
func (s *Store) Location(id int64) (storage.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[id]
	return l, ok
}

// Locations returns all locations sorted by name, then id.
func (s *Store) Locations() []storage.Location {
	s.mu.Lock()
	out := make([]storage.Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Record stores capacity as the day's snapshot for the location. The delta
// is taken against the latest row strictly before day, so re-recording a day
// never uses the row it replaces as baseline.
func (s *Store) Record(locationID int64, day storage.Day, capacity uint64) (storage.DailyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[locationID]; !ok {
		return storage.DailyStat{}, fmt.Errorf("recording %s for location %d: %w", day, locationID, ErrNotFound)
	}

	rows := s.series[locationID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Day >= day })

	st := storage.DailyStat{
		LocationID:    locationID,
		Day:           day,
		CapacityBytes: capacity,
	}
	if i > 0 {
		st.DeltaBytes = int64(capacity) - int64(rows[i-1].CapacityBytes)
	}

	if i < len(rows) && rows[i].Day == day {
		rows[i] = st
	} else {
		rows = append(rows, storage.DailyStat{})
		copy(rows[i+1:], rows[i:])
		rows[i] = st
		s.series[locationID] = rows
	}

	s.mutate(storage.Mutation{Op: storage.OpUpsertStat, Stat: st})
	return st, nil
}

// Latest returns the row with the greatest day.
func (s *Store) Latest(locationID int64) (storage.DailyStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[locationID]
	if len(rows) == 0 {
		return storage.DailyStat{}, false
	}
	return rows[len(rows)-1], true
}

// LatestBefore returns the row with the greatest day strictly before day.
func (s *Store) LatestBefore(locationID int64, day storage.Day) (storage.DailyStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[locationID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Day >= day })
	if i == 0 {
		return storage.DailyStat{}, false
	}
	return rows[i-1], true
}

// StatForDay returns the row for exactly day.
func (s *Store) StatForDay(locationID int64, day storage.Day) (storage.DailyStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[locationID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Day >= day })
	if i < len(rows) && rows[i].Day == day {
		return rows[i], true
	}
	return storage.DailyStat{}, false
}

// Series returns a copy of the location's rows in ascending day order.
func (s *Store) Series(locationID int64) []storage.DailyStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[locationID]
	out := make([]storage.DailyStat, len(rows))
	copy(out, rows)
	return out
}

// Dirty reports whether mutations are waiting for a flush.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Pending returns the number of journaled mutations.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

// Flush persists the journal. It does nothing when the store is clean.
// Mutations made while a flush is in progress stay pending; on error the
// whole journal stays pending.
func (s *Store) Flush(ctx context.Context) (storage.FlushRecord, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return storage.FlushRecord{}, nil
	}
	batch := make([]storage.Mutation, len(s.journal))
	copy(batch, s.journal)
	s.mu.Unlock()

	rec, err := s.backend.Apply(ctx, batch)
	if err != nil {
		return rec, fmt.Errorf("flushing %d mutations: %w", len(batch), err)
	}

	s.mu.Lock()
	s.journal = append(s.journal[:0], s.journal[len(batch):]...)
	s.dirty = len(s.journal) > 0
	s.mu.Unlock()

	return rec, nil
}

// mutate must be called with s.mu held.
func (s *Store) mutate(m storage.Mutation) {
	s.journal = append(s.journal, m)
	s.dirty = true
}
