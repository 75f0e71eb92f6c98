package stats

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jgalley/capscout/internal/storage"
)

const gib = 1 << 30

// fakeBackend records every Apply call.
type fakeBackend struct {
	mu      sync.Mutex
	snap    storage.Snapshot
	applied [][]storage.Mutation
	failErr error
}

func (b *fakeBackend) Initialize(context.Context) error { return nil }
func (b *fakeBackend) Close() error                     { return nil }

func (b *fakeBackend) Load(context.Context) (*storage.Snapshot, error) {
	snap := b.snap
	return &snap, nil
}

func (b *fakeBackend) Locations(context.Context) ([]storage.Location, error) {
	return b.snap.Locations, nil
}

func (b *fakeBackend) Apply(_ context.Context, batch []storage.Mutation) (storage.FlushRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return storage.FlushRecord{Status: "failed: " + b.failErr.Error()}, b.failErr
	}
	cp := make([]storage.Mutation, len(batch))
	copy(cp, batch)
	b.applied = append(b.applied, cp)
	return storage.FlushRecord{FlushID: "test", Mutations: len(batch), Status: "completed"}, nil
}

func (b *fakeBackend) Flushes(context.Context, int) ([]storage.FlushRecord, error) {
	return nil, nil
}

func (b *fakeBackend) applyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.applied)
}

func openStore(t *testing.T, b *fakeBackend) *Store {
	t.Helper()
	s, err := Open(context.Background(), b)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestRecordDeltaAgainstPreviousDay(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})

	steps := []struct {
		day      storage.Day
		capacity uint64
		want     storage.DailyStat
	}{
		{day: "2024-03-01", capacity: 100, want: storage.DailyStat{LocationID: loc.ID, Day: "2024-03-01", CapacityBytes: 100, DeltaBytes: 0}},
		{day: "2024-03-02", capacity: 150, want: storage.DailyStat{LocationID: loc.ID, Day: "2024-03-02", CapacityBytes: 150, DeltaBytes: 50}},
		{day: "2024-03-05", capacity: 90, want: storage.DailyStat{LocationID: loc.ID, Day: "2024-03-05", CapacityBytes: 90, DeltaBytes: -60}},
	}

	for _, step := range steps {
		got, err := s.Record(loc.ID, step.day, step.capacity)
		if err != nil {
			t.Fatalf("Record(%s) error = %v", step.day, err)
		}
		if got != step.want {
			t.Errorf("Record(%s) = %+v, want %+v", step.day, got, step.want)
		}
	}
}

func TestRecordSameDayKeepsBaseline(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})

	mustRecord(t, s, loc.ID, "2024-03-01", 10*gib)
	mustRecord(t, s, loc.ID, "2024-03-02", 12*gib)
	got := mustRecord(t, s, loc.ID, "2024-03-02", 12*gib+gib/2)

	want := storage.DailyStat{LocationID: loc.ID, Day: "2024-03-02", CapacityBytes: 12*gib + gib/2, DeltaBytes: 2*gib + gib/2}
	if got != want {
		t.Errorf("re-record = %+v, want %+v", got, want)
	}

	wantSeries := []storage.DailyStat{
		{LocationID: loc.ID, Day: "2024-03-01", CapacityBytes: 10 * gib, DeltaBytes: 0},
		want,
	}
	if diff := cmp.Diff(wantSeries, s.Series(loc.ID)); diff != "" {
		t.Errorf("Series() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFirstDayReRecordStaysZero(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})

	mustRecord(t, s, loc.ID, "2024-03-01", 100)
	got := mustRecord(t, s, loc.ID, "2024-03-01", 300)
	if got.DeltaBytes != 0 {
		t.Errorf("DeltaBytes = %d, want 0 with no earlier day", got.DeltaBytes)
	}
}

func TestRecordUnknownLocation(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	if _, err := s.Record(42, "2024-03-01", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Record() error = %v, want ErrNotFound", err)
	}
	if s.Dirty() {
		t.Error("Dirty() = true after rejected record")
	}
}

func TestLookups(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})

	if _, ok := s.Latest(loc.ID); ok {
		t.Error("Latest() on empty series ok = true")
	}

	// Out of order on purpose.
	mustRecord(t, s, loc.ID, "2024-03-10", 30)
	mustRecord(t, s, loc.ID, "2024-03-01", 10)
	mustRecord(t, s, loc.ID, "2024-03-05", 20)

	if got, _ := s.Latest(loc.ID); got.Day != "2024-03-10" {
		t.Errorf("Latest() day = %s, want 2024-03-10", got.Day)
	}
	if got, ok := s.LatestBefore(loc.ID, "2024-03-10"); !ok || got.Day != "2024-03-05" {
		t.Errorf("LatestBefore(03-10) = %+v, %v, want 2024-03-05", got, ok)
	}
	if got, ok := s.LatestBefore(loc.ID, "2024-03-07"); !ok || got.Day != "2024-03-05" {
		t.Errorf("LatestBefore(03-07) = %+v, %v, want 2024-03-05", got, ok)
	}
	if _, ok := s.LatestBefore(loc.ID, "2024-03-01"); ok {
		t.Error("LatestBefore(first day) ok = true, want false")
	}
	if got, ok := s.StatForDay(loc.ID, "2024-03-05"); !ok || got.CapacityBytes != 20 {
		t.Errorf("StatForDay(03-05) = %+v, %v", got, ok)
	}
	if _, ok := s.StatForDay(loc.ID, "2024-03-06"); ok {
		t.Error("StatForDay(03-06) ok = true, want false")
	}

	var days []storage.Day
	for _, st := range s.Series(loc.ID) {
		days = append(days, st.Day)
	}
	if diff := cmp.Diff([]storage.Day{"2024-03-01", "2024-03-05", "2024-03-10"}, days); diff != "" {
		t.Errorf("Series() days mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveLocationCascades(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	keep := s.AddLocation(storage.Location{Name: "Keep", Path: "/keep", Kind: storage.KindDisk})
	drop := s.AddLocation(storage.Location{Name: "Drop", Path: "/drop", Kind: storage.KindFolder})

	mustRecord(t, s, keep.ID, "2024-03-01", 1)
	mustRecord(t, s, drop.ID, "2024-03-01", 2)
	mustRecord(t, s, drop.ID, "2024-03-02", 3)

	if err := s.RemoveLocation(drop.ID); err != nil {
		t.Fatalf("RemoveLocation() error = %v", err)
	}
	if n := len(s.Series(drop.ID)); n != 0 {
		t.Errorf("Series(removed) has %d rows, want 0", n)
	}
	if _, err := s.Record(drop.ID, "2024-03-03", 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("Record(removed) error = %v, want ErrNotFound", err)
	}
	if n := len(s.Series(keep.ID)); n != 1 {
		t.Errorf("Series(kept) has %d rows, want 1", n)
	}
	if err := s.RemoveLocation(drop.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveLocation() error = %v, want ErrNotFound", err)
	}
}

func TestAddLocationNeverReusesIDs(t *testing.T) {
	b := &fakeBackend{snap: storage.Snapshot{
		Locations:      []storage.Location{{ID: 3, Name: "B", Path: "/b", Kind: storage.KindDisk}},
		LastLocationID: 5,
	}}
	s := openStore(t, b)

	got := s.AddLocation(storage.Location{Name: "A", Path: "/a", Kind: storage.KindFolder})
	if got.ID != 6 {
		t.Errorf("AddLocation() id = %d, want 6", got.ID)
	}

	want := []storage.Location{
		{ID: 6, Name: "A", Path: "/a", Kind: storage.KindFolder},
		{ID: 3, Name: "B", Path: "/b", Kind: storage.KindDisk},
	}
	if diff := cmp.Diff(want, s.Locations()); diff != "" {
		t.Errorf("Locations() mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenDropsOrphanStats(t *testing.T) {
	b := &fakeBackend{snap: storage.Snapshot{
		Locations: []storage.Location{{ID: 1, Name: "A", Path: "/a", Kind: storage.KindDisk}},
		Stats: []storage.DailyStat{
			{LocationID: 1, Day: "2024-03-02", CapacityBytes: 2, DeltaBytes: 1},
			{LocationID: 1, Day: "2024-03-01", CapacityBytes: 1},
			{LocationID: 9, Day: "2024-03-01", CapacityBytes: 5},
		},
		LastLocationID: 1,
	}}
	s := openStore(t, b)

	if got := s.Series(1); len(got) != 2 || got[0].Day != "2024-03-01" {
		t.Errorf("Series(1) = %+v, want two rows sorted", got)
	}
	if got := s.Series(9); len(got) != 0 {
		t.Errorf("Series(9) = %+v, want none", got)
	}
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{}
	s := openStore(t, b)

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() on clean store error = %v", err)
	}
	if n := b.applyCount(); n != 0 {
		t.Fatalf("Flush() on clean store wrote %d batches, want 0", n)
	}

	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})
	mustRecord(t, s, loc.ID, "2024-03-01", 1)
	if !s.Dirty() {
		t.Fatal("Dirty() = false after mutation")
	}

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if s.Dirty() {
		t.Error("Dirty() = true after flush")
	}
	if n := b.applyCount(); n != 1 {
		t.Errorf("Apply called %d times, want 1", n)
	}
	if n := len(b.applied[0]); n != 2 {
		t.Errorf("first batch has %d mutations, want 2", n)
	}

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	if n := b.applyCount(); n != 1 {
		t.Errorf("second Flush() wrote again: %d batches, want 1", n)
	}
}

func TestFlushFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{failErr: errors.New("disk full")}
	s := openStore(t, b)

	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})
	mustRecord(t, s, loc.ID, "2024-03-01", 1)

	if _, err := s.Flush(ctx); err == nil {
		t.Fatal("Flush() error = nil, want failure")
	}
	if !s.Dirty() || s.Pending() != 2 {
		t.Fatalf("after failed flush Dirty() = %v, Pending() = %d, want true, 2", s.Dirty(), s.Pending())
	}

	b.mu.Lock()
	b.failErr = nil
	b.mu.Unlock()

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("retry Flush() error = %v", err)
	}
	if s.Dirty() || s.Pending() != 0 {
		t.Errorf("after retry Dirty() = %v, Pending() = %d, want false, 0", s.Dirty(), s.Pending())
	}
	if diff := cmp.Diff(storage.OpUpsertStat, b.applied[0][1].Op); diff != "" {
		t.Errorf("retried batch order mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentRecordSameDay(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	loc := s.AddLocation(storage.Location{Name: "Data", Path: "/data", Kind: storage.KindFolder})
	mustRecord(t, s, loc.ID, "2024-03-01", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Record(loc.ID, "2024-03-02", uint64(1000+i)); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	rows := s.Series(loc.ID)
	if len(rows) != 2 {
		t.Fatalf("Series() has %d rows, want 2", len(rows))
	}
	last := rows[1]
	if last.DeltaBytes != int64(last.CapacityBytes)-1000 {
		t.Errorf("delta %d inconsistent with capacity %d and baseline 1000", last.DeltaBytes, last.CapacityBytes)
	}
}

func mustRecord(t *testing.T, s *Store, id int64, day storage.Day, capacity uint64) storage.DailyStat {
	t.Helper()
	st, err := s.Record(id, day, capacity)
	if err != nil {
		t.Fatalf("Record(%d, %s) error = %v", id, day, err)
	}
	return st
}

func openSQLite(t *testing.T, path string) *storage.SQLiteStorage {
	t.Helper()
	b, err := storage.NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return b
}

func locationIDs(locs []storage.Location) []int64 {
	ids := make([]int64, 0, len(locs))
	for _, l := range locs {
		ids = append(ids, l.ID)
	}
	return ids
}

// A daemon store and a command-line store share one database file.
func TestStoresSharingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "capacity.db")

	cliBackend := openSQLite(t, path)
	cli, err := Open(ctx, cliBackend)
	if err != nil {
		t.Fatalf("Open(cli) error = %v", err)
	}
	a := cli.AddLocation(storage.Location{Name: "A", Path: "/a", Kind: storage.KindFolder})
	b := cli.AddLocation(storage.Location{Name: "B", Path: "/b", Kind: storage.KindFolder})
	if _, err := cli.Flush(ctx); err != nil {
		t.Fatalf("cli Flush() error = %v", err)
	}

	daemon, err := Open(ctx, openSQLite(t, path))
	if err != nil {
		t.Fatalf("Open(daemon) error = %v", err)
	}

	if err := cli.RemoveLocation(a.ID); err != nil {
		t.Fatalf("RemoveLocation() error = %v", err)
	}
	c := cli.AddLocation(storage.Location{Name: "C", Path: "/c", Kind: storage.KindDisk})
	if _, err := cli.Flush(ctx); err != nil {
		t.Fatalf("cli Flush() error = %v", err)
	}

	// The daemon has not noticed the removal yet.
	if _, err := daemon.Record(a.ID, "2024-03-14", 1); err != nil {
		t.Fatalf("Record(a) error = %v", err)
	}
	if _, err := daemon.Record(b.ID, "2024-03-14", 2); err != nil {
		t.Fatalf("Record(b) error = %v", err)
	}

	rec, err := daemon.Flush(ctx)
	if err != nil {
		t.Fatalf("daemon Flush() error = %v", err)
	}
	if rec.Dropped != 1 || daemon.Pending() != 0 {
		t.Errorf("daemon Flush() dropped = %d, pending = %d, want 1 and 0", rec.Dropped, daemon.Pending())
	}

	added, gone, err := daemon.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if diff := cmp.Diff([]int64{c.ID}, locationIDs(added)); diff != "" {
		t.Errorf("Sync() added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{a.ID}, locationIDs(gone)); diff != "" {
		t.Errorf("Sync() gone mismatch (-want +got):\n%s", diff)
	}
	if _, ok := daemon.Location(c.ID); !ok {
		t.Errorf("Location(%d) missing after Sync()", c.ID)
	}
	if daemon.Dirty() {
		t.Error("Sync() journaled the adopted location")
	}

	snap, err := cliBackend.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []storage.DailyStat{{LocationID: b.ID, Day: "2024-03-14", CapacityBytes: 2}}
	if diff := cmp.Diff(want, snap.Stats); diff != "" {
		t.Errorf("persisted stats mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncKeepsLocalChanges(t *testing.T) {
	b := &fakeBackend{snap: storage.Snapshot{
		Locations: []storage.Location{{ID: 1, Name: "Old", Path: "/old", Kind: storage.KindDisk}},
	}}
	s := openStore(t, b)
	ctx := context.Background()

	fresh := s.AddLocation(storage.Location{Name: "Fresh", Path: "/fresh", Kind: storage.KindFolder})
	if err := s.RemoveLocation(1); err != nil {
		t.Fatalf("RemoveLocation() error = %v", err)
	}

	// The backend still lists 1 and does not know fresh: neither flushed yet.
	added, gone, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(added) != 0 || len(gone) != 0 {
		t.Errorf("Sync() = added %v, gone %v, want nothing", added, gone)
	}
	if _, ok := s.Location(fresh.ID); !ok {
		t.Errorf("unflushed location %d was dropped", fresh.ID)
	}
	if _, ok := s.Location(1); ok {
		t.Error("removed location 1 was adopted again")
	}
}
