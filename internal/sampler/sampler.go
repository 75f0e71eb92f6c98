// Package sampler drives the probes and daily recording on three cadences:
// a status poll, a fine-grained daily check that backfills today's row when
// it is missing, and a session update that re-records today's row.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jgalley/capscout/internal/config"
	"github.com/jgalley/capscout/internal/metrics"
	"github.com/jgalley/capscout/internal/probe"
	"github.com/jgalley/capscout/internal/stats"
	"github.com/jgalley/capscout/internal/storage"
)

// Locations lists the locations to sample.
type Locations interface {
	List() []storage.Location
}

// Store is the recording side of the stats store.
type Store interface {
	Location(id int64) (storage.Location, bool)
	StatForDay(locationID int64, day storage.Day) (storage.DailyStat, bool)
	Record(locationID int64, day storage.Day, capacity uint64) (storage.DailyStat, error)
}

// Prober measures a location.
type Prober interface {
	Measure(ctx context.Context, path string, kind storage.Kind) (probe.Result, error)
}

// errRemoved is returned for probes of a location whose removal has started.
var errRemoved = errors.New("location removed")

// Settings holds the cadences and probe concurrency.
type Settings struct {
	Poll          time.Duration
	SessionUpdate time.Duration
	DailyCheck    time.Duration
	Workers       int
}

// SettingsFrom extracts the sampler settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Poll:          cfg.Schedule.PollInterval(),
		SessionUpdate: cfg.Schedule.SessionUpdateInterval(),
		DailyCheck:    cfg.Probe.DailyCheckInterval,
		Workers:       cfg.Probe.Workers,
	}
}

func (s Settings) valid() bool {
	return s.Poll > 0 && s.SessionUpdate > 0 && s.DailyCheck > 0
}

// Reading is the latest successful probe of a location.
type Reading struct {
	Location storage.Location
	Bytes    uint64
	At       time.Time
	Duration time.Duration
}

type task int

const (
	taskPoll task = iota
	taskDailyCheck
	taskSessionUpdate
	numTasks
)

func (t task) String() string {
	switch t {
	case taskPoll:
		return "poll"
	case taskDailyCheck:
		return "daily-check"
	case taskSessionUpdate:
		return "session-update"
	default:
		return "unknown"
	}
}

// probeRun is one in-flight probe of a location.
type probeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Sampler manages periodic probing and recording.
type Sampler struct {
	locations Locations
	store     Store
	prober    Prober
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.Mutex
	settings Settings
	running  bool
	runCtx   context.Context
	stopCh   chan struct{}
	doneCh   chan struct{}
	resetCh  chan Settings
	inflight map[int64]map[uint64]*probeRun // location id -> active probes
	nextRun  uint64
	readings map[int64]Reading
	removed  map[int64]struct{}
	sync     func(context.Context) error

	busy  [numTasks]atomic.Bool
	tasks sync.WaitGroup
}

// New creates a Sampler.
func New(locations Locations, store Store, prober Prober, settings Settings, logger *slog.Logger, m *metrics.Metrics) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	return &Sampler{
		locations: locations,
		store:     store,
		prober:    prober,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		settings:  settings,
		resetCh:   make(chan Settings, 1),
		inflight:  make(map[int64]map[uint64]*probeRun),
		readings:  make(map[int64]Reading),
		removed:   make(map[int64]struct{}),
	}
}

// SetSync installs a hook run before every cadence visits the locations,
// typically Registry.Sync so changes made by other processes are seen.
func (s *Sampler) SetSync(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync = fn
}

// Run starts the cadences and blocks until Stop is called or the context is
// cancelled. In-flight probes are cancelled and awaited before it returns.
func (s *Sampler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	s.running = true
	s.runCtx = taskCtx
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	settings := s.settings
	stopCh := s.stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.doneCh)
		s.mu.Unlock()
	}()

	pollTicker := time.NewTicker(settings.Poll)
	defer pollTicker.Stop()
	dailyTicker := time.NewTicker(settings.DailyCheck)
	defer dailyTicker.Stop()
	sessionTicker := time.NewTicker(settings.SessionUpdate)
	defer sessionTicker.Stop()

	s.logger.Info("sampler started",
		"poll", settings.Poll,
		"daily_check", settings.DailyCheck,
		"session_update", settings.SessionUpdate,
		"workers", settings.Workers,
	)

	// Make sure today's row exists right after a restart.
	s.launch(taskCtx, taskDailyCheck)

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping sampler")
			break loop
		case <-stopCh:
			s.logger.Info("stop requested, stopping sampler")
			break loop
		case next := <-s.resetCh:
			pollTicker.Reset(next.Poll)
			dailyTicker.Reset(next.DailyCheck)
			sessionTicker.Reset(next.SessionUpdate)
			s.logger.Info("sampler reconfigured",
				"poll", next.Poll,
				"daily_check", next.DailyCheck,
				"session_update", next.SessionUpdate,
				"workers", next.Workers,
			)
		case <-pollTicker.C:
			s.launch(taskCtx, taskPoll)
		case <-dailyTicker.C:
			s.launch(taskCtx, taskDailyCheck)
		case <-sessionTicker.C:
			s.launch(taskCtx, taskSessionUpdate)
		}
	}

	cancelTasks()
	s.tasks.Wait()
	return nil
}

// Stop signals the sampler to stop.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if s.running && s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()
}

// Wait blocks until the sampler has fully stopped.
func (s *Sampler) Wait() {
	s.mu.Lock()
	doneCh := s.doneCh
	s.mu.Unlock()

	if doneCh != nil {
		<-doneCh
	}
}

// Reconfigure replaces the cadences and restarts their timers. Invalid
// settings are ignored.
func (s *Sampler) Reconfigure(settings Settings) {
	if !settings.valid() {
		s.logger.Warn("ignoring invalid sampler settings", "settings", settings)
		return
	}
	if settings.Workers < 1 {
		settings.Workers = 1
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	// Keep only the newest pending value.
	select {
	case <-s.resetCh:
	default:
	}
	s.resetCh <- settings
}

// Trigger polls a single location right away, recording today's row if it
// is missing. It does nothing unless the sampler is running.
func (s *Sampler) Trigger(loc storage.Location) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		s.pollOne(ctx, loc)
	}()
}

// Cancel cancels every in-flight probe of the location and waits for them
// to return. No new probe of the location starts or publishes a reading
// afterwards, unless Cancel fails. It implements registry.Canceler.
func (s *Sampler) Cancel(ctx context.Context, locationID int64) error {
	s.mu.Lock()
	s.removed[locationID] = struct{}{}
	runs := make([]*probeRun, 0, len(s.inflight[locationID]))
	for _, r := range s.inflight[locationID] {
		runs = append(runs, r)
	}
	reading, hadReading := s.readings[locationID]
	delete(s.readings, locationID)
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.removed, locationID)
			s.mu.Unlock()
			return ctx.Err()
		}
	}

	if hadReading {
		s.metrics.Forget(reading.Location)
	}
	if len(runs) > 0 {
		s.logger.Info("cancelled in-flight probes", "location_id", locationID, "count", len(runs))
	}
	return nil
}

// Readings returns the latest successful probe of each location.
func (s *Sampler) Readings() map[int64]Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]Reading, len(s.readings))
	for id, r := range s.readings {
		out[id] = r
	}
	return out
}

// launch runs t in the background unless the previous run of t is still busy.
func (s *Sampler) launch(ctx context.Context, t task) {
	if !s.busy[t].CompareAndSwap(false, true) {
		s.logger.Debug("previous run still busy, skipping tick", "task", t)
		return
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.busy[t].Store(false)

		switch t {
		case taskPoll:
			s.runPoll(ctx)
		case taskDailyCheck:
			s.runDailyCheck(ctx)
		case taskSessionUpdate:
			s.runSessionUpdate(ctx)
		}
	}()
}

// runPoll refreshes the status reading of every location.
func (s *Sampler) runPoll(ctx context.Context) {
	s.forEach(ctx, s.pollOne)
}

// pollOne refreshes the reading of loc. When today's row is still missing
// the same probe records it.
func (s *Sampler) pollOne(ctx context.Context, loc storage.Location) {
	if _, ok := s.store.StatForDay(loc.ID, storage.DayOf(s.now())); !ok {
		s.sample(ctx, loc, false)
		return
	}

	r, err := s.probe(ctx, loc)
	if err != nil {
		return
	}
	s.logger.Debug("location reading",
		"location", loc.Name,
		"bytes", r.Bytes,
		"duration", r.Duration,
	)
}

// runDailyCheck records today's row for every location that has none yet.
func (s *Sampler) runDailyCheck(ctx context.Context) {
	s.forEach(ctx, func(ctx context.Context, loc storage.Location) {
		s.sample(ctx, loc, false)
	})
}

// runSessionUpdate re-records today's row for every location.
func (s *Sampler) runSessionUpdate(ctx context.Context) {
	s.forEach(ctx, func(ctx context.Context, loc storage.Location) {
		s.sample(ctx, loc, true)
	})
}

// forEach calls fn for every location with bounded concurrency.
func (s *Sampler) forEach(ctx context.Context, fn func(context.Context, storage.Location)) {
	s.mu.Lock()
	workers := s.settings.Workers
	syncFn := s.sync
	s.mu.Unlock()

	if syncFn != nil {
		if err := syncFn(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("failed to sync locations, using the known set", "error", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for _, loc := range s.locations.List() {
		if ctx.Err() != nil {
			break
		}
		loc := loc
		g.Go(func() error {
			fn(ctx, loc)
			return nil
		})
	}

	_ = g.Wait()
}

// sample is the recording primitive shared by all cadences. Without force,
// a location that already has today's row is skipped.
func (s *Sampler) sample(ctx context.Context, loc storage.Location, force bool) {
	day := storage.DayOf(s.now())
	if !force {
		if _, ok := s.store.StatForDay(loc.ID, day); ok {
			return
		}
	}

	r, err := s.probe(ctx, loc)
	if err != nil {
		return
	}

	st, err := s.store.Record(loc.ID, day, r.Bytes)
	if err != nil {
		if errors.Is(err, stats.ErrNotFound) {
			s.logger.Debug("location removed while probing, dropping reading", "location_id", loc.ID)
			return
		}
		s.logger.Error("failed to record daily stat", "location", loc.Name, "error", err)
		return
	}

	s.metrics.ObserveRecord(loc, st)
	s.logger.Info("recorded daily stat",
		"location", loc.Name,
		"day", st.Day,
		"capacity_bytes", st.CapacityBytes,
		"delta_bytes", st.DeltaBytes,
		"forced", force,
	)
}

// probe measures loc under a context that Cancel can reach.
func (s *Sampler) probe(ctx context.Context, loc storage.Location) (probe.Result, error) {
	probeCtx, cancel := context.WithCancel(ctx)
	run := &probeRun{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, gone := s.removed[loc.ID]; gone {
		s.mu.Unlock()
		cancel()
		return probe.Result{}, errRemoved
	}
	s.nextRun++
	runID := s.nextRun
	if s.inflight[loc.ID] == nil {
		s.inflight[loc.ID] = make(map[uint64]*probeRun)
	}
	s.inflight[loc.ID][runID] = run
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight[loc.ID], runID)
		if len(s.inflight[loc.ID]) == 0 {
			delete(s.inflight, loc.ID)
		}
		s.mu.Unlock()
		cancel()
		close(run.done)
	}()

	r, err := s.prober.Measure(probeCtx, loc.Path, loc.Kind)
	if err != nil {
		switch {
		case probeCtx.Err() != nil:
			s.logger.Debug("probe cancelled", "location", loc.Name)
		case errors.Is(err, probe.ErrUnreachable):
			s.metrics.ProbeFailed(loc)
			s.logger.Warn("location unreachable, retrying next cycle",
				"location", loc.Name,
				"path", loc.Path,
				"error", err,
			)
		default:
			s.metrics.ProbeFailed(loc)
			s.logger.Warn("probe failed", "location", loc.Name, "path", loc.Path, "error", err)
		}
		return probe.Result{}, err
	}

	_, known := s.store.Location(loc.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.removed[loc.ID]; gone || !known {
		s.logger.Debug("location removed while probing, dropping reading", "location_id", loc.ID)
		return probe.Result{}, errRemoved
	}
	s.metrics.ObserveReading(loc, r.Bytes, r.Duration)
	s.readings[loc.ID] = Reading{
		Location: loc,
		Bytes:    r.Bytes,
		At:       s.now(),
		Duration: r.Duration,
	}

	return r, nil
}
