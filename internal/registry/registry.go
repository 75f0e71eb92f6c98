// Package registry owns the set of monitored locations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jgalley/capscout/internal/stats"
	"github.com/jgalley/capscout/internal/storage"
)

var (
	// ErrInvalidInput is returned by Add for an empty name or path or an
	// unknown kind.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned for an unknown location.
	ErrNotFound = stats.ErrNotFound
)

// Canceler stops in-flight work for a location. Cancel must not return
// until that work has finished.
type Canceler interface {
	Cancel(ctx context.Context, locationID int64) error
}

// Registry adds, removes and lists locations on top of a stats.Store.
type Registry struct {
	store  *stats.Store
	logger *slog.Logger

	mu       sync.Mutex
	canceler Canceler
	onAdd    func(storage.Location)

	syncMu sync.Mutex
}

// New creates a Registry backed by store.
func New(store *stats.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// SetCanceler installs the canceler consulted by Remove.
func (r *Registry) SetCanceler(c Canceler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceler = c
}

// OnAdd installs a hook called after a location is added.
func (r *Registry) OnAdd(fn func(storage.Location)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAdd = fn
}

// Add registers a new location and returns its id.
func (r *Registry) Add(ctx context.Context, name, path string, kind storage.Kind) (int64, error) {
	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)

	if name == "" {
		return 0, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if path == "" {
		return 0, fmt.Errorf("%w: path is required", ErrInvalidInput)
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}

	loc := r.store.AddLocation(storage.Location{Name: name, Path: path, Kind: kind})
	r.logger.Info("location added", "id", loc.ID, "name", loc.Name, "path", loc.Path, "kind", loc.Kind)

	r.mu.Lock()
	onAdd := r.onAdd
	r.mu.Unlock()
	if onAdd != nil {
		onAdd(loc)
	}

	return loc.ID, nil
}

// Remove cancels and awaits in-flight probes for the location, then deletes
// it together with all of its daily stats.
func (r *Registry) Remove(ctx context.Context, id int64) error {
	loc, ok := r.store.Location(id)
	if !ok {
		return fmt.Errorf("removing location %d: %w", id, ErrNotFound)
	}

	r.mu.Lock()
	canceler := r.canceler
	r.mu.Unlock()

	if canceler != nil {
		if err := canceler.Cancel(ctx, id); err != nil {
			return fmt.Errorf("cancelling probes for location %d: %w", id, err)
		}
	}

	if err := r.store.RemoveLocation(id); err != nil {
		return err
	}

	r.logger.Info("location removed", "id", id, "name", loc.Name)
	return nil
}

// Sync picks up locations added or removed by another process, such as the
// location commands run while the daemon is up. Removed locations go through
// Remove so their in-flight probes are cancelled first; added ones fire the
// OnAdd hook.
func (r *Registry) Sync(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	added, gone, err := r.store.Sync(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, loc := range gone {
		r.logger.Info("location removed elsewhere", "id", loc.ID, "name", loc.Name)
		if err := r.Remove(ctx, loc.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	onAdd := r.onAdd
	r.mu.Unlock()

	for _, loc := range added {
		r.logger.Info("location added elsewhere", "id", loc.ID, "name", loc.Name, "path", loc.Path, "kind", loc.Kind)
		if onAdd != nil {
			onAdd(loc)
		}
	}

	return errors.Join(errs...)
}

// List returns all locations sorted by name.
func (r *Registry) List() []storage.Location {
	return r.store.Locations()
}

// Get returns the location with the given id.
func (r *Registry) Get(id int64) (storage.Location, error) {
	loc, ok := r.store.Location(id)
	if !ok {
		return storage.Location{}, fmt.Errorf("location %d: %w", id, ErrNotFound)
	}
	return loc, nil
}

// Lookup resolves ref as a numeric id first, then as an exact name.
func (r *Registry) Lookup(ref string) (storage.Location, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if loc, ok := r.store.Location(id); ok {
			return loc, nil
		}
	}

	var matches []storage.Location
	for _, loc := range r.store.Locations() {
		if loc.Name == ref {
			matches = append(matches, loc)
		}
	}

	switch len(matches) {
	case 0:
		return storage.Location{}, fmt.Errorf("location %q: %w", ref, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return storage.Location{}, fmt.Errorf("location name %q is ambiguous (%d matches), use the id", ref, len(matches))
	}
}
