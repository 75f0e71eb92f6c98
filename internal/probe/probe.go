// Package probe measures how many bytes a location uses.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jgalley/capscout/internal/storage"
)

// ErrUnreachable is returned when the root path of a location cannot be
// accessed. Callers treat it as transient and retry on the next cycle.
var ErrUnreachable = errors.New("location unreachable")

// Result is one completed measurement.
type Result struct {
	Bytes    uint64
	Duration time.Duration
}

// Prober measures disks and folders. Concurrent measurements of the same
// kind and path share one underlying probe, which runs until its result is
// in or every caller waiting for it has given up.
type Prober struct {
	folder Strategy
	disk   func(ctx context.Context, path string) (uint64, error)
	group  singleflight.Group

	mu      sync.Mutex
	waiters map[string]int                // key -> callers inside Measure
	running map[string]context.CancelFunc // key -> the shared probe
}

// New creates a Prober using folder for Folder locations. If folder is nil,
// it is auto-detected per path.
func New(folder Strategy) *Prober {
	if folder == nil {
		folder = NewAutoStrategy()
	}
	return &Prober{
		folder:  folder,
		disk:    diskUsed,
		waiters: make(map[string]int),
		running: make(map[string]context.CancelFunc),
	}
}

// Strategy returns the folder strategy name.
func (p *Prober) Strategy() string {
	return p.folder.Name()
}

// Compute returns the bytes used by the location at path.
func (p *Prober) Compute(ctx context.Context, path string, kind storage.Kind) (uint64, error) {
	r, err := p.Measure(ctx, path, kind)
	return r.Bytes, err
}

// Measure is Compute with timing. Cancelling ctx returns at once; the
// shared probe is only cancelled once no caller waits for it anymore.
func (p *Prober) Measure(ctx context.Context, path string, kind storage.Kind) (Result, error) {
	key := string(kind) + "\x00" + path
	p.join(key)
	defer p.leave(key)

	for {
		ch := p.group.DoChan(key, func() (interface{}, error) {
			runCtx, cancel := p.start(ctx, key)
			defer p.finish(key, cancel)

			start := time.Now()
			n, err := p.compute(runCtx, path, kind)
			return Result{Bytes: n, Duration: time.Since(start)}, err
		})

		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(Result), nil
			}
			// Joined a probe abandoned by everyone else just before.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return Result{}, res.Err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (p *Prober) join(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters[key]++
}

func (p *Prober) leave(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiters[key]--; p.waiters[key] > 0 {
		return
	}
	delete(p.waiters, key)
	if cancel, ok := p.running[key]; ok {
		cancel()
	}
}

// start derives the context of a shared probe. It keeps the values of the
// caller that started it but none of its deadlines or cancellation.
func (p *Prober) start(parent context.Context, key string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiters[key] == 0 {
		cancel()
	}
	p.running[key] = cancel
	return ctx, cancel
}

func (p *Prober) finish(key string, cancel context.CancelFunc) {
	p.mu.Lock()
	delete(p.running, key)
	p.mu.Unlock()
	cancel()
}

func (p *Prober) compute(ctx context.Context, path string, kind storage.Kind) (uint64, error) {
	if err := checkRoot(path, kind); err != nil {
		return 0, err
	}

	switch kind {
	case storage.KindDisk:
		n, err := p.disk(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
		}
		return n, nil
	case storage.KindFolder:
		n, err := p.folder.Size(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return 0, fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
			}
			return 0, fmt.Errorf("measuring %s with %s: %w", path, p.folder.Name(), err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unknown location kind %q", kind)
	}
}

// checkRoot fails with ErrUnreachable when path is missing or, for folders,
// cannot be opened.
func checkRoot(path string, kind storage.Kind) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if kind != storage.KindFolder || !info.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer f.Close()
	if _, err := f.ReadDir(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}
