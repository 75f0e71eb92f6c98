package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DayLayout is the ISO-8601 text form of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date in YYYY-MM-DD form. Lexicographic order is
// chronological order.
type Day string

// DayOf returns the calendar day of t in t's location.
func DayOf(t time.Time) Day {
	return Day(t.Format(DayLayout))
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation(DayLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return "", fmt.Errorf("invalid day %q (use YYYY-MM-DD): %w", s, err)
	}
	return DayOf(t), nil
}

// Time returns local midnight of the day. The zero Day maps to the zero time.
func (d Day) Time() time.Time {
	t, err := time.ParseInLocation(DayLayout, string(d), time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Day) String() string {
	return string(d)
}

// Kind tells the probe how to measure a location.
type Kind string

const (
	KindDisk   Kind = "Disk"
	KindFolder Kind = "Folder"
)

// ParseKind accepts "disk" or "folder" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disk":
		return KindDisk, nil
	case "folder", "dir", "directory":
		return KindFolder, nil
	default:
		return "", fmt.Errorf("unknown location kind %q (use disk or folder)", s)
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDisk || k == KindFolder
}

// Location is a monitored disk or directory tree.
type Location struct {
	ID   int64
	Name string
	Path string
	Kind Kind
}

// DailyStat is the capacity snapshot of one location for one day.
type DailyStat struct {
	LocationID    int64
	Day           Day
	CapacityBytes uint64
	DeltaBytes    int64
}

// FlushRecord is the audit entry written for every flush attempt.
type FlushRecord struct {
	FlushID     string
	StartedAt   time.Time
	CompletedAt *time.Time
	Mutations   int
	Dropped     int // stat upserts whose location no longer existed
	Status      string
}

// Op identifies the kind of a pending mutation.
type Op int

const (
	OpInsertLocation Op = iota + 1
	OpDeleteLocation
	OpUpsertStat
)

func (o Op) String() string {
	switch o {
	case OpInsertLocation:
		return "insert-location"
	case OpDeleteLocation:
		return "delete-location"
	case OpUpsertStat:
		return "upsert-stat"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Mutation is one journaled change waiting to be flushed. Location is set
// for location ops, Stat for OpUpsertStat.
type Mutation struct {
	Op       Op
	Location Location
	Stat     DailyStat
}

// Snapshot is the durable state loaded at startup.
type Snapshot struct {
	Locations []Location
	Stats     []DailyStat

	// LastLocationID is the highest location id ever allocated, including
	// deleted ones.
	LastLocationID int64
}

// Backend defines the interface for persisting locations and daily stats.
type Backend interface {
	// Initialize prepares the storage (creates tables, etc.).
	Initialize(ctx context.Context) error

	// Close releases any resources held by the storage.
	Close() error

	// Load reads the complete durable state.
	Load(ctx context.Context) (*Snapshot, error)

	// Locations reads the persisted locations only.
	Locations(ctx context.Context) ([]Location, error)

	// Apply persists a batch of mutations in a single transaction, in order.
	Apply(ctx context.Context, batch []Mutation) (FlushRecord, error)

	// Flushes returns the most recent flush audit records, newest first.
	Flushes(ctx context.Context, limit int) ([]FlushRecord, error)
}
