// Package report renders locations and daily stats for humans and scripts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jgalley/capscout/internal/config"
	"github.com/jgalley/capscout/internal/storage"
)

const bytesPerGB = 1 << 30

// BytesToGB converts bytes to GB using 1024³.
func BytesToGB(b uint64) float64 {
	return float64(b) / bytesPerGB
}

// FormatGB formats bytes as "X.XX GB".
func FormatGB(b uint64) string {
	return fmt.Sprintf("%.2f GB", BytesToGB(b))
}

// FormatDelta formats a signed byte delta as "+X.XX GB" or "-X.XX GB".
func FormatDelta(d int64) string {
	if d < 0 {
		return "-" + FormatGB(uint64(-d))
	}
	return "+" + FormatGB(uint64(d))
}

// HumanSize formats bytes with an IEC suffix, e.g. "12 GiB".
func HumanSize(b uint64) string {
	return humanize.IBytes(b)
}

// Summary describes the change over a run of consecutive daily stats.
type Summary struct {
	From    storage.Day `json:"from"`
	To      storage.Day `json:"to"`
	Days    int         `json:"days"`
	Start   uint64      `json:"start_bytes"`
	End     uint64      `json:"end_bytes"`
	Change  int64       `json:"change_bytes"`
	Percent float64     `json:"change_percent"`
}

// Summarize sums the deltas of series, oldest first. Start is the capacity
// the first delta was measured against. It reports false for an empty series.
func Summarize(series []storage.DailyStat) (Summary, bool) {
	if len(series) == 0 {
		return Summary{}, false
	}

	first, last := series[0], series[len(series)-1]
	s := Summary{
		From: first.Day,
		To:   last.Day,
		Days: len(series),
		End:  last.CapacityBytes,
	}
	for _, st := range series {
		s.Change += st.DeltaBytes
	}

	start := int64(last.CapacityBytes) - s.Change
	if start < 0 {
		start = 0
	}
	s.Start = uint64(start)
	if s.Start > 0 {
		s.Percent = float64(s.Change) / float64(s.Start) * 100
	}
	return s, true
}

// WriteLocations prints locations as a table.
func WriteLocations(w io.Writer, locs []storage.Location) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tPATH")
	fmt.Fprintln(tw, "--\t----\t----\t----")
	for _, l := range locs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", l.ID, l.Name, l.Kind, l.Path)
	}
	return tw.Flush()
}

type locationJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func toLocationJSON(l storage.Location) locationJSON {
	return locationJSON{ID: l.ID, Name: l.Name, Path: l.Path, Kind: string(l.Kind)}
}

// WriteLocationsJSON prints locations as a JSON array.
func WriteLocationsJSON(w io.Writer, locs []storage.Location) error {
	out := make([]locationJSON, len(locs))
	for i, l := range locs {
		out[i] = toLocationJSON(l)
	}
	return encode(w, out)
}

// WriteHistory prints the series of loc as a table followed by a summary.
func WriteHistory(w io.Writer, loc storage.Location, series []storage.DailyStat) error {
	fmt.Fprintf(w, "%s (%s, %s)\n", loc.Name, loc.Kind, loc.Path)
	if len(series) == 0 {
		fmt.Fprintln(w, "No records found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tCAPACITY\tDELTA\tSIZE")
	fmt.Fprintln(tw, "---\t--------\t-----\t----")
	for _, st := range series {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			st.Day,
			FormatGB(st.CapacityBytes),
			FormatDelta(st.DeltaBytes),
			HumanSize(st.CapacityBytes),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if s, ok := Summarize(series); ok {
		fmt.Fprintf(w, "\n%d days, %s to %s: %s (%+.1f%%)\n",
			s.Days, s.From, s.To, FormatDelta(s.Change), s.Percent)
	}
	return nil
}

type statJSON struct {
	Day           storage.Day `json:"day"`
	CapacityBytes uint64      `json:"capacity_bytes"`
	CapacityGB    float64     `json:"capacity_gb"`
	DeltaBytes    int64       `json:"delta_bytes"`
	Delta         string      `json:"delta"`
}

type colorsJSON struct {
	Capacity string `json:"capacity"`
	Delta    string `json:"delta"`
}

type historyJSON struct {
	Location locationJSON `json:"location"`
	Period   string       `json:"period"`
	Colors   colorsJSON   `json:"colors"`
	Stats    []statJSON   `json:"stats"`
	Summary  *Summary     `json:"summary,omitempty"`
}

// WriteHistoryJSON prints the series of loc as JSON. The display colors are
// passed through for chart front ends.
func WriteHistoryJSON(w io.Writer, loc storage.Location, period string, colors config.Colors, series []storage.DailyStat) error {
	out := historyJSON{
		Location: toLocationJSON(loc),
		Period:   period,
		Colors:   colorsJSON{Capacity: colors.Capacity, Delta: colors.Delta},
		Stats:    make([]statJSON, len(series)),
	}
	for i, st := range series {
		out.Stats[i] = statJSON{
			Day:           st.Day,
			CapacityBytes: st.CapacityBytes,
			CapacityGB:    BytesToGB(st.CapacityBytes),
			DeltaBytes:    st.DeltaBytes,
			Delta:         FormatDelta(st.DeltaBytes),
		}
	}
	if s, ok := Summarize(series); ok {
		out.Summary = &s
	}
	return encode(w, out)
}

// WriteLatest prints the most recent daily stat of loc.
func WriteLatest(w io.Writer, loc storage.Location, st storage.DailyStat) error {
	_, err := fmt.Fprintf(w, "%s %s: %s (%s) %s\n",
		loc.Name, st.Day, FormatGB(st.CapacityBytes), HumanSize(st.CapacityBytes), FormatDelta(st.DeltaBytes))
	return err
}

// WriteFlushes prints flush audit records as a table, newest first.
func WriteFlushes(w io.Writer, recs []storage.FlushRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tMUTATIONS\tDROPPED\tSTATUS\tID")
	fmt.Fprintln(tw, "-------\t--------\t---------\t-------\t------\t--")
	for _, r := range recs {
		took := "-"
		if r.CompletedAt != nil {
			took = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), took, r.Mutations, r.Dropped, r.Status, r.FlushID)
	}
	return tw.Flush()
}

type flushJSON struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Mutations   int        `json:"mutations"`
	Dropped     int        `json:"dropped"`
	Status      string     `json:"status"`
}

// WriteFlushesJSON prints flush audit records as a JSON array.
func WriteFlushesJSON(w io.Writer, recs []storage.FlushRecord) error {
	out := make([]flushJSON, len(recs))
	for i, r := range recs {
		out[i] = flushJSON{
			ID:          r.FlushID,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			Mutations:   r.Mutations,
			Dropped:     r.Dropped,
			Status:      r.Status,
		}
	}
	return encode(w, out)
}

func encode(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
