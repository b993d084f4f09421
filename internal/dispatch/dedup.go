package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	logx "bulksend/pkg/logx"
)

// HistoryReader answers "when was each destination last contacted".
type HistoryReader interface {
	BatchLastSent(ctx context.Context, destinations []string, since time.Time) (map[string]time.Time, error)
}

// Destination is one entry of a batch request.
type Destination struct {
	Index      int    // position in the request
	Raw        string // as supplied
	Normalized string // digits only
}

// Skip is a destination left out because it was contacted within the window.
type Skip struct {
	Destination
	LastContact time.Time
}

// Classification splits a request into the sets the dispatch loop needs.
// Every request entry lands in exactly one set.
type Classification struct {
	Invalid    []Destination
	Duplicates []Destination
	Skipped    []Skip
	Eligible   []Destination
}

type DedupOptions struct {
	Enabled   bool
	Window    time.Duration
	MinDigits int
}

// DedupFilter classifies destinations with one batched history query.
type DedupFilter struct {
	store HistoryReader
	clock clockwork.Clock
	log   logx.Logger
}

func NewDedupFilter(store HistoryReader, clock clockwork.Clock, log logx.Logger) *DedupFilter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DedupFilter{store: store, clock: clock, log: log}
}

// Normalize keeps only the ASCII digits of raw.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Classify never fails: a history query error is logged and every valid
// destination is treated as eligible.
func (f *DedupFilter) Classify(ctx context.Context, raw []string, opt DedupOptions) Classification {
	var out Classification
	seen := make(map[string]bool, len(raw))
	valid := make([]Destination, 0, len(raw))

	for i, r := range raw {
		d := Destination{Index: i, Raw: r, Normalized: Normalize(r)}
		switch {
		case len(d.Normalized) < opt.MinDigits || d.Normalized == "":
			out.Invalid = append(out.Invalid, d)
		case seen[d.Normalized]:
			out.Duplicates = append(out.Duplicates, d)
		default:
			seen[d.Normalized] = true
			valid = append(valid, d)
		}
	}

	if !opt.Enabled || len(valid) == 0 || f.store == nil {
		out.Eligible = valid
		return out
	}

	keys := make([]string, len(valid))
	for i, d := range valid {
		keys[i] = d.Normalized
	}
	since := f.clock.Now().Add(-opt.Window)
	last, err := f.store.BatchLastSent(ctx, keys, since)
	if err != nil {
		f.log.Warn("history lookup failed; treating all destinations as eligible",
			logx.Int("count", len(keys)), logx.Err(err))
		out.Eligible = valid
		return out
	}

	for _, d := range valid {
		if at, ok := last[d.Normalized]; ok && at.After(since) {
			out.Skipped = append(out.Skipped, Skip{Destination: d, LastContact: at})
			continue
		}
		out.Eligible = append(out.Eligible, d)
	}
	return out
}
