package perf

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize is the default capacity of the ring buffer.
const DefaultRingSize = 10000

// EntryKind distinguishes request, query and transport submission entries.
type EntryKind uint8

const (
	KindRequest EntryKind = iota
	KindQuery
	KindSubmit
)

// Entry is a single timing record stored in the ring buffer.
type Entry struct {
	Kind       EntryKind
	Path       string // "METHOD /path", "store.Method" or "transport.Submit"
	StatusCode int    // HTTP status; 0 for queries and successful submissions, 1 for failed submissions
	DurationMs float64
	Timestamp  time.Time
}

// Collector is a fixed-size ring buffer for timing entries.
// Writes never block on readers; when full, the oldest entries are overwritten.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int64
}

// NewCollector creates a collector with the given ring buffer capacity.
// PRE: none
// POST: Returns a collector with pre-allocated storage; size <= 0 means DefaultRingSize
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Collector{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Record appends an entry. A nil collector discards it.
func (c *Collector) Record(e Entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[c.pos] = e
	c.pos = (c.pos + 1) % c.size
	c.mu.Unlock()
	atomic.AddInt64(&c.count, 1)
}

// RecordSubmit records one transport submission that started at and took d.
// A nil collector discards it.
func (c *Collector) RecordSubmit(d time.Duration, at time.Time, failed bool) {
	e := Entry{
		Kind:       KindSubmit,
		Path:       "transport.Submit",
		DurationMs: float64(d.Microseconds()) / 1000.0,
		Timestamp:  at,
	}
	if failed {
		e.StatusCode = 1
	}
	c.Record(e)
}

// TotalRecorded returns the total number of entries ever recorded.
func (c *Collector) TotalRecorded() int64 {
	return atomic.LoadInt64(&c.count)
}

// Snapshot holds aggregated performance data computed on read.
type Snapshot struct {
	TotalEntries   int64
	Requests       Percentiles
	Submissions    Percentiles
	FailedSubmits  int
	SlowestPaths   []PathStat
	SlowestQueries []PathStat
}

// Percentiles summarises one kind of entry.
type Percentiles struct {
	Count int
	P50Ms float64
	P95Ms float64
	P99Ms float64
}

// PathStat aggregates timing for a single path or store.method.
type PathStat struct {
	Path    string
	AvgMs   float64
	MaxMs   float64
	Count   int
	TotalMs float64
}

func (s *PathStat) add(ms float64) {
	s.Count++
	s.TotalMs += ms
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
}

// Snapshot aggregates entries recorded at or after since. It sorts, so it is
// only meant for the dashboard endpoint.
func (c *Collector) Snapshot(since time.Time, topN int) Snapshot {
	c.mu.Lock()
	buf := make([]Entry, c.size)
	copy(buf, c.entries)
	c.mu.Unlock()

	var requests, submits []float64
	failed := 0
	byPath := make(map[string]*PathStat)
	byQuery := make(map[string]*PathStat)

	for _, e := range buf {
		if e.Timestamp.IsZero() || e.Timestamp.Before(since) {
			continue
		}
		switch e.Kind {
		case KindRequest:
			requests = append(requests, e.DurationMs)
			statFor(byPath, e.Path).add(e.DurationMs)
		case KindQuery:
			statFor(byQuery, e.Path).add(e.DurationMs)
		case KindSubmit:
			submits = append(submits, e.DurationMs)
			if e.StatusCode != 0 {
				failed++
			}
		}
	}

	return Snapshot{
		TotalEntries:   c.TotalRecorded(),
		Requests:       summarise(requests),
		Submissions:    summarise(submits),
		FailedSubmits:  failed,
		SlowestPaths:   topByAvg(byPath, topN),
		SlowestQueries: topByAvg(byQuery, topN),
	}
}

func statFor(m map[string]*PathStat, path string) *PathStat {
	s, ok := m[path]
	if !ok {
		s = &PathStat{Path: path}
		m[path] = s
	}
	return s
}

func summarise(durations []float64) Percentiles {
	if len(durations) == 0 {
		return Percentiles{}
	}
	sort.Float64s(durations)
	return Percentiles{
		Count: len(durations),
		P50Ms: percentile(durations, 50),
		P95Ms: percentile(durations, 95),
		P99Ms: percentile(durations, 99),
	}
}

// percentile returns the p-th percentile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper || upper >= len(sorted) {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// topByAvg returns the top n stats by average duration, slowest first.
func topByAvg(stats map[string]*PathStat, n int) []PathStat {
	list := make([]PathStat, 0, len(stats))
	for _, s := range stats {
		s.AvgMs = s.TotalMs / float64(s.Count)
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].AvgMs > list[j].AvgMs
	})
	if len(list) > n {
		list = list[:n]
	}
	return list
}
