// Package progress tracks throughput and concurrency statistics for
// in-flight uploads.
package progress

import (
	"sort"
	"sync"
	"time"
)

// DefaultDowntimeThreshold is the gap between consecutive chunks past
// which the interval counts as downtime rather than active transfer.
const DefaultDowntimeThreshold = 2 * time.Second

type interval struct {
	start, end time.Time
}

type entry struct {
	mu sync.Mutex

	bytesReceived int64
	intervals     []interval
	lastEnd       time.Time
	activeSeconds float64
	downtime      float64

	uploadStart *time.Time
	uploadEnd   *time.Time
}

// Stats mirrors model.Stats; kept separate so this package has no
// dependency on the HTTP-facing model shape.
type Stats struct {
	BytesReceived       int64
	UploadActiveSeconds float64
	DowntimeSeconds     float64
	AssemblySeconds     float64
	PeakConcurrency     int
	CurrentConcurrency  int
	AvgUploadBps        *float64
	UploadStart         *time.Time
	UploadEnd           *time.Time
}

// Tracker holds one entry per in-flight upload.
type Tracker struct {
	mu               sync.Mutex
	entries          map[string]*entry
	downtimeThreshold time.Duration
}

// NewTracker builds a tracker; threshold <= 0 falls back to
// DefaultDowntimeThreshold.
func NewTracker(threshold time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultDowntimeThreshold
	}
	return &Tracker{entries: make(map[string]*entry), downtimeThreshold: threshold}
}

// Open creates a zero-valued entry for uploadID, replacing any prior one.
func (t *Tracker) Open(uploadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[uploadID] = &entry{}
}

func (t *Tracker) get(uploadID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uploadID]
	if !ok {
		e = &entry{}
		t.entries[uploadID] = e
	}
	return e
}

// RecordChunk folds one chunk write's timing/size into the upload's
// running totals.
func (t *Tracker) RecordChunk(uploadID string, n int64, start, end time.Time) {
	e := t.get(uploadID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.bytesReceived += n
	e.intervals = append(e.intervals, interval{start: start, end: end})

	if e.uploadStart == nil {
		s := start
		e.uploadStart = &s
	}
	endCopy := end
	e.uploadEnd = &endCopy

	if !e.lastEnd.IsZero() {
		gap := start.Sub(e.lastEnd)
		if gap > t.downtimeThreshold {
			e.downtime += gap.Seconds()
		} else if gap > 0 {
			e.activeSeconds += gap.Seconds()
		}
	}
	if d := end.Sub(start).Seconds(); d > 0 {
		e.activeSeconds += d
	}
	if end.After(e.lastEnd) {
		e.lastEnd = end
	}
}

// sweep reduces recorded intervals into peak and time-weighted-average
// concurrency by sorting start/end boundaries and walking them in order.
func sweep(intervals []interval) (peak int, avg float64) {
	if len(intervals) == 0 {
		return 0, 0
	}
	type boundary struct {
		at    time.Time
		delta int
	}
	bounds := make([]boundary, 0, len(intervals)*2)
	for _, iv := range intervals {
		bounds = append(bounds, boundary{at: iv.start, delta: +1})
		bounds = append(bounds, boundary{at: iv.end, delta: -1})
	}
	sort.Slice(bounds, func(i, j int) bool {
		if bounds[i].at.Equal(bounds[j].at) {
			return bounds[i].delta < bounds[j].delta // close before open at a tie
		}
		return bounds[i].at.Before(bounds[j].at)
	})

	current := 0
	var weightedSum float64
	var totalSpan float64
	var prev time.Time
	first := true
	for _, b := range bounds {
		if !first {
			span := b.at.Sub(prev).Seconds()
			if span > 0 {
				weightedSum += float64(current) * span
				totalSpan += span
			}
		}
		first = false
		current += b.delta
		if current > peak {
			peak = current
		}
		prev = b.at
	}
	if totalSpan > 0 {
		avg = weightedSum / totalSpan
	}
	return peak, avg
}

// Snapshot returns the current derived stats without finalizing.
func (t *Tracker) Snapshot(uploadID string) Stats {
	t.mu.Lock()
	e, ok := t.entries[uploadID]
	t.mu.Unlock()
	if !ok {
		return Stats{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	peak, _ := sweep(e.intervals)
	current := 0
	if len(e.intervals) > 0 && e.intervals[len(e.intervals)-1].end.After(time.Now()) {
		current = 1
	}
	return Stats{
		BytesReceived:       e.bytesReceived,
		UploadActiveSeconds: e.activeSeconds,
		DowntimeSeconds:     e.downtime,
		PeakConcurrency:     peak,
		CurrentConcurrency:  current,
		AvgUploadBps:        avgBps(e.bytesReceived, e.activeSeconds),
		UploadStart:         e.uploadStart,
		UploadEnd:           e.uploadEnd,
	}
}

// Finalize runs the sweep-line reduction, folds in assemblySeconds, and
// discards the entry, returning the closed-out snapshot for the caller
// to archive into the audit trail.
func (t *Tracker) Finalize(uploadID string, assemblySeconds float64) Stats {
	t.mu.Lock()
	e, ok := t.entries[uploadID]
	delete(t.entries, uploadID)
	t.mu.Unlock()
	if !ok {
		return Stats{AssemblySeconds: assemblySeconds}
	}
	e.mu.Lock()
	peak, _ := sweep(e.intervals)
	stats := Stats{
		BytesReceived:       e.bytesReceived,
		UploadActiveSeconds: e.activeSeconds,
		DowntimeSeconds:     e.downtime,
		AssemblySeconds:     assemblySeconds,
		PeakConcurrency:     peak,
		CurrentConcurrency:  0,
		AvgUploadBps:        avgBps(e.bytesReceived, e.activeSeconds),
		UploadStart:         e.uploadStart,
		UploadEnd:           e.uploadEnd,
	}
	e.mu.Unlock()
	return stats
}

// Discard drops an entry without finalizing it, used on cancel/forget.
func (t *Tracker) Discard(uploadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, uploadID)
}

func avgBps(bytesReceived int64, activeSeconds float64) *float64 {
	if activeSeconds <= 0 {
		return nil
	}
	v := float64(bytesReceived) / activeSeconds
	return &v
}
