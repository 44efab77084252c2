// Package model defines the data shapes shared by the state store, the
// upload manager, and the HTTP surface.
package model

import "time"

// Status is the lifecycle state of an in-flight upload.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// UploadMetadata is the durable (or in-memory, for ephemeral uploads)
// record of a single chunked upload.
type UploadMetadata struct {
	ID          string `json:"id"`
	UserKey     string `json:"userKey"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	Persist     bool   `json:"persist"`
	Status      Status `json:"status"`

	// ReceivedChunks is the set of chunk indices that have landed on disk.
	ReceivedChunks map[int]bool `json:"receivedChunks"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers can hand out metadata without
// letting external mutation reach into the store.
func (u *UploadMetadata) Clone() *UploadMetadata {
	if u == nil {
		return nil
	}
	c := *u
	c.ReceivedChunks = make(map[int]bool, len(u.ReceivedChunks))
	for k, v := range u.ReceivedChunks {
		c.ReceivedChunks[k] = v
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MissingChunks returns the sorted, ascending list of chunk indices not
// yet present in ReceivedChunks.
func (u *UploadMetadata) MissingChunks() []int {
	missing := make([]int, 0, u.TotalChunks-len(u.ReceivedChunks))
	for i := 0; i < u.TotalChunks; i++ {
		if !u.ReceivedChunks[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReceivedCount returns |ReceivedChunks|.
func (u *UploadMetadata) ReceivedCount() int {
	return len(u.ReceivedChunks)
}

// HistoryEntry is a terminal, immutable summary of a completed or
// cancelled-with-history upload.
type HistoryEntry struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	Persist     bool      `json:"persist"`
	CompletedAt time.Time `json:"completedAt"`
}

// MaxHistoryEntries is the cap applied to a user's history list.
const MaxHistoryEntries = 200

// UserRecord is the durable record for a single opaque user key.
type UserRecord struct {
	Key       string                     `json:"key"`
	CreatedAt time.Time                  `json:"createdAt"`
	Uploads   map[string]*UploadMetadata `json:"uploads"`
	History   []HistoryEntry             `json:"history"`
}

// NewUserRecord builds an empty record for a freshly allocated key.
func NewUserRecord(key string, now time.Time) *UserRecord {
	return &UserRecord{
		Key:       key,
		CreatedAt: now,
		Uploads:   make(map[string]*UploadMetadata),
		History:   nil,
	}
}

// PushHistory prepends an entry (newest-first) and truncates to
// MaxHistoryEntries.
func (r *UserRecord) PushHistory(e HistoryEntry) {
	r.History = append([]HistoryEntry{e}, r.History...)
	if len(r.History) > MaxHistoryEntries {
		r.History = r.History[:MaxHistoryEntries]
	}
}

// Stats are the throughput/concurrency figures tracked by the progress
// package, attached to the decorated view returned over HTTP.
type Stats struct {
	BytesReceived       int64      `json:"bytesReceived"`
	UploadActiveSeconds float64    `json:"uploadActiveSeconds"`
	DowntimeSeconds     float64    `json:"downtimeSeconds"`
	AssemblySeconds     float64    `json:"assemblySeconds,omitempty"`
	PeakConcurrency     int        `json:"peakConcurrency"`
	CurrentConcurrency  int        `json:"currentConcurrency"`
	AvgUploadBps        *float64   `json:"avgUploadBps,omitempty"`
	UploadStart         *time.Time `json:"uploadStart,omitempty"`
	UploadEnd           *time.Time `json:"uploadEnd,omitempty"`
}

// Upload is the decorated view of UploadMetadata returned to HTTP
// clients, with derived fields added for convenience.
type Upload struct {
	ID             string `json:"id"`
	UserKey        string `json:"userKey"`
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	ChunkSize      int64  `json:"chunkSize"`
	TotalChunks    int    `json:"totalChunks"`
	Persist        bool   `json:"persist"`
	Status         Status `json:"status"`
	MissingChunks  []int  `json:"missingChunks"`
	ReceivedCount  int    `json:"receivedCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Stats          *Stats     `json:"stats,omitempty"`
}

// Decorate builds the HTTP-facing view of a metadata record.
func Decorate(u *UploadMetadata, stats *Stats) Upload {
	return Upload{
		ID:            u.ID,
		UserKey:       u.UserKey,
		FileName:      u.FileName,
		FileSize:      u.FileSize,
		ChunkSize:     u.ChunkSize,
		TotalChunks:   u.TotalChunks,
		Persist:       u.Persist,
		Status:        u.Status,
		MissingChunks: u.MissingChunks(),
		ReceivedCount: u.ReceivedCount(),
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		CompletedAt:   u.CompletedAt,
		Stats:         stats,
	}
}

// Snapshot is the triple returned to a client describing everything it
// owns: what's running, what's paused, and what has finished.
type Snapshot struct {
	Active  []Upload       `json:"active"`
	Paused  []Upload       `json:"paused"`
	History []HistoryEntry `json:"history"`
}
