// Package manager implements the upload lifecycle: identity allocation,
// snapshot queries, chunk receipt, state transitions, and assembly.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/audit"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/chunkstore"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/downloadtoken"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/eventbus"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/idgen"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/mirror"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/model"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/progress"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/registry"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/statestore"
)

// Errors returned by Manager methods; the HTTP surface maps these onto
// wire error codes.
var (
	ErrUserNotFound      = errors.New("user_not_found")
	ErrUploadNotFound    = errors.New("upload_not_found")
	ErrInvalidSizes      = errors.New("invalid_sizes")
	ErrChunkOutOfRange   = errors.New("chunk_out_of_range")
	ErrInvalidAction     = errors.New("invalid_action")
)

// Location reports which backing store owns a piece of upload metadata.
type Location string

const (
	LocationMemory     Location = "memory"
	LocationPersistent Location = "persistent"
)

// Manager wires every leaf component into the lifecycle operations the
// HTTP surface calls into.
type Manager struct {
	store    *statestore.Store
	registry *registry.Registry
	chunks   *chunkstore.Store
	progress *progress.Tracker
	auditLog *audit.Log
	bus      *eventbus.Bus
	mirror   *mirror.Mirror
	tokens   *downloadtoken.Signer

	downloadTokenTTL time.Duration

	uploadLocksMu sync.Mutex
	uploadLocks   map[string]*sync.Mutex
}

// New assembles a Manager from its already-opened collaborators.
func New(
	store *statestore.Store,
	reg *registry.Registry,
	chunks *chunkstore.Store,
	tracker *progress.Tracker,
	auditLog *audit.Log,
	bus *eventbus.Bus,
	artifactMirror *mirror.Mirror,
	tokens *downloadtoken.Signer,
	downloadTokenTTL time.Duration,
) *Manager {
	return &Manager{
		store:            store,
		registry:         reg,
		chunks:           chunks,
		progress:         tracker,
		auditLog:         auditLog,
		bus:              bus,
		mirror:           artifactMirror,
		tokens:           tokens,
		downloadTokenTTL: downloadTokenTTL,
		uploadLocks:      make(map[string]*sync.Mutex),
	}
}

// uploadLock returns (creating if necessary) the per-upload-id mutex
// used to serialize ephemeral-path operations on the same upload, the
// way the State Store's single queue serializes persistent-path ones.
func (m *Manager) uploadLock(uploadID string) *sync.Mutex {
	m.uploadLocksMu.Lock()
	defer m.uploadLocksMu.Unlock()
	l, ok := m.uploadLocks[uploadID]
	if !ok {
		l = &sync.Mutex{}
		m.uploadLocks[uploadID] = l
	}
	return l
}

func (m *Manager) dropUploadLock(uploadID string) {
	m.uploadLocksMu.Lock()
	defer m.uploadLocksMu.Unlock()
	delete(m.uploadLocks, uploadID)
}

// IdentifyResult is the response to identifyUser.
type IdentifyResult struct {
	UserKey string
	Created bool
}

// IdentifyUser returns the existing user for requestedKey if known,
// otherwise allocates and creates a fresh one.
func (m *Manager) IdentifyUser(requestedKey string) (IdentifyResult, error) {
	now := time.Now().UTC()

	if requestedKey != "" {
		if _, err := m.store.GetUser(requestedKey); err == nil {
			return IdentifyResult{UserKey: requestedKey, Created: false}, nil
		}
	}

	key, err := idgen.NewUserKey(m.store.UserExists)
	if err != nil {
		return IdentifyResult{}, fmt.Errorf("manager: allocate user key: %w", err)
	}
	if _, err := m.store.EnsureUser(key, now); err != nil {
		return IdentifyResult{}, fmt.Errorf("manager: create user record: %w", err)
	}
	return IdentifyResult{UserKey: key, Created: true}, nil
}

// GetUserSnapshot partitions every upload owned by userKey into
// active/paused, decorated with live Progress Tracker stats, alongside
// the persisted history.
func (m *Manager) GetUserSnapshot(userKey string) (model.Snapshot, error) {
	user, err := m.store.GetUser(userKey)
	ephemeral := m.registry.ListByUser(userKey)

	if err != nil {
		if !errors.Is(err, statestore.ErrUserNotFound) {
			return model.Snapshot{}, err
		}
		if len(ephemeral) == 0 {
			return model.Snapshot{}, ErrUserNotFound
		}
	}

	snap := model.Snapshot{Active: []model.Upload{}, Paused: []model.Upload{}, History: []model.HistoryEntry{}}
	if user != nil {
		snap.History = user.History
		for _, meta := range user.Uploads {
			m.appendDecorated(&snap, meta)
		}
	}
	for _, meta := range ephemeral {
		m.appendDecorated(&snap, meta)
	}

	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].ID < snap.Active[j].ID })
	sort.Slice(snap.Paused, func(i, j int) bool { return snap.Paused[i].ID < snap.Paused[j].ID })
	return snap, nil
}

func (m *Manager) appendDecorated(snap *model.Snapshot, meta *model.UploadMetadata) {
	stats := m.progress.Snapshot(meta.ID)
	decorated := model.Decorate(meta, toModelStats(stats))
	switch meta.Status {
	case model.StatusActive:
		snap.Active = append(snap.Active, decorated)
	case model.StatusPaused:
		snap.Paused = append(snap.Paused, decorated)
	}
}

func toModelStats(s progress.Stats) *model.Stats {
	return &model.Stats{
		BytesReceived:       s.BytesReceived,
		UploadActiveSeconds: s.UploadActiveSeconds,
		DowntimeSeconds:     s.DowntimeSeconds,
		AssemblySeconds:     s.AssemblySeconds,
		PeakConcurrency:     s.PeakConcurrency,
		CurrentConcurrency:  s.CurrentConcurrency,
		AvgUploadBps:        s.AvgUploadBps,
		UploadStart:         s.UploadStart,
		UploadEnd:           s.UploadEnd,
	}
}

// CreateUploadParams bundles createUpload's request fields.
type CreateUploadParams struct {
	UserKey  string
	FileName string
	FileSize int64
	ChunkSize int64
	Persist  bool
}

// CreateUpload allocates a new upload id, builds its metadata, and
// writes it to the State Store (persistent) or Upload Registry
// (ephemeral), then opens a scratch directory and a Progress Tracker
// entry.
func (m *Manager) CreateUpload(p CreateUploadParams) (model.Upload, error) {
	if p.FileSize <= 0 || p.ChunkSize <= 0 {
		return model.Upload{}, ErrInvalidSizes
	}
	totalChunks := int((p.FileSize + p.ChunkSize - 1) / p.ChunkSize)

	id, err := idgen.NewUploadID()
	if err != nil {
		return model.Upload{}, fmt.Errorf("manager: allocate upload id: %w", err)
	}

	now := time.Now().UTC()
	meta := &model.UploadMetadata{
		ID:             id,
		UserKey:        p.UserKey,
		FileName:       p.FileName,
		FileSize:       p.FileSize,
		ChunkSize:      p.ChunkSize,
		TotalChunks:    totalChunks,
		Persist:        p.Persist,
		Status:         model.StatusActive,
		ReceivedChunks: make(map[int]bool),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if p.Persist {
		if _, err := m.store.EnsureUser(p.UserKey, now); err != nil {
			return model.Upload{}, err
		}
		err := m.store.Mutate(p.UserKey, func(u *model.UserRecord) error {
			u.Uploads[id] = meta
			return nil
		})
		if err != nil {
			return model.Upload{}, err
		}
	} else {
		m.registry.Put(meta)
	}

	if err := m.chunks.EnsureUploadDir(id); err != nil {
		return model.Upload{}, err
	}

	m.progress.Open(id)
	m.auditLog.Record(audit.Event{
		UploadID: id, UserKey: p.UserKey, Kind: "created",
		Detail:     map[string]interface{}{"fileName": p.FileName, "fileSize": p.FileSize, "persist": p.Persist},
		OccurredAt: now,
	})
	decorated := model.Decorate(meta, toModelStats(m.progress.Snapshot(id)))
	m.bus.Publish(context.Background(), p.UserKey, eventbus.Event{UploadID: id, Kind: "upload.created", Upload: decorated, OccurredAt: now})

	return decorated, nil
}

// GetUpload returns an upload's decorated view and which store owns it.
func (m *Manager) GetUpload(userKey, uploadID string) (model.Upload, Location, error) {
	if meta, err := m.registry.Get(uploadID); err == nil {
		if meta.UserKey != userKey {
			return model.Upload{}, "", ErrUploadNotFound
		}
		return model.Decorate(meta, toModelStats(m.progress.Snapshot(uploadID))), LocationMemory, nil
	}

	user, err := m.store.GetUser(userKey)
	if err != nil {
		return model.Upload{}, "", ErrUploadNotFound
	}
	meta, ok := user.Uploads[uploadID]
	if !ok {
		return model.Upload{}, "", ErrUploadNotFound
	}
	return model.Decorate(meta, toModelStats(m.progress.Snapshot(uploadID))), LocationPersistent, nil
}

// RecordChunkResult carries the decorated upload and whether this call
// completed it.
type RecordChunkResult struct {
	Upload    model.Upload
	Completed bool
}
