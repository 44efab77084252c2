package manager

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/audit"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/eventbus"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/mirror"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/model"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/statestore"
	"go.uber.org/zap"

	"github.com/MagicCat3022/Magic-File-Transfer/pkg/log"
)

// RecordChunk writes the chunk and reports whether this call completed
// the upload. Completed is true for exactly one caller, even under
// concurrent or duplicate submission of the final chunk. The byte
// write happens before any store is touched, so disk I/O for one
// upload never holds up the State Store's single serialization
// goroutine for every other upload.
func (m *Manager) RecordChunk(userKey, uploadID string, chunkIndex int, data []byte) (RecordChunkResult, error) {
	start := time.Now()

	location, err := m.locationOf(userKey, uploadID)
	if err != nil {
		return RecordChunkResult{}, err
	}

	totalChunks, err := m.totalChunksOf(userKey, uploadID, location)
	if err != nil {
		return RecordChunkResult{}, err
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return RecordChunkResult{}, ErrChunkOutOfRange
	}
	if err := m.chunks.WriteChunk(uploadID, chunkIndex, bytes.NewReader(data)); err != nil {
		return RecordChunkResult{}, err
	}

	var meta *model.UploadMetadata
	var completed bool

	switch location {
	case LocationMemory:
		lock := m.uploadLock(uploadID)
		lock.Lock()
		err = m.registry.Mutate(uploadID, func(um *model.UploadMetadata) error {
			newly := !um.ReceivedChunks[chunkIndex]
			um.ReceivedChunks[chunkIndex] = true
			um.Status = model.StatusActive
			um.UpdatedAt = time.Now().UTC()
			completed = newly && len(um.ReceivedChunks) == um.TotalChunks
			meta = um.Clone()
			return nil
		})
		lock.Unlock()
	case LocationPersistent:
		err = m.store.Mutate(userKey, func(u *model.UserRecord) error {
			um, ok := u.Uploads[uploadID]
			if !ok {
				return ErrUploadNotFound
			}
			newly := !um.ReceivedChunks[chunkIndex]
			um.ReceivedChunks[chunkIndex] = true
			um.Status = model.StatusActive
			um.UpdatedAt = time.Now().UTC()
			completed = newly && len(um.ReceivedChunks) == um.TotalChunks
			meta = um.Clone()
			return nil
		})
		if err != nil && statestoreIsUserNotFound(err) {
			return RecordChunkResult{}, ErrUploadNotFound
		}
	}
	if err != nil {
		return RecordChunkResult{}, err
	}

	end := time.Now()
	m.progress.RecordChunk(uploadID, int64(len(data)), start, end)
	m.bus.Publish(context.Background(), userKey, eventbus.Event{
		UploadID: uploadID, Kind: "chunk.received",
		Upload:     model.Decorate(meta, toModelStats(m.progress.Snapshot(uploadID))),
		OccurredAt: end,
	})

	decorated := model.Decorate(meta, toModelStats(m.progress.Snapshot(uploadID)))
	return RecordChunkResult{Upload: decorated, Completed: completed}, nil
}

func statestoreIsUserNotFound(err error) bool {
	return err == statestore.ErrUserNotFound
}

// locationOf reports which store currently owns uploadID for userKey.
func (m *Manager) locationOf(userKey, uploadID string) (Location, error) {
	if meta, err := m.registry.Get(uploadID); err == nil {
		if meta.UserKey != userKey {
			return "", ErrUploadNotFound
		}
		return LocationMemory, nil
	}
	user, err := m.store.GetUser(userKey)
	if err != nil {
		return "", ErrUploadNotFound
	}
	if _, ok := user.Uploads[uploadID]; !ok {
		return "", ErrUploadNotFound
	}
	return LocationPersistent, nil
}

// totalChunksOf reads an upload's chunk count without taking either
// store's write lock, so RecordChunk can validate chunkIndex before
// writing bytes to disk.
func (m *Manager) totalChunksOf(userKey, uploadID string, location Location) (int, error) {
	switch location {
	case LocationMemory:
		meta, err := m.registry.Get(uploadID)
		if err != nil {
			return 0, ErrUploadNotFound
		}
		return meta.TotalChunks, nil
	case LocationPersistent:
		user, err := m.store.GetUser(userKey)
		if err != nil {
			return 0, ErrUploadNotFound
		}
		um, ok := user.Uploads[uploadID]
		if !ok {
			return 0, ErrUploadNotFound
		}
		return um.TotalChunks, nil
	}
	return 0, ErrUploadNotFound
}

// UpdateStatus applies status unconditionally (the client state
// machine enforces pause/resume ordering) and records the transition.
func (m *Manager) UpdateStatus(userKey, uploadID string, status model.Status) (model.Upload, error) {
	location, err := m.locationOf(userKey, uploadID)
	if err != nil {
		return model.Upload{}, err
	}

	var meta *model.UploadMetadata
	now := time.Now().UTC()

	switch location {
	case LocationMemory:
		lock := m.uploadLock(uploadID)
		lock.Lock()
		err = m.registry.Mutate(uploadID, func(um *model.UploadMetadata) error {
			um.Status = status
			um.UpdatedAt = now
			meta = um.Clone()
			return nil
		})
		lock.Unlock()
	case LocationPersistent:
		err = m.store.Mutate(userKey, func(u *model.UserRecord) error {
			um, ok := u.Uploads[uploadID]
			if !ok {
				return ErrUploadNotFound
			}
			um.Status = status
			um.UpdatedAt = now
			meta = um.Clone()
			return nil
		})
	}
	if err != nil {
		return model.Upload{}, err
	}

	kind := "paused"
	if status == model.StatusActive {
		kind = "resumed"
	}
	m.auditLog.Record(audit.Event{UploadID: uploadID, UserKey: userKey, Kind: kind, OccurredAt: now})
	decorated := model.Decorate(meta, toModelStats(m.progress.Snapshot(uploadID)))
	m.bus.Publish(context.Background(), userKey, eventbus.Event{UploadID: uploadID, Kind: kind, Upload: decorated, OccurredAt: now})
	return decorated, nil
}

// FinalizeUpload assembles the scratch parts into the final artifact,
// folds the upload into history, and discards the live metadata.
func (m *Manager) FinalizeUpload(userKey, uploadID string) (model.Upload, error) {
	location, err := m.locationOf(userKey, uploadID)
	if err != nil {
		return model.Upload{}, err
	}

	var meta *model.UploadMetadata
	switch location {
	case LocationMemory:
		meta, err = m.registry.Get(uploadID)
	case LocationPersistent:
		user, uerr := m.store.GetUser(userKey)
		if uerr != nil {
			err = ErrUploadNotFound
		} else if um, ok := user.Uploads[uploadID]; ok {
			meta = um
		} else {
			err = ErrUploadNotFound
		}
	}
	if err != nil {
		return model.Upload{}, err
	}

	assembleStart := time.Now()
	result, err := m.chunks.Assemble(uploadID, meta.FileName, meta.TotalChunks)
	if err != nil {
		return model.Upload{}, fmt.Errorf("manager: assemble upload %s: %w", uploadID, err)
	}
	assemblySeconds := time.Since(assembleStart).Seconds()

	now := time.Now().UTC()
	meta.Status = model.StatusCompleted
	meta.CompletedAt = &now
	meta.UpdatedAt = now

	entry := model.HistoryEntry{
		ID: meta.ID, FileName: meta.FileName, FileSize: meta.FileSize,
		ChunkSize: meta.ChunkSize, TotalChunks: meta.TotalChunks,
		Persist: meta.Persist, CompletedAt: now,
	}

	if err := m.store.Mutate(userKey, func(u *model.UserRecord) error {
		delete(u.Uploads, uploadID)
		u.PushHistory(entry)
		return nil
	}); err != nil {
		if statestoreIsUserNotFound(err) {
			if _, ensureErr := m.store.EnsureUser(userKey, now); ensureErr != nil {
				return model.Upload{}, ensureErr
			}
			if err := m.store.Mutate(userKey, func(u *model.UserRecord) error {
				u.PushHistory(entry)
				return nil
			}); err != nil {
				return model.Upload{}, err
			}
		} else {
			return model.Upload{}, err
		}
	}
	if location == LocationMemory {
		if _, err := m.registry.Remove(uploadID); err != nil {
			log.Named("manager").Warn("remove completed ephemeral upload from registry", zap.Error(err))
		}
	}
	m.dropUploadLock(uploadID)

	stats := m.progress.Finalize(uploadID, assemblySeconds)
	decorated := model.Decorate(meta, toModelStats(stats))

	downloadPath := ""
	if token, tokenErr := m.tokens.Mint(uploadID, m.downloadTokenTTL); tokenErr != nil {
		log.Named("manager").Warn("mint download token", zap.Error(tokenErr))
	} else {
		downloadPath = fmt.Sprintf("/api/uploads/%s/download?token=%s", uploadID, token)
	}

	m.auditLog.Record(audit.Event{
		UploadID: uploadID, UserKey: userKey, Kind: "completed",
		Detail: map[string]interface{}{
			"sha256": result.SHA256, "bytes": result.Bytes,
			"uploadActiveSeconds": stats.UploadActiveSeconds,
			"downtimeSeconds":     stats.DowntimeSeconds,
			"assemblySeconds":     stats.AssemblySeconds,
		},
		OccurredAt: now,
	})
	m.mirror.Enqueue(mirror.Job{UploadID: uploadID, LocalPath: result.Path, FileName: meta.FileName, ExpectedSHA: result.SHA256})
	m.bus.Publish(context.Background(), userKey, eventbus.Event{
		UploadID: uploadID, Kind: "upload.completed",
		Upload:     map[string]interface{}{"upload": decorated, "downloadPath": downloadPath},
		OccurredAt: now,
	})

	return decorated, nil
}

// MintDownloadToken issues a capability token scoped to uploadID, for
// the HTTP surface to hand back alongside a completion response.
func (m *Manager) MintDownloadToken(uploadID string) (string, error) {
	return m.tokens.Mint(uploadID, m.downloadTokenTTL)
}

// VerifyDownloadToken resolves a token to the upload id it is scoped
// to, for the download endpoint.
func (m *Manager) VerifyDownloadToken(token string) (string, error) {
	return m.tokens.Verify(token)
}

// FinalPath returns the on-disk path of a finalized artifact.
func (m *Manager) FinalPath(uploadID, fileName string) string {
	return m.chunks.FinalPath(uploadID, fileName)
}

// FindFinalArtifact locates a finalized artifact by upload id alone,
// for the download endpoint, which authorizes by capability token
// rather than by userKey + fileName.
func (m *Manager) FindFinalArtifact(uploadID string) (string, error) {
	return m.chunks.FindFinal(uploadID)
}
