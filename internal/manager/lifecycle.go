package manager

import (
	"context"
	"time"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/audit"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/eventbus"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/model"
)

// RemoveUploadParams bundles removeUpload's request fields.
type RemoveUploadParams struct {
	UserKey  string
	UploadID string
	Forget   bool
}

// RemoveUpload discards the live metadata for an active/paused upload.
// Unless forget is set, a history entry is written first so the user
// retains a terminal record of the attempt. The scratch directory is
// purged by the caller (the HTTP surface), matching the original
// contract.
func (m *Manager) RemoveUpload(p RemoveUploadParams) (model.Upload, error) {
	location, err := m.locationOf(p.UserKey, p.UploadID)
	if err != nil {
		return model.Upload{}, err
	}

	var meta *model.UploadMetadata
	switch location {
	case LocationMemory:
		meta, err = m.registry.Remove(p.UploadID)
	case LocationPersistent:
		err = m.store.Mutate(p.UserKey, func(u *model.UserRecord) error {
			um, ok := u.Uploads[p.UploadID]
			if !ok {
				return ErrUploadNotFound
			}
			meta = um.Clone()
			delete(u.Uploads, p.UploadID)
			if !p.Forget {
				u.PushHistory(model.HistoryEntry{
					ID: um.ID, FileName: um.FileName, FileSize: um.FileSize,
					ChunkSize: um.ChunkSize, TotalChunks: um.TotalChunks,
					Persist: um.Persist, CompletedAt: time.Now().UTC(),
				})
			}
			return nil
		})
	}
	if err != nil {
		return model.Upload{}, err
	}

	if location == LocationMemory && !p.Forget {
		now := time.Now().UTC()
		if err := m.store.Mutate(p.UserKey, func(u *model.UserRecord) error {
			u.PushHistory(model.HistoryEntry{
				ID: meta.ID, FileName: meta.FileName, FileSize: meta.FileSize,
				ChunkSize: meta.ChunkSize, TotalChunks: meta.TotalChunks,
				Persist: meta.Persist, CompletedAt: now,
			})
			return nil
		}); err != nil {
			if _, ensureErr := m.store.EnsureUser(p.UserKey, now); ensureErr == nil {
				_ = m.store.Mutate(p.UserKey, func(u *model.UserRecord) error {
					u.PushHistory(model.HistoryEntry{
						ID: meta.ID, FileName: meta.FileName, FileSize: meta.FileSize,
						ChunkSize: meta.ChunkSize, TotalChunks: meta.TotalChunks,
						Persist: meta.Persist, CompletedAt: now,
					})
					return nil
				})
			}
		}
	}

	m.dropUploadLock(p.UploadID)
	m.progress.Discard(p.UploadID)

	kind := "cancelled"
	if p.Forget {
		kind = "forgotten"
	}
	now := time.Now().UTC()
	m.auditLog.Record(audit.Event{UploadID: p.UploadID, UserKey: p.UserKey, Kind: kind, OccurredAt: now})
	decorated := model.Decorate(meta, nil)
	m.bus.Publish(context.Background(), p.UserKey, eventbus.Event{UploadID: p.UploadID, Kind: kind, Upload: decorated, OccurredAt: now})

	return decorated, nil
}

// ClearHistory replaces userKey's history with an empty list.
func (m *Manager) ClearHistory(userKey string) error {
	err := m.store.Mutate(userKey, func(u *model.UserRecord) error {
		u.History = nil
		return nil
	})
	if statestoreIsUserNotFound(err) {
		return ErrUserNotFound
	}
	return err
}

// PurgeScratch removes the scratch directory for an upload, used by
// the HTTP surface after RemoveUpload.
func (m *Manager) PurgeScratch(uploadID string) error {
	return m.chunks.PurgeScratch(uploadID)
}
