package manager

import (
	"go.uber.org/zap"

	"github.com/MagicCat3022/Magic-File-Transfer/pkg/log"
)

// ReconcileOnStartup re-drives assembly for any persistent upload left
// with an empty missingChunks set and no completedAt.
func (m *Manager) ReconcileOnStartup() error {
	users, err := m.store.AllUsers()
	if err != nil {
		return err
	}
	for _, user := range users {
		for uploadID, meta := range user.Uploads {
			if meta.CompletedAt != nil {
				continue
			}
			if len(meta.MissingChunks()) != 0 {
				continue
			}
			log.Named("manager").Info("re-driving assembly for upload left mid-finalize",
				zap.String("uploadId", uploadID), zap.String("userKey", user.Key))
			if _, err := m.FinalizeUpload(user.Key, uploadID); err != nil {
				log.Named("manager").Warn("startup re-drive assembly failed",
					zap.String("uploadId", uploadID), zap.Error(err))
			}
		}
	}
	return nil
}
