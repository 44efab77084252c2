package manager

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/audit"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/chunkstore"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/downloadtoken"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/eventbus"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/mirror"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/model"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/progress"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/registry"
	"github.com/MagicCat3022/Magic-File-Transfer/internal/statestore"
)

// newTestManager wires a Manager with every ambient collaborator in its
// no-op mode (empty database/redis/minio endpoints), the same
// configuration the coordinator falls back to when those are unset.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()

	store, err := statestore.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	chunks, err := chunkstore.Open(dataDir)
	require.NoError(t, err)

	reg := registry.New()
	tracker := progress.NewTracker(0)

	auditLog, err := audit.Open("", 0)
	require.NoError(t, err)

	bus := eventbus.New("")
	artifactMirror, err := mirror.New("", "", "", "", false, 0)
	require.NoError(t, err)

	tokens := downloadtoken.NewSigner("test-secret")

	return New(store, reg, chunks, tracker, auditLog, bus, artifactMirror, tokens, time.Minute), dataDir
}

func createAndFill(t *testing.T, m *Manager, userKey string, persist bool, parts [][]byte, order []int) model.Upload {
	t.Helper()
	size := int64(0)
	for _, p := range parts {
		size += int64(len(p))
	}
	chunkSize := int64(len(parts[0]))
	upload, err := m.CreateUpload(CreateUploadParams{
		UserKey: userKey, FileName: "f.bin", FileSize: size, ChunkSize: chunkSize, Persist: persist,
	})
	require.NoError(t, err)

	var final model.Upload
	for _, idx := range order {
		res, err := m.RecordChunk(userKey, upload.ID, idx, parts[idx])
		require.NoError(t, err)
		if res.Completed {
			final, err = m.FinalizeUpload(userKey, upload.ID)
			require.NoError(t, err)
		}
	}
	return final
}

// S1: two-chunk round trip.
func TestTwoChunkRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	final := createAndFill(t, m, result.UserKey, true,
		[][]byte{[]byte("AAAAAA"), []byte("BBBB")}, []int{0, 1})

	assert.Equal(t, model.StatusCompleted, final.Status)

	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	assert.Empty(t, snap.Active)
	assert.Empty(t, snap.Paused)
	require.Len(t, snap.History, 1)

	path, err := m.FindFinalArtifact(final.ID)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAABBBB", string(raw))
}

// S2: out-of-order, concurrent submission with exactly one completion.
func TestOutOfOrderParallelSubmission(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	upload, err := m.CreateUpload(CreateUploadParams{
		UserKey: result.UserKey, FileName: "f.bin", FileSize: 9, ChunkSize: 3, Persist: true,
	})
	require.NoError(t, err)

	parts := [][]byte{[]byte("AAA"), []byte("BBB"), []byte("CCC")}
	order := []int{2, 0, 1}

	var wg sync.WaitGroup
	var mu sync.Mutex
	completedCount := 0
	for _, idx := range order {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.RecordChunk(result.UserKey, upload.ID, idx, parts[idx])
			require.NoError(t, err)
			if res.Completed {
				mu.Lock()
				completedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, completedCount, "exactly one caller must observe completed=true")

	final, err := m.FinalizeUpload(result.UserKey, upload.ID)
	require.NoError(t, err)

	path, err := m.FindFinalArtifact(final.ID)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(raw))
}

// S3: pause/resume.
func TestPauseResume(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	upload, err := m.CreateUpload(CreateUploadParams{
		UserKey: result.UserKey, FileName: "f.bin", FileSize: 18, ChunkSize: 3, Persist: true,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.RecordChunk(result.UserKey, upload.ID, i, []byte("AAA"))
		require.NoError(t, err)
	}

	_, err = m.UpdateStatus(result.UserKey, upload.ID, model.StatusPaused)
	require.NoError(t, err)

	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	require.Len(t, snap.Paused, 1)
	assert.Equal(t, []int{3, 4, 5}, snap.Paused[0].MissingChunks)

	_, err = m.UpdateStatus(result.UserKey, upload.ID, model.StatusActive)
	require.NoError(t, err)

	var final model.Upload
	for i := 3; i < 6; i++ {
		res, err := m.RecordChunk(result.UserKey, upload.ID, i, []byte("AAA"))
		require.NoError(t, err)
		if res.Completed {
			final, err = m.FinalizeUpload(result.UserKey, upload.ID)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, model.StatusCompleted, final.Status)

	snap, err = m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	assert.Len(t, snap.History, 1)
}

// S4: ephemeral cancel with forget.
func TestEphemeralCancelWithForget(t *testing.T) {
	m, dataDir := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	upload, err := m.CreateUpload(CreateUploadParams{
		UserKey: result.UserKey, FileName: "f.bin", FileSize: 9, ChunkSize: 3, Persist: false,
	})
	require.NoError(t, err)

	_, err = m.RecordChunk(result.UserKey, upload.ID, 0, []byte("AAA"))
	require.NoError(t, err)

	_, err = m.RemoveUpload(RemoveUploadParams{UserKey: result.UserKey, UploadID: upload.ID, Forget: true})
	require.NoError(t, err)
	require.NoError(t, m.PurgeScratch(upload.ID))

	_, _, err = m.GetUpload(result.UserKey, upload.ID)
	assert.Error(t, err, "forgotten ephemeral upload must no longer be reachable")

	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	assert.Empty(t, snap.History, "forget must not write a history entry")

	_, err = os.Stat(filepath.Join(dataDir, "uploads", upload.ID))
	assert.True(t, os.IsNotExist(err), "scratch dir must be purged")
}

// S5: persistent cancel without forget.
func TestPersistentCancelWithoutForget(t *testing.T) {
	m, dataDir := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	upload, err := m.CreateUpload(CreateUploadParams{
		UserKey: result.UserKey, FileName: "f.bin", FileSize: 9, ChunkSize: 3, Persist: true,
	})
	require.NoError(t, err)

	_, err = m.RecordChunk(result.UserKey, upload.ID, 0, []byte("AAA"))
	require.NoError(t, err)

	_, err = m.RemoveUpload(RemoveUploadParams{UserKey: result.UserKey, UploadID: upload.ID, Forget: false})
	require.NoError(t, err)
	require.NoError(t, m.PurgeScratch(upload.ID))

	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "f.bin", snap.History[0].FileName)
	assert.Equal(t, int64(9), snap.History[0].FileSize)

	_, _, err = m.GetUpload(result.UserKey, upload.ID)
	assert.Error(t, err)

	_, err = os.Stat(filepath.Join(dataDir, "uploads", upload.ID))
	assert.True(t, os.IsNotExist(err))
}

// S6: restart recovery.
func TestRestartRecovery(t *testing.T) {
	dataDir := t.TempDir()

	build := func() *Manager {
		store, err := statestore.Open(dataDir)
		require.NoError(t, err)
		t.Cleanup(store.Close)
		chunks, err := chunkstore.Open(dataDir)
		require.NoError(t, err)
		auditLog, err := audit.Open("", 0)
		require.NoError(t, err)
		bus := eventbus.New("")
		artifactMirror, err := mirror.New("", "", "", "", false, 0)
		require.NoError(t, err)
		tokens := downloadtoken.NewSigner("s")
		return New(store, registry.New(), chunks, progress.NewTracker(0), auditLog, bus, artifactMirror, tokens, time.Minute)
	}

	m1 := build()
	result, err := m1.IdentifyUser("")
	require.NoError(t, err)

	upload, err := m1.CreateUpload(CreateUploadParams{
		UserKey: result.UserKey, FileName: "f.bin", FileSize: 12, ChunkSize: 3, Persist: true,
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := m1.RecordChunk(result.UserKey, upload.ID, i, []byte("AAA"))
		require.NoError(t, err)
	}

	// "restart": a fresh Manager reopening the same data directory.
	m2 := build()
	require.NoError(t, m2.ReconcileOnStartup())

	snap, err := m2.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	require.Len(t, snap.Active, 1)
	assert.Equal(t, 2, snap.Active[0].ReceivedCount)
	assert.Equal(t, []int{2, 3}, snap.Active[0].MissingChunks)

	var final model.Upload
	for i := 2; i < 4; i++ {
		res, err := m2.RecordChunk(result.UserKey, upload.ID, i, []byte("AAA"))
		require.NoError(t, err)
		if res.Completed {
			final, err = m2.FinalizeUpload(result.UserKey, upload.ID)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, model.StatusCompleted, final.Status)
}

// Open Question resolution: a crash between "all chunks marked" and
// "finalize" must be re-driven on startup, without the client needing
// to resubmit a chunk.
func TestReconcileOnStartupRedrivesStalledFinalize(t *testing.T) {
	dataDir := t.TempDir()
	store, err := statestore.Open(dataDir)
	require.NoError(t, err)
	chunks, err := chunkstore.Open(dataDir)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = store.EnsureUser("u1", now)
	require.NoError(t, err)
	require.NoError(t, chunks.EnsureUploadDir("up1"))
	require.NoError(t, chunks.WriteChunk("up1", 0, bytes.NewReader([]byte("AAA"))))
	require.NoError(t, chunks.WriteChunk("up1", 1, bytes.NewReader([]byte("BBB"))))
	require.NoError(t, store.Mutate("u1", func(u *model.UserRecord) error {
		u.Uploads["up1"] = &model.UploadMetadata{
			ID: "up1", UserKey: "u1", FileName: "f.bin", FileSize: 6, ChunkSize: 3,
			TotalChunks: 2, Persist: true, Status: model.StatusActive,
			ReceivedChunks: map[int]bool{0: true, 1: true},
			CreatedAt:      now, UpdatedAt: now,
		}
		return nil
	}))
	store.Close()

	store2, err := statestore.Open(dataDir)
	require.NoError(t, err)
	chunks2, err := chunkstore.Open(dataDir)
	require.NoError(t, err)
	auditLog, err := audit.Open("", 0)
	require.NoError(t, err)
	bus := eventbus.New("")
	artifactMirror, err := mirror.New("", "", "", "", false, 0)
	require.NoError(t, err)
	m := New(store2, registry.New(), chunks2, progress.NewTracker(0), auditLog, bus, artifactMirror, downloadtoken.NewSigner("s"), time.Minute)

	require.NoError(t, m.ReconcileOnStartup())

	snap, err := m.GetUserSnapshot("u1")
	require.NoError(t, err)
	assert.Empty(t, snap.Active)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "f.bin", snap.History[0].FileName)
}

func TestRecordChunkOutOfRange(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)
	upload, err := m.CreateUpload(CreateUploadParams{UserKey: result.UserKey, FileName: "f", FileSize: 3, ChunkSize: 3, Persist: true})
	require.NoError(t, err)

	_, err = m.RecordChunk(result.UserKey, upload.ID, 5, []byte("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestCreateUploadRejectsInvalidSizes(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	_, err = m.CreateUpload(CreateUploadParams{UserKey: result.UserKey, FileName: "f", FileSize: 0, ChunkSize: 3})
	assert.ErrorIs(t, err, ErrInvalidSizes)

	_, err = m.CreateUpload(CreateUploadParams{UserKey: result.UserKey, FileName: "f", FileSize: 3, ChunkSize: 0})
	assert.ErrorIs(t, err, ErrInvalidSizes)
}

// P3: idempotent chunk write keeps the first successful payload.
func TestRecordChunkIdempotentOnReplay(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)
	upload, err := m.CreateUpload(CreateUploadParams{UserKey: result.UserKey, FileName: "f.bin", FileSize: 6, ChunkSize: 3, Persist: true})
	require.NoError(t, err)

	_, err = m.RecordChunk(result.UserKey, upload.ID, 0, []byte("AAA"))
	require.NoError(t, err)
	res, err := m.RecordChunk(result.UserKey, upload.ID, 0, []byte("ZZZ"))
	require.NoError(t, err, "a duplicate submission must still succeed")
	assert.False(t, res.Completed)

	res, err = m.RecordChunk(result.UserKey, upload.ID, 1, []byte("BBB"))
	require.NoError(t, err)
	require.True(t, res.Completed)
	final, err := m.FinalizeUpload(result.UserKey, upload.ID)
	require.NoError(t, err)

	path, err := m.FindFinalArtifact(final.ID)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(raw), "the first successful write wins")
}

// P2/P3: replaying the chunk that completes an upload must not signal
// completed=true a second time, sequentially or under concurrency.
func TestRecordChunkReplayOfFinalChunkCompletesOnce(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)
	upload, err := m.CreateUpload(CreateUploadParams{UserKey: result.UserKey, FileName: "f.bin", FileSize: 6, ChunkSize: 3, Persist: true})
	require.NoError(t, err)

	_, err = m.RecordChunk(result.UserKey, upload.ID, 0, []byte("AAA"))
	require.NoError(t, err)

	res, err := m.RecordChunk(result.UserKey, upload.ID, 1, []byte("BBB"))
	require.NoError(t, err)
	require.True(t, res.Completed)

	res, err = m.RecordChunk(result.UserKey, upload.ID, 1, []byte("BBB"))
	require.NoError(t, err, "a replayed final chunk must still succeed")
	assert.False(t, res.Completed, "a replay of the completing chunk must not signal completed again")

	final, err := m.FinalizeUpload(result.UserKey, upload.ID)
	require.NoError(t, err)
	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	require.Len(t, snap.History, 1, "finalize must run exactly once")
	assert.Equal(t, model.StatusCompleted, final.Status)
}

// P2: two concurrent duplicate submissions of the final chunk must
// produce exactly one completed=true, never two.
func TestConcurrentDuplicateFinalChunkCompletesOnce(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)
	upload, err := m.CreateUpload(CreateUploadParams{UserKey: result.UserKey, FileName: "f.bin", FileSize: 6, ChunkSize: 3, Persist: true})
	require.NoError(t, err)

	_, err = m.RecordChunk(result.UserKey, upload.ID, 0, []byte("AAA"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completedCount := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.RecordChunk(result.UserKey, upload.ID, 1, []byte("BBB"))
			require.NoError(t, err)
			if res.Completed {
				mu.Lock()
				completedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, completedCount, "exactly one caller must observe completed=true for a duplicated final chunk")
}

func TestIdentifyUnknownRequestedKeyMintsNewKey(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("totally-unknown-key")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.NotEqual(t, "totally-unknown-key", result.UserKey)
}

func TestIdentifyKnownKeyReturnsSameKey(t *testing.T) {
	m, _ := newTestManager(t)
	first, err := m.IdentifyUser("")
	require.NoError(t, err)

	second, err := m.IdentifyUser(first.UserKey)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.UserKey, second.UserKey)
}

func TestClearHistoryEmptiesListAndFailsForUnknownUser(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)
	createAndFill(t, m, result.UserKey, true, [][]byte{[]byte("AAA")}, []int{0})

	require.NoError(t, m.ClearHistory(result.UserKey))
	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	assert.Empty(t, snap.History)

	err = m.ClearHistory("does-not-exist")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

// P5: history cap.
func TestHistoryCapAt200(t *testing.T) {
	m, _ := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	for i := 0; i < 205; i++ {
		createAndFill(t, m, result.UserKey, true, [][]byte{[]byte("A")}, []int{0})
	}

	snap, err := m.GetUserSnapshot(result.UserKey)
	require.NoError(t, err)
	assert.Len(t, snap.History, model.MaxHistoryEntries)
}

// P6: an ephemeral upload never shows up in state.json while active,
// only after it completes.
func TestEphemeralUploadNeverPersistedWhileActive(t *testing.T) {
	m, dataDir := newTestManager(t)
	result, err := m.IdentifyUser("")
	require.NoError(t, err)

	upload, err := m.CreateUpload(CreateUploadParams{
		UserKey: result.UserKey, FileName: "f.bin", FileSize: 3, ChunkSize: 3, Persist: false,
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dataDir, "state.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), upload.ID, "ephemeral metadata must never reach the state document while active")

	res, err := m.RecordChunk(result.UserKey, upload.ID, 0, []byte("AAA"))
	require.NoError(t, err)
	require.True(t, res.Completed)
	_, err = m.FinalizeUpload(result.UserKey, upload.ID)
	require.NoError(t, err)

	raw, err = os.ReadFile(filepath.Join(dataDir, "state.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), upload.ID, "the history entry must land in the state document after completion")
}
