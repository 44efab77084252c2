package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMissingChunksSortedAscending(t *testing.T) {
	u := &UploadMetadata{
		TotalChunks:    6,
		ReceivedChunks: map[int]bool{1: true, 4: true},
	}
	assert.Equal(t, []int{0, 2, 3, 5}, u.MissingChunks())
}

func TestReceivedCountPlusMissingEqualsTotal(t *testing.T) {
	u := &UploadMetadata{
		TotalChunks:    10,
		ReceivedChunks: map[int]bool{0: true, 1: true, 2: true},
	}
	assert.Equal(t, u.TotalChunks, u.ReceivedCount()+len(u.MissingChunks()))
}

func TestCloneIsIndependent(t *testing.T) {
	now := time.Now()
	orig := &UploadMetadata{
		ID:             "id1",
		ReceivedChunks: map[int]bool{0: true},
		CompletedAt:    &now,
	}
	clone := orig.Clone()
	clone.ReceivedChunks[1] = true
	*clone.CompletedAt = now.Add(time.Hour)

	assert.Len(t, orig.ReceivedChunks, 1, "mutating the clone's map must not affect the original")
	assert.Equal(t, now, *orig.CompletedAt, "mutating the clone's pointer field must not affect the original")
}

func TestPushHistoryCapsAt200NewestFirst(t *testing.T) {
	r := NewUserRecord("u", time.Now())
	for i := 0; i < 205; i++ {
		r.PushHistory(HistoryEntry{ID: string(rune('a' + i%26))})
	}
	assert.Len(t, r.History, MaxHistoryEntries)
	assert.Equal(t, string(rune('a'+204%26)), r.History[0].ID, "the last push must be first")
}

func TestPushHistoryOrdersNewestFirst(t *testing.T) {
	r := NewUserRecord("u", time.Now())
	r.PushHistory(HistoryEntry{ID: "first"})
	r.PushHistory(HistoryEntry{ID: "second"})
	r.PushHistory(HistoryEntry{ID: "third"})

	assert.Equal(t, []string{"third", "second", "first"}, []string{r.History[0].ID, r.History[1].ID, r.History[2].ID})
}

func TestDecorateAttachesDerivedFields(t *testing.T) {
	u := &UploadMetadata{
		ID: "up1", TotalChunks: 4,
		ReceivedChunks: map[int]bool{0: true, 1: true},
	}
	decorated := Decorate(u, nil)
	assert.Equal(t, 2, decorated.ReceivedCount)
	assert.Equal(t, []int{2, 3}, decorated.MissingChunks)
}
