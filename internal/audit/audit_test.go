package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithEmptyURLIsNoOp(t *testing.T) {
	log, err := Open("", 2)
	require.NoError(t, err)
	assert.Nil(t, log.db)
}

func TestRecordOnNoOpLogDoesNotPanic(t *testing.T) {
	log, err := Open("", 0)
	require.NoError(t, err)

	log.Record(Event{UploadID: "u1", UserKey: "k1", Kind: "created", OccurredAt: time.Now()})
	require.NoError(t, log.Close())
}
