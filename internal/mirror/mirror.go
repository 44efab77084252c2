// Package mirror copies finalized artifacts to an S3-compatible bucket.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/MagicCat3022/Magic-File-Transfer/internal/chunkstore"
	"github.com/MagicCat3022/Magic-File-Transfer/pkg/log"
	"go.uber.org/zap"
)

// Job describes one finalized artifact to copy offsite.
type Job struct {
	UploadID     string
	LocalPath    string
	FileName     string
	ExpectedSHA  string
}

// Mirror streams jobs to MinIO through a small bounded worker pool. A
// Mirror built with an empty endpoint runs in no-op mode.
type Mirror struct {
	client *minio.Client
	bucket string
	jobs   chan Job
}

// New starts workerCount background workers. endpoint == "" returns a
// no-op mirror whose Enqueue calls are simply dropped.
func New(endpoint, accessKey, secretKey, bucket string, secure bool, workerCount int) (*Mirror, error) {
	m := &Mirror{jobs: make(chan Job, 256)}
	if endpoint == "" {
		return m, nil
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: create minio client: %w", err)
	}
	m.client = client
	m.bucket = bucket

	if workerCount <= 0 {
		workerCount = 2
	}
	for i := 0; i < workerCount; i++ {
		go m.worker(context.Background())
	}
	return m, nil
}

// Enqueue schedules a background copy. Never blocks the caller longer
// than it takes to push onto a buffered channel; if the buffer is full
// the job is dropped and logged, matching the best-effort contract.
func (m *Mirror) Enqueue(job Job) {
	if m.client == nil {
		return
	}
	select {
	case m.jobs <- job:
	default:
		log.Named("mirror").Warn("dropping artifact mirror job, queue full", zap.String("uploadId", job.UploadID))
	}
}

func (m *Mirror) worker(ctx context.Context) {
	for job := range m.jobs {
		if err := m.copyOne(ctx, job); err != nil {
			log.Named("mirror").Warn("artifact mirror copy failed",
				zap.String("uploadId", job.UploadID), zap.Error(err))
		}
	}
}

func (m *Mirror) copyOne(ctx context.Context, job Job) error {
	f, err := os.Open(job.LocalPath)
	if err != nil {
		return fmt.Errorf("open local artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat local artifact: %w", err)
	}

	hasher := sha256.New()
	tee := io.TeeReader(f, hasher)

	key := job.UploadID + "/" + chunkstore.SafeFileName(job.FileName)
	_, err = m.client.PutObject(ctx, m.bucket, key, tee, info.Size(), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	if job.ExpectedSHA != "" {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != job.ExpectedSHA {
			log.Named("mirror").Warn("artifact mirror checksum mismatch, stream likely truncated",
				zap.String("uploadId", job.UploadID), zap.String("expected", job.ExpectedSHA), zap.String("got", got))
		}
	}
	return nil
}
