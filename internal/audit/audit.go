// Package audit records upload lifecycle transitions to PostgreSQL on
// a best-effort basis.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/MagicCat3022/Magic-File-Transfer/pkg/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event is one lifecycle transition to record.
type Event struct {
	UploadID   string
	UserKey    string
	Kind       string
	Detail     map[string]interface{}
	OccurredAt time.Time
}

const queueSize = 256

// Log accepts events on a bounded channel drained by a small worker
// pool, so a slow or unreachable database never backs up the Upload
// Manager. A Log built with an empty database URL runs in no-op mode.
type Log struct {
	db     *sql.DB
	events chan Event
}

// Open connects, runs migrations, and starts worker goroutines.
// databaseURL == "" returns a no-op log.
func Open(databaseURL string, workerCount int) (*Log, error) {
	l := &Log{events: make(chan Event, queueSize)}
	if databaseURL == "" {
		return l, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}
	if err := runMigrations(db, databaseURL); err != nil {
		return nil, err
	}

	l.db = db
	if workerCount <= 0 {
		workerCount = 2
	}
	for i := 0; i < workerCount; i++ {
		go l.worker()
	}
	return l, nil
}

func runMigrations(db *sql.DB, databaseURL string) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: load embedded migrations: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("audit: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("audit: run migrations: %w", err)
	}
	return nil
}

func (l *Log) worker() {
	for ev := range l.events {
		if err := l.insert(ev); err != nil {
			log.Named("audit").Warn("insert audit event failed",
				zap.String("uploadId", ev.UploadID), zap.String("kind", ev.Kind), zap.Error(err))
		}
	}
}

func (l *Log) insert(ev Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		detail = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO upload_audit_events (id, upload_id, user_key, kind, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), ev.UploadID, ev.UserKey, ev.Kind, detail, ev.OccurredAt,
	)
	return err
}

// Record enqueues ev for async insertion. If the queue is full the
// event is dropped and a warning logged: completeness is best-effort
// by design, never a gate on upload correctness.
func (l *Log) Record(ev Event) {
	if l.db == nil {
		return
	}
	select {
	case l.events <- ev:
	default:
		log.Named("audit").Warn("dropping audit event, queue full",
			zap.String("uploadId", ev.UploadID), zap.String("kind", ev.Kind))
	}
}

// Close stops accepting new events and closes the database connection.
// Already-queued events are not guaranteed to flush.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	close(l.events)
	return l.db.Close()
}
