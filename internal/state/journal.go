package state

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type journal struct {
	db  *sql.DB
	log logger.Logger
	cfg Config
	mu  sync.Mutex
}

// No-op implementation
type noopJournal struct{}

// Open returns the SQLite journal at cfg.DBPath, or a no-op journal when the
// journal is disabled.
func Open(cfg Config, log logger.Logger) (Journal, error) {
	errFactory := errors.New()
	log = log.With("state")

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("State journal disabled, using no-op journal")
		return &noopJournal{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// a single connection keeps the upsert and reads strictly ordered
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Debug().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("State journal opened")

	return &journal{db: db, log: log, cfg: cfg}, nil
}

func (j *journal) Save(ctx context.Context, rec Record) error {
	errFactory := errors.New()

	switch rec.Mode {
	case ModeAutomatic, ModeManual, ModeUnknown:
	default:
		return errFactory.WithData(ErrInvalidRecord, rec.Mode)
	}
	if rec.FanSpeed < 0 || rec.FanSpeed > 100 {
		return errFactory.WithData(ErrInvalidRecord, rec.FanSpeed)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.ExecContext(ctx, upsertStateSQL,
		string(rec.Mode),
		rec.FanSpeed,
		rec.Target,
		rec.PID,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	j.log.Debug().
		Str("mode", string(rec.Mode)).
		Int("fan_speed", rec.FanSpeed).
		Msg("Journaled fan state")

	return nil
}

func (j *journal) Load(ctx context.Context) (Record, bool, error) {
	errFactory := errors.New()

	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		rec       Record
		mode      string
		updatedAt string
	)
	err := j.db.QueryRowContext(ctx, selectStateSQL).Scan(&mode, &rec.FanSpeed, &rec.Target, &rec.PID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errFactory.Wrap(ErrStorageAccess, err)
	}

	rec.Mode = Mode(mode)
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Record{}, false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return rec, true, nil
}

func (j *journal) Close() error {
	errFactory := errors.New()

	j.mu.Lock()
	defer j.mu.Unlock()

	// Checkpoint WAL and cleanup on close
	if _, err := j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		j.log.Debug().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := j.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	return nil
}

func (*noopJournal) Save(context.Context, Record) error {
	return nil
}

func (*noopJournal) Load(context.Context) (Record, bool, error) {
	return Record{}, false, nil
}

func (*noopJournal) Close() error {
	return nil
}
