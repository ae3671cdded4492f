// Package store persists one machine record per physical machine.
// It opens GORM on SQLite (glebarez/sqlite, pure Go) with a single open
// connection, so every write runs through one writer; the unique index on
// machine_name plus ON CONFLICT keeps same-name upserts from duplicating rows.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when no machine matches the lookup.
	ErrNotFound = errors.New("machine not found")
	// ErrStorageUnavailable wraps failures reaching the database itself.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// upsertColumns are overwritten when a snapshot arrives for a known machine.
// id and created_at are deliberately absent.
var upsertColumns = []string{
	"domain", "user", "ip", "os", "ram", "storage", "software",
	"last_seen", "collected_at", "updated_at",
}

// Store provides the machine CRUD operations. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens the database named by cfg and runs AutoMigrate. SQL warnings
// and errors go to stdout.
func Open(cfg *config.Config) (*Store, error) {
	return open(cfg, os.Stdout)
}

// gormLogger reports slow queries and SQL errors. A lookup that finds no
// row is an expected outcome and stays quiet.
func gormLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  w == os.Stdout,
	})
}

func open(cfg *config.Config, logOut io.Writer) (*Store, error) {
	switch cfg.DBDriver {
	case "sqlite", "":
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", cfg.DBDriver)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(%d)", cfg.DBPath, busy.Milliseconds())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger(logOut),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.Machine{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	log.Printf("[db] opened %s/%s", cfg.DBDriver, cfg.DBPath)
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert creates or overwrites the record keyed by rec.MachineName and
// returns the stored row. Descriptive fields are fully replaced; ID and
// CreatedAt survive. last_seen never moves backwards: an older snapshot
// still updates the descriptive fields but keeps the stored last_seen.
func (s *Store) Upsert(ctx context.Context, rec models.Machine) (*models.Machine, error) {
	now := s.now().UTC()
	rec.ID = 0
	rec.CreatedAt = time.Time{}
	rec.CollectedAt = now
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	rec.LastSeen = rec.LastSeen.UTC()
	if len(rec.Software) == 0 {
		rec.Software = []byte("[]")
	}

	var out models.Machine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Machine
		err := tx.Where("machine_name = ?", rec.MachineName).Take(&existing).Error
		switch {
		case err == nil:
			if rec.LastSeen.Before(existing.LastSeen) {
				log.Printf("[db] %s: stale last_seen %s < %s, keeping stored value",
					rec.MachineName, rec.LastSeen.Format(time.RFC3339), existing.LastSeen.Format(time.RFC3339))
				rec.LastSeen = existing.LastSeen
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "machine_name"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).Create(&rec).Error
		if err != nil {
			return err
		}
		return tx.Where("machine_name = ?", rec.MachineName).Take(&out).Error
	})
	if err != nil {
		return nil, classify("upsert machine", err)
	}
	return &out, nil
}

// GetByID returns the machine with the given id.
func (s *Store) GetByID(ctx context.Context, id uint) (*models.Machine, error) {
	var m models.Machine
	if err := s.db.WithContext(ctx).Take(&m, id).Error; err != nil {
		return nil, classify("get machine", err)
	}
	return &m, nil
}

// GetByName returns the machine with the given natural key.
func (s *Store) GetByName(ctx context.Context, name string) (*models.Machine, error) {
	var m models.Machine
	if err := s.db.WithContext(ctx).Where("machine_name = ?", name).Take(&m).Error; err != nil {
		return nil, classify("get machine by name", err)
	}
	return &m, nil
}

// List returns every machine, most recently seen first.
func (s *Store) List(ctx context.Context) ([]models.Machine, error) {
	var machines []models.Machine
	if err := s.db.WithContext(ctx).Order("last_seen DESC").Order("id ASC").Find(&machines).Error; err != nil {
		return nil, classify("list machines", err)
	}
	return machines, nil
}

// Delete permanently removes the machine and returns the removed row.
func (s *Store) Delete(ctx context.Context, id uint) (*models.Machine, error) {
	var m models.Machine
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&m, id).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Machine{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, classify("delete machine", err)
	}
	log.Printf("[db] deleted %s (id=%d)", m.MachineName, m.ID)
	return &m, nil
}

// Purge deletes machines whose last_seen is older than olderThan and
// returns how many rows went away.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).Where("last_seen < ?", cutoff).Delete(&models.Machine{})
	if res.Error != nil {
		return 0, classify("purge machines", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if unavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is closed",
		"database is locked",
		"unable to open",
		"disk i/o error",
		"readonly database",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
