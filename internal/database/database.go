// Package database is the relational datastore of the vault. It keeps file
// records, permissions and chain mirror evidence, and doubles as the last
// resort storage tier for ciphertext.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/i5heu/ouroboros-vault/pkg/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	DSN    string
	// Verbose logs every SQL statement.
	Verbose bool
	Logger  *slog.Logger
}

// DB wraps a gorm connection. All timestamps are written in UTC so that
// expiry comparisons also hold on drivers that store time as text.
type DB struct {
	gorm *gorm.DB
	log  *slog.Logger
}

func Open(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres, "":
		if cfg.DSN == "" {
			return nil, errors.New("database: postgres dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		if cfg.DSN == "" {
			return nil, errors.New("database: sqlite dsn is required")
		}
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("database: unknown driver %q", cfg.Driver)
	}

	level := logger.Warn
	if cfg.Verbose {
		level = logger.Info
	}

	g, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		sqlDB, err := g.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{gorm: g, log: cfg.Logger}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	err := db.gorm.AutoMigrate(
		&model.FileRecord{},
		&model.Permission{},
		&model.MirrorRecord{},
		&blobRow{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	db.log.Debug("database migrations completed")
	return nil
}

func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	return err
}

// CreateFile inserts a new file record.
func (db *DB) CreateFile(ctx context.Context, f *model.FileRecord) error {
	return db.gorm.WithContext(ctx).Create(f).Error
}

func (db *DB) GetFile(ctx context.Context, id string) (model.FileRecord, error) {
	var f model.FileRecord
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&f).Error
	return f, notFound(err, "file "+id)
}

// ListFiles returns the files of an owner, newest first.
func (db *DB) ListFiles(ctx context.Context, ownerID string) ([]model.FileRecord, error) {
	var files []model.FileRecord
	err := db.gorm.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&files).Error
	return files, err
}

// UpdateFileWhere applies upd only if the file still has status expected.
// It reports whether a row changed. A status change must be allowed by
// model.FileStatus.CanTransition.
func (db *DB) UpdateFileWhere(ctx context.Context, id string, expected model.FileStatus, upd model.FileUpdate) (bool, error) {
	fields := map[string]interface{}{}
	if upd.Status != nil {
		if !expected.CanTransition(*upd.Status) {
			return false, fmt.Errorf("%w: %s to %s", model.ErrInvalidTransition, expected, *upd.Status)
		}
		fields["status"] = *upd.Status
	}
	if upd.Locator != nil {
		fields["locator"] = *upd.Locator
	}
	if upd.StorageType != nil {
		fields["storage_type"] = *upd.StorageType
	}
	if len(fields) == 0 {
		return false, nil
	}

	res := db.gorm.WithContext(ctx).Model(&model.FileRecord{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(fields)
	return res.RowsAffected == 1, res.Error
}

// MarkChainRegistered stores the result of a successful chain registration.
func (db *DB) MarkChainRegistered(ctx context.Context, id, chainFileID, txRef string) error {
	res := db.gorm.WithContext(ctx).Model(&model.FileRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"blockchain_registered": true,
			"chain_file_id":         chainFileID,
			"chain_tx_ref":          txRef,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: file %s", model.ErrNotFound, id)
	}
	return nil
}
