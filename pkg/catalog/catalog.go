// Package catalog is the persistent record of pending and completed
// transfers. It is written by discovery (new waiting rows) and by the
// download engine (status transitions and timings).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseType defines the supported catalog backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses an embedded SQLite file (default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL for shared catalogs.
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite catalog file.
	// Default: $XDG_CONFIG_HOME/esgfetch/catalog.db
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains catalog database configuration.
type Config struct {
	Type     DatabaseType   `mapstructure:"type" yaml:"type"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}

	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLite.Path = filepath.Join(configDir, "esgfetch", "catalog.db")
	}

	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// Catalog implements the transfer catalog on GORM, supporting SQLite and
// PostgreSQL backends via the same codebase.
//
// Every operation runs under a single process-wide mutex. The SQLite
// backend is opened with WAL, which would allow concurrent readers, but
// correctness must not depend on that: the scheduler and the metadata
// reader share this one serialization point.
type Catalog struct {
	db     *gorm.DB
	config *Config

	mu sync.Mutex
}

// Summary holds per-status row counts for operator reporting.
type Summary struct {
	Waiting int64
	Running int64
	Done    int64
	Error   int64
}

// Total returns the number of transfers across all states.
func (s Summary) Total() int64 {
	return s.Waiting + s.Running + s.Done + s.Error
}

// New opens (and if necessary creates) the catalog described by config.
// The schema is created via GORM AutoMigrate.
func New(config *Config) (*Catalog, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if config.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
		// SQLite pragmas:
		// - journal_mode(WAL): concurrent readers, single writer
		// - busy_timeout(5000): wait up to 5 seconds when the file is locked
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run catalog migration: %w", err)
	}

	return &Catalog{
		db:     db,
		config: config,
	}, nil
}

// DB returns the underlying GORM connection. Useful for tests.
func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListNewWaiting returns snapshots of all waiting transfers with
// transfer_id greater than sinceID, joined with their model, ordered by
// transfer_id.
func (c *Catalog) ListNewWaiting(ctx context.Context, sinceID int64) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Row
	err := c.db.WithContext(ctx).
		Table("transfer").
		Select("transfer.transfer_id, transfer.model, transfer.tracking_id, transfer.checksum, "+
			"transfer.checksum_type, transfer.location, transfer.local_image, transfer.size, "+
			"transfer.variable, model.datanode, model.institute").
		Joins("JOIN model ON model.name = transfer.model").
		Where("transfer.status = ? AND transfer.transfer_id > ?", StatusWaiting, sinceID).
		Order("transfer.transfer_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting transfers: %w", err)
	}
	return rows, nil
}

// Update atomically sets the named columns on one transfer row.
// Store rejections are wrapped in ErrWriteFailed, which is fatal to the
// engine.
func (c *Catalog) Update(ctx context.Context, transferID int64, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.db.WithContext(ctx).
		Model(&Transfer{}).
		Where("transfer_id = ?", transferID).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("%w: transfer %d: %v", ErrWriteFailed, transferID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTransferNotFound, transferID)
	}
	return nil
}

// MarkWaiting resets a transfer to waiting so the next run retries it.
// Timing fields are left untouched.
func (c *Catalog) MarkWaiting(ctx context.Context, transferID int64) error {
	return c.Update(ctx, transferID, map[string]any{"status": StatusWaiting})
}

// UpsertModel inserts the model row if its name is not yet known.
func (c *Catalog) UpsertModel(ctx context.Context, m *Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.WithContext(ctx).Where("name = ?", m.Name).First(&Model{}).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up model %q: %w", m.Name, err)
	}
	if err := c.db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil
		}
		return fmt.Errorf("%w: model %q: %v", ErrWriteFailed, m.Name, err)
	}
	return nil
}

// InsertTransfer registers a new waiting transfer. Transfers are
// deduplicated by tracking_id: re-discovering a known file returns
// ErrDuplicateTransfer and leaves the existing row alone.
func (c *Catalog) InsertTransfer(ctx context.Context, t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Status == "" {
		t.Status = StatusWaiting
	}
	if err := c.db.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: tracking_id %q", ErrDuplicateTransfer, t.TrackingID)
		}
		return fmt.Errorf("%w: tracking_id %q: %v", ErrWriteFailed, t.TrackingID, err)
	}
	return nil
}

// Summarize counts transfers per lifecycle state.
func (c *Catalog) Summarize(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var counts []struct {
		Status Status
		N      int64
	}
	err := c.db.WithContext(ctx).
		Model(&Transfer{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize catalog: %w", err)
	}

	var s Summary
	for _, row := range counts {
		switch row.Status {
		case StatusWaiting:
			s.Waiting = row.N
		case StatusRunning:
			s.Running = row.N
		case StatusDone:
			s.Done = row.N
		case StatusError:
			s.Error = row.N
		}
	}
	return s, nil
}

// RecentErrors returns up to limit failed transfers, newest first.
func (c *Catalog) RecentErrors(ctx context.Context, limit int) ([]Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows []Transfer
	err := c.db.WithContext(ctx).
		Where("status = ?", StatusError).
		Order("transfer_id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed transfers: %w", err)
	}
	return rows, nil
}

// ResetErrors moves every errored transfer back to waiting and clears its
// error message, returning the number of rows affected. Run between
// engine invocations: the metadata reader only picks up rows by
// increasing transfer_id, so resets take effect on the next run.
func (c *Catalog) ResetErrors(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.db.WithContext(ctx).
		Model(&Transfer{}).
		Where("status = ?", StatusError).
		Updates(map[string]any{"status": StatusWaiting, "error_msg": ""})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: reset: %v", ErrWriteFailed, res.Error)
	}
	return res.RowsAffected, nil
}

// ResetRunning moves every running transfer back to waiting. Recovers
// rows left behind by a crashed engine (clean shutdowns reset their own
// rows).
func (c *Catalog) ResetRunning(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.db.WithContext(ctx).
		Model(&Transfer{}).
		Where("status = ?", StatusRunning).
		Update("status", StatusWaiting)
	if res.Error != nil {
		return 0, fmt.Errorf("%w: reset running: %v", ErrWriteFailed, res.Error)
	}
	return res.RowsAffected, nil
}

// Get returns one transfer by id.
func (c *Catalog) Get(ctx context.Context, transferID int64) (*Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var t Transfer
	if err := c.db.WithContext(ctx).First(&t, "transfer_id = ?", transferID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTransferNotFound, transferID)
		}
		return nil, err
	}
	return &t, nil
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}
