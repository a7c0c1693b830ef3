package gormstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverPostgres       = "postgres"
	DriverSQLite         = "sqlite"
	defaultSQLiteFile    = "tokenwallet.db"
	sqliteMemoryPath     = ":memory:"
	sqliteBusyTimeoutDSN = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
)

// Database is an opened connection plus the driver it resolved to.
type Database struct {
	DB     *gorm.DB
	Driver string
	close  func() error
}

// Close releases the underlying connection pool.
func (database *Database) Close() error {
	if database.close == nil {
		return nil
	}
	return database.close()
}

// Open resolves a DSN (postgres:// URLs, sqlite:// URLs or bare SQLite paths) and connects.
func Open(ctx context.Context, dsn string) (*Database, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	cfg := &gorm.Config{TranslateError: true}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), cfg)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; one connection turns lock contention into queueing.
		sqlDB.SetMaxOpenConns(1)
	}
	return &Database{DB: db.WithContext(ctx), Driver: driver, close: sqlDB.Close}, nil
}

// ResolveDriver maps a DSN to a driver name and, for SQLite, a filesystem path.
func ResolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

// PrepareSchema auto-migrates SQLite databases; Postgres uses the versioned migrations.
func PrepareSchema(database *Database) error {
	if database.Driver != DriverSQLite {
		return nil
	}
	if err := database.DB.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func sqliteDSN(path string) string {
	if path == sqliteMemoryPath {
		return path
	}
	return path + "?" + sqliteBusyTimeoutDSN
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
