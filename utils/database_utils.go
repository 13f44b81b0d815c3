// database_utils should be the canonical place to put shared DB utils.
// It should not include:
// 1. Any util that doesn't manipulate DB
// 2. Any util that contains business logic
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Luismorlan/communitymux/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLitePath = "communitymux.db"
)

// GormTransaction is the callback function used during db.Transaction in Gorm.
type GormTransaction func(tx *gorm.DB) error

// GetDBConnection get a connection to the database specified by env. Postgres
// is used when DB_DRIVER is "postgres" or DB_HOST is set, an embedded SQLite
// file otherwise.
func GetDBConnection() (*gorm.DB, error) {
	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = DriverSQLite
		if os.Getenv("DB_HOST") != "" {
			driver = DriverPostgres
		}
	}

	switch driver {
	case DriverPostgres:
		return GetPostgresConnection(os.Getenv("DB_NAME"))
	case DriverSQLite:
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = defaultSQLitePath
		}
		return GetSQLiteConnection(path)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", driver)
	}
}

// GetPostgresConnection connect to any postgres db on DB_HOST.
func GetPostgresConnection(dbName string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		os.Getenv("DB_HOST"), os.Getenv("DB_USER"), os.Getenv("DB_PASS"), dbName, os.Getenv("DB_PORT"))
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// GetSQLiteConnection opens (creating if needed) an SQLite database file.
// SQLite allows a single writer, so the pool is capped at one connection and
// every caller queues on it instead of failing with SQLITE_BUSY.
func GetSQLiteConnection(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// CreateTempDB creates a migrated, throw-away database for testing. It must
// only be called with a test state manager. The database is closed and its
// file removed when the test finishes, callers never clean up explicitly.
func CreateTempDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testonlydb.sqlite")
	db, err := GetSQLiteConnection(path)
	if err != nil {
		t.Fatalf("cannot create temp DB: %s", err)
	}
	if err := DatabaseSetupAndMigration(db); err != nil {
		t.Fatalf("cannot migrate temp DB: %s", err)
	}
	t.Cleanup(func() {
		// Proactively close the connection, otherwise TempDir removal races
		// with the open file handle.
		if conn, err := db.DB(); err == nil {
			conn.Close()
		}
	})
	return db
}

// DatabaseSetupAndMigration creates or updates every table the pipeline owns.
func DatabaseSetupAndMigration(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Query{},
		&model.Community{},
		&model.CandidateVerdict{},
		&model.TrackingSubscription{},
		&model.ContentItem{},
		&model.ScrapeRun{},
		&model.Subscriber{},
		&model.TaskLog{},
	)
}
