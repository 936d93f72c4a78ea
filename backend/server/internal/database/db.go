package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/tokenboard/tokenboard/shared"
	sqltrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/database/sql"
	gormtrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gorm.io/gorm.v1"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type DB struct {
	*gorm.DB

	// Now is the observation clock used for lazy block closure and daily
	// bucketing cutoffs. Tests override it to pin wall-clock behavior.
	Now func() time.Time
}

func OpenSQLite(dsn string, config *gorm.Config) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("gorm.Open: %w", err)
	}

	return &DB{DB: db, Now: time.Now}, nil
}

func OpenPostgres(dsn string, config *gorm.Config) (*DB, error) {
	sqltrace.Register("pgx", &stdlib.Driver{}, sqltrace.WithServiceName("tokenboard-api"))
	sqlDb, err := sqltrace.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqltrace.Open: %w", err)
	}
	db, err := gormtrace.Open(postgres.New(postgres.Config{Conn: sqlDb}), config)
	if err != nil {
		return nil, fmt.Errorf("gormtrace.Open: %w", err)
	}

	return &DB{DB: db, Now: time.Now}, nil
}

func (db *DB) AddDatabaseTables() error {
	models := []any{
		&shared.DailyUsage{},
		&shared.SessionUsage{},
		&shared.UsageBlock{},
		&shared.UploadMarker{},
		&User{},
		&Team{},
		&TeamMembership{},
		&Machine{},
		&IngestActivity{},
		&LeaderboardStats{},
	}

	for _, model := range models {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("db.AutoMigrate: %w", err)
		}
	}

	return nil
}

func (db *DB) CreateIndices() error {
	// Note: If adding a new index here, consider manually running it on the prod DB using CONCURRENTLY to
	// make server startup non-blocking.
	indices := []struct {
		name    string
		table   string
		columns []string
	}{
		{"daily_user_date_idx", "daily_usages", []string{"user_id", "date"}},
		{"session_user_start_idx", "session_usages", []string{"user_id", "start_time"}},
		{"block_user_start_idx", "usage_blocks", []string{"user_id", "start_time"}},
		{"block_open_idx", "usage_blocks", []string{"actual_end_time", "end_time"}},
		{"marker_user_idx", "upload_markers", []string{"user_id", "machine_id"}},
		{"membership_team_idx", "team_memberships", []string{"team_id", "status"}},
	}
	for _, index := range indices {
		sql := ""
		if db.Name() == "sqlite" {
			sql = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index.name, index.table, strings.Join(index.columns, ","))
		} else {
			sql = fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING btree(%s)", index.name, index.table, strings.Join(index.columns, ","))
		}
		r := db.Exec(sql)
		if r.Error != nil {
			return fmt.Errorf("failed to execute index creation sql=%#v: %w", index, r.Error)
		}
	}
	return nil
}

func (db *DB) Close() error {
	rawDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("db.DB.DB: %w", err)
	}

	if err := rawDB.Close(); err != nil {
		return fmt.Errorf("rawDB.Close: %w", err)
	}

	return nil
}

func (db *DB) Ping() error {
	rawDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("db.DB.DB: %w", err)
	}

	if err := rawDB.Ping(); err != nil {
		return fmt.Errorf("rawDB.Ping: %w", err)
	}

	return nil
}

func (db *DB) SetMaxIdleConns(n int) error {
	rawDB, err := db.DB.DB()
	if err != nil {
		return err
	}

	rawDB.SetMaxIdleConns(n)

	return nil
}

func (db *DB) Stats() (sql.DBStats, error) {
	rawDB, err := db.DB.DB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("db.DB.DB: %w", err)
	}

	return rawDB.Stats(), nil
}

func extractInt64FromRow(row *sql.Row) (int64, error) {
	var ret int64
	err := row.Scan(&ret)
	if err != nil {
		return 0, fmt.Errorf("extractInt64FromRow: %w", err)
	}
	return ret, nil
}

// isDuplicateKeyError reports whether err is a unique-constraint violation.
// The constraint on (user_id, machine_id, granularity, identifier) is the
// final arbiter for racing first-writers; the loser retries as an update.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// Unsafe_WipeUsageRows clears all usage rows and markers. Only reachable
// from the test-environment wipe endpoint.
func (db *DB) Unsafe_WipeUsageRows(ctx context.Context) error {
	for _, table := range []string{"daily_usages", "session_usages", "usage_blocks", "upload_markers"} {
		tx := db.WithContext(ctx).Exec("DELETE FROM " + table)
		if tx.Error != nil {
			return fmt.Errorf("tx.Error: %w", tx.Error)
		}
	}

	return nil
}
