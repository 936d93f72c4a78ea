package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/tokenboard/tokenboard/backend/server/internal/database"
	"github.com/tokenboard/tokenboard/backend/server/internal/enrichment"
	"github.com/tokenboard/tokenboard/backend/server/internal/logger"
	"github.com/tokenboard/tokenboard/backend/server/internal/server"
	"gorm.io/gorm"
)

// ReleaseVersion is set via ldflags at build time.
var ReleaseVersion string = "UNKNOWN"

const postgresDbDefault = "postgresql://postgres:%s@postgres:5432/tokenboard?sslmode=disable"

func isTestEnvironment() bool {
	return os.Getenv("TOKENBOARD_TEST") != ""
}

func isProductionEnvironment() bool {
	return os.Getenv("TOKENBOARD_ENV") == "PROD"
}

func OpenDB() (*database.DB, error) {
	if isTestEnvironment() {
		db, err := database.OpenSQLite("file::memory:?_journal_mode=WAL&cache=shared", &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the DB: %w", err)
		}
		underlyingDb, err := db.DB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access underlying DB: %w", err)
		}
		underlyingDb.SetMaxOpenConns(1)
		db.Exec("PRAGMA journal_mode = WAL")
		if err := db.AddDatabaseTables(); err != nil {
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
		if err := db.CreateIndices(); err != nil {
			return nil, fmt.Errorf("failed to create indices: %w", err)
		}
		return db, nil
	}

	postgresDb := fmt.Sprintf(postgresDbDefault, os.Getenv("POSTGRESQL_PASSWORD"))
	if os.Getenv("TOKENBOARD_POSTGRES_DB") != "" {
		postgresDb = os.Getenv("TOKENBOARD_POSTGRES_DB")
	}

	db, err := database.OpenPostgres(postgresDb, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the DB: %w", err)
	}
	if err := db.AddDatabaseTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.CreateIndices(); err != nil {
		return nil, fmt.Errorf("failed to create indices: %w", err)
	}
	return db, nil
}

// cron runs the recurring background jobs: materializing overdue block
// closes and snapshotting leaderboard stats.
func cron(ctx context.Context, db *database.DB, stats *statsd.Client) error {
	closed, err := db.CloseOverdueBlocks(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("db.CloseOverdueBlocks: %w", err)
	}
	if stats != nil && closed > 0 {
		stats.Count("tokenboard.blocks_closed", closed, []string{}, 1.0)
	}
	if err := db.GenerateAndStoreLeaderboardStats(ctx); err != nil {
		return fmt.Errorf("db.GenerateAndStoreLeaderboardStats: %w", err)
	}
	return nil
}

func runBackgroundJobs(ctx context.Context, db *database.DB, stats *statsd.Client) {
	time.Sleep(5 * time.Second)
	for {
		err := cron(ctx, db, stats)
		if err != nil {
			fmt.Printf("Cron failure: %v\n", err)
		}
		time.Sleep(10 * time.Minute)
	}
}

func InitDB() *database.DB {
	db, err := OpenDB()
	if err != nil {
		panic(err)
	}
	if err := db.Ping(); err != nil {
		panic(err)
	}
	if isProductionEnvironment() {
		if err := db.SetMaxIdleConns(10); err != nil {
			panic(err)
		}
	}
	return db
}

func main() {
	// Startup check: production servers must run a real release.
	if ReleaseVersion == "UNKNOWN" && isProductionEnvironment() {
		panic("server was built without a ReleaseVersion!")
	}

	log := logger.GetLogger()
	db := InitDB()

	var stats *statsd.Client
	if isProductionEnvironment() {
		var err error
		stats, err = statsd.New("localhost:8125")
		if err != nil {
			log.Warnf("Failed to start DataDog statsd: %v", err)
		}
	}

	var calculator *enrichment.Calculator
	if enrichmentUrl := os.Getenv("TOKENBOARD_ENRICHMENT_URL"); enrichmentUrl != "" {
		calculator = enrichment.NewCalculator(enrichmentUrl, enrichment.DefaultTimeout)
	}

	ctx := context.Background()
	srv := server.NewServer(
		db,
		server.WithStatsd(stats),
		server.WithEnrichment(calculator),
		server.WithReleaseVersion(ReleaseVersion),
		server.WithCron(cron),
		server.IsProductionEnvironment(isProductionEnvironment()),
		server.IsTestEnvironment(isTestEnvironment()),
		server.TrackIngestActivity(true),
	)
	go runBackgroundJobs(ctx, db, stats)

	if err := srv.Run(ctx, ":8080"); err != nil {
		log.Fatalf("server.Run: %v", err)
	}
}
