package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/tokenboard/tokenboard/backend/server/internal/database"
	"github.com/tokenboard/tokenboard/backend/server/internal/enrichment"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
)

type Server struct {
	db         *database.DB
	statsd     *statsd.Client
	enrichment *enrichment.Calculator

	isProductionEnvironment bool
	isTestEnvironment       bool
	trackIngestActivity     bool
	releaseVersion          string
	cronFn                  CronFn
}

type CronFn func(ctx context.Context, db *database.DB, stats *statsd.Client) error
type Option func(*Server)

func WithStatsd(statsd *statsd.Client) Option {
	return func(s *Server) {
		s.statsd = statsd
	}
}

func WithEnrichment(calculator *enrichment.Calculator) Option {
	return func(s *Server) {
		s.enrichment = calculator
	}
}

func WithReleaseVersion(releaseVersion string) Option {
	return func(s *Server) {
		s.releaseVersion = releaseVersion
	}
}

func WithCron(cronFn CronFn) Option {
	return func(s *Server) {
		s.cronFn = cronFn
	}
}

func IsProductionEnvironment(v bool) Option {
	return func(s *Server) {
		s.isProductionEnvironment = v
	}
}

func IsTestEnvironment(v bool) Option {
	return func(s *Server) {
		s.isTestEnvironment = v
	}
}

func TrackIngestActivity(v bool) Option {
	return func(s *Server) {
		s.trackIngestActivity = v
	}
}

func NewServer(db *database.DB, options ...Option) *Server {
	srv := Server{db: db}
	for _, option := range options {
		option(&srv)
	}
	if srv.isProductionEnvironment && srv.isTestEnvironment {
		panic(fmt.Errorf("cannot create a server that is both a prod environment and a test environment: %#v", srv))
	}
	return &srv
}

func (s *Server) Run(ctx context.Context, addr string) error {
	mux := httptrace.NewServeMux()

	if s.isProductionEnvironment {
		defer configureObservability(mux, s.releaseVersion)()
	}
	middleware := mergeMiddlewares(withPanicGuard(), withLogging(s.statsd, os.Stdout))

	mux.Handle("/api/v1/submit", middleware(http.HandlerFunc(s.apiSubmitHandler)))
	mux.Handle("/api/v1/register", middleware(http.HandlerFunc(s.apiRegisterHandler)))
	mux.Handle("/api/v1/uninstall", middleware(http.HandlerFunc(s.apiUninstallHandler)))
	mux.Handle("/api/v1/aggregate", middleware(http.HandlerFunc(s.apiAggregateHandler)))
	mux.Handle("/api/v1/leaderboard", middleware(http.HandlerFunc(s.apiLeaderboardHandler)))
	mux.Handle("/api/v1/leaderboard-settings", middleware(http.HandlerFunc(s.apiLeaderboardSettingsHandler)))
	mux.Handle("/api/v1/trigger-cron", middleware(http.HandlerFunc(s.triggerCronHandler)))
	mux.Handle("/healthcheck", middleware(http.HandlerFunc(s.healthCheckHandler)))
	mux.Handle("/internal/api/v1/usage-stats", middleware(http.HandlerFunc(s.usageStatsHandler)))
	mux.Handle("/internal/api/v1/stats", middleware(http.HandlerFunc(s.statsHandler)))
	if s.isTestEnvironment {
		mux.Handle("/api/v1/wipe-db-entries", middleware(http.HandlerFunc(s.wipeDbEntriesHandler)))
		mux.Handle("/api/v1/get-num-connections", middleware(http.HandlerFunc(s.getNumConnectionsHandler)))
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	fmt.Printf("Listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http.ListenAndServe: %w", err)
		}
	}

	return nil
}

func (s *Server) handleNonCriticalError(err error) {
	if err != nil {
		if s.isProductionEnvironment {
			fmt.Printf("Unexpected non-critical error: %v", err)
		} else {
			panic(fmt.Errorf("unexpected non-critical error: %w", err))
		}
	}
}

func (s *Server) updateIngestActivity(ctx context.Context, version, remoteAddr, userId, machineId string) error {
	if !s.trackIngestActivity {
		return nil
	}
	activity, err := s.db.IngestActivityFindByUserAndMachine(ctx, userId, machineId)
	if err != nil {
		return fmt.Errorf("db.IngestActivityFindByUserAndMachine: %w", err)
	}
	if len(activity) == 0 {
		err := s.db.CreateIngestActivity(
			ctx,
			&database.IngestActivity{
				UserId:     userId,
				MachineId:  machineId,
				LastUpload: time.Now(),
				NumUploads: 1,
				Version:    version,
				LastIp:     remoteAddr,
			},
		)
		if err != nil {
			return fmt.Errorf("db.CreateIngestActivity: %w", err)
		}
	} else {
		if err := s.db.UpdateIngestActivity(ctx, userId, machineId, time.Now(), remoteAddr); err != nil {
			return fmt.Errorf("db.UpdateIngestActivity: %w", err)
		}
		if activity[0].Version != version {
			if err := s.db.UpdateIngestActivityVersion(ctx, userId, machineId, version); err != nil {
				return fmt.Errorf("db.UpdateIngestActivityVersion: %w", err)
			}
		}
	}

	return nil
}
