package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tokenboard/tokenboard/backend/server/internal/database"
	"github.com/tokenboard/tokenboard/shared"
	"github.com/tokenboard/tokenboard/shared/testutils"
	"gorm.io/gorm"
)

var DB *database.DB

const testDBDSN = "file::memory:?_journal_mode=WAL&cache=shared"

func TestMain(m *testing.M) {
	// Set env variable
	defer testutils.BackupAndRestoreEnv("TOKENBOARD_TEST")()
	os.Setenv("TOKENBOARD_TEST", "1")

	// setup test database
	db, err := database.OpenSQLite(testDBDSN, &gorm.Config{})
	if err != nil {
		panic(fmt.Errorf("failed to connect to the DB: %w", err))
	}
	underlyingDb, err := db.DB.DB()
	if err != nil {
		panic(fmt.Errorf("failed to access underlying DB: %w", err))
	}
	underlyingDb.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode = WAL")
	err = db.AddDatabaseTables()
	if err != nil {
		panic(fmt.Errorf("failed to add database tables: %w", err))
	}

	DB = db

	os.Exit(m.Run())
}

func pinClock(t *testing.T, now time.Time) {
	orig := DB.Now
	DB.Now = func() time.Time { return now }
	t.Cleanup(func() { DB.Now = orig })
}

func submitUpload(s *Server, userId string, upload shared.UploadRequest) *httptest.ResponseRecorder {
	reqBody, err := json.Marshal(upload)
	if err != nil {
		panic(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", bytes.NewReader(reqBody))
	req.Header.Set("X-Tokenboard-User-Id", userId)
	w := httptest.NewRecorder()
	s.apiSubmitHandler(w, req)
	return w
}

func registerMachine(s *Server, userId, machineId string) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/register?machine_id="+machineId, nil)
	req.Header.Set("X-Tokenboard-User-Id", userId)
	s.apiRegisterHandler(httptest.NewRecorder(), req)
}

func deserializeUploadResponse(t *testing.T, w *httptest.ResponseRecorder) shared.UploadResponse {
	uploadResponse := shared.UploadResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploadResponse))
	return uploadResponse
}

func deserializeAggregateResponse(t *testing.T, w *httptest.ResponseRecorder) shared.AggregateResponse {
	aggregateResponse := shared.AggregateResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &aggregateResponse))
	return aggregateResponse
}

func TestSubmitThenAggregate(t *testing.T) {
	// Set up
	s := NewServer(DB, TrackIngestActivity(false))
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "api-agg-user"
	machineId1 := uuid.Must(uuid.NewRandom()).String()
	machineId2 := uuid.Must(uuid.NewRandom()).String()
	registerMachine(s, userId, machineId1)
	registerMachine(s, userId, machineId2)

	// Submit today's usage from both machines
	w := submitUpload(s, userId, testutils.MakeDailyUpload(machineId1, "2024-03-10"))
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusAccepted, deserializeUploadResponse(t, w).Status)

	w = submitUpload(s, userId, testutils.MakeDailyUpload(machineId2, "2024-03-10"))
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusAccepted, deserializeUploadResponse(t, w).Status)

	// A cumulative re-upload from machine 1 is an update, not a duplicate
	upload := testutils.MakeDailyUpload(machineId1, "2024-03-10")
	upload.TokenBreakdown.InputTokens = 300
	w = submitUpload(s, userId, upload)
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusUpdated, deserializeUploadResponse(t, w).Status)

	// Aggregate merges both machines into one series point
	aggReq := httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?since=2024-03-01&until=2024-03-20", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", userId)
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, 200, w.Result().StatusCode)

	resp := deserializeAggregateResponse(t, w)
	require.Equal(t, "2024-03-01", resp.Since)
	require.Equal(t, "2024-03-20", resp.Until)
	require.Equal(t, 2, resp.Totals.TotalMachines)
	require.Equal(t, int64(500), resp.Totals.InputTokens)
	require.Equal(t, int64(1000), resp.Totals.TotalTokens)
	require.Len(t, resp.Series, 1)
	require.Equal(t, "2024-03-10", resp.Series[0].Date)

	// Another user sees none of it
	aggReq = httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?since=2024-03-01&until=2024-03-20", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", "api-agg-other-user")
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, 200, w.Result().StatusCode)
	resp = deserializeAggregateResponse(t, w)
	require.Equal(t, int64(0), resp.Totals.TotalTokens)
	require.Empty(t, resp.Series)

	// Assert that we aren't leaking connections
	assertNoLeakedConnections(t, DB)
}

func TestSubmitValidationFailures(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	userId := "api-validation-user"

	upload := testutils.MakeDailyUpload("api-validation-machine", "2024-03-10")
	upload.TokenBreakdown.InputTokens = -5
	w := submitUpload(s, userId, upload)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

	upload = testutils.MakeDailyUpload("api-validation-machine", "not-a-date")
	w = submitUpload(s, userId, upload)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

	upload = testutils.MakeDailyUpload("api-validation-machine", "2024-03-10")
	upload.Granularity = "hourly"
	w = submitUpload(s, userId, upload)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

	upload = testutils.MakeSessionUpload("api-validation-machine")
	upload.StartTime = nil
	w = submitUpload(s, userId, upload)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestSubmitClosedDailyRejected(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "api-closed-user"
	machineId := uuid.Must(uuid.NewRandom()).String()

	// A late upload for a date past the grace window is accepted once
	w := submitUpload(s, userId, testutils.MakeDailyUpload(machineId, "2024-03-08"))
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusAccepted, deserializeUploadResponse(t, w).Status)

	// The retry is rejected with a reason the collector treats as success
	w = submitUpload(s, userId, testutils.MakeDailyUpload(machineId, "2024-03-08"))
	require.Equal(t, 200, w.Result().StatusCode)
	resp := deserializeUploadResponse(t, w)
	require.Equal(t, shared.UploadStatusRejected, resp.Status)
	require.Equal(t, "already processed", resp.Reason)
}

func TestSessionLifecycleViaAPI(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "api-session-user"
	machineId := uuid.Must(uuid.NewRandom()).String()

	upload := testutils.MakeSessionUpload(machineId)
	w := submitUpload(s, userId, upload)
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusAccepted, deserializeUploadResponse(t, w).Status)

	end := upload.StartTime.Add(20 * time.Minute)
	upload.EndTime = &end
	w = submitUpload(s, userId, upload)
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusUpdated, deserializeUploadResponse(t, w).Status)

	w = submitUpload(s, userId, upload)
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusRejected, deserializeUploadResponse(t, w).Status)

	// The closed session shows up in session-granularity aggregation
	since := upload.StartTime.UTC().Format(shared.DateOnly)
	aggReq := httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?granularity=session&since="+since+"&until=2030-01-01", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", userId)
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, 200, w.Result().StatusCode)
	resp := deserializeAggregateResponse(t, w)
	require.Equal(t, int64(1), resp.Totals.SessionsCount)
	require.Len(t, resp.Sessions, 1)
	require.NotNil(t, resp.Sessions[0].EndTime)
}

func TestBlockLifecycleViaAPI(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	pinClock(t, start.Add(time.Hour))

	userId := "api-block-user"
	machineId := uuid.Must(uuid.NewRandom()).String()

	upload := testutils.MakeBlockUpload(machineId, start)
	w := submitUpload(s, userId, upload)
	require.Equal(t, 200, w.Result().StatusCode)
	require.Equal(t, shared.UploadStatusAccepted, deserializeUploadResponse(t, w).Status)

	// While the window is open, the block reads back active
	aggReq := httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?granularity=block&since=2024-03-10&until=2024-03-11", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", userId)
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, 200, w.Result().StatusCode)
	resp := deserializeAggregateResponse(t, w)
	require.Len(t, resp.Blocks, 1)
	require.True(t, resp.Blocks[0].IsActive)
	require.Equal(t, int64(10), resp.Totals.EntryCount)

	// Past the scheduled boundary the same read reports it closed
	pinClock(t, start.Add(6*time.Hour))
	w = httptest.NewRecorder()
	aggReq = httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?granularity=block&since=2024-03-10&until=2024-03-11", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", userId)
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, 200, w.Result().StatusCode)
	resp = deserializeAggregateResponse(t, w)
	require.Len(t, resp.Blocks, 1)
	require.False(t, resp.Blocks[0].IsActive)
	require.NotNil(t, resp.Blocks[0].ActualEndTime)
}

func TestAggregateBadWindow(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))

	aggReq := httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?since=2024-03-20&until=2024-03-01", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", "api-window-user")
	w := httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

	aggReq = httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?since=banana", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", "api-window-user")
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

	aggReq = httptest.NewRequest(http.MethodGet, "/api/v1/aggregate?granularity=hourly", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", "api-window-user")
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestAggregateDefaultWindow(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "api-default-window-user"
	machineId := uuid.Must(uuid.NewRandom()).String()

	w := submitUpload(s, userId, testutils.MakeDailyUpload(machineId, "2024-02-15"))
	require.Equal(t, 200, w.Result().StatusCode)

	// With no since/until the window is the trailing 30 days from the
	// observation clock, not the wall clock
	aggReq := httptest.NewRequest(http.MethodGet, "/api/v1/aggregate", nil)
	aggReq.Header.Set("X-Tokenboard-User-Id", userId)
	w = httptest.NewRecorder()
	s.apiAggregateHandler(w, aggReq)
	require.Equal(t, 200, w.Result().StatusCode)

	resp := deserializeAggregateResponse(t, w)
	require.Equal(t, "2024-02-09", resp.Since)
	require.Equal(t, "2024-03-10", resp.Until)
	require.Equal(t, int64(400), resp.Totals.TotalTokens)
	require.Len(t, resp.Series, 1)
}

func TestRegisterAndUninstall(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	ctx := context.Background()

	userId := "api-register-user"
	machineId := uuid.Must(uuid.NewRandom()).String()

	registerMachine(s, userId, machineId)
	exists, err := DB.MachineExists(ctx, userId, machineId)
	require.NoError(t, err)
	require.True(t, exists)

	// Re-registering the same machine is idempotent
	registerMachine(s, userId, machineId)
	count, err := DB.CountMachinesForUser(ctx, userId)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	uninstallReq := httptest.NewRequest(http.MethodGet, "/api/v1/uninstall?machine_id="+machineId, nil)
	uninstallReq.Header.Set("X-Tokenboard-User-Id", userId)
	w := httptest.NewRecorder()
	s.apiUninstallHandler(w, uninstallReq)
	require.Equal(t, 200, w.Result().StatusCode)

	machines, err := DB.MachinesForUser(ctx, userId)
	require.NoError(t, err)
	require.Empty(t, machines)
}

func TestLimitRegistrations(t *testing.T) {
	// Set up
	s := NewServer(DB, TrackIngestActivity(false))

	if resp := DB.Exec("DELETE FROM machines"); resp.Error != nil {
		t.Fatalf("failed to delete machines: %v", resp.Error)
	}
	defer testutils.BackupAndRestoreEnv("TOKENBOARD_MAX_NUM_USERS")()
	os.Setenv("TOKENBOARD_MAX_NUM_USERS", "2")

	// Register three machines across two users
	registerMachine(s, "limit-user-1", uuid.Must(uuid.NewRandom()).String())
	registerMachine(s, "limit-user-1", uuid.Must(uuid.NewRandom()).String())
	registerMachine(s, "limit-user-2", uuid.Must(uuid.NewRandom()).String())

	// And this next one should fail since it is a new user
	defer func() { _ = recover() }()
	registerMachine(s, "limit-user-3", uuid.Must(uuid.NewRandom()).String())
	t.Errorf("expected panic")
}

func TestLeaderboardSettingsAndRanking(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))

	// Leaderboard windows are anchored to the real server clock
	today := time.Now().UTC().Format(shared.DateOnly)
	users := []struct {
		userId string
		name   string
		cost   float64
	}{
		{"api-lb-user-1", "Ada", 9.0},
		{"api-lb-user-2", "Grace", 4.0},
		{"api-lb-user-3", "Edsger", 1.0},
	}

	for _, u := range users {
		settings := shared.LeaderboardSettingsRequest{}
		enabled := true
		settings.LeaderboardEnabled = &enabled
		settings.DisplayName = &u.name
		reqBody, err := json.Marshal(settings)
		require.NoError(t, err)
		settingsReq := httptest.NewRequest(http.MethodPost, "/api/v1/leaderboard-settings", bytes.NewReader(reqBody))
		settingsReq.Header.Set("X-Tokenboard-User-Id", u.userId)
		w := httptest.NewRecorder()
		s.apiLeaderboardSettingsHandler(w, settingsReq)
		require.Equal(t, 200, w.Result().StatusCode)

		upload := testutils.MakeDailyUpload(uuid.Must(uuid.NewRandom()).String(), today)
		upload.TotalCost = u.cost
		w = submitUpload(s, u.userId, upload)
		require.Equal(t, 200, w.Result().StatusCode)
	}

	lbReq := httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard?period=daily", nil)
	lbReq.Header.Set("X-Tokenboard-User-Id", "api-lb-user-2")
	w := httptest.NewRecorder()
	s.apiLeaderboardHandler(w, lbReq)
	require.Equal(t, 200, w.Result().StatusCode)

	var resp shared.LeaderboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, shared.LeaderboardPeriodDaily, resp.Period)
	require.Equal(t, shared.LeaderboardScopePublic, resp.Scope)
	require.GreaterOrEqual(t, resp.TotalParticipants, 3)

	// Entries come back ordered by cost; our three users keep their order
	positions := map[string]int{}
	names := map[string]string{}
	for _, entry := range resp.Entries {
		positions[entry.UserId] = entry.Rank
		names[entry.UserId] = entry.DisplayName
	}
	require.Less(t, positions["api-lb-user-1"], positions["api-lb-user-2"])
	require.Less(t, positions["api-lb-user-2"], positions["api-lb-user-3"])
	require.Equal(t, "Ada", names["api-lb-user-1"])

	// The requester's own rank is surfaced
	require.NotNil(t, resp.UserRank)
	require.Equal(t, positions["api-lb-user-2"], *resp.UserRank)

	// A user who never opted in gets the board but no rank
	lbReq = httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard", nil)
	lbReq.Header.Set("X-Tokenboard-User-Id", "api-lb-lurker")
	w = httptest.NewRecorder()
	s.apiLeaderboardHandler(w, lbReq)
	require.Equal(t, 200, w.Result().StatusCode)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Nil(t, resp.UserRank)

	// Unknown period is a client error
	lbReq = httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard?period=hourly", nil)
	lbReq.Header.Set("X-Tokenboard-User-Id", "api-lb-user-1")
	w = httptest.NewRecorder()
	s.apiLeaderboardHandler(w, lbReq)
	require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestTeamLeaderboardViaAPI(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	ctx := context.Background()
	today := time.Now().UTC().Format(shared.DateOnly)

	for _, userId := range []string{"api-team-user-1", "api-team-user-2"} {
		require.NoError(t, DB.EnsureUserExists(ctx, userId))
		enabled := true
		require.NoError(t, DB.UpdateLeaderboardSettings(ctx, userId, &shared.LeaderboardSettingsRequest{
			TeamLeaderboardEnabled: &enabled,
		}))
		upload := testutils.MakeDailyUpload(uuid.Must(uuid.NewRandom()).String(), today)
		w := submitUpload(s, userId, upload)
		require.Equal(t, 200, w.Result().StatusCode)
	}
	team := database.Team{TeamId: "api-team", Name: "API Team", CreatedBy: "api-team-user-1", CreatedDate: time.Now()}
	require.NoError(t, DB.CreateTeam(ctx, &team))
	require.NoError(t, DB.AddTeamMember(ctx, "api-team", "api-team-user-2"))

	// The team scope resolves the requester's own team when none is given
	lbReq := httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard?scope=team", nil)
	lbReq.Header.Set("X-Tokenboard-User-Id", "api-team-user-1")
	w := httptest.NewRecorder()
	s.apiLeaderboardHandler(w, lbReq)
	require.Equal(t, 200, w.Result().StatusCode)

	var resp shared.LeaderboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, shared.LeaderboardScopeTeam, resp.Scope)
	require.Equal(t, 2, resp.TotalParticipants)
	require.NotNil(t, resp.UserRank)
}

func TestLeaderboardWindowFollowsClock(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(false))
	ctx := context.Background()
	pinClock(t, time.Date(2032, 1, 15, 12, 0, 0, 0, time.UTC))

	userId := "api-lb-clock-user"
	require.NoError(t, DB.EnsureUserExists(ctx, userId))
	enabled := true
	require.NoError(t, DB.UpdateLeaderboardSettings(ctx, userId, &shared.LeaderboardSettingsRequest{
		LeaderboardEnabled: &enabled,
	}))

	upload := testutils.MakeDailyUpload(uuid.Must(uuid.NewRandom()).String(), "2032-01-15")
	upload.TotalCost = 42.0
	w := submitUpload(s, userId, upload)
	require.Equal(t, 200, w.Result().StatusCode)

	// The daily window is "today" on the observation clock, so usage dated
	// far in the future ranks when the clock is pinned there
	lbReq := httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard?period=daily", nil)
	lbReq.Header.Set("X-Tokenboard-User-Id", userId)
	w = httptest.NewRecorder()
	s.apiLeaderboardHandler(w, lbReq)
	require.Equal(t, 200, w.Result().StatusCode)

	var resp shared.LeaderboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.UserRank)
	require.Equal(t, 1, *resp.UserRank)
	require.Equal(t, userId, resp.Entries[0].UserId)
	require.Equal(t, 42.0, resp.Entries[0].TotalCost)
}

func TestHealthcheckEndpoint(t *testing.T) {
	s := NewServer(DB, TrackIngestActivity(true))
	w := httptest.NewRecorder()
	s.healthCheckHandler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, "OK", w.Body.String())

	// Assert that we aren't leaking connections
	assertNoLeakedConnections(t, DB)
}

func TestWipeDbEntries(t *testing.T) {
	s := NewServer(DB, IsTestEnvironment(true), TrackIngestActivity(false))
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "api-wipe-user"
	w := submitUpload(s, userId, testutils.MakeDailyUpload(uuid.Must(uuid.NewRandom()).String(), "2024-03-10"))
	require.Equal(t, 200, w.Result().StatusCode)

	w = httptest.NewRecorder()
	s.wipeDbEntriesHandler(w, httptest.NewRequest(http.MethodGet, "/api/v1/wipe-db-entries", nil))
	require.Equal(t, 200, w.Result().StatusCode)

	rows, err := DB.DailyUsageForUser(context.Background(), userId, "2024-03-10", "2024-03-10", "")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestTriggerCron(t *testing.T) {
	cronRan := false
	s := NewServer(DB, TrackIngestActivity(false), WithCron(func(ctx context.Context, db *database.DB, stats *statsd.Client) error {
		cronRan = true
		return nil
	}))
	w := httptest.NewRecorder()
	s.triggerCronHandler(w, httptest.NewRequest(http.MethodGet, "/api/v1/trigger-cron", nil))
	require.Equal(t, 200, w.Result().StatusCode)
	require.True(t, cronRan)
}

func assertNoLeakedConnections(t *testing.T, db *database.DB) {
	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	numConns := stats.OpenConnections
	if numConns > 1 {
		t.Fatalf("expected DB to have not leak connections, actually have %d", numConns)
	}
}
