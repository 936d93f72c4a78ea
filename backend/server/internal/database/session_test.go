package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tokenboard/tokenboard/shared"
	"github.com/tokenboard/tokenboard/shared/testutils"
)

func TestSaveSessionUsageLifecycle(t *testing.T) {
	ctx := context.Background()
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "session-lifecycle-user"
	machineId := "session-machine-1"

	// Open session: accepted
	req := testutils.MakeSessionUpload(machineId)
	status, err := testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusAccepted, status)

	sessions, err := testDB.SessionsForUser(ctx, userId, req.StartTime.Add(-time.Minute), req.StartTime.Add(time.Minute), "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Nil(t, sessions[0].EndTime)
	require.Nil(t, sessions[0].DurationMinutes)
	require.Equal(t, int64(130), sessions[0].TotalTokens)

	// Cumulative re-upload while still open: updated, counts replaced
	req.TokenBreakdown.InputTokens = 75
	req.TokenBreakdown.OutputTokens = 120
	req.TotalCost = 0.9
	status, err = testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusUpdated, status)

	sessions, err = testDB.SessionsForUser(ctx, userId, req.StartTime.Add(-time.Minute), req.StartTime.Add(time.Minute), "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, int64(195), sessions[0].TotalTokens)
	require.Equal(t, 0.9, sessions[0].TotalCost)

	// Closing upload: end_time and duration land, session becomes immutable
	end := req.StartTime.Add(30 * time.Minute)
	req.EndTime = &end
	status, err = testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusUpdated, status)

	sessions, err = testDB.SessionsForUser(ctx, userId, req.StartTime.Add(-time.Minute), req.StartTime.Add(time.Minute), "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Closed())
	require.NotNil(t, sessions[0].DurationMinutes)
	require.Equal(t, 30.0, *sessions[0].DurationMinutes)

	// Any write after the close is rejected
	req.TokenBreakdown.InputTokens = 99999
	status, err = testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusRejected, status)

	sessions, err = testDB.SessionsForUser(ctx, userId, req.StartTime.Add(-time.Minute), req.StartTime.Add(time.Minute), "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, int64(75), sessions[0].InputTokens)
}

func TestSessionCloseBumpsDailySessionsCount(t *testing.T) {
	ctx := context.Background()
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "session-count-user"
	machineId := "session-machine-2"

	req := testutils.MakeSessionUpload(machineId)
	date := req.StartTime.UTC().Format(shared.DateOnly)

	// Daily row exists before the session closes
	dailyReq := testutils.MakeDailyUpload(machineId, date)
	_, err := testDB.SaveDailyUsage(ctx, userId, &dailyReq, nil)
	require.NoError(t, err)

	status, err := testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusAccepted, status)

	rows, err := testDB.DailyUsageForUser(ctx, userId, date, date, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(0), rows[0].SessionsCount)

	// The open->closed transition bumps the counter exactly once
	end := req.StartTime.Add(10 * time.Minute)
	req.EndTime = &end
	status, err = testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusUpdated, status)

	rows, err = testDB.DailyUsageForUser(ctx, userId, date, date, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].SessionsCount)

	// A rejected retry of the closed session does not bump it again
	status, err = testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusRejected, status)

	rows, err = testDB.DailyUsageForUser(ctx, userId, date, date, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0].SessionsCount)
}

func TestSessionSubmittedAlreadyClosed(t *testing.T) {
	ctx := context.Background()
	pinClock(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	userId := "session-oneshot-user"
	machineId := "session-machine-3"

	// A session uploaded with end_time already set closes on its first write
	req := testutils.MakeSessionUpload(machineId)
	end := req.StartTime.Add(5 * time.Minute)
	req.EndTime = &end
	status, err := testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusAccepted, status)

	status, err = testDB.SaveSessionUsage(ctx, userId, &req, nil)
	require.NoError(t, err)
	require.Equal(t, shared.UploadStatusRejected, status)
}
