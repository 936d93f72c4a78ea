package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tokenboard/tokenboard/shared"
	"gorm.io/gorm"
)

func TestEnsureUserExistsIsIdempotent(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testDB.EnsureUserExists(ctx, "ensure-user"))
	require.NoError(t, testDB.EnsureUserExists(ctx, "ensure-user"))

	user, err := testDB.GetUser(ctx, "ensure-user")
	require.NoError(t, err)
	require.Equal(t, "ensure-user", user.UserId)
	require.False(t, user.LeaderboardEnabled)
	require.False(t, user.TeamLeaderboardEnabled)
}

func TestGetUserNotFound(t *testing.T) {
	_, err := testDB.GetUser(context.Background(), "no-such-user")
	require.Error(t, err)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestUpdateLeaderboardSettingsPartial(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.EnsureUserExists(ctx, "settings-user"))

	// Flip only the public flag and name; team settings stay untouched
	enabled := true
	name := "SpeedyGonzales"
	err := testDB.UpdateLeaderboardSettings(ctx, "settings-user", &shared.LeaderboardSettingsRequest{
		LeaderboardEnabled: &enabled,
		DisplayName:        &name,
	})
	require.NoError(t, err)

	user, err := testDB.GetUser(ctx, "settings-user")
	require.NoError(t, err)
	require.True(t, user.LeaderboardEnabled)
	require.Equal(t, "SpeedyGonzales", user.DisplayName)
	require.False(t, user.TeamLeaderboardEnabled)
	require.Equal(t, "", user.TeamDisplayName)

	// Flip only the team flag; public settings survive
	teamEnabled := true
	err = testDB.UpdateLeaderboardSettings(ctx, "settings-user", &shared.LeaderboardSettingsRequest{
		TeamLeaderboardEnabled: &teamEnabled,
	})
	require.NoError(t, err)

	user, err = testDB.GetUser(ctx, "settings-user")
	require.NoError(t, err)
	require.True(t, user.LeaderboardEnabled)
	require.True(t, user.TeamLeaderboardEnabled)
	require.Equal(t, "SpeedyGonzales", user.DisplayName)

	// An all-nil request is a no-op, not an error
	err = testDB.UpdateLeaderboardSettings(ctx, "settings-user", &shared.LeaderboardSettingsRequest{})
	require.NoError(t, err)
}

func TestUpdateLeaderboardSettingsUnknownUser(t *testing.T) {
	enabled := true
	err := testDB.UpdateLeaderboardSettings(context.Background(), "settings-ghost", &shared.LeaderboardSettingsRequest{
		LeaderboardEnabled: &enabled,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestUserDisplayNameFallbacks(t *testing.T) {
	user := User{UserId: "u1", Username: "alice"}
	require.Equal(t, "alice", user.PublicName())
	require.Equal(t, "alice", user.TeamName())

	user.DisplayName = "wonderland"
	require.Equal(t, "wonderland", user.PublicName())
	require.Equal(t, "wonderland", user.TeamName())

	user.TeamDisplayName = "red-queen"
	require.Equal(t, "wonderland", user.PublicName())
	require.Equal(t, "red-queen", user.TeamName())
}

func TestTeamMembershipLifecycle(t *testing.T) {
	ctx := context.Background()
	pinClock(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	require.NoError(t, testDB.EnsureUserExists(ctx, "team-owner"))
	require.NoError(t, testDB.EnsureUserExists(ctx, "team-member"))

	team := Team{TeamId: "team-alpha", Name: "Alpha", CreatedBy: "team-owner", CreatedDate: testDB.Now()}
	require.NoError(t, testDB.CreateTeam(ctx, &team))

	// The creator is an active member from the start
	resolved, err := testDB.TeamForUser(ctx, "team-owner")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.Equal(t, "team-alpha", resolved.TeamId)

	// Adding a member is idempotent
	require.NoError(t, testDB.AddTeamMember(ctx, "team-alpha", "team-member"))
	require.NoError(t, testDB.AddTeamMember(ctx, "team-alpha", "team-member"))

	resolved, err = testDB.TeamForUser(ctx, "team-member")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.Equal(t, "team-alpha", resolved.TeamId)

	// Removal drops the member from team resolution
	require.NoError(t, testDB.RemoveTeamMember(ctx, "team-alpha", "team-member"))
	resolved, err = testDB.TeamForUser(ctx, "team-member")
	require.NoError(t, err)
	require.Nil(t, resolved)

	// Re-adding restores the active membership
	require.NoError(t, testDB.AddTeamMember(ctx, "team-alpha", "team-member"))
	resolved, err = testDB.TeamForUser(ctx, "team-member")
	require.NoError(t, err)
	require.NotNil(t, resolved)
}

func TestTeamForUserWithoutTeam(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.EnsureUserExists(ctx, "team-loner"))

	team, err := testDB.TeamForUser(ctx, "team-loner")
	require.NoError(t, err)
	require.Nil(t, team)
}
