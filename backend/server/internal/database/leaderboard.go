package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenboard/tokenboard/shared"
)

// UserTotals is one user's summed usage over a ranking window. Eligible
// users with no rows in the window still rank, with zero totals.
type UserTotals struct {
	UserId      string  `json:"user_id"`
	TotalCost   float64 `json:"total_cost"`
	TotalTokens int64   `json:"total_tokens"`
}

// EligiblePublicUsers returns every live user who opted into the public
// leaderboard. Soft-deleted users are excluded by gorm's deleted_at clause.
func (db *DB) EligiblePublicUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	tx := db.WithContext(ctx).Where("leaderboard_enabled = ?", true).Find(&users)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return users, nil
}

// EligibleTeamUsers returns the team's active members who opted into team
// leaderboards. Membership status and the user flag are both required.
func (db *DB) EligibleTeamUsers(ctx context.Context, teamID string) ([]*User, error) {
	var users []*User
	tx := db.WithContext(ctx).Model(&User{}).
		Joins("JOIN team_memberships ON team_memberships.user_id = users.user_id").
		Where("team_memberships.team_id = ? AND team_memberships.status = ?", teamID, TeamMembershipStatusActive).
		Where("users.team_leaderboard_enabled = ?", true).
		Find(&users)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return users, nil
}

// UserUsageTotals sums daily rows per user over [sinceDate, untilDate].
// Users absent from the result simply had no rows; callers zero-fill them.
func (db *DB) UserUsageTotals(ctx context.Context, userIDs []string, sinceDate, untilDate string) (map[string]UserTotals, error) {
	if len(userIDs) == 0 {
		return map[string]UserTotals{}, nil
	}

	// Chunk the id list to prevent the `extended protocol limited to 65535 parameters` error
	chunkSize := 1000
	totals := make(map[string]UserTotals, len(userIDs))
	for _, idChunk := range shared.Chunks(userIDs, chunkSize) {
		var rows []UserTotals
		tx := db.WithContext(ctx).Raw(
			"SELECT user_id, COALESCE(SUM(total_cost), 0) AS total_cost, COALESCE(SUM(total_tokens), 0) AS total_tokens "+
				"FROM daily_usages WHERE user_id IN (?) AND date >= ? AND date <= ? GROUP BY user_id",
			idChunk, sinceDate, untilDate).Scan(&rows)
		if tx.Error != nil {
			return nil, fmt.Errorf("tx.Error: %w", tx.Error)
		}
		for _, row := range rows {
			totals[row.UserId] = row
		}
	}
	return totals, nil
}

// LeaderboardStats is a daily snapshot of adoption and opt-in numbers,
// written by the cron for dashboards.
type LeaderboardStats struct {
	Date              time.Time
	TotalNumUsers     int64
	TotalNumMachines  int64
	PublicOptInUsers  int64
	TeamOptInUsers    int64
	DailyActiveUsers  int64
	WeeklyActiveUsers int64
	DailyInstalls     int64
	DailyUninstalls   int64
}

func (db *DB) GenerateAndStoreLeaderboardStats(ctx context.Context) error {
	if db.DB.Name() == "sqlite" {
		// Not supported on sqlite
		return nil
	}

	totalNumUsers, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT machines.user_id) FROM machines WHERE NOT is_integration_test_machine").Row())
	if err != nil {
		return err
	}
	totalNumMachines, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT machines.machine_id) FROM machines WHERE NOT is_integration_test_machine").Row())
	if err != nil {
		return err
	}
	publicOptIns, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(*) FROM users WHERE leaderboard_enabled AND deleted_at IS NULL").Row())
	if err != nil {
		return err
	}
	teamOptIns, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(*) FROM users WHERE team_leaderboard_enabled AND deleted_at IS NULL").Row())
	if err != nil {
		return err
	}
	dailyActive, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT user_id) FROM daily_usages WHERE updated_at > (now()::date-1)::timestamp AND machine_id NOT IN (SELECT machine_id FROM machines WHERE is_integration_test_machine)").Row())
	if err != nil {
		return err
	}
	weeklyActive, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT user_id) FROM daily_usages WHERE updated_at > (now()::date-7)::timestamp AND machine_id NOT IN (SELECT machine_id FROM machines WHERE is_integration_test_machine)").Row())
	if err != nil {
		return err
	}
	dailyInstalls, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT machine_id) FROM machines WHERE registration_date > (now()::date-1)::timestamp AND NOT is_integration_test_machine").Row())
	if err != nil {
		return err
	}
	dailyUninstalls, err := extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(*) FROM machines WHERE uninstall_date > (now()::date-1)::timestamp AND NOT is_integration_test_machine").Row())
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Create(LeaderboardStats{
		Date:              db.Now(),
		TotalNumUsers:     totalNumUsers,
		TotalNumMachines:  totalNumMachines,
		PublicOptInUsers:  publicOptIns,
		TeamOptInUsers:    teamOptIns,
		DailyActiveUsers:  dailyActive,
		WeeklyActiveUsers: weeklyActive,
		DailyInstalls:     dailyInstalls,
		DailyUninstalls:   dailyUninstalls,
	}).Error
}
