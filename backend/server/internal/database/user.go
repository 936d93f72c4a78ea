package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenboard/tokenboard/shared"
	"gorm.io/gorm"
)

// User holds the identity and privacy flags for one account. The two
// leaderboard opt-ins are independent: enabling the team board does not
// expose the user on the public one, and vice versa. Soft-deleted users
// disappear from every ranking but their usage rows are retained.
type User struct {
	UserId   string `json:"user_id" gorm:"uniqueIndex"`
	Username string `json:"username"`
	// Public leaderboard opt-in pair
	LeaderboardEnabled bool   `json:"leaderboard_enabled"`
	DisplayName        string `json:"display_name"`
	// Team leaderboard opt-in pair
	TeamLeaderboardEnabled bool           `json:"team_leaderboard_enabled"`
	TeamDisplayName        string         `json:"team_display_name"`
	RegistrationDate       time.Time      `json:"registration_date"`
	DeletedAt              gorm.DeletedAt `json:"deleted_at"`
}

// PublicName is the name shown on the public leaderboard: the opt-in
// display name when set, otherwise the username.
func (u *User) PublicName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// TeamName is the name shown on a team leaderboard. The fallback chain is
// team display name, then public display name, then username.
func (u *User) TeamName() string {
	if u.TeamDisplayName != "" {
		return u.TeamDisplayName
	}
	return u.PublicName()
}

type Team struct {
	TeamId      string    `json:"team_id" gorm:"uniqueIndex"`
	Name        string    `json:"name"`
	CreatedBy   string    `json:"created_by"`
	CreatedDate time.Time `json:"created_date"`
}

// TeamMembership ties a user to a team. Only memberships with status
// "active" count for team leaderboards; invited or removed members do not.
type TeamMembership struct {
	TeamId     string    `json:"team_id" gorm:"not null; uniqueIndex:teamMembershipUniqueIndex"`
	UserId     string    `json:"user_id" gorm:"not null; uniqueIndex:teamMembershipUniqueIndex"`
	Status     string    `json:"status"`
	JoinedDate time.Time `json:"joined_date"`
}

const TeamMembershipStatusActive = "active"

// EnsureUserExists registers the user row on first contact. Ingestion calls
// this on every upload, so the common path is a single indexed read.
func (db *DB) EnsureUserExists(ctx context.Context, userID string) error {
	var users []User
	tx := db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&users)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(users) > 0 {
		return nil
	}

	user := User{UserId: userID, RegistrationDate: db.Now().UTC()}
	tx = db.WithContext(ctx).Create(&user)
	if tx.Error != nil && !isDuplicateKeyError(tx.Error) {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

func (db *DB) GetUser(ctx context.Context, userID string) (*User, error) {
	var users []User
	tx := db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&users)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: unknown user %s", gorm.ErrRecordNotFound, userID)
	}

	return &users[0], nil
}

// UpdateLeaderboardSettings applies a partial settings update. Nil fields
// are left untouched so a client can flip one flag without knowing the rest.
func (db *DB) UpdateLeaderboardSettings(ctx context.Context, userID string, req *shared.LeaderboardSettingsRequest) error {
	updates := map[string]any{}
	if req.LeaderboardEnabled != nil {
		updates["leaderboard_enabled"] = *req.LeaderboardEnabled
	}
	if req.DisplayName != nil {
		updates["display_name"] = *req.DisplayName
	}
	if req.TeamLeaderboardEnabled != nil {
		updates["team_leaderboard_enabled"] = *req.TeamLeaderboardEnabled
	}
	if req.TeamDisplayName != nil {
		updates["team_display_name"] = *req.TeamDisplayName
	}
	if len(updates) == 0 {
		return nil
	}

	tx := db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: unknown user %s", gorm.ErrRecordNotFound, userID)
	}

	return nil
}

func (db *DB) CountAllUsers(ctx context.Context) (int64, error) {
	var numUsers int64
	tx := db.WithContext(ctx).Model(&User{}).Count(&numUsers)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return numUsers, nil
}

func (db *DB) CreateTeam(ctx context.Context, team *Team) error {
	tx := db.WithContext(ctx).Create(team)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	membership := TeamMembership{
		TeamId:     team.TeamId,
		UserId:     team.CreatedBy,
		Status:     TeamMembershipStatusActive,
		JoinedDate: db.Now().UTC(),
	}
	tx = db.WithContext(ctx).Create(&membership)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

func (db *DB) AddTeamMember(ctx context.Context, teamID, userID string) error {
	membership := TeamMembership{
		TeamId:     teamID,
		UserId:     userID,
		Status:     TeamMembershipStatusActive,
		JoinedDate: db.Now().UTC(),
	}
	tx := db.WithContext(ctx).Create(&membership)
	if tx.Error != nil {
		if isDuplicateKeyError(tx.Error) {
			return db.setMembershipStatus(ctx, teamID, userID, TeamMembershipStatusActive)
		}
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

func (db *DB) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	return db.setMembershipStatus(ctx, teamID, userID, "removed")
}

func (db *DB) setMembershipStatus(ctx context.Context, teamID, userID, status string) error {
	tx := db.WithContext(ctx).Model(&TeamMembership{}).
		Where("team_id = ? AND user_id = ?", teamID, userID).
		Update("status", status)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

// TeamForUser resolves the requester's active team. Users sit on at most one
// active team at a time; with none, team-scoped queries have no participants.
func (db *DB) TeamForUser(ctx context.Context, userID string) (*Team, error) {
	var memberships []TeamMembership
	tx := db.WithContext(ctx).Where("user_id = ? AND status = ?", userID, TeamMembershipStatusActive).Limit(1).Find(&memberships)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	var teams []Team
	tx = db.WithContext(ctx).Where("team_id = ?", memberships[0].TeamId).Limit(1).Find(&teams)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if len(teams) == 0 {
		return nil, nil
	}

	return &teams[0], nil
}
