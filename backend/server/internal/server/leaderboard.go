package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/samber/lo"
	"github.com/tokenboard/tokenboard/backend/server/internal/database"
	"github.com/tokenboard/tokenboard/shared"
	"golang.org/x/exp/slices"
)

// periodWindow resolves a leaderboard period to an inclusive [since, until]
// date range: today for daily, the trailing 7 days including today for
// weekly. Dates are server UTC.
func periodWindow(period shared.LeaderboardPeriod, now time.Time) (string, string) {
	today := now.UTC().Format(shared.DateOnly)
	if period == shared.LeaderboardPeriodWeekly {
		return now.UTC().AddDate(0, 0, -6).Format(shared.DateOnly), today
	}
	return today, today
}

// rankLeaderboard orders eligible users into final entries. The sort is
// fully deterministic: total cost descending, then total tokens descending,
// then user id ascending. Users with no usage in the window rank with zero
// totals rather than disappearing.
func rankLeaderboard(users []*database.User, totals map[string]database.UserTotals, scope shared.LeaderboardScope) []shared.LeaderboardEntry {
	entries := make([]shared.LeaderboardEntry, 0, len(users))
	for _, user := range users {
		displayName := user.PublicName()
		if scope == shared.LeaderboardScopeTeam {
			displayName = user.TeamName()
		}
		t := totals[user.UserId]
		entries = append(entries, shared.LeaderboardEntry{
			UserId:      user.UserId,
			DisplayName: displayName,
			TotalCost:   t.TotalCost,
			TotalTokens: t.TotalTokens,
		})
	}

	slices.SortFunc(entries, func(a, b shared.LeaderboardEntry) int {
		if a.TotalCost != b.TotalCost {
			if a.TotalCost > b.TotalCost {
				return -1
			}
			return 1
		}
		if a.TotalTokens != b.TotalTokens {
			if a.TotalTokens > b.TotalTokens {
				return -1
			}
			return 1
		}
		if a.UserId < b.UserId {
			return -1
		}
		if a.UserId > b.UserId {
			return 1
		}
		return 0
	})

	total := len(entries)
	for i := range entries {
		entries[i].Rank = i + 1
		entries[i].Percentile = int(math.Round(float64(total-entries[i].Rank+1) / float64(total) * 100))
	}
	return entries
}

func (s *Server) apiLeaderboardHandler(w http.ResponseWriter, r *http.Request) {
	userId := getAuthenticatedUserId(r)
	period := shared.LeaderboardPeriod(r.URL.Query().Get("period"))
	if period == "" {
		period = shared.LeaderboardPeriodDaily
	}
	if period != shared.LeaderboardPeriodDaily && period != shared.LeaderboardPeriodWeekly {
		http.Error(w, fmt.Sprintf("unknown period %#v", string(period)), http.StatusBadRequest)
		return
	}
	scope := shared.LeaderboardScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = shared.LeaderboardScopePublic
	}

	var users []*database.User
	var err error
	switch scope {
	case shared.LeaderboardScopePublic:
		users, err = s.db.EligiblePublicUsers(r.Context())
		checkGormError(err)
	case shared.LeaderboardScopeTeam:
		teamId := r.URL.Query().Get("team_id")
		if teamId == "" {
			team, err := s.db.TeamForUser(r.Context(), userId)
			checkGormError(err)
			if team != nil {
				teamId = team.TeamId
			}
		}
		if teamId != "" {
			users, err = s.db.EligibleTeamUsers(r.Context(), teamId)
			checkGormError(err)
		}
	default:
		http.Error(w, fmt.Sprintf("unknown scope %#v", string(scope)), http.StatusBadRequest)
		return
	}

	sinceDate, untilDate := periodWindow(period, s.db.Now())
	userIds := lo.Map(users, func(u *database.User, _ int) string { return u.UserId })
	totals, err := s.db.UserUsageTotals(r.Context(), userIds, sinceDate, untilDate)
	checkGormError(err)

	entries := rankLeaderboard(users, totals, scope)

	// An ineligible requester still gets the board, just no rank of their
	// own. That is not an error.
	var userRank *int
	for _, entry := range entries {
		if entry.UserId == userId {
			rank := entry.Rank
			userRank = &rank
			break
		}
	}

	if s.statsd != nil {
		s.statsd.Incr("tokenboard.leaderboard", []string{"period:" + string(period), "scope:" + string(scope)}, 1.0)
	}

	resp := shared.LeaderboardResponse{
		Period:            period,
		Scope:             scope,
		Entries:           entries,
		TotalParticipants: len(entries),
		UserRank:          userRank,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(err)
	}
}
