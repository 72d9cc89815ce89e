package engine

import (
	"context"
	"time"

	"tcstats/observability/logging"
	"tcstats/services/tcstatsd/leaderboard"
	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/storage"
)

// UserStats is a user's current-period stats.
type UserStats struct {
	UserID           uint            `json:"user_id"`
	DisplayName      string          `json:"display_name"`
	FoldingUserName  string          `json:"folding_user_name"`
	Passkey          string          `json:"passkey"`
	Category         models.Category `json:"category"`
	HardwareName     string          `json:"hardware_name"`
	Multiplier       string          `json:"multiplier"`
	TeamID           uint            `json:"team_id"`
	TeamName         string          `json:"team_name"`
	IsCaptain        bool            `json:"is_captain"`
	ProfileLink      string          `json:"profile_link,omitempty"`
	LiveStatsLink    string          `json:"live_stats_link,omitempty"`
	Points           int64           `json:"points"`
	MultipliedPoints int64           `json:"multiplied_points"`
	Units            int64           `json:"units"`
	AsOf             *time.Time      `json:"as_of,omitempty"`
}

// UserStanding is a ranked user.
type UserStanding struct {
	leaderboard.Position
	User UserStats `json:"user"`
}

// TeamStanding is a ranked team. Its score includes retired contributions.
type TeamStanding struct {
	leaderboard.Position
	TeamID       uint   `json:"team_id"`
	TeamName     string `json:"team_name"`
	Points       int64  `json:"points"`
	Units        int64  `json:"units"`
	ActiveUsers  int    `json:"active_users"`
	RetiredUsers int    `json:"retired_users"`
}

// CategoryLeaderboard holds one ranked list per category. Every category is
// present, possibly with an empty list.
type CategoryLeaderboard map[models.Category][]UserStanding

// NewCategoryLeaderboard returns a leaderboard seeded with every category.
func NewCategoryLeaderboard() CategoryLeaderboard {
	out := make(CategoryLeaderboard, len(models.Categories()))
	for _, c := range models.Categories() {
		out[c] = []UserStanding{}
	}
	return out
}

// TeamSummary is a team's standing with its members.
type TeamSummary struct {
	TeamStanding
	Description string                       `json:"description,omitempty"`
	ForumLink   string                       `json:"forum_link,omitempty"`
	Users       []UserStanding               `json:"users"`
	Retired     []models.RetiredContribution `json:"retired"`
}

// Summary is the whole competition at a glance.
type Summary struct {
	Points           int64         `json:"points"`
	MultipliedPoints int64         `json:"multiplied_points"`
	Units            int64         `json:"units"`
	ActiveUsers      int           `json:"active_users"`
	RetiredUsers     int           `json:"retired_users"`
	Teams            []TeamSummary `json:"teams"`
}

type standings struct {
	teams   []models.Team
	users   []UserStats
	retired []models.RetiredContribution
}

// loadStandings reads everything the leaderboards need in one transaction
// so a board never mixes before and after states of a write.
func (e *Engine) loadStandings(ctx context.Context, privileged bool) (standings, error) {
	var out standings
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		teams, err := tx.ListTeams(ctx)
		if err != nil {
			return err
		}
		users, err := tx.ListActiveUsers(ctx)
		if err != nil {
			return err
		}
		latest, err := tx.LatestTcStatsByUser(ctx)
		if err != nil {
			return err
		}
		retired, err := tx.ListRetired(ctx)
		if err != nil {
			return err
		}
		names := make(map[uint]string, len(teams))
		for _, team := range teams {
			names[team.ID] = team.Name
		}
		out.teams = teams
		out.retired = retired
		out.users = make([]UserStats, 0, len(users))
		for _, user := range users {
			rec, ok := latest[user.ID]
			out.users = append(out.users, userStats(user, rec, ok, names[user.TeamID], privileged))
		}
		return nil
	})
	return out, err
}

func userStats(user models.User, rec models.TcStatsRecord, hasRecord bool, teamName string, privileged bool) UserStats {
	passkey := user.Passkey
	if !privileged {
		passkey = logging.MaskPasskey(passkey)
	}
	hardware := user.Hardware.DisplayName
	if hardware == "" {
		hardware = user.Hardware.Name
	}
	stats := UserStats{
		UserID:          user.ID,
		DisplayName:     user.DisplayName,
		FoldingUserName: user.FoldingUserName,
		Passkey:         passkey,
		Category:        user.Category,
		HardwareName:    hardware,
		Multiplier:      user.Hardware.Multiplier.String(),
		TeamID:          user.TeamID,
		TeamName:        teamName,
		IsCaptain:       user.IsCaptain,
		ProfileLink:     user.ProfileLink,
		LiveStatsLink:   user.LiveStatsLink,
	}
	if hasRecord {
		asOf := rec.AsOf.UTC()
		stats.Points = rec.Points
		stats.MultipliedPoints = rec.MultipliedPoints
		stats.Units = rec.Units
		stats.AsOf = &asOf
	}
	return stats
}

// TeamLeaderboard ranks every team by the multiplied points of its active
// users plus its retired contributions.
func (e *Engine) TeamLeaderboard(ctx context.Context, privileged bool) ([]TeamStanding, error) {
	data, err := e.loadStandings(ctx, privileged)
	if err != nil {
		return nil, err
	}
	return rankTeams(data), nil
}

// CategoryLeaderboard ranks active users within each category.
func (e *Engine) CategoryLeaderboard(ctx context.Context, privileged bool) (CategoryLeaderboard, error) {
	data, err := e.loadStandings(ctx, privileged)
	if err != nil {
		return nil, err
	}
	return rankCategories(data.users), nil
}

// Summary returns every team's standing with its ranked members and retired
// contributions.
func (e *Engine) Summary(ctx context.Context, privileged bool) (Summary, error) {
	data, err := e.loadStandings(ctx, privileged)
	if err != nil {
		return Summary{}, err
	}
	members := make(map[uint][]UserStats)
	for _, u := range data.users {
		members[u.TeamID] = append(members[u.TeamID], u)
	}
	retired := make(map[uint][]models.RetiredContribution)
	for _, r := range data.retired {
		retired[r.TeamID] = append(retired[r.TeamID], r)
	}
	teams := make(map[uint]models.Team, len(data.teams))
	for _, t := range data.teams {
		teams[t.ID] = t
	}

	out := Summary{Teams: []TeamSummary{}}
	for _, standing := range rankTeams(data) {
		team := teams[standing.TeamID]
		entry := TeamSummary{
			TeamStanding: standing,
			Description:  team.Description,
			ForumLink:    team.ForumLink,
			Users:        rankUsers(members[standing.TeamID]),
			Retired:      retired[standing.TeamID],
		}
		if entry.Retired == nil {
			entry.Retired = []models.RetiredContribution{}
		}
		out.Points += standing.Points
		out.MultipliedPoints += standing.Score
		out.Units += standing.Units
		out.ActiveUsers += standing.ActiveUsers
		out.RetiredUsers += standing.RetiredUsers
		out.Teams = append(out.Teams, entry)
	}
	return out, nil
}

// UserTcStats returns a user's latest stats. Users without any record report
// zeros.
func (e *Engine) UserTcStats(ctx context.Context, userID uint, privileged bool) (UserStats, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}
	team, err := e.store.GetTeam(ctx, user.TeamID)
	if err != nil {
		return UserStats{}, err
	}
	rec, err := e.store.LatestTcStats(ctx, userID)
	switch {
	case err == nil:
		return userStats(user, rec, true, team.Name, privileged), nil
	case isNotFound(err):
		return userStats(user, rec, false, team.Name, privileged), nil
	default:
		return UserStats{}, err
	}
}

func rankTeams(data standings) []TeamStanding {
	totals := make(map[uint]*TeamStanding, len(data.teams))
	rows := make([]*TeamStanding, 0, len(data.teams))
	for _, team := range data.teams {
		row := &TeamStanding{TeamID: team.ID, TeamName: team.Name}
		totals[team.ID] = row
		rows = append(rows, row)
	}
	for _, u := range data.users {
		row, ok := totals[u.TeamID]
		if !ok {
			continue
		}
		row.Score += u.MultipliedPoints
		row.Points += u.Points
		row.Units += u.Units
		row.ActiveUsers++
	}
	for _, r := range data.retired {
		row, ok := totals[r.TeamID]
		if !ok {
			continue
		}
		row.Score += r.MultipliedPoints
		row.Points += r.Points
		row.Units += r.Units
		row.RetiredUsers++
	}

	ranked := leaderboard.Rank(rows,
		func(t *TeamStanding) int64 { return t.Score },
		func(t *TeamStanding) string { return t.TeamName })
	out := make([]TeamStanding, 0, len(ranked))
	for _, r := range ranked {
		standing := *r.Subject
		standing.Position = r.Position
		out = append(out, standing)
	}
	return out
}

func rankCategories(users []UserStats) CategoryLeaderboard {
	byCategory := make(map[models.Category][]UserStats)
	for _, u := range users {
		byCategory[u.Category] = append(byCategory[u.Category], u)
	}
	out := NewCategoryLeaderboard()
	for category := range out {
		out[category] = rankUsers(byCategory[category])
	}
	return out
}

func rankUsers(users []UserStats) []UserStanding {
	ranked := leaderboard.Rank(users,
		func(u UserStats) int64 { return u.MultipliedPoints },
		func(u UserStats) string { return u.DisplayName })
	out := make([]UserStanding, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, UserStanding{Position: r.Position, User: r.Subject})
	}
	return out
}
