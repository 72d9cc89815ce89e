package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tcstats/services/tcstatsd/models"
)

func TestTeamLeaderboardRanks(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	for i, points := range []int64{1_000, 15_000, 10_000} {
		team := f.team([]string{"gamma", "alpha", "beta"}[i])
		name := team.Name + "-folder"
		f.register(name, hw, team, models.CategoryNvidiaGPU, 0, 0)
		f.provider.set(name, points, 1)
	}
	f.cycle()

	board, err := f.engine.TeamLeaderboard(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, board, 3)

	var names []string
	var ranks []int
	var toLeader, toNext []int64
	for _, s := range board {
		names = append(names, s.TeamName)
		ranks = append(ranks, s.Rank)
		toLeader = append(toLeader, s.DiffToLeader)
		toNext = append(toNext, s.DiffToNext)
	}
	require.Equal(t, []string{"alpha", "beta", "gamma"}, names)
	require.Equal(t, []int{1, 2, 3}, ranks)
	require.Equal(t, []int64{0, 5_000, 14_000}, toLeader)
	require.Equal(t, []int64{0, 5_000, 9_000}, toNext)
}

func TestTeamLeaderboardTieAtTop(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	for i, points := range []int64{15_000, 15_000, 1_000} {
		team := f.team([]string{"alpha", "beta", "gamma"}[i])
		name := team.Name + "-folder"
		f.register(name, hw, team, models.CategoryNvidiaGPU, 0, 0)
		f.provider.set(name, points, 1)
	}
	f.cycle()

	board, err := f.engine.TeamLeaderboard(f.ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, board[0].Rank)
	require.Equal(t, 1, board[1].Rank)
	require.Equal(t, 2, board[2].Rank)
	require.EqualValues(t, 0, board[1].DiffToNext)
	require.EqualValues(t, 14_000, board[2].DiffToNext)
}

func TestTeamLeaderboardIncludesEmptyTeams(t *testing.T) {
	f := newFixture(t)
	f.team("alpha")

	board, err := f.engine.TeamLeaderboard(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, board, 1)
	require.Equal(t, 1, board[0].Rank)
	require.Zero(t, board[0].Score)
}

func TestCategoryLeaderboardSeedsEveryCategory(t *testing.T) {
	f := newFixture(t)

	board, err := f.engine.CategoryLeaderboard(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, board, len(models.Categories()))
	for _, c := range models.Categories() {
		entries, ok := board[c]
		require.True(t, ok, "category %s missing", c)
		require.Empty(t, entries)
	}
}

func TestCategoryLeaderboardRanksAndMasks(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	team := f.team("alpha")
	f.register("nv-low", hw, team, models.CategoryNvidiaGPU, 0, 0)
	f.register("nv-high", hw, team, models.CategoryNvidiaGPU, 0, 0)
	f.register("amd", hw, team, models.CategoryAMDGPU, 0, 0)
	f.provider.set("nv-low", 100, 1)
	f.provider.set("nv-high", 900, 9)
	f.provider.set("amd", 50, 1)
	f.cycle()

	board, err := f.engine.CategoryLeaderboard(f.ctx, false)
	require.NoError(t, err)
	nvidia := board[models.CategoryNvidiaGPU]
	require.Len(t, nvidia, 2)
	require.Equal(t, "nv-high", nvidia[0].User.DisplayName)
	require.EqualValues(t, 800, nvidia[1].DiffToLeader)
	require.Equal(t, "passkey-*******", nvidia[0].User.Passkey)
	require.Len(t, board[models.CategoryAMDGPU], 1)
	require.Empty(t, board[models.CategoryWildcard])

	privileged, err := f.engine.CategoryLeaderboard(f.ctx, true)
	require.NoError(t, err)
	require.Equal(t, "passkey-nv-high", privileged[models.CategoryNvidiaGPU][0].User.Passkey)
}

func TestSummaryGroupsUsersByTeam(t *testing.T) {
	f := newFixture(t)
	hw := f.hardware("gpu", "1")
	alpha := f.team("alpha")
	beta := f.team("beta")
	a1 := f.register("a1", hw, alpha, models.CategoryNvidiaGPU, 0, 0)
	f.register("a2", hw, alpha, models.CategoryAMDGPU, 0, 0)
	f.register("b1", hw, beta, models.CategoryWildcard, 0, 0)
	f.provider.set("a1", 300, 3)
	f.provider.set("a2", 200, 2)
	f.provider.set("b1", 100, 1)
	f.cycle()
	_, err := f.engine.DeleteUser(f.ctx, a1.ID)
	require.NoError(t, err)

	summary, err := f.engine.Summary(f.ctx, false)
	require.NoError(t, err)
	require.EqualValues(t, 600, summary.MultipliedPoints)
	require.Equal(t, 2, summary.ActiveUsers)
	require.Equal(t, 1, summary.RetiredUsers)
	require.Len(t, summary.Teams, 2)

	first := summary.Teams[0]
	require.Equal(t, alpha.ID, first.TeamID)
	require.EqualValues(t, 500, first.Score)
	require.Len(t, first.Users, 1)
	require.Len(t, first.Retired, 1)
	require.Equal(t, "a1", first.Retired[0].DisplayName)
	require.Empty(t, summary.Teams[1].Retired)
}
