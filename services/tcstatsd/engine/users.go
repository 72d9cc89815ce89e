package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/storage"
)

// NewHardware describes a hardware class to register.
type NewHardware struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Multiplier  decimal.Decimal `json:"multiplier"`
}

// NewTeam describes a team to register.
type NewTeam struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ForumLink   string `json:"forum_link"`
}

// NewUser describes a user to register.
type NewUser struct {
	FoldingUserName string          `json:"folding_user_name"`
	DisplayName     string          `json:"display_name"`
	Passkey         string          `json:"passkey"`
	Category        models.Category `json:"category"`
	HardwareID      uint            `json:"hardware_id"`
	TeamID          uint            `json:"team_id"`
	ProfileLink     string          `json:"profile_link"`
	LiveStatsLink   string          `json:"live_stats_link"`
	IsCaptain       bool            `json:"is_captain"`
}

// CreateHardware registers a hardware class.
func (e *Engine) CreateHardware(ctx context.Context, in NewHardware) (models.Hardware, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Hardware{}, invalid("hardware name required")
	}
	if in.Multiplier.IsNegative() {
		return models.Hardware{}, invalid("multiplier must not be negative")
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = name
	}
	hw := models.Hardware{Name: name, DisplayName: display, Multiplier: in.Multiplier}
	if err := e.store.CreateHardware(ctx, &hw); err != nil {
		return models.Hardware{}, err
	}
	return hw, nil
}

// CreateTeam registers a team.
func (e *Engine) CreateTeam(ctx context.Context, in NewTeam) (models.Team, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Team{}, invalid("team name required")
	}
	team := models.Team{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		ForumLink:   strings.TrimSpace(in.ForumLink),
	}
	if err := e.store.CreateTeam(ctx, &team); err != nil {
		return models.Team{}, err
	}
	return team, nil
}

// RegisterUser adds a user to a team. The user's current cumulative totals
// are fetched first and become their baseline, so they start from zero.
func (e *Engine) RegisterUser(ctx context.Context, in NewUser) (models.User, error) {
	user := models.User{
		FoldingUserName: strings.TrimSpace(in.FoldingUserName),
		DisplayName:     strings.TrimSpace(in.DisplayName),
		Passkey:         strings.TrimSpace(in.Passkey),
		HardwareID:      in.HardwareID,
		TeamID:          in.TeamID,
		ProfileLink:     strings.TrimSpace(in.ProfileLink),
		LiveStatsLink:   strings.TrimSpace(in.LiveStatsLink),
		IsCaptain:       in.IsCaptain,
	}
	if user.FoldingUserName == "" {
		return models.User{}, invalid("folding user name required")
	}
	if user.DisplayName == "" {
		user.DisplayName = user.FoldingUserName
	}
	category, err := models.ParseCategory(string(in.Category))
	if err != nil {
		return models.User{}, invalid("%v", err)
	}
	user.Category = category
	if _, err := e.store.GetHardware(ctx, user.HardwareID); err != nil {
		return models.User{}, err
	}
	if _, err := e.store.GetTeam(ctx, user.TeamID); err != nil {
		return models.User{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.userTimeout)
	totals, err := e.provider.FetchTotals(fetchCtx, identity(user))
	cancel()
	if err != nil {
		return models.User{}, fmt.Errorf("fetch initial totals: %w", err)
	}

	now := e.now()
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.CreateUser(ctx, &user); err != nil {
			return err
		}
		snap := models.Snapshot{UserID: user.ID, ObservedAt: now, Points: totals.Points, Units: totals.Units}
		if err := tx.AppendSnapshot(ctx, &snap); err != nil {
			return err
		}
		baseline := models.Baseline{
			UserID:  user.ID,
			Points:  totals.Points,
			Units:   totals.Units,
			Version: 1,
			ResetAt: now,
			Reason:  models.BaselineReasonRegistered,
		}
		if err := tx.SaveBaseline(ctx, &baseline); err != nil {
			return err
		}
		return tx.InsertTcStats(ctx, &models.TcStatsRecord{UserID: user.ID, TeamID: user.TeamID, AsOf: now, Restart: true})
	})
	if err != nil {
		return models.User{}, err
	}
	e.logger.Info("user registered",
		slog.Any("user_id", user.ID),
		slog.Any("team_id", user.TeamID),
		slog.String("category", string(user.Category)))
	return e.store.GetUser(ctx, user.ID)
}
