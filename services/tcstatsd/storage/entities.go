package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"tcstats/services/tcstatsd/models"
)

// CreateHardware inserts a hardware row.
func (s *Store) CreateHardware(ctx context.Context, hw *models.Hardware) error {
	if err := s.conn(ctx).Create(hw).Error; err != nil {
		return fmt.Errorf("create hardware: %w", err)
	}
	return nil
}

// GetHardware loads a hardware row by id.
func (s *Store) GetHardware(ctx context.Context, id uint) (models.Hardware, error) {
	var hw models.Hardware
	if err := s.conn(ctx).First(&hw, id).Error; err != nil {
		return hw, notFound(err, "hardware %d", id)
	}
	return hw, nil
}

// SetHardwareMultiplier overwrites the multiplier of one hardware row.
func (s *Store) SetHardwareMultiplier(ctx context.Context, id uint, multiplier decimal.Decimal) error {
	res := s.conn(ctx).Model(&models.Hardware{}).Where("id = ?", id).Update("multiplier", multiplier)
	if res.Error != nil {
		return fmt.Errorf("update hardware multiplier: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("hardware %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateTeam inserts a team row.
func (s *Store) CreateTeam(ctx context.Context, team *models.Team) error {
	if err := s.conn(ctx).Create(team).Error; err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

// GetTeam loads a team by id.
func (s *Store) GetTeam(ctx context.Context, id uint) (models.Team, error) {
	var team models.Team
	if err := s.conn(ctx).First(&team, id).Error; err != nil {
		return team, notFound(err, "team %d", id)
	}
	return team, nil
}

// ListTeams returns every team ordered by id.
func (s *Store) ListTeams(ctx context.Context) ([]models.Team, error) {
	teams := []models.Team{}
	if err := s.conn(ctx).Order("id ASC").Find(&teams).Error; err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

// CreateUser inserts a user row without touching its associations.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.conn(ctx).Omit(clause.Associations).Create(user).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser loads an active user with its hardware.
func (s *Store) GetUser(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := s.conn(ctx).Preload("Hardware").First(&user, id).Error; err != nil {
		return user, notFound(err, "user %d", id)
	}
	return user, nil
}

// GetUserIncludingDeleted loads a user even if it has been deleted.
func (s *Store) GetUserIncludingDeleted(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := s.conn(ctx).Unscoped().Preload("Hardware").First(&user, id).Error; err != nil {
		return user, notFound(err, "user %d", id)
	}
	return user, nil
}

// ListActiveUsers returns every non-deleted user with hardware, ordered by id.
func (s *Store) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	if err := s.conn(ctx).Preload("Hardware").Order("id ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListUsersByHardware returns active users folding on the given hardware.
func (s *Store) ListUsersByHardware(ctx context.Context, hardwareID uint) ([]models.User, error) {
	users := []models.User{}
	err := s.conn(ctx).Preload("Hardware").Where("hardware_id = ?", hardwareID).Order("id ASC").Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list users by hardware: %w", err)
	}
	return users, nil
}

// ListTeamUsers returns the active members of a team.
func (s *Store) ListTeamUsers(ctx context.Context, teamID uint) ([]models.User, error) {
	users := []models.User{}
	err := s.conn(ctx).Preload("Hardware").Where("team_id = ?", teamID).Order("id ASC").Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list team users: %w", err)
	}
	return users, nil
}

// SetUserTeam moves a user to another team.
func (s *Store) SetUserTeam(ctx context.Context, userID, teamID uint) error {
	res := s.conn(ctx).Model(&models.User{}).Where("id = ?", userID).Update("team_id", teamID)
	if res.Error != nil {
		return fmt.Errorf("update user team: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// DeleteUser soft-deletes a user.
func (s *Store) DeleteUser(ctx context.Context, userID uint) error {
	res := s.conn(ctx).Delete(&models.User{}, userID)
	if res.Error != nil {
		return fmt.Errorf("delete user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}
