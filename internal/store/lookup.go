package store

import (
	"errors"
	"fmt"

	"github.com/nkatsov/acctkeeper/internal/db/models"
	"gorm.io/gorm"
)

// FindByAccessToken returns the live account holding exactly this access
// token, or ErrNotFound.
func (s *Store) FindByAccessToken(token string) (*models.Account, error) {
	return s.findByColumn("access_token", token)
}

// FindByRefreshToken matches against the live refresh_token column. The
// column races with rotation; callers fall back to the observed-token
// history when this misses.
func (s *Store) FindByRefreshToken(token string) (*models.Account, error) {
	return s.findByColumn("refresh_token", token)
}

func (s *Store) findByColumn(column, token string) (*models.Account, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var acc models.Account
	err := s.db.Where(column+" = ? AND is_deleted = ?", token, false).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account by %s: %w", column, err)
	}
	return &acc, nil
}

// ListRefreshable returns every non-deleted account that holds a refresh
// token. The identity resolver's single-account shortcut hinges on this
// being unambiguous.
func (s *Store) ListRefreshable() ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.Where("is_deleted = ? AND refresh_token <> ''", false).
		Order("priority ASC, created_at ASC").Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list refreshable accounts: %w", err)
	}
	return accounts, nil
}
