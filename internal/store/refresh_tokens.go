package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/nkatsov/acctkeeper/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RememberRefreshToken records that a refresh-token value was observed
// belonging to an account. At most one account per token value; last writer
// wins when the same value reappears under a different account.
func (s *Store) RememberRefreshToken(token string, accountID uint) error {
	if token == "" {
		return nil
	}
	return rememberRefreshToken(s.db, token, accountID, s.clock.Now().UTC())
}

func rememberRefreshToken(tx *gorm.DB, token string, accountID uint, observedAt time.Time) error {
	rec := models.KnownRefreshToken{
		Token:      token,
		AccountID:  accountID,
		ObservedAt: observedAt,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "observed_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("remember refresh token: %w", err)
	}
	return nil
}

// AccountForRefreshToken resolves a historical refresh-token value to its
// live account. Tokens pointing at soft-deleted accounts resolve to
// ErrNotFound, same as any other dead reference.
func (s *Store) AccountForRefreshToken(token string) (*models.Account, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var rec models.KnownRefreshToken
	err := s.db.Where("token = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	return s.Get(rec.AccountID)
}

// PruneKnownRefreshTokens drops history entries older than maxAge, then
// enforces the hard cap oldest-first.
func (s *Store) PruneKnownRefreshTokens(maxAge time.Duration, cap int) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-maxAge)
	var pruned int64

	res := s.db.Where("observed_at < ?", cutoff).Delete(&models.KnownRefreshToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune refresh tokens by age: %w", res.Error)
	}
	pruned += res.RowsAffected

	if cap > 0 {
		var count int64
		if err := s.db.Model(&models.KnownRefreshToken{}).Count(&count).Error; err != nil {
			return pruned, fmt.Errorf("count refresh tokens: %w", err)
		}
		if excess := count - int64(cap); excess > 0 {
			var ids []uint
			err := s.db.Model(&models.KnownRefreshToken{}).
				Order("observed_at ASC, id ASC").Limit(int(excess)).Pluck("id", &ids).Error
			if err != nil {
				return pruned, fmt.Errorf("select oldest refresh tokens: %w", err)
			}
			res = s.db.Where("id IN ?", ids).Delete(&models.KnownRefreshToken{})
			if res.Error != nil {
				return pruned, fmt.Errorf("prune refresh tokens by cap: %w", res.Error)
			}
			pruned += res.RowsAffected
		}
	}
	return pruned, nil
}
