package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when an account does not exist or is soft-deleted.
var ErrNotFound = errors.New("account not found")

// mutableColumns is the explicit allow-list for Update. Rejecting arbitrary
// field names here is a security property: callers assemble field maps from
// request payloads and must not be able to touch id, created_at or the
// soft-delete flag.
var mutableColumns = map[string]bool{
	"display_name":      true,
	"access_token":      true,
	"refresh_token":     true,
	"expires_at":        true,
	"scopes":            true,
	"subscription_type": true,
	"rate_limit_tier":   true,
	"priority":          true,
	"is_active":         true,
	"usage_snapshot":    true,
	"usage_cached_at":   true,
	"validation_status": true,
}

// Store is the transactional account repository shared by every process.
type Store struct {
	db    *gorm.DB
	clock clockwork.Clock
}

func New(db *gorm.DB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock}
}

// CreateParams carries the fields accepted when storing a new login.
type CreateParams struct {
	Email            string
	DisplayName      string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	Scopes           []string
	SubscriptionType string
	RateLimitTier    string
}

// Create upserts by email. An existing or soft-deleted row with the same
// email is reactivated and updated in place rather than duplicated. A
// genuinely new account gets priority max+1, or 0 when it is the first
// account ever.
func (s *Store) Create(p CreateParams) (*models.Account, error) {
	email := NormalizeEmail(p.Email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	if p.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	var out *models.Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		scopes := marshalScopes(p.Scopes)

		var existing models.Account
		err := tx.Where("email = ?", email).First(&existing).Error
		switch {
		case err == nil:
			existing.DisplayName = p.DisplayName
			existing.AccessToken = p.AccessToken
			existing.RefreshToken = p.RefreshToken
			existing.ExpiresAt = p.ExpiresAt
			existing.Scopes = scopes
			existing.SubscriptionType = p.SubscriptionType
			existing.RateLimitTier = p.RateLimitTier
			existing.IsActive = true
			existing.IsDeleted = false
			existing.ValidationStatus = models.ValidationValid
			existing.ConsecutiveFailures = 0
			existing.LastError = ""
			existing.LastErrorAt = nil
			existing.LastValidatedAt = &now
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("reactivate account: %w", err)
			}
			out = &existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return fmt.Errorf("lookup account: %w", err)
		}

		var count int64
		if err := tx.Model(&models.Account{}).Count(&count).Error; err != nil {
			return fmt.Errorf("count accounts: %w", err)
		}
		priority := 0
		if count > 0 {
			var maxPriority int
			row := tx.Model(&models.Account{}).Select("COALESCE(MAX(priority), 0)").Row()
			if err := row.Scan(&maxPriority); err != nil {
				return fmt.Errorf("max priority: %w", err)
			}
			priority = maxPriority + 1
		}

		acc := models.Account{
			Email:            email,
			DisplayName:      p.DisplayName,
			AccessToken:      p.AccessToken,
			RefreshToken:     p.RefreshToken,
			ExpiresAt:        p.ExpiresAt,
			Scopes:           scopes,
			SubscriptionType: p.SubscriptionType,
			RateLimitTier:    p.RateLimitTier,
			Priority:         priority,
			IsActive:         true,
			ValidationStatus: models.ValidationValid,
			LastValidatedAt:  &now,
		}
		if err := tx.Create(&acc).Error; err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		out = &acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a live account. Soft-deleted rows resolve to ErrNotFound so
// every caller excludes them by construction.
func (s *Store) Get(id uint) (*models.Account, error) {
	var acc models.Account
	err := s.db.Where("id = ? AND is_deleted = ?", id, false).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

// GetByEmail looks an account up by email. Emails are stored lowercased, so
// the case-insensitive path just lowercases the input.
func (s *Store) GetByEmail(email string, caseInsensitive bool) (*models.Account, error) {
	if caseInsensitive {
		email = NormalizeEmail(email)
	} else {
		email = strings.TrimSpace(email)
	}
	var acc models.Account
	err := s.db.Where("email = ? AND is_deleted = ?", email, false).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return &acc, nil
}

// List returns accounts ordered by priority then creation time. The
// priority-0 account is the default; relative order defines fallback
// selection.
func (s *Store) List(includeInactive, includeDeleted bool) ([]models.Account, error) {
	q := s.db.Order("priority ASC, created_at ASC")
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var accounts []models.Account
	if err := q.Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Update applies fields to an account, validated against the mutable-column
// allow-list.
func (s *Store) Update(id uint, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	for col := range fields {
		if !mutableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
	}
	res := s.db.Model(&models.Account{}).Where("id = ? AND is_deleted = ?", id, false).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks an account deleted. This is the raw store operation; the
// server layer refuses deleting the default account while other active
// accounts remain.
func (s *Store) SoftDelete(id uint) error {
	res := s.db.Model(&models.Account{}).Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{"is_deleted": true, "is_active": false})
	if res.Error != nil {
		return fmt.Errorf("soft delete account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reorder rewrites priority = index for each id, defining a total order.
func (s *Store) Reorder(ids []uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			res := tx.Model(&models.Account{}).Where("id = ?", id).Update("priority", i)
			if res.Error != nil {
				return fmt.Errorf("reorder account %d: %w", id, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("reorder account %d: %w", id, ErrNotFound)
			}
		}
		return nil
	})
}

// RecordError stamps the outcome of a failed API interaction. Rate-limit
// style failures pass incrementFailures=false so the consecutive counter
// does not grow aggressively.
func (s *Store) RecordError(id uint, message string, incrementFailures bool) error {
	now := s.clock.Now().UTC()
	fields := map[string]any{
		"last_error":    message,
		"last_error_at": &now,
	}
	if incrementFailures {
		fields["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	}
	res := s.db.Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("record error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearError is the funnel every successful API interaction goes through.
func (s *Store) ClearError(id uint) error {
	now := s.clock.Now().UTC()
	res := s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"validation_status":    models.ValidationValid,
		"consecutive_failures": 0,
		"last_error":           "",
		"last_error_at":        nil,
		"last_validated_at":    &now,
	})
	if res.Error != nil {
		return fmt.Errorf("clear error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInvalid permanently invalidates an account after an authorization
// denial. Re-authentication is the only way back.
func (s *Store) MarkInvalid(id uint, message string) error {
	now := s.clock.Now().UTC()
	res := s.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]any{
		"validation_status":    models.ValidationInvalid,
		"is_active":            false,
		"last_error":           message,
		"last_error_at":        &now,
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
	})
	if res.Error != nil {
		return fmt.Errorf("mark invalid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyTokens durably writes a refreshed token set and remembers the refresh
// token in the rotation history.
func (s *Store) ApplyTokens(id uint, accessToken, refreshToken string, expiresAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		fields := map[string]any{
			"access_token": accessToken,
			"expires_at":   expiresAt,
		}
		if refreshToken != "" {
			fields["refresh_token"] = refreshToken
		}
		res := tx.Model(&models.Account{}).Where("id = ? AND is_deleted = ?", id, false).Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("apply tokens: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if refreshToken != "" {
			if err := rememberRefreshToken(tx, refreshToken, id, s.clock.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// AccountExists satisfies the session tracker's existence-checker interface.
func (s *Store) AccountExists(id uint) (bool, error) {
	_, err := s.Get(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NormalizeEmail lowercases and trims an address; emails are unique
// case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func marshalScopes(scopes []string) string {
	if len(scopes) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(scopes)
	return string(data)
}
