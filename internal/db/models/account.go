package models

import "time"

// Validation states an account moves through as refresh and API
// interactions succeed or fail.
const (
	ValidationUnknown  = "unknown"
	ValidationChecking = "checking"
	ValidationValid    = "valid"
	ValidationInvalid  = "invalid"
)

// Account stores the identity and credential record for one stored login.
// An empty RefreshToken marks the account as non-refreshable (API-key style):
// the lifecycle manager treats it as always valid.
type Account struct {
	ID                  uint   `gorm:"primaryKey"`
	Email               string `gorm:"uniqueIndex"` // stored lowercased
	DisplayName         string
	AccessToken         string
	RefreshToken        string
	ExpiresAt           time.Time
	Scopes              string // JSON array of authorized scopes
	SubscriptionType    string
	RateLimitTier       string
	Priority            int  `gorm:"index"` // 0 = default account
	IsActive            bool `gorm:"default:true"`
	IsDeleted           bool `gorm:"default:false"` // soft delete, rows keep history
	UsageSnapshot       string
	UsageCachedAt       *time.Time
	ValidationStatus    string `gorm:"default:unknown"`
	ConsecutiveFailures int
	LastError           string
	LastErrorAt         *time.Time
	LastValidatedAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Refreshable reports whether the lifecycle manager can refresh this account.
func (a *Account) Refreshable() bool {
	return a.RefreshToken != ""
}

// KnownRefreshToken is an append-only record of every refresh-token value
// ever observed and the account it belonged to at observation time. The live
// refresh_token column races with rotation; this history is the recovery path
// when the external host consumes a token before we see the rotation.
type KnownRefreshToken struct {
	ID         uint   `gorm:"primaryKey"`
	Token      string `gorm:"uniqueIndex"`
	AccountID  uint   `gorm:"index"`
	ObservedAt time.Time
}
