package credfile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RecoveryMaxAge bounds how long a recovery record stays replayable. Past
// this the tokens inside are assumed stale and the record is discarded.
const RecoveryMaxAge = time.Hour

// RecoveryRecord is the write-ahead fallback for the one race the lifecycle
// manager cannot roll back: the upstream exchange consumed the old refresh
// token but the local durable write failed. At most one exists per host.
type RecoveryRecord struct {
	AccountID    uint      `json:"accountId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    int64     `json:"expiresAt"` // ms epoch, matching the credential file
	WrittenAt    time.Time `json:"writtenAt"`
}

// Expired reports whether the record is past its staleness bound.
func (r *RecoveryRecord) Expired(now time.Time) bool {
	return now.Sub(r.WrittenAt) > RecoveryMaxAge
}

// WriteRecovery persists the record with owner-only permissions via the
// same atomic path credential writes use.
func (g *Gateway) WriteRecovery(path string, rec *RecoveryRecord) error {
	if err := checkPath(path); err != nil {
		return err
	}
	rec.WrittenAt = g.clock.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recovery record: %w", err)
	}
	return g.atomicWrite(path, data)
}

// ReadRecovery loads a pending record, or (nil, nil) when none exists.
func (g *Gateway) ReadRecovery(path string) (*RecoveryRecord, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recovery record: %w", err)
	}
	var rec RecoveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse recovery record: %w", err)
	}
	return &rec, nil
}

// DeleteRecovery removes a consumed or discarded record.
func (g *Gateway) DeleteRecovery(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete recovery record: %w", err)
	}
	return nil
}
