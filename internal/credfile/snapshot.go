package credfile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Keys this tool owns inside the shared credential file. Everything else in
// the file belongs to the external host and must round-trip verbatim.
const (
	keyAccessToken      = "accessToken"
	keyRefreshToken     = "refreshToken"
	keyExpiresAt        = "expiresAt"
	keyScopes           = "scopes"
	keySubscriptionType = "subscriptionType"
	keyRateLimitTier    = "rateLimitTier"
	keyAccountStamp     = "acctkeeperAccountId"
)

// Snapshot is one read of the shared credential file. AccountStamp is the
// explicit identity marker a prior "set active account" action embedded;
// zero means no stamp. Extra holds the host's own top-level keys untouched.
type Snapshot struct {
	AccessToken      string
	RefreshToken     string // empty means the file carried null
	ExpiresAt        time.Time
	Scopes           []string
	SubscriptionType string
	RateLimitTier    string
	AccountStamp     uint

	extra map[string]json.RawMessage
}

// UnmarshalJSON pulls the known fields out and parks every other top-level
// key in extra so a later rewrite preserves the host's data byte for byte.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("credential file is not a JSON object: %w", err)
	}

	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			delete(raw, key)
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("credential field %s: %w", key, err)
		}
		delete(raw, key)
		return nil
	}

	var expiresMs int64
	if err := take(keyAccessToken, &s.AccessToken); err != nil {
		return err
	}
	if err := take(keyRefreshToken, &s.RefreshToken); err != nil {
		return err
	}
	if err := take(keyExpiresAt, &expiresMs); err != nil {
		return err
	}
	if err := take(keyScopes, &s.Scopes); err != nil {
		return err
	}
	if err := take(keySubscriptionType, &s.SubscriptionType); err != nil {
		return err
	}
	if err := take(keyRateLimitTier, &s.RateLimitTier); err != nil {
		return err
	}
	if err := take(keyAccountStamp, &s.AccountStamp); err != nil {
		return err
	}
	if expiresMs > 0 {
		s.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	}
	s.extra = raw
	return nil
}

// MarshalJSON writes the known fields over the preserved host keys.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.extra)+7)
	for k, v := range s.extra {
		out[k] = v
	}

	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("credential field %s: %w", key, err)
		}
		out[key] = data
		return nil
	}

	if err := put(keyAccessToken, s.AccessToken); err != nil {
		return nil, err
	}
	if s.RefreshToken == "" {
		out[keyRefreshToken] = json.RawMessage("null")
	} else if err := put(keyRefreshToken, s.RefreshToken); err != nil {
		return nil, err
	}
	var expiresMs int64
	if !s.ExpiresAt.IsZero() {
		expiresMs = s.ExpiresAt.UnixMilli()
	}
	if err := put(keyExpiresAt, expiresMs); err != nil {
		return nil, err
	}
	scopes := s.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	if err := put(keyScopes, scopes); err != nil {
		return nil, err
	}
	if err := put(keySubscriptionType, s.SubscriptionType); err != nil {
		return nil, err
	}
	if err := put(keyRateLimitTier, s.RateLimitTier); err != nil {
		return nil, err
	}
	if s.AccountStamp != 0 {
		if err := put(keyAccountStamp, s.AccountStamp); err != nil {
			return nil, err
		}
	} else {
		delete(out, keyAccountStamp)
	}
	return json.Marshal(out)
}
