package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/lifecycle"
	"github.com/nkatsov/acctkeeper/internal/session"
	"github.com/nkatsov/acctkeeper/internal/store"
	"github.com/nkatsov/acctkeeper/internal/util"
	"github.com/nkatsov/acctkeeper/internal/version"
)

// HealthzHandler reports liveness. A reachable process with an unreachable
// database is degraded, not dead: hooks can still no-op cleanly.
func HealthzHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if sqlDB, err := database.DB(); err != nil {
			status = "degraded"
		} else if err := sqlDB.PingContext(r.Context()); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"version": version.Version,
		})
	}
}

// AccountsHandler returns the account list, tokens masked.
func AccountsHandler(accounts *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeInactive := r.URL.Query().Get("all") == "true"
		list, err := accounts.List(includeInactive, false)
		if err != nil {
			http.Error(w, "Failed to list accounts: "+err.Error(), http.StatusInternalServerError)
			return
		}

		type AccountView struct {
			ID                  uint      `json:"id"`
			Email               string    `json:"email"`
			DisplayName         string    `json:"display_name"`
			AccessToken         string    `json:"access_token"`
			HasRefreshToken     bool      `json:"has_refresh_token"`
			ExpiresAt           time.Time `json:"expires_at"`
			SubscriptionType    string    `json:"subscription_type"`
			RateLimitTier       string    `json:"rate_limit_tier"`
			Priority            int       `json:"priority"`
			IsActive            bool      `json:"is_active"`
			ValidationStatus    string    `json:"validation_status"`
			ConsecutiveFailures int       `json:"consecutive_failures"`
			LastError           string    `json:"last_error,omitempty"`
		}

		views := make([]AccountView, 0, len(list))
		for _, acc := range list {
			views = append(views, AccountView{
				ID:                  acc.ID,
				Email:               acc.Email,
				DisplayName:         acc.DisplayName,
				AccessToken:         util.MaskToken(acc.AccessToken),
				HasRefreshToken:     acc.RefreshToken != "",
				ExpiresAt:           acc.ExpiresAt,
				SubscriptionType:    acc.SubscriptionType,
				RateLimitTier:       acc.RateLimitTier,
				Priority:            acc.Priority,
				IsActive:            acc.IsActive,
				ValidationStatus:    acc.ValidationStatus,
				ConsecutiveFailures: acc.ConsecutiveFailures,
				LastError:           acc.LastError,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accounts": views,
			"count":    len(views),
		})
	}
}

// CreateAccountHandler registers (or reactivates) an account.
func CreateAccountHandler(accounts *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email            string    `json:"email"`
			DisplayName      string    `json:"display_name"`
			AccessToken      string    `json:"access_token"`
			RefreshToken     string    `json:"refresh_token"`
			ExpiresAt        time.Time `json:"expires_at"`
			Scopes           []string  `json:"scopes"`
			SubscriptionType string    `json:"subscription_type"`
			RateLimitTier    string    `json:"rate_limit_tier"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		acc, err := accounts.Create(store.CreateParams{
			Email:            req.Email,
			DisplayName:      req.DisplayName,
			AccessToken:      req.AccessToken,
			RefreshToken:     req.RefreshToken,
			ExpiresAt:        req.ExpiresAt,
			Scopes:           req.Scopes,
			SubscriptionType: req.SubscriptionType,
			RateLimitTier:    req.RateLimitTier,
		})
		if err != nil {
			http.Error(w, "Failed to create account: "+err.Error(), http.StatusBadRequest)
			return
		}

		log.Printf("✅ Account registered: %s (ID %d)", acc.Email, acc.ID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       acc.ID,
			"email":    acc.Email,
			"priority": acc.Priority,
		})
	}
}

// UpdateAccountHandler patches account metadata. The store enforces the
// column allow-list; arbitrary JSON keys are rejected there.
func UpdateAccountHandler(accounts *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := accounts.Update(id, fields); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Account not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Failed to update account: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeOK(w, "Account updated")
	}
}

// DeleteAccountHandler soft-deletes an account. The default account (priority
// 0) cannot be removed while other accounts remain: everything that resolves
// "no explicit choice" falls back to it.
func DeleteAccountHandler(accounts *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		acc, err := accounts.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Failed to load account: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if acc.Priority == 0 {
			active, err := accounts.List(false, false)
			if err != nil {
				http.Error(w, "Failed to list accounts: "+err.Error(), http.StatusInternalServerError)
				return
			}
			for _, other := range active {
				if other.ID != acc.ID {
					http.Error(w, "Cannot delete the default account while other active accounts exist; reorder first", http.StatusConflict)
					return
				}
			}
		}
		if err := accounts.SoftDelete(id); err != nil {
			http.Error(w, "Failed to delete account: "+err.Error(), http.StatusInternalServerError)
			return
		}
		log.Printf("🗑️ Account %d (%s) deleted", acc.ID, acc.Email)
		writeOK(w, "Account deleted")
	}
}

// ReorderAccountsHandler replaces the priority ordering wholesale.
func ReorderAccountsHandler(accounts *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []uint `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := accounts.Reorder(req.IDs); err != nil {
			http.Error(w, "Failed to reorder accounts: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeOK(w, "Accounts reordered")
	}
}

// RefreshAccountHandler forces a token refresh for one account, waiting for
// any in-flight refresh of the same account instead of doubling the exchange.
func RefreshAccountHandler(mgr *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if err := mgr.Refresh(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Account not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Refresh failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		writeOK(w, "Token refreshed")
	}
}

// RefreshAllHandler triggers a refresh sweep over every expiring account.
func RefreshAllHandler(mgr *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := mgr.RefreshAllExpiring(r.Context())
		if err != nil {
			http.Error(w, "Refresh sweep failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"refreshed": counts.Refreshed,
			"skipped":   counts.Skipped,
			"failed":    counts.Failed,
		})
	}
}

// ResyncAccountHandler re-reads the shared credential file and assigns its
// tokens to the account, unless the file is stamped for a different one.
func ResyncAccountHandler(mgr *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if err := mgr.ForceResync(r.Context(), id); err != nil {
			http.Error(w, "Resync failed: "+err.Error(), http.StatusConflict)
			return
		}
		writeOK(w, "Credentials resynced")
	}
}

// SessionsHandler lists currently-active session spans.
func SessionsHandler(tracker *session.Tracker, stalenessMinutes int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		staleness := stalenessMinutes
		if v := r.URL.Query().Get("staleness"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				staleness = n
			}
		}
		sessions, err := tracker.ActiveSessions(staleness)
		if err != nil {
			http.Error(w, "Failed to list sessions: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sessions": sessionViews(sessions),
			"count":    len(sessions),
		})
	}
}

// SessionLookupHandler finds sessions by session-ID suffix.
func SessionLookupHandler(tracker *session.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := r.URL.Query().Get("suffix")
		sessions, err := tracker.LookupBySuffix(suffix)
		if err != nil {
			http.Error(w, "Lookup failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sessions": sessionViews(sessions),
			"count":    len(sessions),
		})
	}
}

// ReassignSessionsHandler moves recent session spans between accounts, used
// after an identity misattribution is discovered.
func ReassignSessionsHandler(tracker *session.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FromAccountID uint      `json:"from_account_id"`
			ToAccountID   uint      `json:"to_account_id"`
			Since         time.Time `json:"since"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		moved, err := tracker.Reassign(req.FromAccountID, req.ToAccountID, req.Since)
		if err != nil {
			http.Error(w, "Reassign failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"moved": moved})
	}
}

func sessionViews(sessions []models.SessionRecord) []map[string]interface{} {
	views := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		v := map[string]interface{}{
			"session_id":       s.SessionID,
			"detected_at":      s.DetectedAt,
			"last_activity_at": s.LastActivityAt,
			"method":           s.Method,
			"repo_path":        s.RepoPath,
			"is_subagent":      s.IsSubagent,
		}
		if s.AccountID != nil {
			v["account_id"] = *s.AccountID
		}
		if s.Email != nil {
			v["email"] = *s.Email
		}
		if s.EndedAt != nil {
			v["ended_at"] = *s.EndedAt
		}
		views = append(views, v)
	}
	return views
}

func accountID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, "Invalid account id: "+raw, http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

func writeOK(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"message": message,
	})
}
