package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/nkatsov/acctkeeper/internal/discovery"
	"github.com/nkatsov/acctkeeper/internal/store"
	"github.com/nkatsov/acctkeeper/internal/util"
)

// DiscoveryScanHandler walks the known credential locations and returns
// importable candidates with masked tokens.
func DiscoveryScanHandler(scanner *discovery.Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := scanner.ScanAll()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// DiscoveryImportHandler re-reads a previously scanned credential file and
// registers it as an account. The email cannot be derived from the file, so
// the caller supplies it.
func DiscoveryImportHandler(scanner *discovery.Scanner, accounts *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path        string `json:"path"`
			Email       string `json:"email"`
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Path == "" || req.Email == "" {
			http.Error(w, "path and email are required", http.StatusBadRequest)
			return
		}

		snap, err := scanner.Read(req.Path)
		if err != nil {
			http.Error(w, "Failed to read credential file: "+err.Error(), http.StatusBadRequest)
			return
		}
		if snap == nil || snap.AccessToken == "" {
			http.Error(w, "No credentials found at "+req.Path, http.StatusNotFound)
			return
		}

		acc, err := accounts.Create(store.CreateParams{
			Email:            req.Email,
			DisplayName:      req.DisplayName,
			AccessToken:      snap.AccessToken,
			RefreshToken:     snap.RefreshToken,
			ExpiresAt:        snap.ExpiresAt,
			Scopes:           snap.Scopes,
			SubscriptionType: snap.SubscriptionType,
		})
		if err != nil {
			http.Error(w, "Failed to import account: "+err.Error(), http.StatusBadRequest)
			return
		}

		log.Printf("✅ Imported account %d (%s) from %s", acc.ID, acc.Email, req.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           acc.ID,
			"email":        acc.Email,
			"access_token": util.MaskToken(acc.AccessToken),
		})
	}
}
