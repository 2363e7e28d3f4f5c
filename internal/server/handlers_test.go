package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/lifecycle"
	"github.com/nkatsov/acctkeeper/internal/session"
	"github.com/nkatsov/acctkeeper/internal/store"
)

func newHandlerTestDB(t *testing.T) (*gorm.DB, *store.Store, clockwork.FakeClock) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.KnownRefreshToken{}, &models.SessionRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return database, store.New(database, fc), fc
}

func seedAccount(t *testing.T, accounts *store.Store, email string) *models.Account {
	t.Helper()
	acc, err := accounts.Create(store.CreateParams{
		Email:        email,
		AccessToken:  "at-" + email,
		RefreshToken: "rt-" + email,
	})
	if err != nil {
		t.Fatalf("failed to seed %s: %v", email, err)
	}
	return acc
}

func TestHealthzDegraded(t *testing.T) {
	database, _, _ := newHandlerTestDB(t)

	rec := httptest.NewRecorder()
	HealthzHandler(database).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("expected ok status, got %s", rec.Body.String())
	}

	sqlDB, _ := database.DB()
	sqlDB.Close()
	rec = httptest.NewRecorder()
	HealthzHandler(database).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("closed db should read degraded, got %s", rec.Body.String())
	}
}

func TestAccountsHandlerMasksTokens(t *testing.T) {
	_, accounts, _ := newHandlerTestDB(t)
	seedAccount(t, accounts, "someone@example.com")

	rec := httptest.NewRecorder()
	AccountsHandler(accounts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "at-someone@example.com") {
		t.Fatal("raw access token leaked into the listing")
	}
	if strings.Contains(rec.Body.String(), "rt-someone") {
		t.Fatal("refresh token leaked into the listing")
	}

	var out struct {
		Count    int `json:"count"`
		Accounts []struct {
			Email           string `json:"email"`
			HasRefreshToken bool   `json:"has_refresh_token"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if out.Count != 1 || !out.Accounts[0].HasRefreshToken {
		t.Fatalf("unexpected listing: %+v", out)
	}
}

func TestCreateAccountHandler(t *testing.T) {
	_, accounts, _ := newHandlerTestDB(t)

	body := `{"email":"New@Example.com","access_token":"at-1","refresh_token":"rt-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	CreateAccountHandler(accounts).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	acc, err := accounts.GetByEmail("new@example.com", false)
	if err != nil {
		t.Fatalf("account not stored: %v", err)
	}
	if acc.Priority != 0 {
		t.Fatalf("first account should be the default, got priority %d", acc.Priority)
	}
}

func TestDeleteDefaultAccountRefused(t *testing.T) {
	_, accounts, _ := newHandlerTestDB(t)
	def := seedAccount(t, accounts, "default@example.com")
	other := seedAccount(t, accounts, "other@example.com")

	router := chi.NewRouter()
	router.Delete("/api/accounts/{id}", DeleteAccountHandler(accounts))

	req := httptest.NewRequest(http.MethodDelete, "/api/accounts/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("deleting the default with others present must 409, got %d", rec.Code)
	}
	if _, err := accounts.Get(def.ID); err != nil {
		t.Fatalf("default account must survive: %v", err)
	}

	// The non-default account deletes fine.
	req = httptest.NewRequest(http.MethodDelete, "/api/accounts/2", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if _, err := accounts.Get(other.ID); err == nil {
		t.Fatal("other account should be gone")
	}

	// Alone again, the default can be deleted.
	req = httptest.NewRequest(http.MethodDelete, "/api/accounts/1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the last account, got %d", rec.Code)
	}
}

func TestDeleteDefaultAccountWithOnlyInactiveOthers(t *testing.T) {
	_, accounts, _ := newHandlerTestDB(t)
	def := seedAccount(t, accounts, "default@example.com")
	other := seedAccount(t, accounts, "parked@example.com")

	// Only active accounts block the default's deletion.
	if err := accounts.Update(other.ID, map[string]any{"is_active": false}); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	router := chi.NewRouter()
	router.Delete("/api/accounts/{id}", DeleteAccountHandler(accounts))

	req := httptest.NewRequest(http.MethodDelete, "/api/accounts/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("inactive accounts must not block deleting the default, got %d body=%s", rec.Code, rec.Body.String())
	}
	if _, err := accounts.Get(def.ID); err == nil {
		t.Fatal("default account should be gone")
	}
}

func TestUpdateAccountHandlerRejectsBadColumns(t *testing.T) {
	_, accounts, _ := newHandlerTestDB(t)
	seedAccount(t, accounts, "a@example.com")

	router := chi.NewRouter()
	router.Patch("/api/accounts/{id}", UpdateAccountHandler(accounts))

	req := httptest.NewRequest(http.MethodPatch, "/api/accounts/1", strings.NewReader(`{"is_deleted":true}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("is_deleted must be rejected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPatch, "/api/accounts/1", strings.NewReader(`{"display_name":"Work"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
}

type stubExchanger struct {
	token *oauth2.Token
}

func (s *stubExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return s.token, nil
}

func TestRefreshAllHandler(t *testing.T) {
	_, accounts, fc := newHandlerTestDB(t)
	acc := seedAccount(t, accounts, "a@example.com")
	if err := accounts.Update(acc.ID, map[string]any{"expires_at": fc.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	gateway := credfile.NewGateway(t.TempDir(), "", fc)
	mgr := lifecycle.NewManager(accounts, gateway, &stubExchanger{token: &oauth2.Token{
		AccessToken: "at-fresh",
		Expiry:      fc.Now().Add(time.Hour),
	}}, nil, fc, lifecycle.Options{ExchangesPerSecond: 1000})

	rec := httptest.NewRecorder()
	RefreshAllHandler(mgr).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if out["refreshed"] != 1 {
		t.Fatalf("expected one refreshed account, got %+v", out)
	}
	got, _ := accounts.Get(acc.ID)
	if got.AccessToken != "at-fresh" {
		t.Fatalf("token not applied: %q", got.AccessToken)
	}
}

func TestSessionsHandler(t *testing.T) {
	database, accounts, fc := newHandlerTestDB(t)
	acc := seedAccount(t, accounts, "a@example.com")
	tracker := session.NewTracker(database, fc, accounts)
	if _, err := tracker.Record("sess-123456789", &acc.ID, &acc.Email, "stamp", session.RecordOptions{}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	rec := httptest.NewRecorder()
	SessionsHandler(tracker, 60).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if out.Count != 1 {
		t.Fatalf("expected one active session, got %d", out.Count)
	}

	// Suffix lookup through the HTTP surface.
	rec = httptest.NewRecorder()
	SessionLookupHandler(tracker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/lookup?suffix=123456789", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if out.Count != 1 {
		t.Fatalf("expected one match, got %d", out.Count)
	}
}
