package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nkatsov/acctkeeper/internal/credfile"
)

func newTestScanner(t *testing.T) (*Scanner, string) {
	t.Helper()
	dir := t.TempDir()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	accountBase := filepath.Join(dir, "accounts")
	g := credfile.NewGateway(accountBase, filepath.Join(dir, "settings.json"), fc)
	s := NewScanner(g, filepath.Join(dir, "credentials.json"), accountBase, []string{
		filepath.Join(dir, "extra", "*.json"),
	})
	return s, dir
}

func writeCredentials(t *testing.T, path, access, refresh string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	body := `{"accessToken":"` + access + `","refreshToken":"` + refresh + `","expiresAt":1772366400000}`
	if refresh == "" {
		body = `{"accessToken":"` + access + `","refreshToken":null,"expiresAt":1772366400000}`
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestScanAllFindsEveryLocation(t *testing.T) {
	s, dir := newTestScanner(t)

	writeCredentials(t, filepath.Join(dir, "credentials.json"), "shared-access-token-1234567890", "shared-refresh")
	writeCredentials(t, filepath.Join(dir, "accounts", "account-3", "credentials.json"), "acct-access-token-1234567890", "")
	writeCredentials(t, filepath.Join(dir, "extra", "backup.json"), "extra-access-token-1234567890", "extra-refresh")
	// Not in the account-<id> scheme, must be ignored.
	writeCredentials(t, filepath.Join(dir, "accounts", "scratch", "credentials.json"), "stray-access-token-1234567890", "")

	result := s.ScanAll()
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected scan errors: %+v", result.Errors)
	}
	if len(result.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %+v", len(result.Candidates), result.Candidates)
	}

	bySource := map[string]Candidate{}
	for _, c := range result.Candidates {
		bySource[c.Source] = c
	}
	shared, ok := bySource["shared"]
	if !ok {
		t.Fatal("shared credential file not found")
	}
	if shared.AccessToken == "shared-access-token-1234567890" {
		t.Fatal("access token must be masked in scan output")
	}
	if !shared.HasRefresh {
		t.Fatal("shared candidate should report a refresh token")
	}
	acct, ok := bySource["account-dir"]
	if !ok {
		t.Fatal("account-dir credential file not found")
	}
	if acct.HasRefresh {
		t.Fatal("null refresh token must report has_refresh_token=false")
	}
	if _, ok := bySource["extra"]; !ok {
		t.Fatal("extra glob credential file not found")
	}
}

func TestScanAllReportsCorruptFiles(t *testing.T) {
	s, dir := newTestScanner(t)

	if err := os.WriteFile(filepath.Join(dir, "credentials.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	result := s.ScanAll()
	if len(result.Candidates) != 0 {
		t.Fatalf("corrupt file must not yield candidates, got %+v", result.Candidates)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 scan error, got %+v", result.Errors)
	}
}

func TestScanAllSkipsEmptyAndMissing(t *testing.T) {
	s, dir := newTestScanner(t)

	// Shared file absent, account base absent, one extra file without tokens.
	writeCredentials(t, filepath.Join(dir, "extra", "empty.json"), "", "")

	result := s.ScanAll()
	if len(result.Candidates) != 0 {
		t.Fatalf("expected no candidates, got %+v", result.Candidates)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %+v", result.Errors)
	}
}
