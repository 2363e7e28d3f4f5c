package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenExchanger trades a refresh token for a fresh token bundle. The remote
// authorization service itself is out of scope; only this contract is
// modeled, and tests substitute a fake.
type TokenExchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthExchanger is the production exchanger backed by the standard oauth2
// token endpoint flow. Every call gets an explicit timeout; a timeout is a
// transient failure, never a rejection.
type OAuthExchanger struct {
	Config  *oauth2.Config
	Timeout time.Duration
}

func (e *OAuthExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	src := e.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// failureKind classifies an exchange failure for bookkeeping.
type failureKind int

const (
	failureTransient failureKind = iota // timeout, 5xx: retry next cycle
	failureRateLimit                    // 429: recorded without counter growth
	failurePermanent                    // authorization denial: invalidate
)

var permanentMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// classifyExchangeError decides what a failed exchange means for the
// account. Structured oauth2 errors are preferred; the string markers cover
// providers that wrap the denial in prose.
func classifyExchangeError(err error) failureKind {
	if err == nil {
		return failureTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return failureTransient
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch code := retrieveErr.Response.StatusCode; {
		case code == 429:
			return failureRateLimit
		case code >= 500:
			return failureTransient
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return failurePermanent
		}
	}
	return failureTransient
}
