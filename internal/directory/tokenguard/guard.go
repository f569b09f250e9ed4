// Package tokenguard keeps a directory client's bearer token valid.
//
// Every directory call goes through EnsureValid first: it authenticates
// when no token is held and refreshes when the token is inside the
// expiry window. Concurrent callers share one in-flight refresh; the
// single-flight state is owned by the guard instance, never
// process-wide.
package tokenguard

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"keysync.io/keysync/internal/directory"
	apperrors "keysync.io/keysync/internal/pkg/errors"
)

// refreshWindow is how much remaining validity triggers a refresh.
const refreshWindow = 30 * time.Second

// CredentialSource holds the configured credential fields. Exactly one
// mode must be fully populated by the time Authenticate runs; config
// validation rejects half-populated modes at load.
type CredentialSource struct {
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// Resolve picks the credential mode. Password grant wins when both
// modes are present, matching the directory admin CLI convention.
func (s CredentialSource) Resolve() (directory.Credentials, error) {
	switch {
	case s.Username != "" && s.Password != "":
		clientID := s.ClientID
		if clientID == "" {
			clientID = "admin-cli"
		}
		return directory.Credentials{
			GrantType: directory.GrantPassword,
			ClientID:  clientID,
			Username:  s.Username,
			Password:  s.Password,
		}, nil
	case s.ClientID != "" && s.ClientSecret != "":
		return directory.Credentials{
			GrantType:    directory.GrantClientCredentials,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
		}, nil
	default:
		return directory.Credentials{}, apperrors.Unauthorized(apperrors.CodeAuthFailed,
			"username and password or client_id and client_secret must be provided")
	}
}

// Guard wraps one directory client with token lifecycle management.
type Guard struct {
	client directory.Client
	source CredentialSource
	log    *zap.Logger

	sf  singleflight.Group
	now func() time.Time
}

// New creates a guard for the given client and credential source.
func New(client directory.Client, source CredentialSource, log *zap.Logger) *Guard {
	return &Guard{
		client: client,
		source: source,
		log:    log,
		now:    time.Now,
	}
}

// EnsureValid guarantees the client holds a token with more than 30s of
// validity before returning. Callers racing on an expiring token await
// the same refresh.
func (g *Guard) EnsureValid(ctx context.Context) error {
	token := g.client.AccessToken()
	if token == "" {
		return g.refresh(ctx)
	}

	exp, ok := tokenExpiry(token)
	if !ok {
		// Opaque or claimless token: nothing to schedule against.
		return nil
	}
	if g.now().After(exp.Add(-refreshWindow)) {
		return g.refresh(ctx)
	}
	return nil
}

// Authenticate performs a blocking credential exchange regardless of
// current token state.
func (g *Guard) Authenticate(ctx context.Context) error {
	creds, err := g.source.Resolve()
	if err != nil {
		g.log.Error("failed to authenticate", zap.Error(err))
		return err
	}
	if err := g.client.Authenticate(ctx, creds); err != nil {
		g.log.Error("failed to authenticate", zap.Error(err))
		return apperrors.Wrap(err, apperrors.CodeAuthFailed,
			"directory rejected credentials", http.StatusUnauthorized)
	}
	return nil
}

func (g *Guard) refresh(ctx context.Context) error {
	_, err, _ := g.sf.Do("refresh", func() (interface{}, error) {
		return nil, g.Authenticate(ctx)
	})
	return err
}

// tokenExpiry decodes the exp claim without verifying the signature;
// the directory issued the token, we only schedule its refresh.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
