package source

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"streamfetch/internal"
)

// Refresher performs the backend-specific token refresh call. Invariant: the
// refresh request uses its own HTTP path and never takes a RateGate permit.
// A refresh queued behind the permit pool can wait on callers that are
// themselves blocked waiting for this refresh to finish.
type Refresher interface {
	Refresh(ctx context.Context, current internal.AuthTokens) (internal.AuthTokens, error)
}

// AuthManager owns one backend's credential set. Refresh is single-flight:
// when several callers see an expiring token at once, exactly one refresh
// call is made and every caller observes the renewed token.
type AuthManager struct {
	mu     sync.Mutex
	tokens internal.AuthTokens
	gen    uint64
	fatal  error

	refresher Refresher
	store     internal.TokenStore
	margin    time.Duration
	logger    zerolog.Logger
}

// NewAuthManager creates a manager seeded with the persisted token set. A
// margin of zero defaults to ten minutes: tokens are renewed once they are
// valid for less than that.
func NewAuthManager(tokens internal.AuthTokens, refresher Refresher, store internal.TokenStore, margin time.Duration, logger zerolog.Logger) *AuthManager {
	if margin <= 0 {
		margin = 10 * time.Minute
	}
	return &AuthManager{
		tokens:    tokens,
		refresher: refresher,
		store:     store,
		margin:    margin,
		logger:    logger,
	}
}

// Token returns an access token valid for at least the safety margin, plus
// the generation it belongs to. An expiring token triggers one refresh;
// concurrent callers block on the same refresh and all see its result.
func (a *AuthManager) Token(ctx context.Context) (string, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fatal != nil {
		return "", 0, a.fatal
	}
	if a.tokens.Valid(a.margin) {
		return a.tokens.AccessToken, a.gen, nil
	}
	if err := a.refreshLocked(ctx); err != nil {
		return "", 0, err
	}
	return a.tokens.AccessToken, a.gen, nil
}

// ForceRefresh renews credentials for a caller whose request was rejected
// with the token of generation observedGen. When another caller already
// rotated past that generation the rejection is stale and nothing happens.
func (a *AuthManager) ForceRefresh(ctx context.Context, observedGen uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fatal != nil {
		return a.fatal
	}
	if a.gen != observedGen {
		return nil
	}
	return a.refreshLocked(ctx)
}

// Refresh renews credentials unconditionally.
func (a *AuthManager) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fatal != nil {
		return a.fatal
	}
	return a.refreshLocked(ctx)
}

// refreshLocked performs one refresh call. Callers hold a.mu, which is what
// makes the refresh single-flight. On failure the previous token set is kept
// so a later attempt can try again.
func (a *AuthManager) refreshLocked(ctx context.Context) error {
	if a.tokens.RefreshToken == "" {
		a.fatal = internal.NewAuthFatalError("no refresh token available")
		return a.fatal
	}

	a.logger.Info().Msg("refreshing access token")
	renewed, err := a.refresher.Refresh(ctx, a.tokens)
	if err != nil {
		if internal.IsKind(err, internal.ErrAuthFatal) {
			a.fatal = err
			a.logger.Error().Err(err).Msg("refresh token rejected")
		} else {
			a.logger.Warn().Err(err).Msg("token refresh failed, keeping previous credentials")
		}
		return err
	}

	a.tokens = renewed
	a.gen++
	a.logger.Info().
		Str("token", internal.RedactToken(renewed.AccessToken)).
		Time("expiry", renewed.Expiry).
		Msg("access token renewed")

	if a.store != nil {
		if err := a.store.SaveTokens(renewed); err != nil {
			a.logger.Warn().Err(err).Msg("could not persist refreshed tokens")
		}
	}
	return nil
}

// Tokens returns a copy of the current credential set.
func (a *AuthManager) Tokens() internal.AuthTokens {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}

// Generation returns the current token generation.
func (a *AuthManager) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// SetTokens replaces the credential set after an external login and clears
// any fatal state.
func (a *AuthManager) SetTokens(t internal.AuthTokens) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tokens = t
	a.gen++
	a.fatal = nil
}
