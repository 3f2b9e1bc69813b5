package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"streamfetch/internal"
)

const (
	tidalAuthBase = "https://auth.tidal.com/v1/oauth2"
	tidalScope    = "r_usr+w_usr+w_sub"

	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	refreshGrantType = "refresh_token"
)

// DeviceAuthorization is the pending state of a device login. The user
// visits VerificationURI and approves; PollDeviceFlow waits for that.
type DeviceAuthorization struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUriComplete"`
	ExpiresIn       int    `json:"expiresIn"`
	Interval        int    `json:"interval"`
}

type tidalTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		UserID      json.Number `json:"userId"`
		CountryCode string      `json:"countryCode"`
	} `json:"user"`
	Status    int    `json:"status"`
	SubStatus int    `json:"sub_status"`
	ErrorCode string `json:"error"`
}

// TidalAuthenticator speaks the OAuth2 device flow and token refresh
// endpoints. It deliberately uses a bare HTTP client: token traffic must
// never queue behind the request gate, or an expired session could deadlock
// against the very requests waiting on it.
type TidalAuthenticator struct {
	clientID     string
	clientSecret string
	client       *http.Client
	logger       zerolog.Logger
}

// NewTidalAuthenticator builds the auth endpoint client.
func NewTidalAuthenticator(clientID, clientSecret string, client *http.Client, logger zerolog.Logger) *TidalAuthenticator {
	return &TidalAuthenticator{
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		logger:       logger.With().Str("backend", "tidal").Logger(),
	}
}

// StartDeviceFlow registers a new device login and returns the code the
// user must approve in a browser.
func (a *TidalAuthenticator) StartDeviceFlow(ctx context.Context) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {a.clientID},
		"scope":     {tidalScope},
	}
	body, status, err := a.postForm(ctx, tidalAuthBase+"/device_authorization", form, false)
	if err != nil {
		return nil, internal.NewTransientError("device authorization", err)
	}
	if status != http.StatusOK {
		return nil, internal.NewAuthFatalError(fmt.Sprintf("device authorization rejected (status %d)", status))
	}

	var dev DeviceAuthorization
	if err := json.Unmarshal(body, &dev); err != nil {
		return nil, internal.NewDecodeError("device authorization", err)
	}
	if dev.Interval < 1 {
		dev.Interval = 2
	}
	return &dev, nil
}

// PollDeviceFlow blocks until the user approves the device code, the code
// expires, or the context ends.
func (a *TidalAuthenticator) PollDeviceFlow(ctx context.Context, dev *DeviceAuthorization) (internal.AuthTokens, error) {
	form := url.Values{
		"client_id":   {a.clientID},
		"device_code": {dev.DeviceCode},
		"grant_type":  {deviceGrantType},
		"scope":       {tidalScope},
	}

	deadline := time.Now().Add(time.Duration(dev.ExpiresIn) * time.Second)
	ticker := time.NewTicker(time.Duration(dev.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return internal.AuthTokens{}, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return internal.AuthTokens{}, internal.NewAuthFatalError("device code expired before approval")
		}

		body, status, err := a.postForm(ctx, tidalAuthBase+"/token", form, true)
		if err != nil {
			if ctx.Err() != nil {
				return internal.AuthTokens{}, ctx.Err()
			}
			a.logger.Debug().Err(err).Msg("device poll failed, retrying")
			continue
		}

		var resp tidalTokenResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return internal.AuthTokens{}, internal.NewDecodeError("device token", err)
		}

		switch {
		case status == http.StatusOK:
			return tokensFromResponse(resp, internal.AuthTokens{}), nil
		case status == http.StatusBadRequest && resp.SubStatus == 1002:
			// Authorization still pending, keep polling.
		default:
			return internal.AuthTokens{}, internal.NewAuthFatalError(
				fmt.Sprintf("device login rejected (status %d, sub_status %d)", status, resp.SubStatus))
		}
	}
}

// Refresh exchanges the refresh token for a fresh access token. It satisfies
// the Refresher contract: no gate permits, no executor, direct call only.
func (a *TidalAuthenticator) Refresh(ctx context.Context, current internal.AuthTokens) (internal.AuthTokens, error) {
	if current.RefreshToken == "" {
		return internal.AuthTokens{}, internal.NewAuthFatalError("no refresh token on file")
	}

	form := url.Values{
		"client_id":     {a.clientID},
		"refresh_token": {current.RefreshToken},
		"grant_type":    {refreshGrantType},
		"scope":         {tidalScope},
	}
	body, status, err := a.postForm(ctx, tidalAuthBase+"/token", form, true)
	if err != nil {
		return internal.AuthTokens{}, internal.NewTransientError("token refresh", err)
	}

	switch {
	case status >= 200 && status < 300:
	case status >= 500:
		return internal.AuthTokens{}, internal.NewBackendError(internal.ErrTransient, "auth server error").
			WithBackend("tidal").WithOp("token refresh").WithStatus(status)
	default:
		return internal.AuthTokens{}, internal.NewAuthFatalError(
			fmt.Sprintf("refresh token rejected (status %d)", status))
	}

	var resp tidalTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return internal.AuthTokens{}, internal.NewDecodeError("token refresh", err)
	}
	if resp.AccessToken == "" {
		return internal.AuthTokens{}, internal.NewAuthFatalError("refresh response carried no access token")
	}
	return tokensFromResponse(resp, current), nil
}

// Session validates an access token against the sessions endpoint and
// returns the account it belongs to. Used when tokens arrive from config
// without user metadata.
func (a *TidalAuthenticator) Session(ctx context.Context, accessToken string) (userID, countryCode string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tidalAPIBase+"/sessions", nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", internal.NewTransientError("session check", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", internal.NewTransientError("session check", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", "", internal.NewAuthExpiredError("session token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", internal.NewBackendError(internal.ErrTransient, "session check failed").
			WithBackend("tidal").WithStatus(resp.StatusCode)
	}

	var session struct {
		UserID      json.Number `json:"userId"`
		CountryCode string      `json:"countryCode"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return "", "", internal.NewDecodeError("session check", err)
	}
	return session.UserID.String(), session.CountryCode, nil
}

// postForm sends one form-encoded POST. Device authorization is the only
// call without client credentials; everything else is basic-authenticated.
func (a *TidalAuthenticator) postForm(ctx context.Context, endpoint string, form url.Values, basicAuth bool) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		req.SetBasicAuth(a.clientID, a.clientSecret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// tokensFromResponse merges a token response over the previous credentials.
// The refresh grant often omits the refresh token and user block; those
// carry over unchanged.
func tokensFromResponse(resp tidalTokenResponse, previous internal.AuthTokens) internal.AuthTokens {
	tokens := internal.AuthTokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		UserID:       resp.User.UserID.String(),
		CountryCode:  resp.User.CountryCode,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = previous.RefreshToken
	}
	if tokens.UserID == "" || tokens.UserID == "0" {
		tokens.UserID = previous.UserID
	}
	if tokens.CountryCode == "" {
		tokens.CountryCode = previous.CountryCode
	}
	return tokens
}
