package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calplan/internal/model"
)

// Credentials is the decoded form of model.Calendar.Credentials for OAuth
// providers.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// DecodeCredentials parses stored credential material. Empty input decodes to
// zero credentials.
func DecodeCredentials(raw string) (Credentials, error) {
	var c Credentials
	if raw == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: malformed credentials: %v", ErrAuth, err)
	}
	return c, nil
}

func (c Credentials) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TokenRefresher returns usable credentials, refreshing them when needed.
// Rejected refresh tokens are reported as ErrAuth.
type TokenRefresher interface {
	Refresh(ctx context.Context, p model.Provider, c Credentials) (Credentials, error)
}

// AccessToken resolves the bearer token for req. When the refresher rotates
// the credentials, the rotation is handed to req.Rotate before returning so
// that it survives any later failure in the same sync.
func AccessToken(ctx context.Context, refresher TokenRefresher, req Request) (string, error) {
	cal := req.Calendar
	creds, err := DecodeCredentials(cal.Credentials)
	if err != nil {
		return "", err
	}
	if creds.AccessToken == "" {
		return "", fmt.Errorf("%w: calendar %s has no access token", ErrAuth, cal.ID)
	}
	if refresher == nil {
		return creds.AccessToken, nil
	}

	fresh, err := refresher.Refresh(ctx, cal.Provider, creds)
	if err != nil {
		return "", fmt.Errorf("refresh credentials for calendar %s: %w", cal.ID, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	if fresh.AccessToken != creds.AccessToken || fresh.RefreshToken != creds.RefreshToken {
		if req.Rotate != nil {
			enc, err := fresh.Encode()
			if err != nil {
				return "", err
			}
			if err := req.Rotate(ctx, enc); err != nil {
				return "", fmt.Errorf("persist rotated credentials for calendar %s: %w", cal.ID, err)
			}
		}
	}
	return fresh.AccessToken, nil
}
