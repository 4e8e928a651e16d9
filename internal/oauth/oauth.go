// Package oauth refreshes provider access tokens with golang.org/x/oauth2.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	appLog "calplan/internal/log"
	"calplan/internal/model"
	"calplan/internal/provider"
)

// DefaultLeeway is how long before expiry a token is refreshed.
const DefaultLeeway = 2 * time.Minute

// Client holds the OAuth client registration for one provider family.
type Client struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides the provider's token endpoint.
	TokenURL string
	// Tenant selects the Azure AD tenant. Empty means "common".
	Tenant string
	Scopes []string
}

func (c Client) configured() bool { return c.ClientID != "" }

type Options struct {
	Google    Client
	Microsoft Client
	// HTTPClient carries token requests. Nil uses http.DefaultClient.
	HTTPClient *http.Client
	Leeway     time.Duration
	Now        func() time.Time
}

// Refresher implements provider.TokenRefresher.
type Refresher struct {
	configs map[model.Provider]*oauth2.Config
	client  *http.Client
	leeway  time.Duration
	now     func() time.Time
}

func New(opts Options) *Refresher {
	if opts.Leeway <= 0 {
		opts.Leeway = DefaultLeeway
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Refresher{
		configs: map[model.Provider]*oauth2.Config{},
		client:  opts.HTTPClient,
		leeway:  opts.Leeway,
		now:     opts.Now,
	}
	if opts.Google.configured() {
		r.configs[model.ProviderGoogle] = config(opts.Google, endpoints.Google)
	}
	if opts.Microsoft.configured() {
		tenant := opts.Microsoft.Tenant
		if tenant == "" {
			tenant = "common"
		}
		ms := config(opts.Microsoft, endpoints.AzureAD(tenant))
		r.configs[model.ProviderMicrosoft] = ms
		r.configs[model.ProviderExchange] = ms
	}
	return r
}

func config(c Client, ep oauth2.Endpoint) *oauth2.Config {
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     ep,
		Scopes:       c.Scopes,
	}
}

// Refresh returns c unchanged while it is valid, or when no client is
// registered for p or no refresh token is stored. A token endpoint that
// rejects the refresh token yields provider.ErrAuth.
func (r *Refresher) Refresh(ctx context.Context, p model.Provider, c provider.Credentials) (provider.Credentials, error) {
	cfg, ok := r.configs[p]
	if !ok || c.RefreshToken == "" {
		return c, nil
	}
	if !c.Expiry.IsZero() && r.now().Add(r.leeway).Before(c.Expiry) {
		return c, nil
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	// An empty access token forces the token source to hit the endpoint.
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return provider.Credentials{}, fmt.Errorf("%w: %s refresh rejected: %v", provider.ErrAuth, p, err)
		}
		return provider.Credentials{}, &provider.Error{Provider: p, Err: fmt.Errorf("refresh token: %w", err)}
	}

	out := provider.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = c.RefreshToken
	}
	appLog.Debug("oauth token refreshed", "provider", string(p), "expiry", out.Expiry)
	return out, nil
}
