package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/model"
)

// compile-time check that *HTTPNetwork implements Network
var _ Network = (*HTTPNetwork)(nil)

// HTTPNetwork is the production Network implementation: a plain JSON POST
// for app registration and an x/oauth2 exchange for the token endpoint.
type HTTPNetwork struct {
	client *http.Client
}

// NewHTTPNetwork returns an HTTPNetwork. A nil client gets a default with a
// 30 second timeout.
func NewHTTPNetwork(client *http.Client) *HTTPNetwork {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPNetwork{client: client}
}

// RegisterApp POSTs the application descriptor to /api/v1/apps and returns
// the issued client credentials.
func (n *HTTPNetwork) RegisterApp(ctx context.Context, serverURL string, reg AppRegistration) (model.AppAuthorization, error) {
	form := url.Values{
		"client_name":   {reg.Name},
		"redirect_uris": {reg.RedirectURI},
		"scopes":        {strings.Join(reg.Scopes, " ")},
	}
	if reg.Website != "" {
		form.Set("website", reg.Website)
	}

	endpoint := fmt.Sprintf("%s/api/v1/apps", serverURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return model.AppAuthorization{}, apperror.Transport("building app registration request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return model.AppAuthorization{}, apperror.Transport("registering app", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.AppAuthorization{}, apperror.Transport("registering app",
			fmt.Errorf("server returned status %d", resp.StatusCode))
	}

	var app model.AppAuthorization
	if err := json.NewDecoder(resp.Body).Decode(&app); err != nil {
		return model.AppAuthorization{}, apperror.Transport("decoding app registration response", err)
	}
	if app.ClientID == "" || app.ClientSecret == "" {
		return model.AppAuthorization{}, apperror.ProtocolViolation(
			"app registration response is missing client credentials")
	}
	return app, nil
}

// ExchangeToken trades the authorization code for an access token against
// the server's /oauth/token endpoint.
func (n *HTTPNetwork) ExchangeToken(ctx context.Context, serverURL string, app model.AppAuthorization, code, redirectURI string, scopes []string) (model.AccessToken, error) {
	config := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint:     OAuthEndpoint(serverURL),
	}

	// Route the exchange through our HTTP client so its timeout applies.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, n.client)

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return model.AccessToken{}, apperror.Transport("exchanging authorization code", err)
	}
	if token.AccessToken == "" {
		return model.AccessToken{}, apperror.ProtocolViolation("token response has no access token")
	}
	return model.AccessToken{Token: token.AccessToken}, nil
}
