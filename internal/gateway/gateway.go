// Package gateway defines the external capabilities the authentication flow
// consumes: the network gateway that talks to remote servers and the
// user-consent gateway that presents the authorization step.
//
// Both are interfaces so the flow can be driven end-to-end in tests with
// fakes, and so platforms can plug in their own consent presentation
// (in-app browser, system browser, terminal prompt).
package gateway

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/sakif/identity-vault/internal/model"
)

// AppRegistration is the application descriptor sent to a remote server's
// app registration endpoint.
type AppRegistration struct {
	Name        string
	Website     string
	RedirectURI string
	Scopes      []string
}

// Network executes typed requests against a remote server. One round trip
// per call; timeout policy belongs to the underlying HTTP client, not to
// callers.
type Network interface {
	// RegisterApp registers an application and returns its client
	// credentials.
	RegisterApp(ctx context.Context, serverURL string, reg AppRegistration) (model.AppAuthorization, error)

	// ExchangeToken trades an authorization code for an access token.
	ExchangeToken(ctx context.Context, serverURL string, app model.AppAuthorization, code, redirectURI string, scopes []string) (model.AccessToken, error)
}

// Consent presents an authorization URL to the user and returns the
// resulting redirect URL. redirectURI is the per-attempt redirect target the
// authorization server will send the user back to; implementations that
// intercept the redirect themselves match on it.
//
// A user decline is reported as an error wrapping apperror.ErrCancelled —
// callers treat it as an outcome, not a failure. Implementations must honor
// ctx cancellation and tear down any presentation resources when it fires: a
// human may take arbitrarily long, so this is the flow's only unbounded
// suspension point.
type Consent interface {
	Present(ctx context.Context, authorizationURL, redirectURI string) (string, error)
}

// OAuthEndpoint returns the remote server's OAuth2 endpoints. Only the two
// fixed paths used by the authorization-code flow are assumed.
func OAuthEndpoint(serverURL string) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  fmt.Sprintf("%s/oauth/authorize", serverURL),
		TokenURL: fmt.Sprintf("%s/oauth/token", serverURL),
	}
}
