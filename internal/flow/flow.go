// Package flow drives the OAuth2 authorization-code protocol that mints a
// new identity.
//
// The pipeline has five stages after allocation: register the application,
// obtain user consent, extract the authorization code, exchange it for an
// access token, and materialize the identity record. The first failure
// aborts the remaining stages; a user decline at the consent stage is the
// distinct ErrCancelled outcome, not a generic failure. No partial identity
// is ever visible in the store — the record is created only in the final
// stage.
//
// There are no automatic retries and no compensation: callers that want a
// retry re-invoke the whole flow, which is safe because every invocation
// allocates a fresh identity id and a redirect scheme qualified by that id,
// so concurrent attempts never interfere. Secrets written before a
// later-stage failure stay behind; see PurgeOrphanedSecrets.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/rs/xid"
	"golang.org/x/oauth2"

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/gateway"
	"github.com/sakif/identity-vault/internal/secret"
	"github.com/sakif/identity-vault/internal/store"
)

// oauthScopes is the fixed scope set requested for every identity.
var oauthScopes = []string{"read", "write", "follow", "push"}

// Config carries the application identity presented to remote servers.
type Config struct {
	// AppName is the client_name sent during app registration.
	AppName string
	// Website is the optional application website URL.
	Website string
	// RedirectScheme is the base custom URL scheme. Each authentication
	// attempt derives its own scheme by suffixing the allocated identity
	// id, so two concurrent attempts cannot collide on the redirect.
	RedirectScheme string
}

// Authenticator orchestrates the store, the secret backend, and the two
// gateways to mint new identities.
type Authenticator struct {
	config  Config
	store   *store.Store
	secrets secret.Store
	network gateway.Network
	consent gateway.Consent
	logger  *slog.Logger
}

// New wires an Authenticator. All dependencies are required.
func New(config Config, st *store.Store, secrets secret.Store, network gateway.Network, consent gateway.Consent, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		config:  config,
		store:   st,
		secrets: secrets,
		network: network,
		consent: consent,
		logger:  logger,
	}
}

// redirectURI builds the per-attempt redirect target. The scheme is
// qualified by the identity id, which also lets a callback dispatcher route
// a redirect back to the attempt that initiated it.
func (a *Authenticator) redirectURI(id string) string {
	return fmt.Sprintf("%s.%s:/oauth/callback", a.config.RedirectScheme, id)
}

// AddIdentity runs the full authorization-code flow against serverURL and
// returns the id of the newly created identity.
//
// Outcomes: the new id on success; an error wrapping apperror.ErrCancelled
// when the user declines consent; apperror.ErrProtocolViolation when the
// redirect carries no authorization code; transport or store errors
// otherwise.
func (a *Authenticator) AddIdentity(ctx context.Context, serverURL string) (string, error) {
	// Stage 1: allocate. A fresh id per invocation keeps concurrent flows
	// (and their secret backend entries) fully isolated.
	id := xid.New().String()
	redirectURI := a.redirectURI(id)

	// Stage 2: register the application. The credentials go into the
	// secret backend before anything else happens, so a failure further
	// down still leaves recoverable state.
	app, err := a.network.RegisterApp(ctx, serverURL, gateway.AppRegistration{
		Name:        a.config.AppName,
		Website:     a.config.Website,
		RedirectURI: redirectURI,
		Scopes:      oauthScopes,
	})
	if err != nil {
		return "", fmt.Errorf("flow: registering app with %s: %w", serverURL, err)
	}
	if err := a.secrets.Set(id, secret.KindClientID, []byte(app.ClientID)); err != nil {
		return "", fmt.Errorf("flow: storing client id: %w", err)
	}
	if err := a.secrets.Set(id, secret.KindClientSecret, []byte(app.ClientSecret)); err != nil {
		return "", fmt.Errorf("flow: storing client secret: %w", err)
	}

	// Stage 3: obtain consent. The authorization URL carries client_id,
	// scope, response_type=code, and redirect_uri.
	authCodeURL := (&oauth2.Config{
		ClientID:    app.ClientID,
		RedirectURL: redirectURI,
		Scopes:      oauthScopes,
		Endpoint:    gateway.OAuthEndpoint(serverURL),
	}).AuthCodeURL("")

	redirectURL, err := a.consent.Present(ctx, authCodeURL, redirectURI)
	if err != nil {
		if errors.Is(err, apperror.ErrCancelled) {
			a.logger.Info("authentication cancelled by user", slog.String("server", serverURL))
			return "", err
		}
		return "", fmt.Errorf("flow: presenting consent: %w", err)
	}

	// Stage 4: extract the authorization code from the redirect.
	code, err := authorizationCode(redirectURL)
	if err != nil {
		return "", err
	}

	// Stage 5: exchange the code for an access token and store it.
	token, err := a.network.ExchangeToken(ctx, serverURL, app, code, redirectURI, oauthScopes)
	if err != nil {
		return "", fmt.Errorf("flow: exchanging code with %s: %w", serverURL, err)
	}
	if err := a.secrets.Set(id, secret.KindAccessToken, []byte(token.Token)); err != nil {
		return "", fmt.Errorf("flow: storing access token: %w", err)
	}

	// Stage 6: materialize the identity. Observers see it only now.
	if err := a.store.CreateIdentity(ctx, id, serverURL, true); err != nil {
		return "", fmt.Errorf("flow: creating identity %s: %w", id, err)
	}

	a.logger.Info("identity created",
		slog.String("id", id), slog.String("server", serverURL))
	return id, nil
}

// AddUnauthenticatedIdentity creates a provisional browse-only identity for
// serverURL: no app registration, no consent, no secrets — just a record
// with authenticated = false.
func (a *Authenticator) AddUnauthenticatedIdentity(ctx context.Context, serverURL string) (string, error) {
	id := xid.New().String()
	if err := a.store.CreateIdentity(ctx, id, serverURL, false); err != nil {
		return "", fmt.Errorf("flow: creating unauthenticated identity %s: %w", id, err)
	}
	a.logger.Info("unauthenticated identity created",
		slog.String("id", id), slog.String("server", serverURL))
	return id, nil
}

// authorizationCode parses the redirect URL and extracts the code query
// parameter. A missing code is a protocol violation, distinct from any
// transport failure.
func authorizationCode(redirectURL string) (string, error) {
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("%w: malformed redirect url", apperror.ErrProtocolViolation)
	}
	code := parsed.Query().Get("code")
	if code == "" {
		return "", apperror.ProtocolViolation("redirect url has no authorization code")
	}
	return code, nil
}

// PurgeOrphanedSecrets deletes secret backend entries whose identity id was
// never materialized in the store — the residue of flows that failed after
// storing credentials. Intended to run once at startup; returns the ids it
// purged.
func (a *Authenticator) PurgeOrphanedSecrets(ctx context.Context) ([]string, error) {
	stored, err := a.store.IdentityIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("flow: listing store identities: %w", err)
	}
	known := make(map[string]bool, len(stored))
	for _, id := range stored {
		known[id] = true
	}

	withSecrets, err := a.secrets.IdentityIDs()
	if err != nil {
		return nil, fmt.Errorf("flow: listing secret identities: %w", err)
	}

	var purged []string
	for _, id := range withSecrets {
		if known[id] {
			continue
		}
		if err := a.secrets.DeleteIdentity(id); err != nil {
			return purged, fmt.Errorf("flow: purging secrets for %s: %w", id, err)
		}
		purged = append(purged, id)
	}
	if len(purged) > 0 {
		a.logger.Info("purged orphaned secrets", slog.Int("count", len(purged)))
	}
	return purged, nil
}
