package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/gateway"
	"github.com/sakif/identity-vault/internal/model"
	"github.com/sakif/identity-vault/internal/secret"
	"github.com/sakif/identity-vault/internal/store"
)

// fakeNetwork records calls and plays back canned responses.
type fakeNetwork struct {
	registerErr error
	exchangeErr error

	registrations []gateway.AppRegistration
	exchangedCode string
	exchangeCalls int
}

func (f *fakeNetwork) RegisterApp(_ context.Context, _ string, reg gateway.AppRegistration) (model.AppAuthorization, error) {
	f.registrations = append(f.registrations, reg)
	if f.registerErr != nil {
		return model.AppAuthorization{}, f.registerErr
	}
	return model.AppAuthorization{ClientID: "c1", ClientSecret: "s1"}, nil
}

func (f *fakeNetwork) ExchangeToken(_ context.Context, _ string, _ model.AppAuthorization, code, _ string, _ []string) (model.AccessToken, error) {
	f.exchangeCalls++
	f.exchangedCode = code
	if f.exchangeErr != nil {
		return model.AccessToken{}, f.exchangeErr
	}
	return model.AccessToken{Token: "tok1"}, nil
}

// fakeConsent answers Present with redirect(authorizationURL, redirectURI)
// or a fixed error.
type fakeConsent struct {
	err      error
	redirect func(authorizationURL, redirectURI string) string

	presentedURL string
}

func (f *fakeConsent) Present(_ context.Context, authorizationURL, redirectURI string) (string, error) {
	f.presentedURL = authorizationURL
	if f.err != nil {
		return "", f.err
	}
	return f.redirect(authorizationURL, redirectURI), nil
}

type testFixture struct {
	auth    *Authenticator
	store   *store.Store
	secrets secret.Store
	network *fakeNetwork
	consent *fakeConsent
}

func newTestFixture(t *testing.T, network *fakeNetwork, consent *fakeConsent) *testFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secrets := secret.NewMemory()

	st, err := store.Open(store.Ephemeral, secrets, logger)
	require.NoError(t, err, "failed to open test store")
	t.Cleanup(func() { st.Close() })

	cfg := Config{
		AppName:        "identity-vault",
		Website:        "https://example.org/vault",
		RedirectScheme: "identity-vault",
	}
	return &testFixture{
		auth:    New(cfg, st, secrets, network, consent, logger),
		store:   st,
		secrets: secrets,
		network: network,
		consent: consent,
	}
}

// grantingConsent approves every request by echoing the redirect URI back
// with an authorization code attached.
func grantingConsent(code string) *fakeConsent {
	return &fakeConsent{
		redirect: func(_, redirectURI string) string {
			return fmt.Sprintf("%s?code=%s", redirectURI, code)
		},
	}
}

func TestAddIdentity(t *testing.T) {
	network := &fakeNetwork{}
	f := newTestFixture(t, network, grantingConsent("abc123"))

	id, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// All three secrets live under the new identity's id.
	clientID, err := f.secrets.Get(id, secret.KindClientID)
	require.NoError(t, err)
	assert.Equal(t, "c1", string(clientID))
	clientSecret, err := f.secrets.Get(id, secret.KindClientSecret)
	require.NoError(t, err)
	assert.Equal(t, "s1", string(clientSecret))
	token, err := f.secrets.Get(id, secret.KindAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tok1", string(token))

	// The identity record is authenticated and points at the server.
	identity, err := f.store.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "https://mastodon.example", identity.URL)
	assert.True(t, identity.Authenticated)
	assert.WithinDuration(t, time.Now(), identity.LastUsedAt, time.Minute)

	// Registration carried the per-attempt redirect and the full scope set.
	require.Len(t, network.registrations, 1)
	reg := network.registrations[0]
	assert.Equal(t, "identity-vault", reg.Name)
	assert.Equal(t, fmt.Sprintf("identity-vault.%s:/oauth/callback", id), reg.RedirectURI)
	assert.Equal(t, []string{"read", "write", "follow", "push"}, reg.Scopes)

	// The code extracted from the redirect reached the exchange.
	assert.Equal(t, "abc123", network.exchangedCode)

	// The consent prompt carried the client credentials and response type.
	assert.Contains(t, f.consent.presentedURL, "https://mastodon.example/oauth/authorize")
	assert.Contains(t, f.consent.presentedURL, "client_id=c1")
	assert.Contains(t, f.consent.presentedURL, "response_type=code")
}

func TestAddIdentity_DistinctRedirectsPerAttempt(t *testing.T) {
	network := &fakeNetwork{}
	f := newTestFixture(t, network, grantingConsent("abc123"))

	first, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.NoError(t, err)
	second, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	require.Len(t, network.registrations, 2)
	assert.NotEqual(t, network.registrations[0].RedirectURI, network.registrations[1].RedirectURI)
}

func TestAddIdentity_Cancelled(t *testing.T) {
	network := &fakeNetwork{}
	f := newTestFixture(t, network, &fakeConsent{err: apperror.ErrCancelled})

	_, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.ErrorIs(t, err, apperror.ErrCancelled)

	// No identity appears, and the token endpoint was never contacted.
	all, err := f.store.AllIdentities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, network.exchangeCalls)
}

func TestAddIdentity_RedirectWithoutCode(t *testing.T) {
	network := &fakeNetwork{}
	consent := &fakeConsent{
		redirect: func(_, redirectURI string) string {
			return redirectURI + "?error=access_denied"
		},
	}
	f := newTestFixture(t, network, consent)

	_, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.ErrorIs(t, err, apperror.ErrProtocolViolation)

	all, err := f.store.AllIdentities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, network.exchangeCalls, "token exchange must not run after a protocol violation")
}

func TestAddIdentity_RegistrationFailure(t *testing.T) {
	network := &fakeNetwork{registerErr: apperror.Transport("registering app", errors.New("connection refused"))}
	f := newTestFixture(t, network, grantingConsent("abc123"))

	_, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.ErrorIs(t, err, apperror.ErrTransport)

	// Nothing was stored: registration failed before any secret write.
	ids, err := f.secrets.IdentityIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAddIdentity_ExchangeFailureLeavesRecoverableSecrets(t *testing.T) {
	network := &fakeNetwork{exchangeErr: apperror.Transport("exchanging token", errors.New("timeout"))}
	f := newTestFixture(t, network, grantingConsent("abc123"))

	_, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.ErrorIs(t, err, apperror.ErrTransport)

	// No identity record, but the registration credentials stayed behind
	// for the startup sweep to reclaim.
	all, err := f.store.AllIdentities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	ids, err := f.secrets.IdentityIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestAddUnauthenticatedIdentity(t *testing.T) {
	network := &fakeNetwork{}
	f := newTestFixture(t, network, &fakeConsent{err: apperror.ErrCancelled})

	id, err := f.auth.AddUnauthenticatedIdentity(context.Background(), "https://mastodon.example")
	require.NoError(t, err)

	identity, err := f.store.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, identity.Authenticated)
	assert.Equal(t, "https://mastodon.example", identity.URL)

	// Browse-only identities never touch the network or the secret backend.
	assert.Empty(t, network.registrations)
	ids, err := f.secrets.IdentityIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPurgeOrphanedSecrets(t *testing.T) {
	network := &fakeNetwork{}
	f := newTestFixture(t, network, grantingConsent("abc123"))

	kept, err := f.auth.AddIdentity(context.Background(), "https://mastodon.example")
	require.NoError(t, err)

	// Simulate a flow that failed after storing credentials.
	require.NoError(t, f.secrets.Set("orphan", secret.KindClientID, []byte("c2")))
	require.NoError(t, f.secrets.Set("orphan", secret.KindClientSecret, []byte("s2")))

	purged, err := f.auth.PurgeOrphanedSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, purged)

	// The materialized identity's secrets survive the sweep.
	_, err = f.secrets.Get(kept, secret.KindAccessToken)
	assert.NoError(t, err)
	_, err = f.secrets.Get("orphan", secret.KindClientID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestAuthorizationCode(t *testing.T) {
	code, err := authorizationCode("identity-vault.abc:/oauth/callback?code=xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", code)

	_, err = authorizationCode("identity-vault.abc:/oauth/callback")
	assert.ErrorIs(t, err, apperror.ErrProtocolViolation)

	_, err = authorizationCode("identity-vault.abc:/oauth/callback?error=access_denied")
	assert.ErrorIs(t, err, apperror.ErrProtocolViolation)
}
