package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/model"
	"github.com/sakif/identity-vault/internal/secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore opens an ephemeral store backed by an in-memory secret
// backend. Destroyed when the test finishes.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Ephemeral, secret.NewMemory(), testLogger())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestIdentity creates an identity and fails the test if it errors.
func createTestIdentity(t *testing.T, s *Store, url string) string {
	t.Helper()
	id := newID()
	if err := s.CreateIdentity(context.Background(), id, url, true); err != nil {
		t.Fatalf("failed to create test identity: %v", err)
	}
	return id
}

func TestCreateIdentity(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	identity, err := s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.URL != "https://mastodon.example" {
		t.Errorf("URL = %q, want %q", identity.URL, "https://mastodon.example")
	}
	if !identity.Authenticated {
		t.Error("Authenticated = false, want true")
	}
	if identity.Preferences != model.DefaultPreferences() {
		t.Errorf("Preferences = %+v, want defaults", identity.Preferences)
	}
	if identity.PushSubscriptionAlerts != model.DefaultPushSubscriptionAlerts() {
		t.Errorf("PushSubscriptionAlerts = %+v, want defaults", identity.PushSubscriptionAlerts)
	}
	if time.Since(identity.LastUsedAt) > time.Minute {
		t.Errorf("LastUsedAt = %v, want approximately now", identity.LastUsedAt)
	}
	if identity.InstanceURI != nil {
		t.Errorf("InstanceURI = %v, want nil", *identity.InstanceURI)
	}
}

func TestCreateIdentity_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	err := s.CreateIdentity(context.Background(), id, "https://other.example", true)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("CreateIdentity() with duplicate id: error = %v, want ErrConflict", err)
	}
}

func TestGetIdentity_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetIdentity(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetIdentity() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdentity_CascadesToAccountProfile(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	profile := model.AccountProfile{
		ID:          "remote-1",
		Username:    "alice",
		DisplayName: "Alice",
		URL:         "https://mastodon.example/@alice",
	}
	if err := s.UpsertAccountProfile(context.Background(), profile, id); err != nil {
		t.Fatalf("UpsertAccountProfile() error = %v", err)
	}

	if err := s.DeleteIdentity(context.Background(), id); err != nil {
		t.Fatalf("DeleteIdentity() error = %v", err)
	}

	var count int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM account WHERE identity_id = ?`, id).Scan(&count)
	if err != nil {
		t.Fatalf("counting account rows: %v", err)
	}
	if count != 0 {
		t.Errorf("account rows after delete = %d, want 0", count)
	}

	_, err = s.GetIdentity(context.Background(), id)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetIdentity() after delete: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdentity_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteIdentity(context.Background(), "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("DeleteIdentity() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdentity_KeepsSharedInstance(t *testing.T) {
	s := newTestStore(t)
	first := createTestIdentity(t, s, "https://mastodon.example")
	second := createTestIdentity(t, s, "https://mastodon.example")

	instance := model.Instance{URI: "mastodon.example", Title: "Example"}
	if err := s.UpsertInstance(context.Background(), instance, first); err != nil {
		t.Fatalf("UpsertInstance() error = %v", err)
	}
	if err := s.UpsertInstance(context.Background(), instance, second); err != nil {
		t.Fatalf("UpsertInstance() error = %v", err)
	}

	if err := s.DeleteIdentity(context.Background(), first); err != nil {
		t.Fatalf("DeleteIdentity() error = %v", err)
	}

	identity, err := s.GetIdentity(context.Background(), second)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.Instance == nil || identity.Instance.Title != "Example" {
		t.Errorf("Instance = %+v, want shared instance to survive", identity.Instance)
	}
}

func TestTouchLastUsed_ChangesMostRecentlyUsed(t *testing.T) {
	s := newTestStore(t)
	first := createTestIdentity(t, s, "https://one.example")
	second := createTestIdentity(t, s, "https://two.example")

	// second was created last, so it starts as most recently used.
	mru, err := s.MostRecentlyUsedIdentityID(context.Background())
	if err != nil {
		t.Fatalf("MostRecentlyUsedIdentityID() error = %v", err)
	}
	if mru == nil || *mru != second {
		t.Fatalf("MostRecentlyUsedIdentityID() = %v, want %q", mru, second)
	}

	if err := s.TouchLastUsed(context.Background(), first); err != nil {
		t.Fatalf("TouchLastUsed() error = %v", err)
	}

	mru, err = s.MostRecentlyUsedIdentityID(context.Background())
	if err != nil {
		t.Fatalf("MostRecentlyUsedIdentityID() error = %v", err)
	}
	if mru == nil || *mru != first {
		t.Errorf("MostRecentlyUsedIdentityID() after touch = %v, want %q", mru, first)
	}
}

func TestMostRecentlyUsedIdentityID_EmptyStore(t *testing.T) {
	s := newTestStore(t)

	mru, err := s.MostRecentlyUsedIdentityID(context.Background())
	if err != nil {
		t.Fatalf("MostRecentlyUsedIdentityID() error = %v", err)
	}
	if mru != nil {
		t.Errorf("MostRecentlyUsedIdentityID() = %q, want nil", *mru)
	}
}

func TestUpsertInstance_LinksAndJoins(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	instance := model.Instance{
		URI:          "mastodon.example",
		Title:        "Example",
		ThumbnailURL: "https://mastodon.example/thumb.png",
		StreamingURL: "wss://mastodon.example",
	}
	if err := s.UpsertInstance(context.Background(), instance, id); err != nil {
		t.Fatalf("UpsertInstance() error = %v", err)
	}

	identity, err := s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.InstanceURI == nil || *identity.InstanceURI != "mastodon.example" {
		t.Fatalf("InstanceURI = %v, want mastodon.example", identity.InstanceURI)
	}
	if identity.Instance == nil || *identity.Instance != instance {
		t.Errorf("Instance = %+v, want %+v", identity.Instance, instance)
	}

	// Replace-on-conflict: upserting the same URI updates in place.
	instance.Title = "Renamed"
	if err := s.UpsertInstance(context.Background(), instance, id); err != nil {
		t.Fatalf("UpsertInstance() second call error = %v", err)
	}
	identity, err = s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.Instance.Title != "Renamed" {
		t.Errorf("Instance.Title = %q, want %q", identity.Instance.Title, "Renamed")
	}
}

func TestUpsertInstance_IdentityNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertInstance(context.Background(), model.Instance{URI: "x"}, "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpsertInstance() error = %v, want ErrNotFound", err)
	}
}

func TestUpdatePreferences_MergeAndIdempotence(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	visibility := "unlisted"
	spoilers := true
	remote := model.RemotePreferences{
		PostingDefaultVisibility: &visibility,
		ReadingExpandSpoilers:    &spoilers,
	}

	if err := s.UpdatePreferences(context.Background(), remote, id); err != nil {
		t.Fatalf("UpdatePreferences() error = %v", err)
	}
	once, err := s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if once.Preferences.PostingDefaultVisibility != "unlisted" {
		t.Errorf("PostingDefaultVisibility = %q, want %q",
			once.Preferences.PostingDefaultVisibility, "unlisted")
	}
	if !once.Preferences.ReadingExpandSpoilers {
		t.Error("ReadingExpandSpoilers = false, want true")
	}
	// Fields absent from the remote document keep their local value.
	if once.Preferences.ReadingExpandMedia != "default" {
		t.Errorf("ReadingExpandMedia = %q, want %q",
			once.Preferences.ReadingExpandMedia, "default")
	}

	// Applying the same document again must be a no-op.
	if err := s.UpdatePreferences(context.Background(), remote, id); err != nil {
		t.Fatalf("UpdatePreferences() second call error = %v", err)
	}
	twice, err := s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if twice.Preferences != once.Preferences {
		t.Errorf("Preferences after second merge = %+v, want %+v",
			twice.Preferences, once.Preferences)
	}
}

func TestUpdatePreferences_IdentityNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdatePreferences(context.Background(), model.RemotePreferences{}, "missing")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpdatePreferences() error = %v, want ErrNotFound", err)
	}
}

func TestReplacePreferences(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	prefs := model.DefaultPreferences()
	prefs.PostingDefaultVisibility = "private"
	prefs.PostingDefaultLanguage = "en"

	if err := s.ReplacePreferences(context.Background(), prefs, id); err != nil {
		t.Fatalf("ReplacePreferences() error = %v", err)
	}

	identity, err := s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.Preferences != prefs {
		t.Errorf("Preferences = %+v, want %+v", identity.Preferences, prefs)
	}
}

func TestUpdatePushSubscription(t *testing.T) {
	s := newTestStore(t)
	id := createTestIdentity(t, s, "https://mastodon.example")

	alerts := model.PushSubscriptionAlerts{Mention: true}
	token := []byte{0x01, 0x02, 0x03}

	if err := s.UpdatePushSubscription(context.Background(), alerts, token, id); err != nil {
		t.Fatalf("UpdatePushSubscription() error = %v", err)
	}

	identity, err := s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.PushSubscriptionAlerts != alerts {
		t.Errorf("PushSubscriptionAlerts = %+v, want %+v", identity.PushSubscriptionAlerts, alerts)
	}
	if string(identity.LastRegisteredDeviceToken) != string(token) {
		t.Errorf("LastRegisteredDeviceToken = %v, want %v", identity.LastRegisteredDeviceToken, token)
	}

	// Without a token, the alert set updates and the stored token stays.
	alerts.Follow = true
	if err := s.UpdatePushSubscription(context.Background(), alerts, nil, id); err != nil {
		t.Fatalf("UpdatePushSubscription() without token error = %v", err)
	}
	identity, err = s.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if string(identity.LastRegisteredDeviceToken) != string(token) {
		t.Errorf("LastRegisteredDeviceToken changed to %v, want %v",
			identity.LastRegisteredDeviceToken, token)
	}
}

func TestIdentitiesWithStaleDeviceToken(t *testing.T) {
	s := newTestStore(t)
	current := []byte("current-token")

	stale := createTestIdentity(t, s, "https://one.example")
	fresh := createTestIdentity(t, s, "https://two.example")
	createTestIdentity(t, s, "https://three.example") // never registered

	alerts := model.DefaultPushSubscriptionAlerts()
	if err := s.UpdatePushSubscription(context.Background(), alerts, []byte("old-token"), stale); err != nil {
		t.Fatalf("UpdatePushSubscription() error = %v", err)
	}
	if err := s.UpdatePushSubscription(context.Background(), alerts, current, fresh); err != nil {
		t.Fatalf("UpdatePushSubscription() error = %v", err)
	}

	identities, err := s.IdentitiesWithStaleDeviceToken(context.Background(), current)
	if err != nil {
		t.Fatalf("IdentitiesWithStaleDeviceToken() error = %v", err)
	}
	if len(identities) != 1 || identities[0].ID != stale {
		t.Errorf("IdentitiesWithStaleDeviceToken() = %d identities, want exactly %q", len(identities), stale)
	}
}

func TestRecentIdentities_CapAndExclusion(t *testing.T) {
	s := newTestStore(t)

	ids := make([]string, 0, 12)
	for range 12 {
		ids = append(ids, createTestIdentity(t, s, "https://mastodon.example"))
		time.Sleep(time.Millisecond) // distinct last_used_at per identity
	}
	excluded := ids[len(ids)-1] // most recently created

	recent, err := s.RecentIdentities(context.Background(), excluded)
	if err != nil {
		t.Fatalf("RecentIdentities() error = %v", err)
	}
	if len(recent) != recentIdentitiesCap {
		t.Errorf("len(recent) = %d, want %d", len(recent), recentIdentitiesCap)
	}
	for _, identity := range recent {
		if identity.ID == excluded {
			t.Errorf("recent identities include excluded id %q", excluded)
		}
	}
	// Most recently used first; the excluded id was the newest, so the
	// second newest leads.
	if recent[0].ID != ids[len(ids)-2] {
		t.Errorf("recent[0].ID = %q, want %q", recent[0].ID, ids[len(ids)-2])
	}
}

func TestAllIdentities_Ordering(t *testing.T) {
	s := newTestStore(t)
	first := createTestIdentity(t, s, "https://one.example")
	second := createTestIdentity(t, s, "https://two.example")
	third := createTestIdentity(t, s, "https://three.example")

	if err := s.TouchLastUsed(context.Background(), first); err != nil {
		t.Fatalf("TouchLastUsed() error = %v", err)
	}

	all, err := s.AllIdentities(context.Background())
	if err != nil {
		t.Fatalf("AllIdentities() error = %v", err)
	}
	got := []string{all[0].ID, all[1].ID, all[2].ID}
	want := []string{first, third, second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllIdentities() order = %v, want %v", got, want)
			break
		}
	}
}

func TestDurabilityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")
	secrets := secret.NewMemory()

	s, err := Open(dbPath, secrets, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	id := createTestIdentity(t, s, "https://mastodon.example")
	if err := s.UpsertInstance(context.Background(), model.Instance{
		URI: "mastodon.example", Title: "Example",
	}, id); err != nil {
		t.Fatalf("UpsertInstance() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopening with the same secret backend reproduces identical content.
	reopened, err := Open(dbPath, secrets, testLogger())
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	identity, err := reopened.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() after reopen error = %v", err)
	}
	if identity.URL != "https://mastodon.example" {
		t.Errorf("URL after reopen = %q, want %q", identity.URL, "https://mastodon.example")
	}
	if identity.Instance == nil || identity.Instance.Title != "Example" {
		t.Errorf("Instance after reopen = %+v, want title Example", identity.Instance)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")

	first := secret.NewMemory()
	s, err := Open(dbPath, first, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	createTestIdentity(t, s, "https://mastodon.example")
	s.Close()

	// A fresh secret backend generates a different passphrase.
	_, err = Open(dbPath, secret.NewMemory(), testLogger())
	if !errors.Is(err, apperror.ErrCannotOpen) {
		t.Errorf("Open() with wrong key: error = %v, want ErrCannotOpen", err)
	}
}

func TestOpen_WrongBackendPassphrasePreservesStoredKey(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")
	secretsDir := filepath.Join(dir, "secrets")

	s, err := Open(dbPath, secret.NewFile(secretsDir, "correct"), testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	id := createTestIdentity(t, s, "https://mastodon.example")
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A mistyped backend passphrase must fail the open without touching the
	// stored database passphrase.
	_, err = Open(dbPath, secret.NewFile(secretsDir, "mistyped"), testLogger())
	if !errors.Is(err, apperror.ErrCannotOpen) {
		t.Fatalf("Open() with wrong backend passphrase: error = %v, want ErrCannotOpen", err)
	}

	// The correct passphrase still opens the database with its content.
	reopened, err := Open(dbPath, secret.NewFile(secretsDir, "correct"), testLogger())
	if err != nil {
		t.Fatalf("Open() after failed attempt: error = %v, want success", err)
	}
	defer reopened.Close()

	identity, err := reopened.GetIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIdentity() after reopen error = %v", err)
	}
	if identity.URL != "https://mastodon.example" {
		t.Errorf("URL after reopen = %q, want %q", identity.URL, "https://mastodon.example")
	}
}

func TestOpen_SchemaAhead(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identities.db")
	secrets := secret.NewMemory()

	s, err := Open(dbPath, secrets, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Simulate a database written by a newer binary.
	if _, err := s.conn.Exec(
		`INSERT INTO migration (name) VALUES ('2099-01-01-from-the-future')`,
	); err != nil {
		t.Fatalf("inserting future migration: %v", err)
	}
	s.Close()

	_, err = Open(dbPath, secrets, testLogger())
	if !errors.Is(err, apperror.ErrMigration) {
		t.Errorf("Open() with future schema: error = %v, want ErrMigration", err)
	}
}
