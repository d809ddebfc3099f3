package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/model"
)

// recentIdentitiesCap bounds the "recent identities" list fed to switcher
// UIs.
const recentIdentitiesCap = 9

// newID generates a unique, URL-safe, never-reused identifier.
func newID() string {
	return xid.New().String()
}

// CreateIdentity inserts a new identity with default preferences and alert
// settings and lastUsedAt = now. Fails with ErrConflict if the id already
// exists. The identity only becomes visible to observers once this commits.
func (s *Store) CreateIdentity(ctx context.Context, id, url string, authenticated bool) error {
	sealedURL, err := s.box.sealString(url)
	if err != nil {
		return apperror.WriteFailed("sealing identity url", err)
	}
	sealedPrefs, err := s.box.sealJSON(model.DefaultPreferences())
	if err != nil {
		return apperror.WriteFailed("sealing preferences", err)
	}
	sealedAlerts, err := s.box.sealJSON(model.DefaultPushSubscriptionAlerts())
	if err != nil {
		return apperror.WriteFailed("sealing alerts", err)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM identity_record WHERE id = ?`, id,
		).Scan(&exists)
		if err != nil {
			return apperror.WriteFailed("checking identity id", err)
		}
		if exists > 0 {
			return apperror.Conflict("identity", id)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO identity_record
				(id, url, authenticated, last_used_at, preferences, push_subscription_alerts)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, sealedURL, authenticated, time.Now().UnixNano(), sealedPrefs, sealedAlerts,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("inserting identity %s", id), err)
		}
		return nil
	})
}

// DeleteIdentity removes an identity. The account table's ON DELETE CASCADE
// removes the linked profile in the same transaction; the shared instance
// row stays (other identities may reference it). Secret backend cleanup is
// the caller's job — the store never touches secrets of individual
// identities.
func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM identity_record WHERE id = ?`, id)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("deleting identity %s", id), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apperror.WriteFailed("checking rows affected", err)
		}
		if affected == 0 {
			return apperror.NotFound("identity", id)
		}
		return nil
	})
}

// TouchLastUsed records that the identity became active: updates only
// last_used_at, leaving everything else untouched so observation deliveries
// stay granular.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE identity_record SET last_used_at = ? WHERE id = ?`,
			time.Now().UnixNano(), id,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("touching identity %s", id), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apperror.WriteFailed("checking rows affected", err)
		}
		if affected == 0 {
			return apperror.NotFound("identity", id)
		}
		return nil
	})
}

// UpsertInstance writes the instance record (replace-on-conflict by URI) and
// links it on the identity, atomically.
func (s *Store) UpsertInstance(ctx context.Context, instance model.Instance, forIdentity string) error {
	sealedTitle, err := s.box.sealString(instance.Title)
	if err != nil {
		return apperror.WriteFailed("sealing instance title", err)
	}
	sealedThumbnail, err := s.box.sealString(instance.ThumbnailURL)
	if err != nil {
		return apperror.WriteFailed("sealing instance thumbnail", err)
	}
	sealedStreaming, err := s.box.sealString(instance.StreamingURL)
	if err != nil {
		return apperror.WriteFailed("sealing instance streaming url", err)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`REPLACE INTO instance (uri, title, thumbnail_url, streaming_url)
			 VALUES (?, ?, ?, ?)`,
			instance.URI, sealedTitle, sealedThumbnail, sealedStreaming,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("upserting instance %s", instance.URI), err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE identity_record SET instance_uri = ? WHERE id = ?`,
			instance.URI, forIdentity,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("linking instance to identity %s", forIdentity), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apperror.WriteFailed("checking rows affected", err)
		}
		if affected == 0 {
			return apperror.NotFound("identity", forIdentity)
		}
		return nil
	})
}

// UpsertAccountProfile writes the identity's own profile record
// (replace-on-conflict by remote account id).
func (s *Store) UpsertAccountProfile(ctx context.Context, profile model.AccountProfile, forIdentity string) error {
	sealed := make(map[string][]byte, 7)
	for column, value := range map[string]string{
		"username":          profile.Username,
		"display_name":      profile.DisplayName,
		"url":               profile.URL,
		"avatar_url":        profile.AvatarURL,
		"avatar_static_url": profile.AvatarStaticURL,
		"header_url":        profile.HeaderURL,
		"header_static_url": profile.HeaderStaticURL,
	} {
		blob, err := s.box.sealString(value)
		if err != nil {
			return apperror.WriteFailed("sealing profile "+column, err)
		}
		sealed[column] = blob
	}
	emojis := profile.Emojis
	if emojis == nil {
		emojis = map[string]string{}
	}
	sealedEmojis, err := s.box.sealJSON(emojis)
	if err != nil {
		return apperror.WriteFailed("sealing profile emojis", err)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`REPLACE INTO account
				(id, identity_id, username, display_name, url,
				 avatar_url, avatar_static_url, header_url, header_static_url, emojis)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			profile.ID, forIdentity,
			sealed["username"], sealed["display_name"], sealed["url"],
			sealed["avatar_url"], sealed["avatar_static_url"],
			sealed["header_url"], sealed["header_static_url"],
			sealedEmojis,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("upserting account profile %s", profile.ID), err)
		}
		return nil
	})
}

// UpdatePreferences reads the stored preferences, merges the remote document
// into them, and writes the result back — all in one transaction, so the
// read-modify-write is atomic against concurrent writers.
func (s *Store) UpdatePreferences(ctx context.Context, remote model.RemotePreferences, forIdentity string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var sealed []byte
		err := tx.QueryRowContext(ctx,
			`SELECT preferences FROM identity_record WHERE id = ?`, forIdentity,
		).Scan(&sealed)
		if err == sql.ErrNoRows {
			return apperror.NotFound("identity", forIdentity)
		}
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("reading preferences for %s", forIdentity), err)
		}

		var prefs model.Preferences
		if err := s.box.openJSON(sealed, &prefs); err != nil {
			return apperror.WriteFailed("opening preferences", err)
		}
		merged, err := s.box.sealJSON(prefs.Merge(remote))
		if err != nil {
			return apperror.WriteFailed("sealing merged preferences", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE identity_record SET preferences = ? WHERE id = ?`,
			merged, forIdentity,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("writing preferences for %s", forIdentity), err)
		}
		return nil
	})
}

// ReplacePreferences unconditionally overwrites the stored preferences.
func (s *Store) ReplacePreferences(ctx context.Context, prefs model.Preferences, forIdentity string) error {
	sealed, err := s.box.sealJSON(prefs)
	if err != nil {
		return apperror.WriteFailed("sealing preferences", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE identity_record SET preferences = ? WHERE id = ?`,
			sealed, forIdentity,
		)
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("replacing preferences for %s", forIdentity), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apperror.WriteFailed("checking rows affected", err)
		}
		if affected == 0 {
			return apperror.NotFound("identity", forIdentity)
		}
		return nil
	})
}

// UpdatePushSubscription updates the alert category set and, when a device
// token is supplied, records it as the last registered token in the same
// write.
func (s *Store) UpdatePushSubscription(ctx context.Context, alerts model.PushSubscriptionAlerts, deviceToken []byte, forIdentity string) error {
	sealedAlerts, err := s.box.sealJSON(alerts)
	if err != nil {
		return apperror.WriteFailed("sealing alerts", err)
	}
	var sealedToken []byte
	if deviceToken != nil {
		sealedToken, err = s.box.seal(deviceToken)
		if err != nil {
			return apperror.WriteFailed("sealing device token", err)
		}
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		var result sql.Result
		if deviceToken != nil {
			result, err = tx.ExecContext(ctx,
				`UPDATE identity_record
				 SET push_subscription_alerts = ?, last_registered_device_token = ?
				 WHERE id = ?`,
				sealedAlerts, sealedToken, forIdentity,
			)
		} else {
			result, err = tx.ExecContext(ctx,
				`UPDATE identity_record SET push_subscription_alerts = ? WHERE id = ?`,
				sealedAlerts, forIdentity,
			)
		}
		if err != nil {
			return apperror.WriteFailed(fmt.Sprintf("updating push subscription for %s", forIdentity), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apperror.WriteFailed("checking rows affected", err)
		}
		if affected == 0 {
			return apperror.NotFound("identity", forIdentity)
		}
		return nil
	})
}

// identityColumns is the SELECT list shared by every identity read. The
// LEFT JOIN pulls in the shared instance row when one is linked.
const identityColumns = `
	i.id, i.url, i.authenticated, i.last_used_at, i.instance_uri,
	i.preferences, i.push_subscription_alerts, i.last_registered_device_token,
	n.title, n.thumbnail_url, n.streaming_url
`

const identityFrom = `
	FROM identity_record i
	LEFT JOIN instance n ON n.uri = i.instance_uri
`

// mruOrder orders most-recently-used first; rowid breaks last_used_at ties
// by insertion order, which keeps the ordering deterministic.
const mruOrder = ` ORDER BY i.last_used_at DESC, i.rowid ASC`

type identityScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanIdentity(row identityScanner) (*model.Identity, error) {
	var (
		identity     model.Identity
		sealedURL    []byte
		lastUsedAt   int64
		instanceURI  sql.NullString
		sealedPrefs  []byte
		sealedAlerts []byte
		sealedToken  []byte
		sealedTitle  []byte
		sealedThumb  []byte
		sealedStream []byte
	)
	err := row.Scan(
		&identity.ID, &sealedURL, &identity.Authenticated, &lastUsedAt, &instanceURI,
		&sealedPrefs, &sealedAlerts, &sealedToken,
		&sealedTitle, &sealedThumb, &sealedStream,
	)
	if err != nil {
		return nil, err
	}

	identity.LastUsedAt = time.Unix(0, lastUsedAt)
	if identity.URL, err = s.box.openString(sealedURL); err != nil {
		return nil, err
	}
	if err := s.box.openJSON(sealedPrefs, &identity.Preferences); err != nil {
		return nil, err
	}
	if err := s.box.openJSON(sealedAlerts, &identity.PushSubscriptionAlerts); err != nil {
		return nil, err
	}
	if sealedToken != nil {
		if identity.LastRegisteredDeviceToken, err = s.box.open(sealedToken); err != nil {
			return nil, err
		}
	}
	if instanceURI.Valid {
		identity.InstanceURI = &instanceURI.String
		instance := model.Instance{URI: instanceURI.String}
		if instance.Title, err = s.box.openString(sealedTitle); err != nil {
			return nil, err
		}
		if instance.ThumbnailURL, err = s.box.openString(sealedThumb); err != nil {
			return nil, err
		}
		if instance.StreamingURL, err = s.box.openString(sealedStream); err != nil {
			return nil, err
		}
		identity.Instance = &instance
	}

	return &identity, nil
}

// GetIdentity returns one identity with its joined instance.
func (s *Store) GetIdentity(ctx context.Context, id string) (*model.Identity, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT`+identityColumns+identityFrom+`WHERE i.id = ?`, id)
	identity, err := s.scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, apperror.NotFound("identity", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting identity %s: %w", id, err)
	}
	return identity, nil
}

func (s *Store) queryIdentities(ctx context.Context, query string, args ...any) ([]model.Identity, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing identities: %w", err)
	}
	defer rows.Close()

	identities := make([]model.Identity, 0, recentIdentitiesCap)
	for rows.Next() {
		identity, err := s.scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning identity row: %w", err)
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating identities: %w", err)
	}
	return identities, nil
}

// AllIdentities returns every identity, most recently used first.
func (s *Store) AllIdentities(ctx context.Context) ([]model.Identity, error) {
	return s.queryIdentities(ctx, `SELECT`+identityColumns+identityFrom+mruOrder)
}

// RecentIdentities returns up to nine identities, most recently used first,
// excluding the given id (typically the one currently selected).
func (s *Store) RecentIdentities(ctx context.Context, excluding string) ([]model.Identity, error) {
	return s.queryIdentities(ctx,
		`SELECT`+identityColumns+identityFrom+`WHERE i.id != ?`+mruOrder+` LIMIT ?`,
		excluding, recentIdentitiesCap)
}

// MostRecentlyUsedIdentityID returns the id of the identity with the highest
// last_used_at, or nil when the store is empty.
func (s *Store) MostRecentlyUsedIdentityID(ctx context.Context) (*string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx,
		`SELECT i.id`+identityFrom+mruOrder+` LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading most recently used identity: %w", err)
	}
	return &id, nil
}

// IdentitiesWithStaleDeviceToken returns, most recently used first, every
// identity whose last registered device token exists and differs from
// currentToken. One-shot read — callers re-register push subscriptions after
// the OS rotates the token.
func (s *Store) IdentitiesWithStaleDeviceToken(ctx context.Context, currentToken []byte) ([]model.Identity, error) {
	// Tokens are sealed, so the comparison has to happen after decryption.
	all, err := s.AllIdentities(ctx)
	if err != nil {
		return nil, err
	}
	stale := make([]model.Identity, 0, len(all))
	for _, identity := range all {
		if identity.LastRegisteredDeviceToken != nil &&
			!bytes.Equal(identity.LastRegisteredDeviceToken, currentToken) {
			stale = append(stale, identity)
		}
	}
	return stale, nil
}

// IdentityIDs returns every stored identity id. Used together with the
// secret backend's id enumeration to find orphaned secrets.
func (s *Store) IdentityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM identity_record`)
	if err != nil {
		return nil, fmt.Errorf("store: listing identity ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning identity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating identity ids: %w", err)
	}
	return ids, nil
}
