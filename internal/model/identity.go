// Package model defines the data structures used throughout the application.
package model

import "time"

// Identity represents one locally registered account on one remote federated
// server. A device may hold many identities across many servers; each gets
// its own credentials in the secret backend, keyed by Identity.ID.
//
// The ID is generated locally (xid) when the authentication flow completes —
// it is never derived from anything the remote server assigns, so two
// identities on the same server never collide and IDs are never reused.
type Identity struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`           // canonical profile URL on the remote server
	Authenticated bool      `json:"authenticated"` // false for provisional browse-only identities
	LastUsedAt    time.Time `json:"lastUsedAt"`    // drives most-recently-used ordering

	// InstanceURI links to the shared Instance record once the server's
	// metadata has been fetched; nil until then.
	InstanceURI *string `json:"instanceUri,omitempty"`

	Preferences            Preferences            `json:"preferences"`
	PushSubscriptionAlerts PushSubscriptionAlerts `json:"pushSubscriptionAlerts"`

	// LastRegisteredDeviceToken is the raw push token last registered for
	// this identity, or nil if none was ever registered.
	LastRegisteredDeviceToken []byte `json:"-"`

	// Instance is the joined instance record, populated on reads when
	// InstanceURI is set.
	Instance *Instance `json:"instance,omitempty"`
}

// Instance is a remote federated server. Instances are shared: several
// identities may reference the same row, so deleting an identity never
// cascades here.
type Instance struct {
	URI          string `json:"uri"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl"`
	StreamingURL string `json:"streamingUrl"`
}

// AccountProfile caches the minimal profile fields of an identity's own
// remote account — enough to render an account chooser. Keyed by the remote
// account ID and removed together with its identity (cascade delete).
type AccountProfile struct {
	ID              string            `json:"id"` // remote account id, not the identity id
	IdentityID      string            `json:"identityId"`
	Username        string            `json:"username"`
	DisplayName     string            `json:"displayName"`
	URL             string            `json:"url"`
	AvatarURL       string            `json:"avatarUrl"`
	AvatarStaticURL string            `json:"avatarStaticUrl"`
	HeaderURL       string            `json:"headerUrl"`
	HeaderStaticURL string            `json:"headerStaticUrl"`
	Emojis          map[string]string `json:"emojis,omitempty"` // shortcode → image URL
}

// AppAuthorization is the client credential pair returned by app
// registration. It exists only in memory during one authentication flow
// invocation and in the secret backend afterwards — never in the row store.
type AppAuthorization struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// AccessToken is the bearer token returned by the code-for-token exchange.
// Same ownership rules as AppAuthorization.
type AccessToken struct {
	Token string `json:"access_token"`
}
