// Package secret provides the secure credential storage consumed by the
// identity store and the authentication flow.
//
// Secrets are keyed by (identityID, kind). An empty identityID addresses the
// store-scoped secrets that belong to no single identity — most importantly
// the passphrase the database encryption key is derived from.
//
// The Store interface is the contract; Memory and File are the bundled
// implementations. On platforms with an OS credential vault a third
// implementation can wrap it behind the same interface.
package secret

// Kind names one secret slot per identity (or per store, when the
// identityID is empty).
type Kind string

const (
	// KindClientID and KindClientSecret hold the app registration
	// credentials returned by a remote server during the authentication
	// flow.
	KindClientID     Kind = "client-id"
	KindClientSecret Kind = "client-secret"

	// KindAccessToken holds the bearer token from the code-for-token
	// exchange.
	KindAccessToken Kind = "access-token"

	// KindDatabasePassphrase is the store-scoped secret the database
	// encryption key is derived from. Always stored with an empty
	// identityID — it must stay independent of any identity's secrets so
	// that deleting an identity can never lock the whole store.
	KindDatabasePassphrase Kind = "database-passphrase"
)

// Store is the secret backend contract.
//
// Implementations must be safe for concurrent use: the flow writes secrets
// for different identity IDs concurrently, and the identity store reads the
// database passphrase at open time.
type Store interface {
	// Get returns the secret for (identityID, kind), or an error wrapping
	// apperror.ErrNotFound if none is stored.
	Get(identityID string, kind Kind) ([]byte, error)

	// Set stores or replaces the secret for (identityID, kind).
	Set(identityID string, kind Kind, value []byte) error

	// DeleteIdentity removes every secret stored under identityID.
	// Deleting an identity with no secrets is not an error.
	DeleteIdentity(identityID string) error

	// IdentityIDs returns the distinct non-empty identity IDs that have at
	// least one stored secret. Used to sweep orphans left behind by
	// authentication flows that failed after storing credentials.
	IdentityIDs() ([]string, error)
}
