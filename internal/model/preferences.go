package model

// Preferences is the versioned, user-configurable settings document stored
// per identity. It is mutated by whole-document replace or by merging in a
// remote preferences document; it is persisted as an opaque JSON blob and
// must round-trip exactly.
type Preferences struct {
	Version int `json:"version"`

	PostingDefaultVisibility string `json:"postingDefaultVisibility"` // public, unlisted, private
	PostingDefaultSensitive  bool   `json:"postingDefaultSensitive"`
	PostingDefaultLanguage   string `json:"postingDefaultLanguage,omitempty"`
	ReadingExpandMedia       string `json:"readingExpandMedia"` // default, show_all, hide_all
	ReadingExpandSpoilers    bool   `json:"readingExpandSpoilers"`
}

// preferencesVersion is bumped whenever a field is added so future readers
// can tell old blobs apart.
const preferencesVersion = 1

// DefaultPreferences is the document a freshly created identity starts with.
func DefaultPreferences() Preferences {
	return Preferences{
		Version:                  preferencesVersion,
		PostingDefaultVisibility: "public",
		ReadingExpandMedia:       "default",
	}
}

// RemotePreferences is the server's preferences document, as returned by the
// remote API. Every field is a pointer: nil means the server did not report
// that field and the local value is kept.
type RemotePreferences struct {
	PostingDefaultVisibility *string `json:"posting:default:visibility"`
	PostingDefaultSensitive  *bool   `json:"posting:default:sensitive"`
	PostingDefaultLanguage   *string `json:"posting:default:language"`
	ReadingExpandMedia       *string `json:"reading:expand:media"`
	ReadingExpandSpoilers    *bool   `json:"reading:expand:spoilers"`
}

// Merge applies a remote preferences document on top of p and returns the
// result. Remote fields win whenever they are present; absent fields keep
// the local value. The merge is deterministic and idempotent: merging the
// same document twice is a fixed point.
func (p Preferences) Merge(remote RemotePreferences) Preferences {
	merged := p
	if merged.Version < preferencesVersion {
		merged.Version = preferencesVersion
	}
	if remote.PostingDefaultVisibility != nil {
		merged.PostingDefaultVisibility = *remote.PostingDefaultVisibility
	}
	if remote.PostingDefaultSensitive != nil {
		merged.PostingDefaultSensitive = *remote.PostingDefaultSensitive
	}
	if remote.PostingDefaultLanguage != nil {
		merged.PostingDefaultLanguage = *remote.PostingDefaultLanguage
	}
	if remote.ReadingExpandMedia != nil {
		merged.ReadingExpandMedia = *remote.ReadingExpandMedia
	}
	if remote.ReadingExpandSpoilers != nil {
		merged.ReadingExpandSpoilers = *remote.ReadingExpandSpoilers
	}
	return merged
}

// PushSubscriptionAlerts is the per-identity set of push alert categories.
// Stored as an opaque JSON blob; must round-trip exactly.
type PushSubscriptionAlerts struct {
	Follow        bool `json:"follow"`
	Favourite     bool `json:"favourite"`
	Reblog        bool `json:"reblog"`
	Mention       bool `json:"mention"`
	FollowRequest bool `json:"followRequest"`
	Poll          bool `json:"poll"`
	Status        bool `json:"status"`
	Update        bool `json:"update"`
}

// DefaultPushSubscriptionAlerts is the initial alert set for a new identity:
// the social notifications on, the noisier categories off.
func DefaultPushSubscriptionAlerts() PushSubscriptionAlerts {
	return PushSubscriptionAlerts{
		Follow:    true,
		Favourite: true,
		Reblog:    true,
		Mention:   true,
	}
}
