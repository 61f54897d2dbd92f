package cache

import (
	"time"
)

// Entry represents the cached conditional-request state for one request
// fingerprint. It carries response validators, not the response body.
type Entry struct {
	// Key is the normalized request fingerprint (see Key()).
	Key string `json:"key"`

	// URL is the full request URL the entry was recorded for.
	URL string `json:"url"`

	// ETag for conditional requests (If-None-Match). Empty if the
	// response carried none.
	ETag string `json:"etag,omitempty"`

	// ExpiresAt is when the upstream declared the response stale
	// (from the Expires header). Zero if the header was absent.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// LastModified is the raw Last-Modified header value. Kept verbatim
	// because it doubles as the freshness token compared across pages
	// of one paginated pass.
	LastModified string `json:"last_modified,omitempty"`

	// FetchedAt is when the response was received.
	FetchedAt time.Time `json:"fetched_at"`

	// HTTPStatus is the status code of the recorded response.
	HTTPStatus int `json:"http_status"`
}

// IsExpired reports whether the upstream-declared expiry has passed.
// Entries without an Expires header never report expired.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// SupportsConditional reports whether the entry carries a validator
// usable for a conditional request.
func (e *Entry) SupportsConditional() bool {
	return e != nil && (e.ETag != "" || e.LastModified != "")
}
