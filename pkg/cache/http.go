package cache

import (
	"net/http"
	"time"
)

// EntryFromResponse builds an Entry from response headers. The body is
// never read here; callers cache an entry only after the network read
// completed, so no partial entries are persisted.
func EntryFromResponse(key, url string, resp *http.Response, fetchedAt time.Time) *Entry {
	entry := &Entry{
		Key:          key,
		URL:          url,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    fetchedAt,
		HTTPStatus:   resp.StatusCode,
	}

	if expiresStr := resp.Header.Get("Expires"); expiresStr != "" {
		if expires, err := http.ParseTime(expiresStr); err == nil {
			entry.ExpiresAt = expires
		}
	}

	return entry
}

// AddConditionalHeaders adds If-None-Match or If-Modified-Since to the
// request when the entry carries a usable validator. ETag wins when both
// are present.
func AddConditionalHeaders(req *http.Request, entry *Entry) {
	if req == nil || !entry.SupportsConditional() {
		return
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
		return
	}
	req.Header.Set("If-Modified-Since", entry.LastModified)
}
