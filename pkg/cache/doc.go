// Package cache persists conditional-request state for the orders API.
//
// The store keeps one entry per normalized request fingerprint: the ETag,
// Expires and Last-Modified validators of the most recent response, plus
// when it was fetched and with which status. Bodies are never cached; a
// 304 Not Modified tells the caller its current data is still good, it
// does not replay a payload.
//
// Expiry semantics belong to the caller: the store performs no TTL
// eviction of its own, Upsert is idempotent and last-write-wins.
package cache
