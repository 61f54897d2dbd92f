// Package snapshot assembles one internally consistent view of the
// paginated orders resource and republishes it on a schedule.
//
// A pass fetches page 1, reads the declared page count, then walks the
// remaining pages strictly in order. Every page must agree on one
// Last-Modified token; a mismatch discards the whole pass. The scheduler
// drives passes on an interval and publishes the newest successful
// snapshot into a single-writer, multi-reader slot, so request-serving
// code never blocks on network I/O.
package snapshot
