package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// keyPrefix namespaces store keys so the Redis database can be shared.
const keyPrefix = "orders:cache:"

// Key computes the deterministic fingerprint for a request: the normalized
// URL plus sorted query parameters, hashed so the key length is bounded
// regardless of query size.
//
// Normalization: scheme and host are lowercased, trailing path slashes are
// kept as-is (the API treats them as significant), query parameters are
// sorted by name and, within a name, by value.
func Key(rawURL string, query url.Values) string {
	var b strings.Builder

	if u, err := url.Parse(rawURL); err == nil {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.RawQuery = ""
		u.Fragment = ""
		b.WriteString(u.String())
	} else {
		b.WriteString(rawURL)
	}

	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := append([]string(nil), query[name]...)
			sort.Strings(values)
			for _, v := range values {
				b.WriteByte('?')
				b.WriteString(name)
				b.WriteByte('=')
				b.WriteString(v)
			}
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return keyPrefix + hex.EncodeToString(sum[:])
}
