package queue

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dailyyoga/httpq/cache"
)

// ParseCacheHeaders derives a cache entry from a network response using the
// standard freshness headers: Cache-Control max-age (or the Expires/Date
// pair as fallback) sets both expiries, ETag and Last-Modified become the
// revalidation validators. It returns nil only when the response forbids
// caching (no-cache / no-store); without any freshness information the
// entry is still returned, with TTL and SoftTTL left at 0.
func ParseCacheHeaders(resp *NetworkResponse) *cache.Entry {
	now := time.Now().UnixMilli()

	var serverDate, lastModified, serverExpires, maxAge int64
	hasCacheControl := false

	if v := resp.Header("Date"); v != "" {
		serverDate = parseDateMillis(v)
	}
	if v := resp.Header("Cache-Control"); v != "" {
		hasCacheControl = true
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			switch {
			case token == "no-cache" || token == "no-store":
				return nil
			case strings.HasPrefix(token, "max-age="):
				if n, err := strconv.ParseInt(token[len("max-age="):], 10, 64); err == nil {
					maxAge = n
				}
			}
		}
	}
	if v := resp.Header("Expires"); v != "" {
		serverExpires = parseDateMillis(v)
	}
	if v := resp.Header("Last-Modified"); v != "" {
		lastModified = parseDateMillis(v)
	}

	var expiry int64
	switch {
	case hasCacheControl:
		expiry = now + maxAge*1000
	case serverDate > 0 && serverExpires >= serverDate:
		expiry = now + (serverExpires - serverDate)
	}

	return &cache.Entry{
		Data:            resp.Data,
		ETag:            resp.Header("ETag"),
		ServerDate:      serverDate,
		LastModified:    lastModified,
		TTL:             expiry,
		SoftTTL:         expiry,
		ResponseHeaders: resp.Headers,
	}
}

// parseDateMillis parses an HTTP date into millisecond epoch, 0 on failure
func parseDateMillis(value string) int64 {
	t, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
