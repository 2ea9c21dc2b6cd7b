package queue

import (
	"encoding/json"

	"github.com/dailyyoga/httpq/cache"
)

// NewBytesRequest creates a request delivering the raw response body.
// Cache metadata is derived from the response headers.
func NewBytesRequest(method Method, url string, listener Listener[[]byte], errListener ErrorListener) *Request {
	return NewRequest(method, url, func(resp *NetworkResponse) ([]byte, *cache.Entry, error) {
		return resp.Data, ParseCacheHeaders(resp), nil
	}, listener, errListener)
}

// NewStringRequest creates a request delivering the response body as a
// string. Cache metadata is derived from the response headers.
func NewStringRequest(method Method, url string, listener Listener[string], errListener ErrorListener) *Request {
	return NewRequest(method, url, func(resp *NetworkResponse) (string, *cache.Entry, error) {
		return string(resp.Data), ParseCacheHeaders(resp), nil
	}, listener, errListener)
}

// NewJSONRequest creates a request unmarshaling the response body into a T.
// Cache metadata is derived from the response headers.
func NewJSONRequest[T any](method Method, url string, listener Listener[T], errListener ErrorListener) *Request {
	return NewRequest(method, url, func(resp *NetworkResponse) (T, *cache.Entry, error) {
		var v T
		if len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, &v); err != nil {
				return v, nil, err
			}
		}
		return v, ParseCacheHeaders(resp), nil
	}, listener, errListener)
}
