package queue

import "github.com/dailyyoga/httpq/cache"

// Response is the outcome of a request: either a parsed result with an
// optional cache entry, or a terminal error.
type Response struct {
	// Result is the parsed value produced by the request's parser
	Result any

	// CacheEntry is the entry the parser produced for caching, if any
	CacheEntry *cache.Entry

	// Intermediate marks a result served from a soft-expired cache entry;
	// a fresh result may follow
	Intermediate bool

	// Err is the terminal error, nil on success
	Err error
}

// SuccessResponse builds a successful response
func SuccessResponse(result any, entry *cache.Entry) *Response {
	return &Response{Result: result, CacheEntry: entry}
}

// ErrorResponse builds a failed response
func ErrorResponse(err error) *Response {
	return &Response{Err: err}
}

// IsSuccess reports whether the response carries a result
func (r *Response) IsSuccess() bool {
	return r.Err == nil
}
