// Package queue implements the priority-ordered request pipeline: a request
// queue with in-flight deduplication feeding a cache triage worker and a
// pool of network workers, with responses posted back on a caller-selected
// delivery executor.
package queue

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dailyyoga/httpq/cache"
	"github.com/dailyyoga/httpq/retry"
)

// DefaultParamsEncoding is the charset advertised for form-encoded bodies
const DefaultParamsEncoding = "UTF-8"

// Method is the HTTP method of a request
type Method int

// Supported request methods. MethodLegacyGetOrPost resolves to POST when a
// body is present and GET otherwise.
const (
	MethodLegacyGetOrPost Method = -1
	MethodGet             Method = 0
	MethodPost            Method = 1
	MethodPut             Method = 2
	MethodDelete          Method = 3
	MethodHead            Method = 4
	MethodOptions         Method = 5
	MethodTrace           Method = 6
	MethodPatch           Method = 7
)

// String returns the HTTP wire name of the method
func (m Method) String() string {
	switch m {
	case MethodLegacyGetOrPost:
		return "GET_OR_POST"
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case MethodHead:
		return "HEAD"
	case MethodOptions:
		return "OPTIONS"
	case MethodTrace:
		return "TRACE"
	case MethodPatch:
		return "PATCH"
	default:
		return fmt.Sprintf("METHOD(%d)", int(m))
	}
}

// Priority orders requests within the pipeline queues
type Priority int

// Priorities from lowest to highest
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityImmediate:
		return "IMMEDIATE"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParseFunc transforms a raw network response into a typed result plus an
// optional cache entry to be written. It runs on a pipeline worker.
type ParseFunc[T any] func(resp *NetworkResponse) (T, *cache.Entry, error)

// Listener receives a parsed result on the delivery executor. intermediate
// is true when the result came from a soft-expired cache entry and a fresh
// response may follow.
type Listener[T any] func(result T, intermediate bool)

// ErrorListener receives the terminal error of a request on the delivery
// executor.
type ErrorListener func(err error)

// Request is a single submission to the pipeline. It is created by one of
// the constructors, optionally adjusted through the setters, and then handed
// to RequestQueue.Submit; it must not be modified afterwards.
type Request struct {
	method         Method
	url            string
	identifier     string
	headers        map[string]string
	params         map[string]string
	paramsEncoding string
	body           []byte
	bodyType       string
	priority       Priority
	cacheKey       string
	shouldCache    bool
	retryPolicy    retry.Policy
	tag            any

	parse     func(resp *NetworkResponse) *Response
	refine    func(err error) error
	onSuccess func(result any, intermediate bool)
	onError   ErrorListener

	// managed by the pipeline after submission
	queue             *RequestQueue
	sequence          int
	redirectURL       string
	cacheEntry        *cache.Entry
	canceled          atomic.Bool
	responseDelivered atomic.Bool
}

// NewRequest creates a request whose network bytes are parsed by parse into
// a T. listener and errListener are invoked on the delivery executor; for a
// non-canceled request one of them fires with the final outcome. A
// soft-expired cache hit additionally calls listener once beforehand with
// intermediate set to true.
func NewRequest[T any](method Method, rawURL string, parse ParseFunc[T], listener Listener[T], errListener ErrorListener) *Request {
	r := &Request{
		method:         method,
		url:            rawURL,
		identifier:     newIdentifier(method, rawURL),
		priority:       PriorityNormal,
		shouldCache:    true,
		paramsEncoding: DefaultParamsEncoding,
		retryPolicy:    retry.NewDefaultPolicy(),
		onError:        errListener,
	}
	r.parse = func(resp *NetworkResponse) *Response {
		result, entry, err := parse(resp)
		if err != nil {
			return ErrorResponse(&ParseError{Cause: err})
		}
		return SuccessResponse(result, entry)
	}
	if listener != nil {
		r.onSuccess = func(result any, intermediate bool) {
			v, _ := result.(T)
			listener(v, intermediate)
		}
	}
	return r
}

var identifierCounter atomic.Uint64

// newIdentifier derives a per-submission unique identifier from the method,
// URL, wall clock and a process-wide counter
func newIdentifier(method Method, url string) string {
	seed := fmt.Sprintf("Request:%d:%s:%d:%d",
		int(method), url, time.Now().UnixMilli(), identifierCounter.Add(1)-1)
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Method returns the request method
func (r *Request) Method() Method { return r.method }

// OriginURL returns the URL the request was created with
func (r *Request) OriginURL() string { return r.url }

// URL returns the effective URL: the redirect target if a redirect has been
// followed, otherwise the origin URL
func (r *Request) URL() string {
	if r.redirectURL != "" {
		return r.redirectURL
	}
	return r.url
}

// Identifier returns the unique identifier assigned at construction
func (r *Request) Identifier() string { return r.identifier }

// Headers returns the caller-supplied request headers
func (r *Request) Headers() map[string]string { return r.headers }

// SetHeader sets a request header
func (r *Request) SetHeader(name, value string) *Request {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[name] = value
	return r
}

// SetParams sets the form parameters encoded into the body for POST, PUT
// and PATCH requests
func (r *Request) SetParams(params map[string]string) *Request {
	r.params = params
	return r
}

// SetParamsEncoding overrides the charset advertised for form-encoded bodies
func (r *Request) SetParamsEncoding(encoding string) *Request {
	r.paramsEncoding = encoding
	return r
}

// SetBody sets an explicit body and content type, bypassing form encoding
func (r *Request) SetBody(body []byte, contentType string) *Request {
	r.body = body
	r.bodyType = contentType
	return r
}

// Body returns the request body and its content type. Without an explicit
// body, non-empty params are URL-encoded into a form body. A nil body means
// the request has none.
func (r *Request) Body() ([]byte, string) {
	if r.body != nil {
		return r.body, r.bodyType
	}
	if len(r.params) == 0 {
		return nil, ""
	}
	values := url.Values{}
	for k, v := range r.params {
		values.Set(k, v)
	}
	return []byte(values.Encode()), r.BodyContentType()
}

// BodyContentType returns the content type advertised for the body
func (r *Request) BodyContentType() string {
	if r.bodyType != "" {
		return r.bodyType
	}
	return "application/x-www-form-urlencoded; charset=" + r.paramsEncoding
}

// Priority returns the request priority
func (r *Request) Priority() Priority { return r.priority }

// SetPriority sets the request priority
func (r *Request) SetPriority(p Priority) *Request {
	r.priority = p
	return r
}

// CacheKey returns the key under which responses for this request are
// cached and deduplicated. It defaults to the effective URL.
func (r *Request) CacheKey() string {
	if r.cacheKey != "" {
		return r.cacheKey
	}
	return r.URL()
}

// SetCacheKey overrides the cache key
func (r *Request) SetCacheKey(key string) *Request {
	r.cacheKey = key
	return r
}

// ShouldCache reports whether responses may be cached and the request may
// be deduplicated
func (r *Request) ShouldCache() bool { return r.shouldCache }

// SetShouldCache toggles caching and deduplication for this request
func (r *Request) SetShouldCache(shouldCache bool) *Request {
	r.shouldCache = shouldCache
	return r
}

// Tag returns the opaque tag used for bulk cancellation
func (r *Request) Tag() any { return r.tag }

// SetTag sets an opaque tag for bulk cancellation
func (r *Request) SetTag(tag any) *Request {
	r.tag = tag
	return r
}

// RetryPolicy returns the retry policy owned by this request
func (r *Request) RetryPolicy() retry.Policy { return r.retryPolicy }

// SetRetryPolicy replaces the retry policy
func (r *Request) SetRetryPolicy(p retry.Policy) *Request {
	r.retryPolicy = p
	return r
}

// SetParseError installs a refinement applied to network errors before they
// reach the error listener
func (r *Request) SetParseError(refine func(err error) error) *Request {
	r.refine = refine
	return r
}

// Sequence returns the submission sequence number assigned by the queue
func (r *Request) Sequence() int { return r.sequence }

// Cancel marks the request as canceled. Cancellation is cooperative: a
// request already on the wire may complete its network I/O, but no listener
// will be invoked.
func (r *Request) Cancel() {
	r.canceled.Store(true)
}

// IsCanceled reports whether Cancel has been called
func (r *Request) IsCanceled() bool {
	return r.canceled.Load()
}

// ResponseDelivered reports whether a success response (including an
// intermediate one) has been posted for delivery. The flag is set when the
// response is posted, before the listener runs.
func (r *Request) ResponseDelivered() bool {
	return r.responseDelivered.Load()
}

func (r *Request) markDelivered() {
	r.responseDelivered.Store(true)
}

// CacheEntry returns the cache entry that seeded this attempt, if any
func (r *Request) CacheEntry() *cache.Entry { return r.cacheEntry }

func (r *Request) setCacheEntry(entry *cache.Entry) {
	r.cacheEntry = entry
}

func (r *Request) setRedirectURL(redirectURL string) {
	r.redirectURL = redirectURL
}

// finish tells the owning queue this request is done
func (r *Request) finish(reason string) {
	if r.queue != nil {
		r.queue.finish(r, reason)
	}
}

// parseNetworkResponse runs the request's parser on a worker
func (r *Request) parseNetworkResponse(resp *NetworkResponse) *Response {
	return r.parse(resp)
}

// refineError applies the request's error refinement, if any
func (r *Request) refineError(err error) error {
	if r.refine != nil {
		return r.refine(err)
	}
	return err
}

// deliverResponse hands a parsed result to the listener
func (r *Request) deliverResponse(result any, intermediate bool) {
	if r.onSuccess != nil {
		r.onSuccess(result, intermediate)
	}
}

// deliverError hands a terminal error to the error listener
func (r *Request) deliverError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

// String renders the request for logging
func (r *Request) String() string {
	mark := "[ ]"
	if r.IsCanceled() {
		mark = "[X]"
	}
	return fmt.Sprintf("%s %s %s %s %d", mark, r.method, r.URL(), r.priority, r.sequence)
}
