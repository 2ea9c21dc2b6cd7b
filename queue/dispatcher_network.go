package queue

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dailyyoga/httpq/cache"
	"github.com/dailyyoga/httpq/logger"
	"go.uber.org/zap"
)

// networkDispatcher is one worker of the pool draining the network-bound
// queue: it performs the transport exchange with conditional headers,
// translates the status (304, redirects, auth, server errors), drives the
// request's retry policy, writes the cache and posts the parsed response.
type networkDispatcher struct {
	id        int
	logger    logger.Logger
	queue     *priorityQueue
	transport Transport
	cache     cache.Cache
	delivery  Delivery
	done      atomic.Bool
}

func newNetworkDispatcher(id int, log logger.Logger, q *priorityQueue, t Transport, c cache.Cache, d Delivery) *networkDispatcher {
	return &networkDispatcher{
		id:        id,
		logger:    log,
		queue:     q,
		transport: t,
		cache:     c,
		delivery:  d,
	}
}

// quit asks the dispatcher to exit; the owning queue interrupts the blocked
// take afterwards
func (d *networkDispatcher) quit() {
	d.done.Store(true)
}

func (d *networkDispatcher) run() {
	for {
		r, err := d.queue.Take()
		if err != nil {
			if d.done.Load() {
				return
			}
			continue
		}
		d.process(r)
	}
}

func (d *networkDispatcher) process(r *Request) {
	start := time.Now()
	d.logger.Debug("network-queue-take",
		zap.Int("worker", d.id),
		zap.String("request", r.String()),
	)

	if r.IsCanceled() {
		r.finish("network-discard-cancelled")
		return
	}

	resp, err := d.perform(r, start)
	if err != nil {
		setErrorNetworkTime(err, time.Since(start))
		d.deliverError(r, err)
		return
	}
	d.logger.Debug("network-http-complete", zap.String("request", r.String()))

	// A 304 after the caller already saw the cached body is redundant.
	if resp.NotModified && r.ResponseDelivered() {
		r.finish("not-modified")
		return
	}

	parsed := r.parseNetworkResponse(resp)
	d.logger.Debug("network-parse-complete", zap.String("request", r.String()))
	if !parsed.IsSuccess() {
		setErrorNetworkTime(parsed.Err, time.Since(start))
		d.deliverError(r, parsed.Err)
		return
	}

	// Write the cache before delivering. A 304 leaves the stored body
	// untouched; the merged headers travel with the delivered entry only.
	if r.ShouldCache() && parsed.CacheEntry != nil && !resp.NotModified {
		if err := d.cache.Put(r.CacheKey(), parsed.CacheEntry); err != nil {
			d.logger.Warn("cache write failed",
				zap.String("cache_key", r.CacheKey()),
				zap.Error(err),
			)
		} else {
			d.logger.Debug("network-cache-written", zap.String("request", r.String()))
		}
	}

	r.markDelivered()
	d.delivery.PostResponse(r, parsed, nil)
}

// deliverError refines err and posts it, unless an intermediate response
// was already delivered, in which case the failed refresh is dropped.
func (d *networkDispatcher) deliverError(r *Request, err error) {
	err = r.refineError(err)
	if r.ResponseDelivered() {
		d.logger.Warn("dropping refresh failure after intermediate delivery",
			zap.String("request", r.String()),
			zap.Error(err),
		)
		r.finish("refresh-giveup")
		return
	}
	d.delivery.PostError(r, err)
}

// perform runs the transport exchange inside the retry/redirect loop and
// returns the translated response
func (d *networkDispatcher) perform(r *Request, start time.Time) (*NetworkResponse, error) {
	for {
		extra := make(map[string]string)
		if entry := r.CacheEntry(); entry != nil {
			if entry.ETag != "" {
				extra["If-None-Match"] = entry.ETag
			}
			if entry.LastModified > 0 {
				extra["If-Modified-Since"] = time.UnixMilli(entry.LastModified).UTC().Format(http.TimeFormat)
			}
		}

		tr, err := d.transport.Perform(r, extra, r.RetryPolicy().CurrentTimeout())
		if err != nil {
			switch {
			case isTimeout(err):
				if rerr := d.attemptRetry("socket", r, &TimeoutError{}); rerr != nil {
					return nil, rerr
				}
				continue
			case errors.Is(err, ErrMalformedURL):
				return nil, &NetworkError{Cause: err}
			default:
				return nil, &NoConnectionError{Cause: err}
			}
		}

		status := tr.StatusCode
		headers := tr.Headers
		if headers == nil {
			headers = make(map[string]string)
		}

		if status == http.StatusNotModified {
			discardBody(tr.Body)
			elapsed := time.Since(start)
			entry := r.CacheEntry()
			if entry == nil {
				// 304 without a seeding entry: deliver an empty body.
				return &NetworkResponse{
					StatusCode:  status,
					Headers:     headers,
					NotModified: true,
					NetworkTime: elapsed,
				}, nil
			}
			if entry.ResponseHeaders == nil {
				entry.ResponseHeaders = make(map[string]string)
			}
			for name, value := range headers {
				entry.ResponseHeaders[name] = value
			}
			return &NetworkResponse{
				StatusCode:  status,
				Data:        entry.Data,
				Headers:     entry.ResponseHeaders,
				NotModified: true,
				NetworkTime: elapsed,
			}, nil
		}

		if status == http.StatusMovedPermanently || status == http.StatusFound {
			discardBody(tr.Body)
			r.setRedirectURL(headerValue(headers, "Location"))
			redirect := &RedirectError{Response: &NetworkResponse{
				StatusCode:  status,
				Headers:     headers,
				NetworkTime: time.Since(start),
			}}
			if rerr := d.attemptRetry("redirect", r, redirect); rerr != nil {
				return nil, rerr
			}
			continue
		}

		data, err := readBody(tr.Body)
		if err != nil {
			return nil, &NetworkError{Cause: err}
		}
		resp := &NetworkResponse{
			StatusCode:  status,
			Data:        data,
			Headers:     headers,
			NetworkTime: time.Since(start),
		}

		switch {
		case status >= 200 && status <= 299:
			return resp, nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			if rerr := d.attemptRetry("auth", r, &AuthFailureError{Response: resp}); rerr != nil {
				return nil, rerr
			}
			continue
		default:
			return nil, &ServerError{Response: resp}
		}
	}
}

// attemptRetry feeds cause to the request's retry policy. It returns nil
// when another attempt may be made and cause once attempts are exhausted.
func (d *networkDispatcher) attemptRetry(logPrefix string, r *Request, cause error) error {
	policy := r.RetryPolicy()
	oldTimeout := policy.CurrentTimeout()
	if err := policy.Retry(cause); err != nil {
		d.logger.Debug(logPrefix+"-giveup",
			zap.Duration("timeout", oldTimeout),
			zap.String("request", r.String()),
		)
		return err
	}
	d.logger.Debug(logPrefix+"-retry",
		zap.Duration("timeout", oldTimeout),
		zap.String("request", r.String()),
	)
	return nil
}

// isTimeout reports whether err is a connect or read timeout
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readBuffers recycles the small copy buffers used to stream response
// bodies
var readBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, 1024)
		return &b
	},
}

// readBody drains rc through a pooled buffer and closes it. An empty or
// absent body yields a zero-length slice.
func readBody(rc io.ReadCloser) ([]byte, error) {
	if rc == nil {
		return []byte{}, nil
	}
	defer rc.Close()

	buf := readBuffers.Get().(*[]byte)
	defer readBuffers.Put(buf)

	var out bytes.Buffer
	for {
		n, err := rc.Read(*buf)
		out.Write((*buf)[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if out.Len() == 0 {
		return []byte{}, nil
	}
	return out.Bytes(), nil
}

// discardBody drains and closes a body the pipeline does not need
func discardBody(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}
