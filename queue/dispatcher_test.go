package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dailyyoga/httpq/cache"
	"github.com/dailyyoga/httpq/retry"
)

// deliveryLog records every (result, intermediate) pair a listener observes
// and every error an error listener receives
type deliveryLog struct {
	mu      sync.Mutex
	results []deliveredResult
	errs    []error
}

type deliveredResult struct {
	body         string
	intermediate bool
}

func (dl *deliveryLog) listener() Listener[string] {
	return func(s string, intermediate bool) {
		dl.mu.Lock()
		dl.results = append(dl.results, deliveredResult{body: s, intermediate: intermediate})
		dl.mu.Unlock()
	}
}

func (dl *deliveryLog) errListener() ErrorListener {
	return func(err error) {
		dl.mu.Lock()
		dl.errs = append(dl.errs, err)
		dl.mu.Unlock()
	}
}

func (dl *deliveryLog) snapshot() ([]deliveredResult, []error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return append([]deliveredResult(nil), dl.results...), append([]error(nil), dl.errs...)
}

func cachedEntry(body string, ttl, softTTL int64) *cache.Entry {
	return &cache.Entry{
		Data:            []byte(body),
		TTL:             ttl,
		SoftTTL:         softTTL,
		ResponseHeaders: map[string]string{"Content-Type": "text/plain"},
	}
}

func TestCacheHitFreshDeliveredWithoutNetwork(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	mc := newMemCache()
	mc.entries["http://example.com/x"] = cachedEntry("X", future, future)

	tr := &fakeTransport{}
	q := newTestQueue(t, mc, tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	q.Submit(NewStringRequest(MethodGet, "http://example.com/x", dl.listener(), dl.errListener()))

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	results, errs := dl.snapshot()
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want none", errs)
	}
	if len(results) != 1 || results[0].body != "X" || results[0].intermediate {
		t.Fatalf("results = %+v, want one final %q", results, "X")
	}
	if got := tr.callCount(); got != 0 {
		t.Fatalf("transport calls = %d, want 0 on fresh hit", got)
	}
}

func TestConditionalGet304(t *testing.T) {
	entry := cachedEntry("X", 0, 0) // hard expired: must revalidate
	entry.ETag = "v1"
	entry.LastModified = time.Now().Add(-time.Hour).UnixMilli()
	mc := newMemCache()
	mc.entries["http://example.com/x"] = entry

	const freshDate = "Tue, 04 Aug 2026 10:00:00 GMT"
	tr := &fakeTransport{}
	tr.handler = func(call int, r *Request, extra map[string]string, timeout time.Duration) (*TransportResponse, error) {
		if extra["If-None-Match"] != "v1" {
			t.Errorf("If-None-Match = %q, want v1", extra["If-None-Match"])
		}
		if extra["If-Modified-Since"] == "" {
			t.Error("If-Modified-Since missing")
		}
		return &TransportResponse{
			StatusCode: 304,
			Headers:    map[string]string{"Date": freshDate},
		}, nil
	}
	q := newTestQueue(t, mc, tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	var mu sync.Mutex
	var gotBody, gotDate string
	r := NewRequest(MethodGet, "http://example.com/x", func(resp *NetworkResponse) (string, *cache.Entry, error) {
		return string(resp.Data), ParseCacheHeaders(resp), nil
	}, func(s string, intermediate bool) {
		mu.Lock()
		gotBody = s
		mu.Unlock()
	}, nil)
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	mu.Lock()
	body := gotBody
	mu.Unlock()
	if body != "X" {
		t.Fatalf("delivered body = %q, want cached %q", body, "X")
	}
	if got := mc.putCount(); got != 0 {
		t.Fatalf("cache puts = %d, want 0 on 304", got)
	}
	// The merged headers must carry the fresh Date from the 304.
	if gotDate = headerValue(entry.ResponseHeaders, "Date"); gotDate != freshDate {
		t.Fatalf("merged Date = %q, want %q", gotDate, freshDate)
	}
}

func TestSoftExpiredDeliversIntermediateThenFresh(t *testing.T) {
	now := time.Now().UnixMilli()
	mc := newMemCache()
	mc.entries["http://example.com/x"] = cachedEntry("X", now+10_000, now-1)

	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return okResponse("Y", map[string]string{"Cache-Control": "max-age=60"}), nil
	}
	q := newTestQueue(t, mc, tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	q.Submit(NewStringRequest(MethodGet, "http://example.com/x", dl.listener(), dl.errListener()))

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	results, errs := dl.snapshot()
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want none", errs)
	}
	want := []deliveredResult{
		{body: "X", intermediate: true},
		{body: "Y", intermediate: false},
	}
	if len(results) != 2 || results[0] != want[0] || results[1] != want[1] {
		t.Fatalf("results = %+v, want %+v", results, want)
	}
}

func TestHardExpiredDeliversOnlyFresh(t *testing.T) {
	now := time.Now().UnixMilli()
	mc := newMemCache()
	mc.entries["http://example.com/x"] = cachedEntry("X", now-1, now-1)

	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return okResponse("Y", nil), nil
	}
	q := newTestQueue(t, mc, tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	q.Submit(NewStringRequest(MethodGet, "http://example.com/x", dl.listener(), dl.errListener()))

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	results, _ := dl.snapshot()
	if len(results) != 1 {
		t.Fatalf("results = %+v, want exactly one delivery", results)
	}
	if results[0].intermediate {
		t.Fatal("hard-expired hit produced an intermediate delivery")
	}
	if results[0].body != "Y" {
		t.Fatalf("body = %q, want fresh %q", results[0].body, "Y")
	}
}

func TestRetryExhaustOnTimeouts(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return nil, timeoutErr{}
	}
	q := newTestQueue(t, newMemCache(), tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	r := NewStringRequest(MethodGet, "http://example.com/slow", dl.listener(), dl.errListener())
	r.SetShouldCache(false)
	r.SetRetryPolicy(retry.NewPolicy(100*time.Millisecond, 2, 1.0))
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	if got := tr.callCount(); got != 3 {
		t.Fatalf("transport calls = %d, want 3 (initial + 2 retries)", got)
	}
	wantTimeouts := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range wantTimeouts {
		if got := tr.call(i).timeout; got != w {
			t.Fatalf("attempt %d timeout = %v, want %v", i, got, w)
		}
	}

	results, errs := dl.snapshot()
	if len(results) != 0 {
		t.Fatalf("results = %+v, want none", results)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want exactly one", errs)
	}
	var te *TimeoutError
	if !errors.As(errs[0], &te) {
		t.Fatalf("error = %T, want *TimeoutError", errs[0])
	}
}

func TestNoConnectionNotRetried(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return nil, errors.New("connection refused")
	}
	q := newTestQueue(t, newMemCache(), tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	r := NewStringRequest(MethodGet, "http://example.com/x", dl.listener(), dl.errListener())
	r.SetShouldCache(false)
	r.SetRetryPolicy(retry.NewPolicy(100*time.Millisecond, 5, 1.0))
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	if got := tr.callCount(); got != 1 {
		t.Fatalf("transport calls = %d, want 1 (no retry without a response)", got)
	}
	_, errs := dl.snapshot()
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one", errs)
	}
	var nce *NoConnectionError
	if !errors.As(errs[0], &nce) {
		t.Fatalf("error = %T, want *NoConnectionError", errs[0])
	}
}

func TestRedirectRetriesWithNewURL(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call int, r *Request, extra map[string]string, timeout time.Duration) (*TransportResponse, error) {
		if call == 0 {
			return &TransportResponse{
				StatusCode: 302,
				Headers:    map[string]string{"Location": "http://example.com/moved"},
			}, nil
		}
		return okResponse("done", nil), nil
	}
	q := newTestQueue(t, newMemCache(), tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	r := NewStringRequest(MethodGet, "http://example.com/old", dl.listener(), dl.errListener())
	r.SetShouldCache(false)
	r.SetRetryPolicy(retry.NewPolicy(time.Second, 1, 1.0))
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	if got := tr.callCount(); got != 2 {
		t.Fatalf("transport calls = %d, want 2", got)
	}
	if got := tr.call(1).url; got != "http://example.com/moved" {
		t.Fatalf("second attempt url = %s, want redirect target", got)
	}
	results, errs := dl.snapshot()
	if len(errs) != 0 || len(results) != 1 || results[0].body != "done" {
		t.Fatalf("results = %+v errs = %v, want single %q", results, errs, "done")
	}
}

func TestAuthFailureRetried(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call int, r *Request, extra map[string]string, timeout time.Duration) (*TransportResponse, error) {
		if call == 0 {
			return &TransportResponse{StatusCode: 401, Headers: map[string]string{}}, nil
		}
		return okResponse("ok", nil), nil
	}
	q := newTestQueue(t, newMemCache(), tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	r := NewStringRequest(MethodGet, "http://example.com/auth", dl.listener(), dl.errListener())
	r.SetShouldCache(false)
	r.SetRetryPolicy(retry.NewPolicy(time.Second, 1, 1.0))
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	if got := tr.callCount(); got != 2 {
		t.Fatalf("transport calls = %d, want 2", got)
	}
	results, errs := dl.snapshot()
	if len(errs) != 0 || len(results) != 1 || results[0].body != "ok" {
		t.Fatalf("results = %+v errs = %v", results, errs)
	}
}

func TestServerErrorDelivered(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return &TransportResponse{StatusCode: 500, Headers: map[string]string{}}, nil
	}
	q := newTestQueue(t, newMemCache(), tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	r := NewStringRequest(MethodGet, "http://example.com/broken", dl.listener(), dl.errListener())
	r.SetShouldCache(false)
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	_, errs := dl.snapshot()
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one", errs)
	}
	var se *ServerError
	if !errors.As(errs[0], &se) {
		t.Fatalf("error = %T, want *ServerError", errs[0])
	}
	if se.Response == nil || se.Response.StatusCode != 500 {
		t.Fatalf("ServerError.Response = %+v, want status 500 snapshot", se.Response)
	}
}

func TestRefreshFailureAfterIntermediateDropped(t *testing.T) {
	now := time.Now().UnixMilli()
	mc := newMemCache()
	mc.entries["http://example.com/x"] = cachedEntry("X", now+10_000, now-1)

	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return nil, errors.New("connection refused")
	}
	q := newTestQueue(t, mc, tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	q.Submit(NewStringRequest(MethodGet, "http://example.com/x", dl.listener(), dl.errListener()))

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	results, errs := dl.snapshot()
	if len(results) != 1 || !results[0].intermediate || results[0].body != "X" {
		t.Fatalf("results = %+v, want single intermediate %q", results, "X")
	}
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want refresh failure dropped", errs)
	}
}

func TestEmptyBodyDelivered(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(int, *Request, map[string]string, time.Duration) (*TransportResponse, error) {
		return &TransportResponse{StatusCode: 204, Headers: map[string]string{}}, nil
	}
	q := newTestQueue(t, newMemCache(), tr, 1)
	fin := newFinishedRecorder()
	q.AddFinishedListener(fin)

	dl := &deliveryLog{}
	r := NewStringRequest(MethodGet, "http://example.com/empty", dl.listener(), dl.errListener())
	r.SetShouldCache(false)
	q.Submit(r)

	q.Start()
	defer q.Stop()
	fin.wait(t, 1)

	results, errs := dl.snapshot()
	if len(errs) != 0 || len(results) != 1 || results[0].body != "" {
		t.Fatalf("results = %+v errs = %v, want single empty body", results, errs)
	}
}
