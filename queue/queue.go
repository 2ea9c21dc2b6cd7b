package queue

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dailyyoga/httpq/cache"
	"github.com/dailyyoga/httpq/logger"
	"github.com/dailyyoga/httpq/routine"
	"go.uber.org/zap"
)

// RequestFilter selects requests for bulk cancellation
type RequestFilter func(r *Request) bool

// FinishedListener is notified whenever a request completes, successfully
// or not
type FinishedListener interface {
	OnRequestFinished(r *Request)
}

// RequestQueue accepts request submissions, deduplicates cacheable requests
// by cache key, and routes each request to the cache triage worker or
// straight to the network worker pool.
type RequestQueue struct {
	logger    logger.Logger
	cache     cache.Cache
	transport Transport
	delivery  Delivery
	poolSize  int

	seq atomic.Int64

	cacheQueue   *priorityQueue
	networkQueue *priorityQueue

	currentMu sync.Mutex
	current   map[*Request]struct{}

	// waiting stages deduplicated siblings per cache key. A key present
	// with a nil slice means one request is in flight with no siblings yet.
	waitingMu sync.Mutex
	waiting   map[string][]*Request

	finishedMu        sync.Mutex
	finishedListeners []FinishedListener

	runner          routine.Runner
	cacheDispatcher *cacheDispatcher
	dispatchers     []*networkDispatcher
}

// New creates a RequestQueue over the given collaborators. Start must be
// called before submissions are processed.
func New(log logger.Logger, c cache.Cache, t Transport, d Delivery, cfg *Config) (*RequestQueue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else if cfg.ThreadPoolSize == 0 {
		cfg.ThreadPoolSize = DefaultThreadPoolSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &RequestQueue{
		logger:       log,
		cache:        c,
		transport:    t,
		delivery:     d,
		poolSize:     cfg.ThreadPoolSize,
		cacheQueue:   newPriorityQueue(),
		networkQueue: newPriorityQueue(),
		current:      make(map[*Request]struct{}),
		waiting:      make(map[string][]*Request),
		runner:       routine.New(log),
	}, nil
}

// Start launches the cache triage worker and the network worker pool. Any
// previously running dispatchers are stopped first.
func (q *RequestQueue) Start() {
	q.Stop()

	q.cacheDispatcher = newCacheDispatcher(q.logger, q.cacheQueue, q.networkQueue, q.cache, q.delivery)
	q.runner.GoNamed("cache-dispatcher", q.cacheDispatcher.run)

	q.dispatchers = make([]*networkDispatcher, q.poolSize)
	for i := range q.dispatchers {
		d := newNetworkDispatcher(i, q.logger, q.networkQueue, q.transport, q.cache, q.delivery)
		q.dispatchers[i] = d
		q.runner.GoNamed(fmt.Sprintf("network-dispatcher-%d", i), d.run)
	}

	q.logger.Info("request queue started", zap.Int("network_workers", q.poolSize))
}

// Stop signals every dispatcher to quit and wakes any blocked take.
// In-flight requests are not guaranteed to be processed.
func (q *RequestQueue) Stop() {
	if q.cacheDispatcher != nil {
		q.cacheDispatcher.quit()
	}
	for _, d := range q.dispatchers {
		if d != nil {
			d.quit()
		}
	}
	q.cacheQueue.Interrupt()
	q.networkQueue.Interrupt()
}

// Cache returns the cache store backing this queue
func (q *RequestQueue) Cache() cache.Cache {
	return q.cache
}

// Submit registers r, assigns its sequence number and routes it into the
// pipeline. Cacheable requests whose cache key is already in flight are
// staged and released when the winning request finishes.
func (q *RequestQueue) Submit(r *Request) *Request {
	r.queue = q

	q.currentMu.Lock()
	q.current[r] = struct{}{}
	q.currentMu.Unlock()

	r.sequence = int(q.seq.Add(1))
	q.logger.Debug("add-to-queue", zap.String("request", r.String()))

	if !r.ShouldCache() {
		q.networkQueue.Push(r)
		return r
	}

	key := r.CacheKey()
	q.waitingMu.Lock()
	defer q.waitingMu.Unlock()
	if staged, inFlight := q.waiting[key]; inFlight {
		q.waiting[key] = append(staged, r)
		q.logger.Debug("request in flight, staging",
			zap.String("cache_key", key),
			zap.Int("staged", len(staged)+1),
		)
	} else {
		q.waiting[key] = nil
		q.cacheQueue.Push(r)
	}
	return r
}

// CancelAll cancels every current request the filter selects
func (q *RequestQueue) CancelAll(filter RequestFilter) {
	q.currentMu.Lock()
	defer q.currentMu.Unlock()
	for r := range q.current {
		if filter(r) {
			r.Cancel()
		}
	}
}

// CancelAllByTag cancels every current request carrying the given tag.
// A nil tag cancels nothing.
func (q *RequestQueue) CancelAllByTag(tag any) {
	if tag == nil {
		q.logger.Warn("CancelAllByTag called with nil tag")
		return
	}
	q.CancelAll(func(r *Request) bool {
		return r.Tag() == tag
	})
}

// AddFinishedListener registers a listener notified on every completion
func (q *RequestQueue) AddFinishedListener(l FinishedListener) {
	q.finishedMu.Lock()
	defer q.finishedMu.Unlock()
	q.finishedListeners = append(q.finishedListeners, l)
}

// RemoveFinishedListener removes a previously registered listener
func (q *RequestQueue) RemoveFinishedListener(l FinishedListener) {
	q.finishedMu.Lock()
	defer q.finishedMu.Unlock()
	for i, cur := range q.finishedListeners {
		if cur == l {
			q.finishedListeners = slices.Delete(q.finishedListeners, i, i+1)
			return
		}
	}
}

// finish removes r from the current set, notifies finished listeners, and
// releases any deduplicated siblings staged behind r's cache key onto the
// cache queue, where they can consume the entry r just produced.
func (q *RequestQueue) finish(r *Request, reason string) {
	q.currentMu.Lock()
	delete(q.current, r)
	q.currentMu.Unlock()

	q.finishedMu.Lock()
	listeners := slices.Clone(q.finishedListeners)
	q.finishedMu.Unlock()
	for _, l := range listeners {
		l.OnRequestFinished(r)
	}

	if r.ShouldCache() {
		key := r.CacheKey()
		q.waitingMu.Lock()
		staged := q.waiting[key]
		delete(q.waiting, key)
		q.waitingMu.Unlock()

		if len(staged) > 0 {
			q.logger.Debug("releasing staged requests",
				zap.String("cache_key", key),
				zap.Int("count", len(staged)),
			)
			for _, sibling := range staged {
				q.cacheQueue.Push(sibling)
			}
		}
	}

	q.logger.Debug("request finished",
		zap.String("request", r.String()),
		zap.String("reason", reason),
	)
}
