package queue

import (
	"net/http"
	"sync/atomic"

	"github.com/dailyyoga/httpq/cache"
	"github.com/dailyyoga/httpq/logger"
	"go.uber.org/zap"
)

// cacheDispatcher is the single worker draining the cache-bound queue. A
// fresh hit is delivered directly; a soft-expired hit is delivered as an
// intermediate response and then re-queued for a network refresh; misses
// and hard-expired hits go to the network queue.
type cacheDispatcher struct {
	logger       logger.Logger
	cacheQueue   *priorityQueue
	networkQueue *priorityQueue
	cache        cache.Cache
	delivery     Delivery
	done         atomic.Bool
}

func newCacheDispatcher(log logger.Logger, cacheQueue, networkQueue *priorityQueue, c cache.Cache, d Delivery) *cacheDispatcher {
	return &cacheDispatcher{
		logger:       log,
		cacheQueue:   cacheQueue,
		networkQueue: networkQueue,
		cache:        c,
		delivery:     d,
	}
}

// quit asks the dispatcher to exit; the owning queue interrupts the blocked
// take afterwards
func (d *cacheDispatcher) quit() {
	d.done.Store(true)
}

func (d *cacheDispatcher) run() {
	if err := d.cache.Initialize(); err != nil {
		d.logger.Error("cache initialization failed", zap.Error(err))
	}

	for {
		r, err := d.cacheQueue.Take()
		if err != nil {
			if d.done.Load() {
				return
			}
			continue
		}
		d.process(r)
	}
}

func (d *cacheDispatcher) process(r *Request) {
	d.logger.Debug("cache-queue-take", zap.String("request", r.String()))

	if r.IsCanceled() {
		r.finish("cache-discard-canceled")
		return
	}

	entry := d.cache.Get(r.CacheKey())
	if entry == nil {
		d.logger.Debug("cache-miss", zap.String("request", r.String()))
		d.networkQueue.Push(r)
		return
	}

	// Hard expired: must revalidate, but carry the entry so the network
	// stage can honor a 304.
	if entry.IsExpired() {
		d.logger.Debug("cache-hit-expired", zap.String("request", r.String()))
		r.setCacheEntry(entry)
		d.networkQueue.Push(r)
		return
	}

	d.logger.Debug("cache-hit", zap.String("request", r.String()))
	resp := r.parseNetworkResponse(&NetworkResponse{
		StatusCode: http.StatusOK,
		Data:       entry.Data,
		Headers:    entry.ResponseHeaders,
	})

	if !entry.RefreshNeeded() {
		d.delivery.PostResponse(r, resp, nil)
		return
	}

	// Soft-expired hit: deliver the stale-but-usable response marked as
	// intermediate, then re-queue for a network refresh once the caller
	// has observed it.
	d.logger.Debug("cache-hit-refresh-needed", zap.String("request", r.String()))
	r.setCacheEntry(entry)
	resp.Intermediate = true
	if resp.IsSuccess() {
		r.markDelivered()
	}
	d.delivery.PostResponse(r, resp, func() {
		d.networkQueue.Push(r)
	})
}
