// Package httpq assembles the request pipeline the way applications
// typically consume it: a disk cache in the given directory, the default
// net/http transport, and a serial delivery executor.
//
// For custom wiring (own transport, own delivery context, null cache) use
// the queue, cache and transport packages directly.
package httpq

import (
	"github.com/dailyyoga/httpq/cache"
	"github.com/dailyyoga/httpq/logger"
	"github.com/dailyyoga/httpq/queue"
	"github.com/dailyyoga/httpq/transport"
)

// New builds and starts a request pipeline caching into cacheDir. The
// returned stop function shuts down the dispatchers and the delivery
// executor; pending listeners run before it returns.
func New(log logger.Logger, cacheDir string) (*queue.RequestQueue, func(), error) {
	if log == nil {
		var err error
		if log, err = logger.New(nil); err != nil {
			return nil, nil, err
		}
	}

	store, err := cache.New(log, &cache.Config{Dir: cacheDir})
	if err != nil {
		return nil, nil, err
	}

	executor := queue.NewSerialExecutor(log)
	delivery := queue.NewExecutorDelivery(log, executor.Execute)

	q, err := queue.New(log, store, transport.New(log, nil), delivery, nil)
	if err != nil {
		executor.Close()
		return nil, nil, err
	}
	q.Start()

	stop := func() {
		q.Stop()
		executor.Close()
	}
	return q, stop, nil
}
