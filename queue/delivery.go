package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dailyyoga/httpq/logger"
	"github.com/dailyyoga/httpq/routine"
	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

// Delivery posts responses and errors onto the caller-selected execution
// context. Listeners never run inline on a dispatcher worker.
type Delivery interface {
	// PostResponse hands resp to the request's listener. andThen, if
	// non-nil, runs on the delivery context after the listener returns;
	// the cache triage worker uses it to schedule a refresh enqueue.
	PostResponse(r *Request, resp *Response, andThen func())

	// PostError hands a terminal error to the request's error listener
	PostError(r *Request, err error)
}

// Executor runs a task on some execution context
type Executor func(task func())

// executorDelivery implements Delivery over an Executor
type executorDelivery struct {
	logger  logger.Logger
	execute Executor
}

// NewExecutorDelivery creates a Delivery posting through execute. The
// executor decides where listeners run; tasks must be executed in the order
// they are submitted.
func NewExecutorDelivery(log logger.Logger, execute Executor) Delivery {
	return &executorDelivery{
		logger:  log,
		execute: execute,
	}
}

func (d *executorDelivery) PostResponse(r *Request, resp *Response, andThen func()) {
	d.execute(func() {
		d.deliver(r, resp, andThen)
	})
}

func (d *executorDelivery) PostError(r *Request, err error) {
	d.execute(func() {
		d.deliver(r, ErrorResponse(err), nil)
	})
}

// deliver runs on the delivery context. A canceled request swallows the
// response; a non-intermediate delivery finishes the request.
func (d *executorDelivery) deliver(r *Request, resp *Response, andThen func()) {
	if r.IsCanceled() {
		r.finish("canceled-at-delivery")
		return
	}

	if resp.IsSuccess() {
		r.markDelivered()
		r.deliverResponse(resp.Result, resp.Intermediate)
	} else {
		r.deliverError(resp.Err)
	}

	if resp.Intermediate {
		d.logger.Debug("intermediate-response", zap.String("request", r.String()))
	} else {
		r.finish("done")
	}

	if andThen != nil {
		andThen()
	}
}

// SerialExecutor is a single-goroutine Executor with an unbounded task
// queue, so posting from a dispatcher never blocks. It is the default
// delivery context for applications without a platform main loop.
type SerialExecutor struct {
	logger logger.Logger
	tasks  *chanx.UnboundedChan[func()]
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewSerialExecutor creates and starts a serial executor
func NewSerialExecutor(log logger.Logger) *SerialExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	se := &SerialExecutor{
		logger: log,
		tasks:  chanx.NewUnboundedChan[func()](ctx, 64),
		cancel: cancel,
	}
	se.wg.Add(1)
	routine.GoNamed(log, "delivery-executor", se.loop)
	return se
}

// Execute enqueues a task. Tasks submitted after Close are dropped.
func (se *SerialExecutor) Execute(task func()) {
	if se.closed.Load() {
		se.logger.Warn("task submitted to closed delivery executor")
		return
	}
	se.tasks.In <- task
}

// Close stops accepting tasks, drains the queue and waits for the loop to
// exit. It can be called multiple times safely.
func (se *SerialExecutor) Close() {
	if !se.closed.CompareAndSwap(false, true) {
		return
	}
	close(se.tasks.In)
	se.wg.Wait()
	se.cancel()
}

func (se *SerialExecutor) loop() {
	defer se.wg.Done()
	for task := range se.tasks.Out {
		se.runTask(task)
	}
}

// runTask isolates each task so one panicking listener cannot kill the
// delivery loop
func (se *SerialExecutor) runTask(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			se.logger.Error("delivery task panicked", zap.Any("panic", rec))
		}
	}()
	task()
}
