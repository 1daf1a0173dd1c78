// Package serial runs functions one at a time per key.
//
// Keys are hashed with murmur3 onto a fixed set of worker goroutines, so
// work for the same key executes in submission order while distinct keys
// run in parallel.
package serial

import (
	"log/slog"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultWorkers is the default number of worker goroutines.
const DefaultWorkers = 16

// DefaultQueueSize is the default per-worker queue length.
const DefaultQueueSize = 256

// Dispatcher executes submitted functions serially per key.
type Dispatcher struct {
	mu     sync.RWMutex
	queues []chan func()
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	workers   int
	queueSize int
	logger    *slog.Logger
}

// WithWorkers sets the number of workers.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueSize sets the per-worker queue length.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New starts a dispatcher.
func New(opts ...Option) *Dispatcher {
	o := options{
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		queues: make([]chan func(), o.workers),
		logger: o.logger,
	}
	for i := range d.queues {
		q := make(chan func(), o.queueSize)
		d.queues[i] = q
		d.wg.Add(1)
		go d.run(q)
	}
	return d
}

// Submit queues fn behind earlier work for key. It blocks while the
// worker's queue is full and returns false once the dispatcher is closed.
func (d *Dispatcher) Submit(key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.queues[d.index(key)] <- fn
	return true
}

// index hashes through the streaming hasher. murmur3.Sum32 walks the key
// with uintptr arithmetic that the race detector's checkptr rejects.
func (d *Dispatcher) index(key string) int {
	h := murmur3.New32()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *Dispatcher) run(q chan func()) {
	defer d.wg.Done()
	for fn := range q {
		d.invoke(fn)
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("serial dispatcher task panicked", "panic", r)
		}
	}()
	fn()
}

// Close stops accepting work, runs everything already queued and waits
// for the workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
