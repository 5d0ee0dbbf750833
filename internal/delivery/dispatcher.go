package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audio-streamer/internal/config"
	"github.com/lexiqai/audio-streamer/internal/observability"
	"github.com/lexiqai/audio-streamer/internal/resilience"
)

// Sink accepts outbound chunks and reports each outcome asynchronously.
// Chunks are delivered in the order Send is called.
type Sink interface {
	Send(chunk []byte, onComplete func(ok bool))
}

// Sender performs one network write of a chunk
type Sender interface {
	SendAudio(ctx context.Context, chunk []byte) error
}

// Policy decides what Send does when the queue is full
type Policy string

const (
	// PolicyUnbounded never refuses a chunk; memory grows while the service lags
	PolicyUnbounded Policy = config.BackpressureUnbounded
	// PolicyBlock makes Send wait for space
	PolicyBlock Policy = config.BackpressureBlock
	// PolicyDropOldest evicts the oldest pending chunk and fails it
	PolicyDropOldest Policy = config.BackpressureDropOldest
)

// Options configures a Dispatcher
type Options struct {
	QueueSize int // ignored for PolicyUnbounded
	Policy    Policy
	Retry     *resilience.RetryConfig
	Breaker   *resilience.CircuitBreaker // optional
}

// OptionsFromConfig maps DELIVERY_*, RETRY_* and CIRCUIT_BREAKER_* settings
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		QueueSize: cfg.DeliveryQueueChunks,
		Policy:    Policy(cfg.DeliveryBackpressure),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Breaker: resilience.NewCircuitBreaker(
			"delivery",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

type item struct {
	chunk    []byte
	done     func(ok bool)
	enqueued time.Time
}

// Dispatcher is a Sink with a single worker draining a FIFO queue, so
// completions fire in emission order
type Dispatcher struct {
	sender Sender
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	busy    bool
	closed  bool
	started bool
	dropped int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher; call Start to begin delivering
func NewDispatcher(sender Sender, opts Options) (*Dispatcher, error) {
	switch opts.Policy {
	case "":
		opts.Policy = PolicyUnbounded
	case PolicyUnbounded:
	case PolicyBlock, PolicyDropOldest:
		if opts.QueueSize <= 0 {
			return nil, fmt.Errorf("queue size must be positive for the %s policy", opts.Policy)
		}
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", opts.Policy)
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender: sender,
		opts:   opts,
		logger: observability.Component("delivery"),
		ctx:    ctx,
		cancel: cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Start launches the delivery worker
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.run()
}

// Send enqueues chunk. onComplete is called exactly once, from the worker
// goroutine, or from Send itself when the chunk is refused or evicted.
func (d *Dispatcher) Send(chunk []byte, onComplete func(ok bool)) {
	if onComplete == nil {
		onComplete = func(bool) {}
	}

	d.mu.Lock()
	if d.opts.Policy == PolicyBlock {
		for !d.closed && len(d.queue) >= d.opts.QueueSize {
			d.cond.Wait()
		}
	}
	if d.closed {
		d.mu.Unlock()
		onComplete(false)
		return
	}

	var evicted *item
	if d.opts.Policy == PolicyDropOldest && len(d.queue) >= d.opts.QueueSize {
		oldest := d.queue[0]
		d.queue[0] = item{}
		d.queue = d.queue[1:]
		d.dropped++
		evicted = &oldest
	}

	d.queue = append(d.queue, item{chunk: chunk, done: onComplete, enqueued: time.Now()})
	observability.SetQueueDepth(len(d.queue))
	d.cond.Broadcast()
	d.mu.Unlock()

	if evicted != nil {
		observability.RecordChunkDropped()
		d.logger.Warn().Int("bytes", len(evicted.chunk)).Msg("Delivery queue full, dropped oldest chunk")
		evicted.done(false)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue[0] = item{}
		d.queue = d.queue[1:]
		d.busy = true
		observability.SetQueueDepth(len(d.queue))
		d.cond.Broadcast()
		d.mu.Unlock()

		ok := d.deliver(next)
		next.done(ok)

		d.mu.Lock()
		d.busy = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(it item) bool {
	send := func() error {
		return resilience.Retry(d.ctx, func() error {
			return d.sender.SendAudio(d.ctx, it.chunk)
		}, d.opts.Retry, resilience.IsRetryableNetworkError)
	}

	var err error
	if d.opts.Breaker != nil {
		err = d.opts.Breaker.Call(send)
	} else {
		err = send()
	}

	observability.RecordChunk(err == nil, time.Since(it.enqueued))
	if err != nil {
		observability.RecordError(observability.ErrorDelivery, "delivery")
		if d.opts.Breaker != nil {
			observability.IncrementCircuitBreakerFailures(d.opts.Breaker.Name())
		}
		d.logger.Error().Err(err).Int("bytes", len(it.chunk)).Msg("Failed to deliver chunk")
		return false
	}
	return true
}

// Pending returns the number of queued chunks not yet picked up by the worker
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Dropped returns the number of chunks evicted by the drop-oldest policy
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Drain waits until every queued chunk has been handled or ctx is done
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		idle := len(d.queue) == 0 && !d.busy
		d.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the worker. Chunks still queued complete with ok=false.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.queue
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	for _, it := range pending {
		it.done(false)
	}
	observability.SetQueueDepth(0)
	if len(pending) > 0 {
		d.logger.Warn().Int("chunks", len(pending)).Msg("Delivery stopped with chunks pending")
	}
	return nil
}
