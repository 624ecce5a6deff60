package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBufferFull is logged (never returned to task execution) when the event
// buffer overflows and an event is dropped.
var ErrBufferFull = errors.New("event buffer is full")

// Subscriber receives published events. Panics are recovered and logged.
type Subscriber func(Event)

// Publisher fans events out to subscribers through a buffered channel.
// Publish never blocks: when the buffer is full the event is dropped and
// counted, preserving the fire-and-forget contract.
type Publisher struct {
	mu     sync.RWMutex
	subs   []Subscriber
	ch     chan Event
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	published atomic.Int64
	dropped   atomic.Int64
}

// PublisherStats provides observability metrics for monitoring and tests.
type PublisherStats struct {
	Published int64
	Dropped   int64
	IsRunning bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBufferSize sets the event channel capacity.
func WithBufferSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.ch = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger for dropped events and subscriber panics.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSubscribers registers subscribers at construction time.
func WithSubscribers(subs ...Subscriber) PublisherOption {
	return func(p *Publisher) {
		p.subs = append(p.subs, subs...)
	}
}

// NewPublisher creates a publisher with a default 256-event buffer.
func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:     make(chan Event, 256),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a subscriber. Safe to call while running.
func (p *Publisher) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Publish enqueues an event for delivery. Never blocks; a full buffer drops
// the event with a warning log.
func (p *Publisher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case p.ch <- ev:
		p.published.Add(1)
	default:
		p.dropped.Add(1)
		p.logger.WarnContext(context.Background(), "task event dropped",
			slog.String("task_id", ev.TaskID.String()),
			slog.String("severity", string(ev.Severity)),
			slog.String("error", ErrBufferFull.Error()))
	}
}

// Start runs the delivery loop. This is a blocking operation that runs until
// the context is cancelled. Use Run() for errgroup pattern or call this in a
// goroutine.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("publisher already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for {
		select {
		case <-p.ctx.Done():
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case ev := <-p.ch:
					p.deliver(ev)
				default:
					return p.ctx.Err()
				}
			}
		case ev := <-p.ch:
			p.deliver(ev)
		}
	}
}

// Stop cancels the delivery loop.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return fmt.Errorf("publisher not started")
	}
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	return nil
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (p *Publisher) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- p.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = p.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (p *Publisher) deliver(ev Event) {
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.WarnContext(context.Background(), "event subscriber panicked",
						slog.String("task_id", ev.TaskID.String()),
						slog.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	isRunning := p.cancel != nil
	p.mu.RUnlock()

	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		IsRunning: isRunning,
	}
}
