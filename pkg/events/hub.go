package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/pubsub/v2"
)

// hubBus routes events through a pubsub.SimpleHub, which gives every
// subscriber its own goroutine and preserves per-subscriber order.
type hubBus struct {
	hub             *pubsub.SimpleHub
	permittedKinds  []Kind
	dispatchTimeout time.Duration
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	unsubs map[string]func()
}

// New builds a bus independent of Default.
func New(cfg Config) Bus {
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = []Kind{KindChange, KindSelection}
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("events")

	ctx, cancel := context.WithCancel(context.Background())
	return &hubBus{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: &hubLogger{logger: logger},
		}),
		permittedKinds:  kinds,
		dispatchTimeout: timeout,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		unsubs:          make(map[string]func()),
	}
}

func (b *hubBus) permitted(kind Kind) bool {
	return slices.Contains(b.permittedKinds, kind)
}

func (b *hubBus) Subscribe(kind Kind, subscriber Subscriber) (Unsubscriber, error) {
	if !b.permitted(kind) {
		return nil, ErrKindNotPermitted
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id := uuid.NewString()
	b.unsubs[id] = b.hub.Subscribe(string(kind), func(_ string, data interface{}) {
		event, ok := data.(Event)
		if !ok {
			b.logger.Warn("Dropping unexpected hub payload", "type", fmt.Sprintf("%T", data))
			return
		}
		b.deliver(subscriber, event)
	})

	// Captures the mutex so it can be called safely at any time by the owner.
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if unsub, ok := b.unsubs[id]; ok {
			unsub()
			delete(b.unsubs, id)
		}
	}, nil
}

func (b *hubBus) SubscribeFunc(kind Kind, fn func(ctx context.Context, event Event)) (Unsubscriber, error) {
	return b.Subscribe(kind, SubscriberFunc(fn))
}

func (b *hubBus) deliver(subscriber Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked", "event_id", event.EventID, "kind", event.Kind, "panic", r)
		}
	}()
	subscriber.OnEvent(b.ctx, event)
}

func (b *hubBus) Publish(ctx context.Context, event Event) error {
	if !b.permitted(event.Kind) {
		return ErrKindNotPermitted
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}

	// wait returns once every handler has run.
	wait := b.hub.Publish(string(event.Kind), event)
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	timer := time.NewTimer(b.dispatchTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		b.logger.Warn("Dispatch timed out", "event_id", event.EventID, "kind", event.Kind, "after", b.dispatchTimeout)
		return ErrDispatchTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unsubscribes everyone and rejects further use.
func (b *hubBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, unsub := range b.unsubs {
		unsub()
		delete(b.unsubs, id)
	}
	b.cancel()
}

const levelTrace = slog.Level(-8)

// hubLogger feeds the hub's printf style logging into slog.
type hubLogger struct {
	logger *slog.Logger
}

func (l *hubLogger) log(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *hubLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

func (l *hubLogger) Warningf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args...)
}

func (l *hubLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

func (l *hubLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

func (l *hubLogger) Tracef(format string, args ...interface{}) {
	l.log(levelTrace, format, args...)
}

func (l *hubLogger) IsTraceEnabled() bool {
	return l.logger.Enabled(context.Background(), levelTrace)
}
