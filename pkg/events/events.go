package events

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

var (
	ErrKindNotPermitted = errors.New("event kind not permitted")
	ErrDispatchTimeout  = errors.New("event dispatch timed out")
	ErrBusClosed        = errors.New("event bus is closed")
)

const DefaultDispatchTimeout = 2 * time.Second

// Kind discriminates the two families of notification.
type Kind string

const (
	KindChange    Kind = "change"
	KindSelection Kind = "selection"
)

type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionDeleted  Action = "deleted"
	ActionSelected Action = "selected"
)

// Event is an immutable notification. Payload holds a []T built by Changed
// or Selected and is read back with Items.
type Event struct {
	EventID   string
	Kind      Kind
	Action    Action
	Source    any
	EmittedAt time.Time
	Payload   any
}

// Subscriber receives events on a goroutine owned by the bus, never on the
// publisher's goroutine.
type Subscriber interface {
	OnEvent(ctx context.Context, event Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(ctx context.Context, event Event)

func (f SubscriberFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Call to unsubscribe. Safe to call more than once.
type Unsubscriber func()

type Bus interface {
	Subscribe(kind Kind, subscriber Subscriber) (Unsubscriber, error)
	SubscribeFunc(kind Kind, fn func(ctx context.Context, event Event)) (Unsubscriber, error)
	// Publish delivers event to every subscriber of its kind. It waits for
	// delivery until the dispatch timeout or ctx ends, whichever is first,
	// and never blocks longer than that.
	Publish(ctx context.Context, event Event) error
	Close()
}

type Config struct {
	// Kinds restricts what may be published or subscribed. Empty permits
	// KindChange and KindSelection.
	Kinds           []Kind
	DispatchTimeout time.Duration
	Logger          *slog.Logger
}

var (
	defaultBus     Bus
	defaultBusOnce sync.Once
)

// Default returns the process-wide bus.
func Default() Bus {
	defaultBusOnce.Do(func() {
		defaultBus = New(Config{})
	})
	return defaultBus
}

// IgnoreSource wraps subscriber so it skips events whose Source is source.
// Components use it to avoid reacting to their own changes. Sources that are
// not comparable never match.
func IgnoreSource(source any, subscriber Subscriber) Subscriber {
	return SubscriberFunc(func(ctx context.Context, event Event) {
		if sameSource(event.Source, source) {
			return
		}
		subscriber.OnEvent(ctx, event)
	})
}

// Comparable reports whether v can be used as an event source token.
func Comparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func sameSource(a, b any) bool {
	if !Comparable(a) || !Comparable(b) {
		return false
	}
	return a == b
}
