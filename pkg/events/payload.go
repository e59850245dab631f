package events

import (
	"time"

	"github.com/google/uuid"
)

// Cloner is implemented by payload types that can produce a deep copy.
type Cloner[T any] interface {
	Clone() T
}

func snapshot[T Cloner[T]](items []T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

func newEvent(kind Kind, action Action, source any, payload any) Event {
	return Event{
		EventID:   uuid.NewString(),
		Kind:      kind,
		Action:    action,
		Source:    source,
		EmittedAt: time.Now(),
		Payload:   payload,
	}
}

// Changed builds a change event over copies of items. Later changes to the
// caller's values do not reach subscribers.
func Changed[T Cloner[T]](source any, action Action, items ...T) Event {
	return newEvent(KindChange, action, source, snapshot(items))
}

// Selected builds a selection event over copies of items.
func Selected[T Cloner[T]](source any, items ...T) Event {
	return newEvent(KindSelection, ActionSelected, source, snapshot(items))
}

// Items returns copies of the payload items when the payload holds T.
func Items[T Cloner[T]](event Event) ([]T, bool) {
	items, ok := event.Payload.([]T)
	if !ok {
		return nil, false
	}
	return snapshot(items), true
}
