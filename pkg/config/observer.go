package config

import (
	"github.com/google/uuid"

	"github.com/polisai/polis-roots/pkg/domain"
)

// Observer receives configuration change events. Returned errors are logged
// and counted; they never stop delivery to later observers.
type Observer interface {
	OnConfigurationChange(event domain.ConfigurationChangeEvent) error
}

// FuncObserver adapts a plain function to Observer.
type FuncObserver struct {
	fn func(domain.ConfigurationChangeEvent) error
}

// ObserverFunc wraps fn. Keep the returned pointer to unsubscribe later;
// wrapping the same function twice yields two distinct observers.
func ObserverFunc(fn func(domain.ConfigurationChangeEvent) error) *FuncObserver {
	return &FuncObserver{fn: fn}
}

// OnConfigurationChange implements Observer.
func (f *FuncObserver) OnConfigurationChange(event domain.ConfigurationChangeEvent) error {
	if f == nil || f.fn == nil {
		return nil
	}
	return f.fn(event)
}

// Subscription is the handle returned when registering an observer.
type Subscription struct {
	ID       uuid.UUID
	provider *Provider
	observer Observer
}

// Unsubscribe removes the observer. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.provider == nil {
		return
	}
	s.provider.removeSubscription(s.ID)
}

// sameObserver compares two observers by identity. Observers whose dynamic
// type is not comparable only match themselves through their subscription.
func sameObserver(a, b Observer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
