package searchscale

import "github.com/ZanzyTHEbar/searchscale/internal/eventbus"

// WithEventBus sets the event bus component.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *SearchScale) {
		s.eventBus = bus
	}
}
