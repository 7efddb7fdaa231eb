package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PublishFunc delivers one outbox message to the broker. Implementations
// decode the payload and publish; they never touch outbox state.
type PublishFunc func(ctx context.Context, msg *Message) error

// Registry maps persisted event-type strings to publish functions. All
// registrations happen at startup; duplicates fail loudly so a misrouted
// event type is caught before the processor runs.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]PublishFunc
}

func NewRegistry() *Registry {
	return &Registry{publishers: map[string]PublishFunc{}}
}

// Register binds eventType to fn. Registering the same type twice is an error.
func (registry *Registry) Register(eventType string, fn PublishFunc) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		return ErrEventTypeRequired
	}

	if fn == nil {
		return ErrPublisherRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.publishers == nil {
		registry.publishers = make(map[string]PublishFunc)
	}

	if _, exists := registry.publishers[normalized]; exists {
		return fmt.Errorf("%w: %s", ErrPublisherRegistered, normalized)
	}

	registry.publishers[normalized] = fn

	return nil
}

// Publish routes msg to the publish function registered for its event type.
func (registry *Registry) Publish(ctx context.Context, msg *Message) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	if msg == nil {
		return ErrMessageRequired
	}

	eventType := strings.TrimSpace(msg.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	fn, ok := registry.publishers[eventType]
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPublisherNotRegistered, eventType)
	}

	return fn(ctx, msg)
}

// Registered reports whether eventType has a publish function.
func (registry *Registry) Registered(eventType string) bool {
	if registry == nil {
		return false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	_, ok := registry.publishers[strings.TrimSpace(eventType)]

	return ok
}

// Types returns the registered event types in no particular order.
func (registry *Registry) Types() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	types := make([]string, 0, len(registry.publishers))
	for eventType := range registry.publishers {
		types = append(types, eventType)
	}

	return types
}
