package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// HandlerFunc handles one WebSocket request. Responses go through c.
type HandlerFunc func(ctx context.Context, c *Client, req WebsocketRequest) error

// HandlerServer is what handlers see of the server when they register.
type HandlerServer interface {
	// Handle registers a handler for a request type.
	Handle(messageType string, handler HandlerFunc) error

	// StartLifecycle registers a function run when the server starts. ctx is
	// cancelled on shutdown.
	StartLifecycle(start func(ctx context.Context))
}

// ServerHandler sets up its routes and lifecycle in Register.
type ServerHandler interface {
	Register(server HandlerServer) error
}

// HandlerRegistry maps WebSocket request types to handlers.
type HandlerRegistry struct {
	handlers          map[string]HandlerFunc
	lifecycleStarters []func(ctx context.Context)
	mu                sync.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for messageType. Registering a type twice is an
// error.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("handler for message type '%s' already registered", messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

// RegisterLifecycle adds a function to run on server start.
func (r *HandlerRegistry) RegisterLifecycle(start func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycleStarters = append(r.lifecycleStarters, start)
}

// Get returns the handler for messageType.
func (r *HandlerRegistry) Get(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[messageType]
	return handler, ok
}

// Has reports whether messageType has a handler.
func (r *HandlerRegistry) Has(messageType string) bool {
	_, ok := r.Get(messageType)
	return ok
}

// MessageTypes returns the registered types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// StartLifecycleHandlers runs every registered lifecycle function.
func (r *HandlerRegistry) StartLifecycleHandlers(ctx context.Context) {
	r.mu.RLock()
	starters := slices.Clone(r.lifecycleStarters)
	r.mu.RUnlock()

	for _, start := range starters {
		start(ctx)
	}
}
