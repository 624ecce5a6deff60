package handler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskhive/taskhive/core/retry"
)

var (
	// ErrNotRegistered is returned when no handler maps the request type.
	ErrNotRegistered = errors.New("no handler registered for request type")

	// ErrDuplicateRegistration is returned when a request type is
	// registered twice.
	ErrDuplicateRegistration = errors.New("request type already registered")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler must not be nil")
)

// Registration binds a request type to its handler and per-handler defaults.
type Registration struct {
	// RequestType is the canonical request type name, resolvable back to
	// the decoder below.
	RequestType string

	// HandlerType is the canonical name of the user handler, persisted for
	// diagnostics and event records.
	HandlerType string

	// Invoke decodes the payload and runs the user handler.
	Invoke Handler

	// Source is the user's handler value, probed for lifecycle hooks.
	Source any

	// Queue is the handler's default queue; empty defers to engine routing.
	Queue string

	// Timeout is the per-task timeout; zero defers to queue/engine defaults.
	Timeout time.Duration

	// RetryPolicy overrides the engine default when non-nil.
	RetryPolicy retry.Policy
}

// Registry maps canonical request type names to registrations.
type Registry struct {
	mu        sync.RWMutex
	byRequest map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRequest: make(map[string]*Registration)}
}

// Add inserts a registration. Duplicate request types are rejected.
func (r *Registry) Add(reg *Registration) error {
	if reg == nil || reg.Invoke == nil {
		return ErrNilHandler
	}
	if reg.RequestType == "" {
		return fmt.Errorf("%w: empty request type", ErrNilHandler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRequest[reg.RequestType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, reg.RequestType)
	}
	r.byRequest[reg.RequestType] = reg
	return nil
}

// Resolve returns the registration for a request type name.
func (r *Registry) Resolve(requestType string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byRequest[requestType]
	return reg, ok
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRequest)
}

// RequestTypes returns all registered request type names.
func (r *Registry) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byRequest))
	for name := range r.byRequest {
		names = append(names, name)
	}
	return names
}

// Option configures a registration.
type Option func(*Registration)

// WithQueue routes the handler's tasks to a named queue by default.
func WithQueue(name string) Option {
	return func(reg *Registration) {
		if name != "" {
			reg.Queue = name
		}
	}
}

// WithTimeout sets the per-task timeout for the handler.
func WithTimeout(d time.Duration) Option {
	return func(reg *Registration) {
		if d > 0 {
			reg.Timeout = d
		}
	}
}

// WithRetryPolicy overrides the engine's default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(reg *Registration) {
		if p != nil {
			reg.RetryPolicy = p
		}
	}
}

// Register registers a typed handler for request type T. The handler value
// is probed for lifecycle hooks (StartedHook, CompletedHook, ErrorHook,
// RetryHook, Closer) at execution time.
func Register[T any](r *Registry, h Typed[T], opts ...Option) error {
	if h == nil {
		return ErrNilHandler
	}

	reg := &Registration{
		RequestType: RequestTypeName[T](),
		HandlerType: TypeName(h),
		Invoke:      typedAdapter[T]{inner: h},
		Source:      h,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return r.Add(reg)
}

// RegisterFunc registers a plain function for request type T.
func RegisterFunc[T any](r *Registry, fn Func[T], opts ...Option) error {
	if fn == nil {
		return ErrNilHandler
	}
	return Register[T](r, fn, opts...)
}
