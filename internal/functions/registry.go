// internal/functions/registry.go
package functions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Named function registry.
 *
 * Stored rules reference functions by name, from conditions (function-call
 * operators) and from action parameters (context_mapping, update_field,
 * calculate_vat). The registry is populated once at process start from code
 * and then frozen; registrations after Freeze fail with ErrRegistryFrozen.
 *
 * Every call is checked for arity and bounded by the configured timeout
 * (default 2s). A function that overruns is abandoned: its goroutine keeps
 * running to completion but its result is discarded and the caller gets
 * ErrFunctionTimeout. Panics are recovered into errors so a faulty function
 * cannot take down an invocation.
 */

// DefaultTimeout bounds each function call.
const DefaultTimeout = 2 * time.Second

// Func is a registered callable. Arguments and results are JSON-shaped.
type Func func(ctx context.Context, args []any) (any, error)

// Definition describes one registered function.
type Definition struct {
	Name        string
	Description string
	MinArgs     int
	MaxArgs     int // -1 for variadic
	Fn          Func
}

// Registry maps names to functions.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]Definition
	frozen  bool
	timeout time.Duration
	logger  *slog.Logger

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		funcs:   make(map[string]Definition),
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "functions"),
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("github.com/solatis/tollgate/internal/functions")
	var err error
	if r.calls, err = meter.Int64Counter("tollgate.function.calls",
		metric.WithDescription("Registered function invocations")); err != nil {
		r.calls = noop.Int64Counter{}
	}
	if r.duration, err = meter.Float64Histogram("tollgate.function.duration",
		metric.WithDescription("Registered function call duration"),
		metric.WithUnit("ms")); err != nil {
		r.duration = noop.Float64Histogram{}
	}
	return r
}

// Register adds a function. Names are unique.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: %s", types.ErrRegistryFrozen, def.Name)
	}
	if def.Name == "" || def.Fn == nil {
		return fmt.Errorf("function definition requires name and callable")
	}
	if _, exists := r.funcs[def.Name]; exists {
		return fmt.Errorf("function %q already registered", def.Name)
	}
	r.funcs[def.Name] = def
	return nil
}

// MustRegister panics on registration failure. For process init only.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) lookup(name string) (Definition, bool) {
	r.mu.RLock()
	def, ok := r.funcs[name]
	r.mu.RUnlock()
	return def, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Describe returns the definition for name.
func (r *Registry) Describe(name string) (Definition, bool) {
	return r.lookup(name)
}

type callResult struct {
	value any
	err   error
}

// Call invokes name with args under the registry timeout.
func (r *Registry) Call(ctx context.Context, name string, args []any) (any, error) {
	def, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrFunctionNotRegistered, name)
	}
	if len(args) < def.MinArgs || (def.MaxArgs >= 0 && len(args) > def.MaxArgs) {
		return nil, fmt.Errorf("%w: %s takes %s, got %d", types.ErrFunctionArity, name, arityText(def), len(args))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("function %s panicked: %v", name, p)}
			}
		}()
		v, err := def.Fn(callCtx, args)
		done <- callResult{value: v, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			res = callResult{err: err}
		} else {
			r.logger.Warn("function timed out", "function", name, "timeout", r.timeout)
			res = callResult{err: fmt.Errorf("%w: %s after %s", types.ErrFunctionTimeout, name, r.timeout)}
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("function", name),
		attribute.Bool("error", res.err != nil),
	)
	r.calls.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)

	if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrFunctionTimeout, name)
	}
	return res.value, res.err
}

func arityText(def Definition) string {
	switch {
	case def.MaxArgs < 0:
		return fmt.Sprintf("at least %d arguments", def.MinArgs)
	case def.MinArgs == def.MaxArgs:
		return fmt.Sprintf("%d arguments", def.MinArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", def.MinArgs, def.MaxArgs)
	}
}
