package agentz

import (
	"context"
	"runtime/debug"
	"strconv"
)

// Traveler carries a value from a Before hook to the hooks that follow it.
// An absent traveler tells later hooks there is nothing to close, e.g.
// because tracing was off when Before ran.
//
// A traveler may also carry a context, typically one bound to a trace the
// Before hook started. The operation and the remaining hooks then run
// under that context.
type Traveler[T any] struct {
	value   T
	ctx     context.Context
	present bool
}

// Some returns a present traveler holding v.
func Some[T any](v T) Traveler[T] {
	return Traveler[T]{value: v, present: true}
}

// None returns an absent traveler.
func None[T any]() Traveler[T] {
	return Traveler[T]{}
}

// Get returns the value and whether it is present.
func (t Traveler[T]) Get() (T, bool) {
	return t.value, t.present
}

// Present reports whether the traveler holds a value.
func (t Traveler[T]) Present() bool {
	return t.present
}

// WithContext returns a copy of t that runs the operation under ctx.
// ctx must derive from the context passed to Before.
func (t Traveler[T]) WithContext(ctx context.Context) Traveler[T] {
	t.ctx = ctx
	return t
}

// Context returns the context set by WithContext, or nil.
func (t Traveler[T]) Context() context.Context {
	return t.ctx
}

// Advice is the set of hooks bracketing one interception site. Every hook
// is optional. For one call hooks fire in the order
// IsEnabled → Before → operation → OnReturn xor OnThrow → After.
//
// A is the type of the intercepted call's inputs, R its result type and T
// the traveler type. An Advice is meant to be built once per site and
// shared by every call through it.
//
//nolint:govet // Field order follows hook firing order
type Advice[A, R, T any] struct {
	// Name identifies the advice in logs.
	Name string

	// IgnoreSelfNested skips all hooks for an invocation nested (through
	// the context) inside another invocation of the same advice.
	IgnoreSelfNested bool

	// IsEnabled is consulted first. When it returns false no other hook
	// fires and the operation runs unmodified.
	IsEnabled func(ctx context.Context) bool

	// Before runs ahead of the operation and produces the traveler. A
	// context set on the traveler replaces ctx for everything that follows.
	Before func(ctx context.Context, args A) Traveler[T]

	// OnReturn runs when the operation returned a nil error.
	OnReturn func(ctx context.Context, args A, result R, traveler Traveler[T])

	// OnThrow runs when the operation returned an error or panicked.
	OnThrow func(ctx context.Context, args A, err error, traveler Traveler[T])

	// After runs last, regardless of outcome.
	After func(ctx context.Context, args A, traveler Traveler[T])

	// Wrap, when set, starts a timer around the operation itself.
	Wrap func(ctx context.Context) Timer
}

// Phase names a step of an interception.
type Phase uint8

// Interception phases in firing order.
const (
	PhaseIsEnabled Phase = iota
	PhaseBefore
	PhaseOperation
	PhaseOnReturn
	PhaseOnThrow
	PhaseAfter
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIsEnabled:
		return "is_enabled"
	case PhaseBefore:
		return "before"
	case PhaseOperation:
		return "operation"
	case PhaseOnReturn:
		return "on_return"
	case PhaseOnThrow:
		return "on_throw"
	case PhaseAfter:
		return "after"
	case PhaseDone:
		return "done"
	default:
		return "Phase(" + strconv.Itoa(int(p)) + ")"
	}
}

type selfNestedKey struct {
	advice any
}

// interception is the state of one Invoke call.
type interception[A, R, T any] struct {
	ctx      context.Context
	advice   *Advice[A, R, T]
	args     A
	traveler Traveler[T]
	phase    Phase
}

// Invoke runs op on args bracketed by the hooks of a. The result, error and
// panic of op reach the caller unchanged: hook panics are recovered and
// logged.
func Invoke[A, R, T any](ctx context.Context, a *Advice[A, R, T], args A, op func(context.Context, A) (R, error)) (R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if a == nil {
		return op(ctx, args)
	}

	if a.IgnoreSelfNested {
		key := selfNestedKey{advice: a}
		if ctx.Value(key) != nil {
			return op(ctx, args)
		}
		ctx = context.WithValue(ctx, key, true)
	}

	x := &interception[A, R, T]{ctx: ctx, advice: a, args: args}
	if !x.enabled() {
		return op(ctx, args)
	}
	x.before()

	x.phase = PhaseOperation
	timer := x.wrap()
	result, panicked, recovered, err := runOperation(x.ctx, args, op)
	x.guard(timer.Stop)

	switch {
	case panicked:
		x.onThrow(&PanicError{Value: recovered})
	case err != nil:
		x.onThrow(err)
	default:
		x.onReturn(result)
	}
	x.after()

	if panicked {
		panic(recovered)
	}
	return result, err
}

// Run is Invoke for operations that only return an error.
func Run[A, T any](ctx context.Context, a *Advice[A, struct{}, T], args A, op func(context.Context, A) error) error {
	_, err := Invoke(ctx, a, args, func(ctx context.Context, args A) (struct{}, error) {
		return struct{}{}, op(ctx, args)
	})
	return err
}

func runOperation[A, R any](ctx context.Context, args A, op func(context.Context, A) (R, error)) (result R, panicked bool, recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			recovered = r
		}
	}()
	result, err = op(ctx, args)
	return result, false, nil, err
}

func (x *interception[A, R, T]) enabled() bool {
	x.phase = PhaseIsEnabled
	if x.advice.IsEnabled == nil {
		return true
	}
	enabled := false
	x.guard(func() { enabled = x.advice.IsEnabled(x.ctx) })
	return enabled
}

func (x *interception[A, R, T]) before() {
	x.phase = PhaseBefore
	if x.advice.Before == nil {
		return
	}
	x.guard(func() { x.traveler = x.advice.Before(x.ctx, x.args) })
	if x.traveler.ctx != nil {
		x.ctx = x.traveler.ctx
	}
}

func (x *interception[A, R, T]) wrap() Timer {
	if x.advice.Wrap == nil {
		return NopTimer
	}
	timer := NopTimer
	x.guard(func() {
		if t := x.advice.Wrap(x.ctx); t != nil {
			timer = t
		}
	})
	return timer
}

func (x *interception[A, R, T]) onReturn(result R) {
	x.phase = PhaseOnReturn
	if x.advice.OnReturn == nil {
		return
	}
	x.guard(func() { x.advice.OnReturn(x.ctx, x.args, result, x.traveler) })
}

func (x *interception[A, R, T]) onThrow(err error) {
	x.phase = PhaseOnThrow
	if x.advice.OnThrow == nil {
		return
	}
	x.guard(func() { x.advice.OnThrow(x.ctx, x.args, err, x.traveler) })
}

func (x *interception[A, R, T]) after() {
	x.phase = PhaseAfter
	if x.advice.After != nil {
		x.guard(func() { x.advice.After(x.ctx, x.args, x.traveler) })
	}
	x.phase = PhaseDone
}

// guard runs a hook, containing any panic it raises.
func (x *interception[A, R, T]) guard(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error().
				Str("advice", x.advice.Name).
				Stringer("phase", x.phase).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("advice hook failed")
		}
	}()
	hook()
}
