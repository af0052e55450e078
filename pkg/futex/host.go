package futex

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Location is a translated user address.
type Location struct {
	// Phys is the physical (or kernel direct-map) address of the word. It
	// is the identity used for shared keys.
	Phys uint64

	// Word points at the 32-bit futex word. It is only accessed atomically.
	Word *uint32
}

// Capability signatures. Every capability receives the context of the
// calling task; hosts use it to find "current".
type (
	// TranslateFunc resolves a user address in the calling task's address
	// space. It returns false for unmapped addresses.
	TranslateFunc func(ctx context.Context, uaddr uintptr) (Location, bool)

	// CurrentTaskFunc returns the calling task, false outside task context.
	CurrentTaskFunc func(ctx context.Context) (Task, bool)

	// CurrentProcessIDFunc returns the calling process id, false outside
	// task context.
	CurrentProcessIDFunc func(ctx context.Context) (uint64, bool)

	// YieldFunc suspends the calling task until a wake is delivered to it.
	// A wake delivered before the call makes it return immediately. If ctx
	// ends first it returns ctx.Err().
	YieldFunc func(ctx context.Context) error

	// WakeTaskFunc makes a dequeued waiter's task runnable. It must not block.
	WakeTaskFunc func(w *Waiter)

	// CopyFromUserFunc copies len(dst) bytes from uaddr and returns the number
	// of bytes copied.
	CopyFromUserFunc func(ctx context.Context, dst []byte, uaddr uintptr) int

	// CopyToUserFunc copies src to uaddr and returns the number of bytes
	// copied.
	CopyToUserFunc func(ctx context.Context, uaddr uintptr, src []byte) int
)

// Host is the resolved set of capabilities a [System] runs against.
//
// CopyFromUser and CopyToUser are optional; without CopyFromUser, waits
// with a timeout return [ErrNotSupported].
type Host struct {
	Translate        TranslateFunc
	CurrentTask      CurrentTaskFunc
	CurrentProcessID CurrentProcessIDFunc
	Yield            YieldFunc
	WakeTask         WakeTaskFunc
	CopyFromUser     CopyFromUserFunc
	CopyToUser       CopyToUserFunc
}

// Validate reports a missing required capability.
func (h Host) Validate() error {
	var missing []error

	if h.Translate == nil {
		missing = append(missing, errMissing("translate"))
	}

	if h.CurrentTask == nil {
		missing = append(missing, errMissing("current_task"))
	}

	if h.CurrentProcessID == nil {
		missing = append(missing, errMissing("current_process_id"))
	}

	if h.Yield == nil {
		missing = append(missing, errMissing("yield"))
	}

	if h.WakeTask == nil {
		missing = append(missing, errMissing("wake_task"))
	}

	return errors.Join(missing...)
}

// Registry collects capability implementations before startup.
//
// Each Register call adds one candidate. [Registry.Resolve] requires exactly
// one candidate per required capability and at most one per optional one.
// The zero value is ready to use. A Registry is not safe for concurrent use;
// register everything from one goroutine during initialization.
type Registry struct {
	translate        []TranslateFunc
	currentTask      []CurrentTaskFunc
	currentProcessID []CurrentProcessIDFunc
	yield            []YieldFunc
	wakeTask         []WakeTaskFunc
	copyFromUser     []CopyFromUserFunc
	copyToUser       []CopyToUserFunc
}

// RegisterTranslate registers the address translation capability.
func (r *Registry) RegisterTranslate(fn TranslateFunc) {
	r.translate = append(r.translate, fn)
}

// RegisterCurrentTask registers the current-task capability.
func (r *Registry) RegisterCurrentTask(fn CurrentTaskFunc) {
	r.currentTask = append(r.currentTask, fn)
}

// RegisterCurrentProcessID registers the current-process capability.
func (r *Registry) RegisterCurrentProcessID(fn CurrentProcessIDFunc) {
	r.currentProcessID = append(r.currentProcessID, fn)
}

// RegisterYield registers the suspension capability.
func (r *Registry) RegisterYield(fn YieldFunc) {
	r.yield = append(r.yield, fn)
}

// RegisterWakeTask registers the wake delivery capability.
func (r *Registry) RegisterWakeTask(fn WakeTaskFunc) {
	r.wakeTask = append(r.wakeTask, fn)
}

// RegisterCopyFromUser registers the optional copy-in capability.
func (r *Registry) RegisterCopyFromUser(fn CopyFromUserFunc) {
	r.copyFromUser = append(r.copyFromUser, fn)
}

// RegisterCopyToUser registers the optional copy-out capability.
func (r *Registry) RegisterCopyToUser(fn CopyToUserFunc) {
	r.copyToUser = append(r.copyToUser, fn)
}

// Resolve binds one implementation per capability.
//
// The returned error wraps [ErrConfiguration] and lists every capability
// that has no implementation, more than one, or a nil one.
func (r *Registry) Resolve() (Host, error) {
	var (
		host Host
		errs []error
	)

	host.Translate = exactlyOne("translate", r.translate, &errs)
	host.CurrentTask = exactlyOne("current_task", r.currentTask, &errs)
	host.CurrentProcessID = exactlyOne("current_process_id", r.currentProcessID, &errs)
	host.Yield = exactlyOne("yield", r.yield, &errs)
	host.WakeTask = exactlyOne("wake_task", r.wakeTask, &errs)
	host.CopyFromUser = atMostOne("copy_from_user", r.copyFromUser, &errs)
	host.CopyToUser = atMostOne("copy_to_user", r.copyToUser, &errs)

	if len(errs) > 0 {
		return Host{}, errors.Join(errs...)
	}

	return host, nil
}

// MustResolve is like Resolve but panics on a configuration error.
func (r *Registry) MustResolve() Host {
	host, err := r.Resolve()
	if err != nil {
		panic(err)
	}

	return host
}

func exactlyOne[F any](name string, fns []F, errs *[]error) F {
	var zero F

	switch len(fns) {
	case 0:
		*errs = append(*errs, errMissing(name))

		return zero
	case 1:
		return checkNil(name, fns[0], errs)
	default:
		*errs = append(*errs, fmt.Errorf("%w: %d handlers for %s", ErrConfiguration, len(fns), name))

		return zero
	}
}

func atMostOne[F any](name string, fns []F, errs *[]error) F {
	var zero F

	switch len(fns) {
	case 0:
		return zero
	case 1:
		return checkNil(name, fns[0], errs)
	default:
		*errs = append(*errs, fmt.Errorf("%w: %d handlers for %s", ErrConfiguration, len(fns), name))

		return zero
	}
}

func checkNil[F any](name string, fn F, errs *[]error) F {
	if reflect.ValueOf(fn).IsNil() {
		*errs = append(*errs, fmt.Errorf("%w: nil handler for %s", ErrConfiguration, name))
	}

	return fn
}

func errMissing(name string) error {
	return fmt.Errorf("%w: no handler for %s", ErrConfiguration, name)
}
