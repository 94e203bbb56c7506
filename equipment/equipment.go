// Package equipment is the callable surface a station exposes for its
// devices and robots. Drivers publish a command table; the station executor
// invokes commands by name with the argument map carried by an Operation.
package equipment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Command runs one named capability of a driver.
type Command func(ctx context.Context, args Args) (any, error)

// Commands maps method names to their implementations.
type Commands map[string]Command

// Names returns the command names in sorted order.
func (c Commands) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Accepts wraps cmd so that calls carrying arguments other than names are
// refused before cmd runs.
func Accepts(cmd Command, names ...string) Command {
	return func(ctx context.Context, args Args) (any, error) {
		if err := args.Only(names...); err != nil {
			return nil, err
		}
		return cmd(ctx, args)
	}
}

// ErrFault marks a failure of the equipment itself rather than of the
// call. The station leaves faulted equipment in the ERROR state.
var ErrFault = errors.New("equipment fault")

// Path marks a command result as a file or folder payload on the station's
// filesystem.
type Path string

// Driver is implemented by every piece of equipment a station hosts.
type Driver interface {
	Commands() Commands
}

// Record is the driver's view of its own entity in the lab store.
type Record interface {
	Set(ctx context.Context, field string, value any) error
}

// Binder is implemented by drivers that publish state to their lab record.
// The station binds the record once it has been registered.
type Binder interface {
	Bind(rec Record)
}

// Invoke runs the named command on d. Unknown methods, argument errors and
// driver failures are returned as method errors. A panic inside the driver
// is reported as an ErrFault.
func Invoke(ctx context.Context, d Driver, method string, args Args) (result any, err error) {
	cmd, ok := d.Commands()[method]
	if !ok {
		return nil, protocol.Errorf(protocol.KindMethod, "unknown method %q", method)
	}
	if args == nil {
		args = Args{}
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = protocol.Wrap(protocol.KindMethod, fmt.Errorf("%w: %v", ErrFault, r), method)
		}
	}()
	result, err = cmd(ctx, args)
	if err != nil && protocol.KindOf(err) == "" {
		err = protocol.Wrap(protocol.KindMethod, err, method)
	}
	return result, err
}

// Factory builds a driver from its configured settings.
type Factory func(settings map[string]any) (Driver, error)

// Registry holds the driver factories a station binary knows about.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds the driver registered under name.
func (r *Registry) New(name string, settings map[string]any) (Driver, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q, registered: %s", name, strings.Join(r.Drivers(), ", "))
	}
	if settings == nil {
		settings = map[string]any{}
	}
	d, err := f(settings)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", name, err)
	}
	return d, nil
}

// Drivers lists the registered driver names.
func (r *Registry) Drivers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
