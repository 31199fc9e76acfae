// Package sandbox embeds risor-io/risor as the Guest Sandbox: the
// per-VM scripting engine that runs a deployed guest script and exposes
// its exported methods to the VM kernel, alongside a System namespace
// providing caller identity, the Files Archive, and (for the factory's
// own guest) child VM provisioning.
package sandbox

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
	risorvm "github.com/risor-io/risor/vm"
	"github.com/sirupsen/logrus"

	"github.com/vmledger/vmledger/internal/archive"
	"github.com/vmledger/vmledger/internal/errs"
	"github.com/vmledger/vmledger/internal/wireval"
)

// ChildVMs is the restricted surface the factory's own guest script uses
// to provision and shut down child VMs. Implemented by internal/factory
// to avoid an import cycle between sandbox and factory.
type ChildVMs interface {
	Provision(ctx context.Context, args wireval.Value) (wireval.Value, error)
	Shutdown(ctx context.Context, id string) (wireval.Value, error)
}

// Sandbox wraps a single compiled guest script and its System namespace.
type Sandbox struct {
	code      *compiler.Code
	vm        *risorvm.VirtualMachine
	caller    *CallerContext
	adaptor   *archive.Adaptor
	children  ChildVMs
	log       *logrus.Logger
	nondeterm bool
}

// Option configures a Sandbox at construction time.
type Option func(*Sandbox)

// WithNondeterminismProbe installs System.test.random(), a builtin that
// returns a fresh, non-replayable value on every call. Used only by the
// test suite to demonstrate replay/verify catching nondeterminism.
func WithNondeterminismProbe() Option {
	return func(s *Sandbox) { s.nondeterm = true }
}

// WithChildVMs wires in the factory's child-provisioning surface. Only
// the factory's own guest script needs this; ordinary guest VMs are
// constructed without it and System.vms is absent.
func WithChildVMs(c ChildVMs) Option {
	return func(s *Sandbox) { s.children = c }
}

// New compiles source and constructs a Sandbox bound to the given Files
// Archive adaptor. The script is compiled once, at deploy time; every
// subsequent call reuses the same compiled code against the same VM.
func New(source string, a *archive.Adaptor, log *logrus.Logger, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		caller:  &CallerContext{},
		adaptor: a,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}

	ast, err := parser.Parse(context.Background(), source)
	if err != nil {
		return nil, fmt.Errorf("sandbox: parsing guest script: %w", err)
	}
	code, err := compiler.Compile(ast)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compiling guest script: %w", err)
	}
	s.code = code

	system := newSystemObject(s)
	var vm *risorvm.VirtualMachine
	globals := map[string]any{
		"System":  system,
		"console": consoleModule(log),
		"setTimeout": setTimeoutBuiltin(func(ctx context.Context, fn *object.Function, args []object.Object) (object.Object, error) {
			return vm.Call(ctx, fn, args)
		}),
		"sleep": sleepBuiltin(),
	}

	vm = risorvm.New(code, risorvm.WithGlobals(globals))
	s.vm = vm

	if err := vm.Run(context.Background()); err != nil {
		return nil, fmt.Errorf("sandbox: %w: running guest script top level: %v", errs.ErrGuestError, err)
	}
	return s, nil
}

// Exports returns the names of every top-level function-valued global in
// the guest script — the guest's exported methodName -> callable
// mapping. init is exported the same way as any other method.
func (s *Sandbox) Exports() []string {
	var names []string
	for _, name := range s.vm.GlobalNames() {
		obj, err := s.vm.Get(name)
		if err != nil {
			continue
		}
		if _, ok := obj.(*object.Function); ok {
			names = append(names, name)
		}
	}
	return names
}

// HasMethod reports whether name is an exported guest method.
func (s *Sandbox) HasMethod(name string) bool {
	obj, err := s.vm.Get(name)
	if err != nil {
		return false
	}
	_, ok := obj.(*object.Function)
	return ok
}

// Invoke calls the named exported method with args, on behalf of
// callerID (observable inside the guest via System.caller.id()).
// Invoke must not be called concurrently for the same Sandbox — the VM
// kernel serializes calls to a single VM, which is what makes replay
// deterministic.
func (s *Sandbox) Invoke(ctx context.Context, method string, args wireval.Value, callerID string) (wireval.Value, error) {
	obj, err := s.vm.Get(method)
	if err != nil {
		return wireval.Value{}, fmt.Errorf("%w: %s", errs.ErrMethodNotSupported, method)
	}
	fn, ok := obj.(*object.Function)
	if !ok {
		return wireval.Value{}, fmt.Errorf("%w: %s", errs.ErrMethodNotSupported, method)
	}

	argObj, err := toRisor(args)
	if err != nil {
		return wireval.Value{}, err
	}
	var callArgs []object.Object
	if list, ok := argObj.(*object.List); ok {
		callArgs = list.Value()
	} else if args.IsNull() {
		callArgs = nil
	} else {
		callArgs = []object.Object{argObj}
	}

	s.caller.Set(callerID)
	defer s.caller.Clear()

	result, err := s.vm.Call(ctx, fn, callArgs)
	if err != nil {
		return wireval.Value{}, fmt.Errorf("%w: %v", errs.ErrGuestError, err)
	}
	if errObj, ok := result.(*object.Error); ok && errObj.IsRaised() {
		return wireval.Value{}, fmt.Errorf("%w: %v", errs.ErrGuestError, errObj.Value())
	}
	return fromRisor(result)
}
