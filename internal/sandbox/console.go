package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/risor-io/risor/object"
	"github.com/sirupsen/logrus"
)

// consoleModule builds a minimal console.log/console.error shim that
// writes through the sandbox's configured logger. It is not part of the
// audited call surface — guest scripts use it for diagnostics only, and
// its output never reaches the call log.
func consoleModule(log *logrus.Logger) object.Object {
	return object.NewMap(map[string]object.Object{
		"log": object.NewBuiltin("console.log", func(ctx context.Context, args ...object.Object) object.Object {
			log.Info(inspectArgs(args))
			return object.Nil
		}),
		"error": object.NewBuiltin("console.error", func(ctx context.Context, args ...object.Object) object.Object {
			log.Error(inspectArgs(args))
			return object.Nil
		}),
	})
}

func inspectArgs(args []object.Object) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		if s, ok := a.(*object.String); ok {
			out += s.Value()
		} else {
			out += a.Inspect()
		}
	}
	return out
}

// sleepBuiltin blocks the calling goroutine for the given millisecond
// delay and returns nil. Unlike setTimeout it is synchronous: since
// every call runs on the VM's single worker goroutine (§4.4 key design
// choice 1), a guest sleeping mid-call simply holds that worker, which
// is how back-to-back calls demonstrably serialise despite the delay.
func sleepBuiltin() object.Object {
	return object.NewBuiltin("sleep", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 1 {
			return object.NewError(fmt.Errorf("sleep: requires a millisecond duration argument"))
		}
		d, ok := args[0].(*object.Int)
		if !ok {
			return object.NewError(fmt.Errorf("sleep: argument must be an int"))
		}
		timer := time.NewTimer(time.Duration(d.Value()) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return object.Nil
	})
}

// setTimeoutBuiltin fires fn once after the given millisecond delay. The
// guest's Go-side goroutine outlives the originating call, so any
// observable effect it has (e.g. a System.files write) happens outside
// that call's ledger entry — callers relying on timer side effects for
// auditability are using setTimeout outside its intended diagnostic role.
func setTimeoutBuiltin(vmCall func(ctx context.Context, fn *object.Function, args []object.Object) (object.Object, error)) object.Object {
	return object.NewBuiltin("setTimeout", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 1 {
			return object.NewError(fmt.Errorf("setTimeout: requires a function argument"))
		}
		fn, ok := args[0].(*object.Function)
		if !ok {
			return object.NewError(fmt.Errorf("setTimeout: first argument must be a function"))
		}
		delayMs := int64(0)
		if len(args) > 1 {
			if d, ok := args[1].(*object.Int); ok {
				delayMs = d.Value()
			}
		}
		time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
			vmCall(context.Background(), fn, nil)
		})
		return object.Nil
	})
}
