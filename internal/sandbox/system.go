package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/risor-io/risor/object"

	"github.com/vmledger/vmledger/internal/archive"
	"github.com/vmledger/vmledger/internal/wireval"
)

// systemObject is the single global installed as "System" inside the
// guest. It embeds *object.Map so it satisfies object.Object through
// promotion, and additionally implements object.AttrResolver so that
// System.caller, System.files, and System.vms are rebuilt on every
// attribute access rather than captured once at VM construction — this
// is what lets System.caller.id() observe the caller of the call
// currently in flight.
type systemObject struct {
	*object.Map
	sandbox *Sandbox
}

func newSystemObject(s *Sandbox) *systemObject {
	return &systemObject{
		Map:     object.NewMap(map[string]object.Object{}),
		sandbox: s,
	}
}

// ResolveAttr implements object.AttrResolver.
func (sys *systemObject) ResolveAttr(ctx context.Context, name string) (object.Object, error) {
	switch name {
	case "caller":
		return sys.callerNamespace(), nil
	case "files":
		return sys.filesNamespace(), nil
	case "vms":
		if sys.sandbox.children == nil {
			return nil, fmt.Errorf("System.vms is only available to the factory's own guest script")
		}
		return sys.vmsNamespace(), nil
	case "test":
		if !sys.sandbox.nondeterm {
			return nil, fmt.Errorf("System.test is only installed with the nondeterminism probe enabled")
		}
		return sys.testNamespace(), nil
	}
	if obj, found := sys.Map.GetAttr(name); found {
		return obj, nil
	}
	return nil, fmt.Errorf("System has no attribute %q", name)
}

func (sys *systemObject) callerNamespace() object.Object {
	caller := sys.sandbox.caller
	return object.NewMap(map[string]object.Object{
		"id": object.NewBuiltin("System.caller.id", func(ctx context.Context, args ...object.Object) object.Object {
			return object.NewString(caller.ID())
		}),
	})
}

func (sys *systemObject) filesNamespace() object.Object {
	a := sys.sandbox.adaptor
	return object.NewMap(map[string]object.Object{
		"getInfo": object.NewBuiltin("System.files.getInfo", func(ctx context.Context, args ...object.Object) object.Object {
			obj, err := toRisor(a.GetInfo())
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
		"stat": object.NewBuiltin("System.files.stat", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "stat")
			if err != nil {
				return object.NewError(err)
			}
			v, err := a.Stat(p)
			if err != nil {
				return object.NewError(err)
			}
			obj, err := toRisor(v)
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
		"readFile": object.NewBuiltin("System.files.readFile", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "readFile")
			if err != nil {
				return object.NewError(err)
			}
			enc, err := optionalStringArg(args, 1, string(archive.EncodingUTF8))
			if err != nil {
				return object.NewError(err)
			}
			v, err := a.ReadFile(p, archive.Encoding(enc))
			if err != nil {
				return object.NewError(err)
			}
			obj, err := toRisor(v)
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
		"readdir": object.NewBuiltin("System.files.readdir", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "readdir")
			if err != nil {
				return object.NewError(err)
			}
			v, err := a.Readdir(p)
			if err != nil {
				return object.NewError(err)
			}
			obj, err := toRisor(v)
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
		"history": object.NewBuiltin("System.files.history", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "history")
			if err != nil {
				return object.NewError(err)
			}
			limit := 0
			if len(args) > 1 {
				if i, ok := args[1].(*object.Int); ok {
					limit = int(i.Value())
				}
			}
			v, err := a.History(p, limit)
			if err != nil {
				return object.NewError(err)
			}
			obj, err := toRisor(v)
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
		"writeFile": object.NewBuiltin("System.files.writeFile", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "writeFile")
			if err != nil {
				return object.NewError(err)
			}
			if len(args) < 2 {
				return object.NewError(fmt.Errorf("writeFile: requires a content argument"))
			}
			content, err := fromRisor(args[1])
			if err != nil {
				return object.NewError(err)
			}
			enc, err := optionalStringArg(args, 2, string(archive.EncodingUTF8))
			if err != nil {
				return object.NewError(err)
			}
			version, err := a.WriteFile(p, content, archive.Encoding(enc))
			if err != nil {
				return object.NewError(err)
			}
			return object.NewInt(version)
		}),
		"mkdir": object.NewBuiltin("System.files.mkdir", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "mkdir")
			if err != nil {
				return object.NewError(err)
			}
			version, err := a.Mkdir(p)
			if err != nil {
				return object.NewError(err)
			}
			return object.NewInt(version)
		}),
		"unlink": object.NewBuiltin("System.files.unlink", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "unlink")
			if err != nil {
				return object.NewError(err)
			}
			version, err := a.Unlink(p)
			if err != nil {
				return object.NewError(err)
			}
			return object.NewInt(version)
		}),
		"rmdir": object.NewBuiltin("System.files.rmdir", func(ctx context.Context, args ...object.Object) object.Object {
			p, err := stringArg(args, 0, "rmdir")
			if err != nil {
				return object.NewError(err)
			}
			version, err := a.Rmdir(p)
			if err != nil {
				return object.NewError(err)
			}
			return object.NewInt(version)
		}),
	})
}

func stringArg(args []object.Object, i int, method string) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%s: requires a path argument", method)
	}
	s, ok := args[i].(*object.String)
	if !ok {
		return "", fmt.Errorf("%s: path must be a string", method)
	}
	return s.Value(), nil
}

func optionalStringArg(args []object.Object, i int, def string) (string, error) {
	if len(args) <= i {
		return def, nil
	}
	s, ok := args[i].(*object.String)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string", i)
	}
	return s.Value(), nil
}

func (sys *systemObject) testNamespace() object.Object {
	return object.NewMap(map[string]object.Object{
		"random": object.NewBuiltin("System.test.random", func(ctx context.Context, args ...object.Object) object.Object {
			var buf [8]byte
			if _, err := rand.Read(buf[:]); err != nil {
				return object.NewError(err)
			}
			return object.NewInt(int64(binary.LittleEndian.Uint64(buf[:])))
		}),
	})
}

func (sys *systemObject) vmsNamespace() object.Object {
	children := sys.sandbox.children
	return object.NewMap(map[string]object.Object{
		"provisionVM": object.NewBuiltin("System.vms.provisionVM", func(ctx context.Context, args ...object.Object) object.Object {
			var provArgs wireval.Value = wireval.Null()
			if len(args) > 0 {
				v, err := fromRisor(args[0])
				if err != nil {
					return object.NewError(err)
				}
				provArgs = v
			}
			result, err := children.Provision(ctx, provArgs)
			if err != nil {
				return object.NewError(err)
			}
			obj, err := toRisor(result)
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
		"shutdownVM": object.NewBuiltin("System.vms.shutdownVM", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) < 1 {
				return object.NewError(fmt.Errorf("shutdownVM: requires an id argument"))
			}
			id, ok := args[0].(*object.String)
			if !ok {
				return object.NewError(fmt.Errorf("shutdownVM: id must be a string"))
			}
			result, err := children.Shutdown(ctx, id.Value())
			if err != nil {
				return object.NewError(err)
			}
			obj, err := toRisor(result)
			if err != nil {
				return object.NewError(err)
			}
			return obj
		}),
	})
}
