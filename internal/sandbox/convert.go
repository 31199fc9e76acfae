package sandbox

import (
	"fmt"

	"github.com/risor-io/risor/object"

	"github.com/vmledger/vmledger/internal/wireval"
)

// toRisor converts a wireval.Value into the equivalent risor object.
func toRisor(v wireval.Value) (object.Object, error) {
	switch v.Kind() {
	case wireval.KindNull:
		return object.Nil, nil
	case wireval.KindBool:
		b, _ := v.Bool()
		return object.NewBool(b), nil
	case wireval.KindInt:
		i, _ := v.Int()
		return object.NewInt(i), nil
	case wireval.KindFloat:
		f, _ := v.Float()
		return object.NewFloat(f), nil
	case wireval.KindString:
		s, _ := v.String()
		return object.NewString(s), nil
	case wireval.KindBytes:
		b, _ := v.BytesVal()
		return object.NewByteSlice(b), nil
	case wireval.KindArray:
		arr, _ := v.Array()
		items := make([]object.Object, len(arr))
		for i, e := range arr {
			obj, err := toRisor(e)
			if err != nil {
				return nil, err
			}
			items[i] = obj
		}
		return object.NewList(items), nil
	case wireval.KindObject:
		fields, _ := v.ObjectFields()
		m := make(map[string]object.Object, len(fields))
		for _, f := range fields {
			obj, err := toRisor(f.Value)
			if err != nil {
				return nil, err
			}
			m[f.Key] = obj
		}
		return object.NewMap(m), nil
	default:
		return nil, fmt.Errorf("sandbox: unsupported wire value kind %q", v.Kind())
	}
}

// fromRisor converts a risor object into the equivalent wireval.Value.
func fromRisor(obj object.Object) (wireval.Value, error) {
	switch o := obj.(type) {
	case *object.NilType:
		return wireval.Null(), nil
	case *object.Bool:
		return wireval.Bool(o.Value()), nil
	case *object.Int:
		return wireval.Int(o.Value()), nil
	case *object.Float:
		return wireval.Float(o.Value()), nil
	case *object.String:
		return wireval.String(o.Value()), nil
	case *object.ByteSlice:
		return wireval.Bytes(o.Value()), nil
	case *object.List:
		items := o.Value()
		vs := make([]wireval.Value, len(items))
		for i, it := range items {
			v, err := fromRisor(it)
			if err != nil {
				return wireval.Value{}, err
			}
			vs[i] = v
		}
		return wireval.Array(vs...), nil
	case *object.Map:
		m := o.Value()
		pairs := make([]wireval.KV, 0, len(m))
		for k, it := range m {
			v, err := fromRisor(it)
			if err != nil {
				return wireval.Value{}, err
			}
			pairs = append(pairs, wireval.Field(k, v))
		}
		return wireval.Object(pairs...), nil
	case *object.Error:
		if o.IsRaised() {
			return wireval.Value{}, o.Value()
		}
		return wireval.String(o.Value().Error()), nil
	default:
		return wireval.Value{}, fmt.Errorf("sandbox: unsupported risor object type %T", obj)
	}
}
