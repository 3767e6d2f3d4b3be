package sandbox

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dop251/goja"

	"github.com/roach88/scenehost/internal/ir"
)

// toIR exports a script value into the IR model. Functions, promises and
// other host-incompatible values are rejected.
func toIR(v goja.Value) (ir.IRValue, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ir.IRNull{}, nil
	}
	plain, err := normalize(v.Export())
	if err != nil {
		return nil, err
	}
	return ir.FromGo(plain)
}

// normalize rewrites the runtime's export shapes into what ir.FromGo
// accepts.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case goja.ArrayBuffer:
		return slices.Clone(val.Bytes()), nil
	case []byte:
		return slices.Clone(val), nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			n, err := normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case func(goja.FunctionCall) goja.Value, *goja.Promise:
		return nil, errors.New("functions and promises cannot cross the host boundary")
	default:
		return val, nil
	}
}

// toJS imports an IR value into the runtime. Bytes become Uint8Array.
func (s *sandbox) toJS(v ir.IRValue) goja.Value {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return goja.Null()
	case ir.IRString:
		return s.vm.ToValue(string(val))
	case ir.IRInt:
		return s.vm.ToValue(int64(val))
	case ir.IRFloat:
		return s.vm.ToValue(float64(val))
	case ir.IRBool:
		return s.vm.ToValue(bool(val))
	case ir.IRBytes:
		return s.uint8Array(val)
	case ir.IRArray:
		items := make([]any, len(val))
		for i, elem := range val {
			items[i] = s.toJS(elem)
		}
		return s.vm.NewArray(items...)
	case ir.IRObject:
		obj := s.vm.NewObject()
		for _, k := range val.SortedKeys() {
			_ = obj.Set(k, s.toJS(val[k]))
		}
		return obj
	default:
		return goja.Undefined()
	}
}

func (s *sandbox) uint8Array(b []byte) goja.Value {
	buf := s.vm.NewArrayBuffer(slices.Clone(b))
	arr, err := s.vm.New(s.u8ctor, s.vm.ToValue(buf))
	if err != nil {
		return goja.Undefined()
	}
	return arr
}

// argsObject converts an op's first argument. undefined and null are the
// empty argument object.
func argsObject(v goja.Value) (ir.IRObject, error) {
	iv, err := toIR(v)
	if err != nil {
		return nil, err
	}
	switch val := iv.(type) {
	case ir.IRNull:
		return ir.IRObject{}, nil
	case ir.IRObject:
		return val, nil
	default:
		return nil, fmt.Errorf("op arguments must be an object, got %T", iv)
	}
}
