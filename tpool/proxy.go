package tpool

import (
	"context"
	"fmt"
	"reflect"
)

var errType = reflect.TypeOf((*error)(nil)).Elem()

// Proxy is spec §4.K's auto-wrapping forwarder: it forwards method
// calls on an underlying object through a Bridge's Execute, so blocking
// methods of target run on a tpool worker goroutine instead of the hub.
// Results whose type is in autowrap are themselves wrapped in a new
// Proxy, the Go rendition of spec §9's "dynamic method forwarding"
// replaced by "an explicit proxy builder parameterized by a
// method-name list" — here parameterized by a return-type set instead,
// since Go selects methods by name through reflect.Value.MethodByName
// rather than by an intercepted attribute lookup.
type Proxy struct {
	bridge   *Bridge
	target   reflect.Value
	autowrap map[reflect.Type]bool
}

// NewProxy wraps target, auto-wrapping any Call result whose type
// appears in autowrapTypes.
func NewProxy(bridge *Bridge, target any, autowrapTypes ...reflect.Type) *Proxy {
	m := make(map[reflect.Type]bool, len(autowrapTypes))
	for _, t := range autowrapTypes {
		m[t] = true
	}
	return &Proxy{bridge: bridge, target: reflect.ValueOf(target), autowrap: m}
}

// Call invokes method on the wrapped target through the bridge (spec
// §4.K "forwards method access to an underlying object via execute").
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	m := p.target.MethodByName(method)
	if !m.IsValid() {
		return nil, fmt.Errorf("tpool.Proxy: %s has no method %q", p.target.Type(), method)
	}

	v, err := p.bridge.Execute(ctx, func() (any, error) {
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			in[i] = reflect.ValueOf(a)
		}
		return unpackResult(m.Call(in))
	})
	if err != nil {
		return nil, err
	}

	if v != nil && p.autowrap[reflect.TypeOf(v)] {
		return NewProxy(p.bridge, v, p.autowrapTypeSlice()...), nil
	}
	return v, nil
}

func (p *Proxy) autowrapTypeSlice() []reflect.Type {
	types := make([]reflect.Type, 0, len(p.autowrap))
	for t := range p.autowrap {
		types = append(types, t)
	}
	return types
}

// String, Len and IsZero are spec §4.K's "non-blocking operations ...
// forwarded directly without crossing the bridge": they run on the
// calling fiber's own goroutine, not a tpool worker, because they are
// assumed cheap and side-effect-free.
func (p *Proxy) String() string {
	if m := p.target.MethodByName("String"); m.IsValid() {
		if out := m.Call(nil); len(out) == 1 {
			if s, ok := out[0].Interface().(string); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("%v", p.target.Interface())
}

func (p *Proxy) Len() (int, bool) {
	if p.target.Kind() == reflect.Slice || p.target.Kind() == reflect.Map || p.target.Kind() == reflect.String {
		return p.target.Len(), true
	}
	if m := p.target.MethodByName("Len"); m.IsValid() {
		if out := m.Call(nil); len(out) == 1 {
			if n, ok := out[0].Interface().(int); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func (p *Proxy) IsZero() bool {
	return p.target.IsZero()
}

// unpackResult adapts a reflect.Value method-call result into the
// (any, error) shape Bridge.Execute expects, recognizing the
// conventional (value, error) and bare-error Go return shapes.
func unpackResult(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		v := out[0]
		if v.Type().Implements(errType) {
			if v.IsNil() {
				return nil, nil
			}
			return nil, v.Interface().(error)
		}
		return v.Interface(), nil
	default:
		last := out[len(out)-1]
		if !last.Type().Implements(errType) {
			vals := make([]any, len(out))
			for i, o := range out {
				vals[i] = o.Interface()
			}
			return vals, nil
		}
		var err error
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		if len(out) == 2 {
			return out[0].Interface(), err
		}
		vals := make([]any, len(out)-1)
		for i := 0; i < len(out)-1; i++ {
			vals[i] = out[i].Interface()
		}
		return vals, err
	}
}
