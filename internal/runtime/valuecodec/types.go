package valuecodec

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// TypeRegistry maps type names written by producers to Go types known by
// consumers.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	names  map[reflect.Type]string
}

// NewTypeRegistry returns a registry pre-populated with the generic
// collection and time types commonly attached to CNC values.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		names:  make(map[reflect.Type]string),
	}
	for _, sample := range []any{
		map[string]any(nil),
		map[string]string(nil),
		map[string]float64(nil),
		map[string]int64(nil),
		[]any(nil),
		[]string(nil),
		[]int(nil),
		[]int32(nil),
		[]int64(nil),
		[]float64(nil),
		[]bool(nil),
		[]byte(nil),
		time.Time{},
		time.Duration(0),
	} {
		r.Register("", sample)
	}
	return r
}

// Register records the dynamic type of sample under name. An empty name
// uses TypeName. Registering a struct type also makes its pointer type
// resolvable.
func (r *TypeRegistry) Register(name string, sample any) {
	t := reflect.TypeOf(sample)
	if t == nil {
		return
	}
	if name == "" {
		name = TypeName(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = t
	r.names[t] = name
}

// RegisterType registers T under its TypeName.
func RegisterType[T any](r *TypeRegistry) {
	var zero T
	r.Register("", zero)
}

// NameOf returns the name a value of type t is tagged with.
func (r *TypeRegistry) NameOf(t reflect.Type) string {
	r.mu.RLock()
	name, ok := r.names[t]
	r.mu.RUnlock()
	if ok {
		return name
	}
	if t.Kind() == reflect.Pointer {
		return "*" + r.NameOf(t.Elem())
	}
	return TypeName(t)
}

// Resolve returns the Go type registered under name. A leading "*" resolves
// to a pointer to the named type.
func (r *TypeRegistry) Resolve(name string) (reflect.Type, bool) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	if elem, found := strings.CutPrefix(name, "*"); found {
		if t, ok := r.Resolve(elem); ok {
			return reflect.PointerTo(t), true
		}
	}
	return nil, false
}

// TypeName returns the fully qualified name of t: import/path.Name for named
// types, a "*" prefix for pointers, and Go syntax for unnamed types.
func TypeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + TypeName(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

func resolveProto(name string) (proto.Message, bool) {
	mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil, false
	}
	return mt.New().Interface(), true
}
