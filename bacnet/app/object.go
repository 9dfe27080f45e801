package app

import (
	"context"
	"sync"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/encoding"
	"github.com/edgeo/bacstack/bacnet/vendor"
)

// ReadHook overrides reads of one property. It may consult external state;
// returning an error of type *bacnet.Error surfaces as that protocol error.
type ReadHook func(ctx context.Context, obj *Object, pid bacnet.PropertyIdentifier) (encoding.Value, error)

// WriteHook intercepts writes of one property.
type WriteHook func(ctx context.Context, obj *Object, pid bacnet.PropertyIdentifier, value encoding.Value) error

// Object is one BACnet object served by the application: a class, a bag of
// property values, and optional per-property hooks.
type Object struct {
	ID    bacnet.ObjectIdentifier
	Class *vendor.ObjectClass

	mu         sync.Mutex
	app        *Application
	values     map[bacnet.PropertyIdentifier]encoding.Value
	arrays     map[bacnet.PropertyIdentifier][]encoding.Value
	readHooks  map[bacnet.PropertyIdentifier]ReadHook
	writeHooks map[bacnet.PropertyIdentifier]WriteHook
	cov        *covDetection
}

// NewObject creates an object of the given class.
func NewObject(id bacnet.ObjectIdentifier, class *vendor.ObjectClass, name string) *Object {
	o := &Object{
		ID:         id,
		Class:      class,
		values:     make(map[bacnet.PropertyIdentifier]encoding.Value),
		arrays:     make(map[bacnet.PropertyIdentifier][]encoding.Value),
		readHooks:  make(map[bacnet.PropertyIdentifier]ReadHook),
		writeHooks: make(map[bacnet.PropertyIdentifier]WriteHook),
	}
	o.values[bacnet.PropertyObjectIdentifier] = id
	o.values[bacnet.PropertyObjectName] = name
	o.values[bacnet.PropertyObjectType] = encoding.Enumerated(id.Type)
	return o
}

// Name returns the object name.
func (o *Object) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	name, _ := o.values[bacnet.PropertyObjectName].(string)
	return name
}

// SetReadHook installs a read hook for one property.
func (o *Object) SetReadHook(pid bacnet.PropertyIdentifier, hook ReadHook) {
	o.mu.Lock()
	o.readHooks[pid] = hook
	o.mu.Unlock()
}

// SetWriteHook installs a write hook for one property.
func (o *Object) SetWriteHook(pid bacnet.PropertyIdentifier, hook WriteHook) {
	o.mu.Lock()
	o.writeHooks[pid] = hook
	o.mu.Unlock()
}

// SetProperty stores a scalar property value, firing COV detection when the
// value changes.
func (o *Object) SetProperty(pid bacnet.PropertyIdentifier, value encoding.Value) {
	o.mu.Lock()
	old, had := o.values[pid]
	o.values[pid] = value
	cov := o.cov
	o.mu.Unlock()

	if cov != nil && (!had || !valueEqual(old, value)) {
		cov.propertyChanged(pid, value)
	}
}

// SetArray stores an array property.
func (o *Object) SetArray(pid bacnet.PropertyIdentifier, elements []encoding.Value) {
	o.mu.Lock()
	o.arrays[pid] = elements
	o.mu.Unlock()
}

// propertyList derives the property-list value: every property present,
// excluding object-identifier, object-name, object-type and property-list
// itself.
func (o *Object) propertyList() []encoding.Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []encoding.Value
	for pid := range o.values {
		switch pid {
		case bacnet.PropertyObjectIdentifier, bacnet.PropertyObjectName,
			bacnet.PropertyObjectType, bacnet.PropertyPropertyList:
			continue
		}
		out = append(out, encoding.Enumerated(pid))
	}
	for pid := range o.arrays {
		out = append(out, encoding.Enumerated(pid))
	}
	return out
}

// ReadProperty reads a property (or one array element). Index semantics:
// nil reads the whole value, 0 the array length, i>=1 the i-th element.
func (o *Object) ReadProperty(ctx context.Context, pid bacnet.PropertyIdentifier, index *uint32) (*encoding.Any, error) {
	if pid == bacnet.PropertyPropertyList {
		return encoding.AnyFromValues(o.propertyList())
	}

	o.mu.Lock()
	hook := o.readHooks[pid]
	o.mu.Unlock()

	if hook != nil {
		v, err := hook(ctx, o, pid)
		if err != nil {
			return nil, err
		}
		return encoding.AnyFromValue(v)
	}

	o.mu.Lock()
	elements, isArray := o.arrays[pid]
	value, isScalar := o.values[pid]
	o.mu.Unlock()

	switch {
	case isArray && index != nil && *index == 0:
		return encoding.AnyFromValue(uint32(len(elements)))
	case isArray && index != nil:
		i := int(*index)
		if i < 1 || i > len(elements) {
			return nil, bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidArrayIndex)
		}
		return encoding.AnyFromValue(elements[i-1])
	case isArray:
		return encoding.AnyFromValues(elements)
	case isScalar && index != nil:
		return nil, bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodePropertyIsNotAnArray)
	case isScalar:
		return encoding.AnyFromValue(value)
	default:
		return nil, bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty)
	}
}

// WriteProperty writes a property (or one array element), enforcing the
// class's writability rules. A Null value with a priority relinquishes a
// commandable property.
func (o *Object) WriteProperty(ctx context.Context, pid bacnet.PropertyIdentifier, value *encoding.Any, index, priority *uint32) error {
	spec, known := vendor.PropertySpec{}, false
	if o.Class != nil {
		spec, known = o.Class.PropertyType(pid)
	}
	if known && !spec.Writable {
		return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeWriteAccessDenied)
	}
	if priority != nil {
		if o.Class == nil || !o.Class.Commandable {
			return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeWriteAccessDenied)
		}
		if *priority < 1 || *priority > 16 {
			return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeValueOutOfRange)
		}
	}
	if value.IsNull() && priority == nil {
		return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeValueOutOfRange)
	}

	o.mu.Lock()
	hook := o.writeHooks[pid]
	o.mu.Unlock()

	if hook != nil {
		v, err := value.Value()
		if err != nil {
			return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidDataType)
		}
		return hook(ctx, o, pid, v)
	}

	if index != nil {
		o.mu.Lock()
		elements, isArray := o.arrays[pid]
		o.mu.Unlock()
		if !isArray {
			return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodePropertyIsNotAnArray)
		}
		i := int(*index)
		if i < 1 || i > len(elements) {
			return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidArrayIndex)
		}
		v, err := value.Value()
		if err != nil {
			return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidDataType)
		}
		o.mu.Lock()
		elements[i-1] = v
		o.mu.Unlock()
		return nil
	}

	v, err := value.Value()
	if err != nil {
		return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidDataType)
	}
	if known && !spec.Type.Matches(v) && !value.IsNull() {
		return bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidDataType)
	}
	o.SetProperty(pid, v)
	return nil
}

// valueEqual compares two decoded property values for COV purposes.
func valueEqual(a, b encoding.Value) bool {
	switch x := a.(type) {
	case encoding.BitString:
		y, ok := b.(encoding.BitString)
		if !ok || len(x.Bits) != len(y.Bits) {
			return false
		}
		for i := range x.Bits {
			if x.Bits[i] != y.Bits[i] {
				return false
			}
		}
		return true
	case []byte:
		y, ok := b.([]byte)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
