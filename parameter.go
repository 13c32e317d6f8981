package qcflow

import (
	"fmt"
	"sort"
)

// ValueType is the declared type of a Parameter value.
type ValueType int

const (
	// ValueAny accepts any value and is never checked.
	ValueAny ValueType = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueBytes
)

// String returns the name of the value type.
func (t ValueType) String() string {
	switch t {
	case ValueAny:
		return "any"
	case ValueBool:
		return "bool"
	case ValueInt:
		return "int"
	case ValueFloat:
		return "float"
	case ValueString:
		return "string"
	case ValueBytes:
		return "bytes"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Parameter is a named, typed value: a feature, a step setting or a function output.
type Parameter struct {
	Name  string
	Type  ValueType
	Value any
}

// Bool builds a ValueBool parameter.
func Bool(name string, v bool) Parameter { return Parameter{Name: name, Type: ValueBool, Value: v} }

// Int builds a ValueInt parameter.
func Int(name string, v int64) Parameter { return Parameter{Name: name, Type: ValueInt, Value: v} }

// Float builds a ValueFloat parameter.
func Float(name string, v float64) Parameter {
	return Parameter{Name: name, Type: ValueFloat, Value: v}
}

// String builds a ValueString parameter.
func String(name, v string) Parameter { return Parameter{Name: name, Type: ValueString, Value: v} }

// Bytes builds a ValueBytes parameter.
func Bytes(name string, v []byte) Parameter {
	return Parameter{Name: name, Type: ValueBytes, Value: v}
}

// Parameters is an ordered list of parameters.
type Parameters []Parameter

// Get returns the first parameter with the given name.
func (ps Parameters) Get(name string) (Parameter, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Clone returns a shallow copy of the list.
func (ps Parameters) Clone() Parameters {
	if ps == nil {
		return nil
	}
	out := make(Parameters, len(ps))
	copy(out, ps)
	return out
}

// ImageCollection is an opaque, read-only, keyed set of acquired images.
// Messages share the collection they were created with; it is never copied.
type ImageCollection interface {
	Keys() []string
	Image(key string) (any, bool)
}

// Images is a map-backed ImageCollection.
type Images map[string]any

// Keys returns the image keys in sorted order.
func (im Images) Keys() []string {
	keys := make([]string, 0, len(im))
	for k := range im {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Image returns the image stored under key.
func (im Images) Image(key string) (any, bool) {
	v, ok := im[key]
	return v, ok
}

var _ ImageCollection = Images(nil)
