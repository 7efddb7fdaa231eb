// Package nilcheck detects typed-nil values hidden behind interfaces.
//
// A nil *T stored in an interface makes the interface itself non-nil, so a
// plain `== nil` guard passes and the nil pointer explodes later at the call
// site. Constructors use Interface to reject such values up front.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including typed nils of any
// nilable kind.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	return isNilable(reflect.ValueOf(value))
}

func isNilable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface,
		reflect.Map, reflect.Pointer, reflect.Slice, reflect.UnsafePointer:
		return v.IsNil()
	default:
		return false
	}
}
