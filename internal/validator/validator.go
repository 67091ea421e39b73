package validator

import (
	"fmt"
	"reflect"
)

// Validate returns an error naming the component when any dependency is nil
// or holds its zero value. Nil interfaces, pointers, maps, slices, funcs and
// channels all count as missing, as do empty strings and zero numbers.
func Validate(name string, deps ...any) error {
	for i, dep := range deps {
		if missing(dep) {
			return fmt.Errorf("missing required deps for component %s: dependency #%d is unset", name, i)
		}
	}

	return nil
}

func missing(dep any) bool {
	if dep == nil {
		return true
	}

	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}
