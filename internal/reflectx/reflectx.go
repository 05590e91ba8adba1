// Package reflectx names components and callbacks for diagnostics and walks tagged struct fields.
package reflectx

import (
	"fmt"
	"path"
	"reflect"
	"runtime"
	"strings"
)

// Zero returns the zero value of T.
func Zero[T any]() T {
	var zero T
	return zero
}

// GetTypeName returns "package.TypeName" for named types and the plain type string otherwise.
// Pointer types are reported by their element type.
func GetTypeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		if t.Name() == "" {
			return t.String()
		}
		return t.Name()
	}
	return fmt.Sprintf("%s.%s", path.Base(t.PkgPath()), t.Name())
}

// FuncInfo returns the short function name (package.Func) and the file:line where fn is declared.
func FuncInfo(fn any) (string, string) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "<nil>", ""
	}
	funcRef := runtime.FuncForPC(v.Pointer())
	if funcRef == nil {
		return "unknown", ""
	}
	file, line := funcRef.FileLine(funcRef.Entry())
	return FormatFunctionName(funcRef.Name()), fmt.Sprintf("%s:%d", FormatFileName(file), line)
}

// CallerName returns the function name, file and line of the caller skip frames above CallerName.
func CallerName(skip int) (string, string, int) {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown", "", 0
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown", file, line
	}
	return fn.Name(), file, line
}

// NameOf names a component: function values by their declared name, everything else by type.
func NameOf(component any) string {
	if component == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(component)
	if t.Kind() == reflect.Func {
		name, _ := FuncInfo(component)
		return name
	}
	return GetTypeName(t)
}

// FormatFunctionName trims a qualified function name to its package.Func portion.
func FormatFunctionName(name string) string {
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		return name[idx+1:]
	}
	return name
}

// FormatFileName keeps the parent directory and file name (e.g. "dispatch/future.go").
func FormatFileName(file string) string {
	dir, fileName := path.Split(file)
	return fmt.Sprintf("%s/%s", path.Base(path.Clean(dir)), fileName)
}

// StructFieldIteratorFunc is called for each field of the struct being iterated.
type StructFieldIteratorFunc func(fieldValue reflect.Value, structField reflect.StructField, targetType reflect.Type) error

// IterateStructFields calls every fn, in order, for each field of the struct pointed to by target.
func IterateStructFields(target any, fns ...StructFieldIteratorFunc) error {
	v := reflect.ValueOf(target)
	if !IsPointerStruct(v) {
		return fmt.Errorf("target must be a struct pointer, got '%s'", GetTypeName(reflect.TypeOf(target)))
	}
	targetType := v.Type()
	v = v.Elem()
	t := v.Type()
	for i := range v.NumField() {
		for _, fn := range fns {
			if err := fn(v.Field(i), t.Field(i), targetType); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetFieldValue assigns value to field, failing for unexported or mismatched fields.
func SetFieldValue(field reflect.Value, structField reflect.StructField, value any) error {
	if !field.CanSet() {
		return fmt.Errorf("field '%s' is not settable", structField.Name)
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if !rv.Type().AssignableTo(field.Type()) {
		return fmt.Errorf("field '%s' of type '%s' cannot hold '%s'", structField.Name, GetTypeName(field.Type()), GetTypeName(rv.Type()))
	}
	field.Set(rv)
	return nil
}

// IsPointerStruct reports whether v is a non-nil pointer to a struct.
func IsPointerStruct(v reflect.Value) bool {
	return v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Kind() == reflect.Struct
}
