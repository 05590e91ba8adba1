package config

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cleitonmarx/lifeline/internal/reflectx"
)

// ParseFunc is a function that parses a string value into type T.
type ParseFunc[T any] func(value string) (T, error)

// Converter turns raw string values into typed values.
// Built-in parsers exist for string, bool, int, int64, float64, time.Duration and []string
// (comma separated). Types implementing encoding.TextUnmarshaler are parsed through it.
type Converter struct {
	mu      sync.RWMutex
	parsers map[reflect.Type]func(value string) (any, error)
}

// NewConverter creates a converter with the built-in parsers registered.
func NewConverter() *Converter {
	return &Converter{
		parsers: map[reflect.Type]func(value string) (any, error){
			reflect.TypeFor[string]():        func(value string) (any, error) { return value, nil },
			reflect.TypeFor[bool]():          func(value string) (any, error) { return strconv.ParseBool(value) },
			reflect.TypeFor[int]():           func(value string) (any, error) { return strconv.Atoi(value) },
			reflect.TypeFor[int64]():         func(value string) (any, error) { return strconv.ParseInt(value, 10, 64) },
			reflect.TypeFor[float64]():       func(value string) (any, error) { return strconv.ParseFloat(value, 64) },
			reflect.TypeFor[time.Duration](): func(value string) (any, error) { return time.ParseDuration(value) },
			reflect.TypeFor[[]string]():      func(value string) (any, error) { return splitList(value), nil },
		},
	}
}

// RegisterParser registers parser for type T on c, replacing any previous parser for T.
func RegisterParser[T any](c *Converter, parser ParseFunc[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parsers[reflect.TypeFor[T]()] = func(value string) (any, error) {
		return parser(value)
	}
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// Convert parses raw into a value of type t.
func (c *Converter) Convert(raw string, t reflect.Type) (any, error) {
	c.mu.RLock()
	parser, ok := c.parsers[t]
	c.mu.RUnlock()
	if ok {
		return parser(raw)
	}
	if t != nil && reflect.PointerTo(t).Implements(textUnmarshalerType) {
		v := reflect.New(t)
		if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(raw)); err != nil {
			return nil, err
		}
		return v.Elem().Interface(), nil
	}
	return nil, fmt.Errorf("parser for type '%s' does not exist", reflectx.GetTypeName(t))
}

// ConvertTo parses raw into a T.
func ConvertTo[T any](c *Converter, raw string) (T, error) {
	value, err := c.Convert(raw, reflect.TypeFor[T]())
	if err != nil {
		return reflectx.Zero[T](), err
	}
	return value.(T), nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
