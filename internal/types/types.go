// Package types contains small value types and containers shared across the module.
package types

// Cloneable is implemented by values that can produce a deep copy of themselves.
type Cloneable[T any] interface {
	Clone() T
}

// Clone clones the value if it has method `Clone() T`, otherwise returns the value itself.
func Clone[T any](v T) T {
	if c, ok := any(v).(Cloneable[T]); ok {
		return c.Clone()
	}
	return v
}
