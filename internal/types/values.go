package types

import (
	"maps"
	"slices"

	"github.com/ghettovoice/siptu/internal/util"
)

// Values maps a case-insensitive name to a string value.
// It holds URI and header parameters, where an empty value stands for a flag
// parameter without a value (e.g. ";lr").
type Values map[string]string

// Get returns the value of the parameter and whether it is present.
func (vals Values) Get(name string) (string, bool) {
	v, ok := vals[util.LCase(name)]
	return v, ok
}

// Has checks whether the parameter is present.
func (vals Values) Has(name string) bool {
	_, ok := vals[util.LCase(name)]
	return ok
}

// Set sets the parameter value, replacing an existing one.
// It allocates the map when called on a nil receiver through a pointer.
func (vals *Values) Set(name, value string) {
	if *vals == nil {
		*vals = make(Values, 1)
	}
	(*vals)[util.LCase(name)] = value
}

// Del deletes the parameter.
func (vals Values) Del(name string) { delete(vals, util.LCase(name)) }

// Clone returns a copy of the map. Cloning an empty map gives nil.
func (vals Values) Clone() Values {
	if len(vals) == 0 {
		return nil
	}
	return maps.Clone(vals)
}

// Names returns parameter names in sorted order.
func (vals Values) Names() []string { return slices.Sorted(maps.Keys(vals)) }

// Equal compares parameter sets, value comparison is case-sensitive.
func (vals Values) Equal(other Values) bool { return maps.Equal(vals, other) }
