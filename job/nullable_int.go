package job

import "strconv"

// NullableInt represents an int that can be "empty" (aka nil). Policy uses
// it for the retry cap, where empty means "no cap".
//
// A NullableInt is empty by default.
type NullableInt struct {
	hasValue bool // false by default
	i        int
}

// IsNil returns true if the value is empty.
func (ni *NullableInt) IsNil() bool {
	return !ni.hasValue
}

// Value returns the value, make sure to check IsNil before using Value.
func (ni *NullableInt) Value() int {
	return ni.i
}

// Set sets the value to i.
func (ni *NullableInt) Set(i int) {
	ni.hasValue = true
	ni.i = i
}

func (ni NullableInt) String() string {
	if ni.IsNil() {
		return "null"
	}
	return strconv.Itoa(ni.i)
}
