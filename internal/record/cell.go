package record

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Cell is one typed value. The zero Cell is the missing marker, which is
// distinct from every valid value including zero numbers and empty strings.
type Cell struct {
	v any
}

func Missing() Cell { return Cell{} }

func Int(v int64) Cell { return Cell{v: v} }

func Float(v float64) Cell { return Cell{v: v} }

func Bool(v bool) Cell { return Cell{v: v} }

func String(v string) Cell { return Cell{v: v} }

func Bytes(v []byte) Cell {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Cell{v: cp}
}

func (c Cell) IsMissing() bool { return c.v == nil }

// Value returns the underlying Go value, nil for a missing cell.
func (c Cell) Value() any { return c.v }

// Type reports the column type of a present cell. It panics on missing cells.
func (c Cell) Type() ColumnType {
	switch c.v.(type) {
	case int64:
		return ColInt64
	case float64:
		return ColFloat64
	case bool:
		return ColBool
	case string:
		return ColString
	case []byte:
		return ColBytes
	}
	panic("record: Type called on missing cell")
}

func (c Cell) AsInt() (int64, bool) {
	v, ok := c.v.(int64)
	return v, ok
}

func (c Cell) AsFloat() (float64, bool) {
	v, ok := c.v.(float64)
	return v, ok
}

func (c Cell) AsBool() (bool, bool) {
	v, ok := c.v.(bool)
	return v, ok
}

func (c Cell) AsString() (string, bool) {
	v, ok := c.v.(string)
	return v, ok
}

func (c Cell) AsBytes() ([]byte, bool) {
	v, ok := c.v.([]byte)
	return v, ok
}

// Equal reports whether both cells hold the same stored value. Floats compare
// by bit pattern, so NaN equals itself and 0 differs from -0.
func (c Cell) Equal(o Cell) bool {
	if c.IsMissing() || o.IsMissing() {
		return c.IsMissing() == o.IsMissing()
	}
	switch a := c.v.(type) {
	case []byte:
		b, ok := o.v.([]byte)
		return ok && bytes.Equal(a, b)
	case float64:
		b, ok := o.v.(float64)
		return ok && math.Float64bits(a) == math.Float64bits(b)
	}
	return c.v == o.v
}

func (c Cell) String() string {
	switch v := c.v.(type) {
	case nil:
		return "?"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	case []byte:
		return fmt.Sprintf("%x", v)
	default:
		return fmt.Sprint(v)
	}
}
