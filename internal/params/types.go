package params

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedParameterString = errors.New("malformed parameter string")
	ErrUnsupportedParameterType = errors.New("unsupported parameter type")
)

// Type tags a parameter value.
type Type int

const (
	TypeString Type = iota + 1
	TypeLong
	TypeDouble
	TypeDate
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeLong:
		return "LONG"
	case TypeDouble:
		return "DOUBLE"
	case TypeDate:
		return "DATE"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseType resolves a type tag case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STRING":
		return TypeString, nil
	case "LONG":
		return TypeLong, nil
	case "DOUBLE":
		return TypeDouble, nil
	case "DATE":
		return TypeDate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedParameterType, s)
	}
}

// Value is an immutable typed parameter value. The zero Value is invalid.
type Value struct {
	typ Type
	s   string
	l   int64
	f   float64
	t   time.Time
}

func StringValue(v string) Value  { return Value{typ: TypeString, s: v} }
func LongValue(v int64) Value     { return Value{typ: TypeLong, l: v} }
func DoubleValue(v float64) Value { return Value{typ: TypeDouble, f: v} }

// DateValue keeps millisecond precision, which is what the string form can carry.
func DateValue(v time.Time) Value {
	return Value{typ: TypeDate, t: v.Round(0).Truncate(time.Millisecond)}
}

// ValueOf converts one of the four supported Go kinds (string, int64, float64, time.Time).
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case string:
		return StringValue(x), nil
	case int64:
		return LongValue(x), nil
	case float64:
		return DoubleValue(x), nil
	case time.Time:
		return DateValue(x), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedParameterType, v)
	}
}

func (v Value) Type() Type    { return v.typ }
func (v Value) IsValid() bool { return v.typ >= TypeString && v.typ <= TypeDate }

// Interface returns the value as string, int64, float64 or time.Time.
func (v Value) Interface() any {
	switch v.typ {
	case TypeString:
		return v.s
	case TypeLong:
		return v.l
	case TypeDouble:
		return v.f
	case TypeDate:
		return v.t
	default:
		return nil
	}
}

// Text renders the value part of "name(TYPE)=value".
func (v Value) Text() string {
	switch v.typ {
	case TypeString:
		return v.s
	case TypeLong:
		return strconv.FormatInt(v.l, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeDate:
		return FormatDate(v.t)
	default:
		return ""
	}
}

func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeString:
		return v.s == o.s
	case TypeLong:
		return v.l == o.l
	case TypeDouble:
		return v.f == o.f
	case TypeDate:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

func (v Value) String() string { return v.Text() + "(" + v.typ.String() + ")" }

// Parameter is one named entry of a Parameters set.
type Parameter struct {
	Name  string
	Value Value
}

// Parameters is an insertion-ordered set of typed values keyed by name.
// The zero value is an empty set ready to use.
type Parameters struct {
	list []Parameter
}

// Of builds a set from entries; later entries replace earlier ones with the same name.
func Of(entries ...Parameter) Parameters {
	var p Parameters
	for _, e := range entries {
		p = p.With(e.Name, e.Value)
	}
	return p
}

// With returns a copy of p with name set to v. An existing entry keeps its position.
func (p Parameters) With(name string, v Value) Parameters {
	out := Parameters{list: make([]Parameter, 0, len(p.list)+1)}
	replaced := false
	for _, e := range p.list {
		if e.Name == name {
			out.list = append(out.list, Parameter{Name: name, Value: v})
			replaced = true
			continue
		}
		out.list = append(out.list, e)
	}
	if !replaced {
		out.list = append(out.list, Parameter{Name: name, Value: v})
	}
	return out
}

func (p Parameters) Get(name string) (Value, bool) {
	for _, e := range p.list {
		if e.Name == name {
			return e.Value, true
		}
	}
	return Value{}, false
}

func (p Parameters) Len() int { return len(p.list) }

// All iterates entries in insertion order.
func (p Parameters) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for _, e := range p.list {
			if !yield(e.Name, e.Value) {
				return
			}
		}
	}
}

// Entries returns a copy of the ordered entries.
func (p Parameters) Entries() []Parameter {
	out := make([]Parameter, len(p.list))
	copy(out, p.list)
	return out
}

// Equal compares names, order, types and values.
func (p Parameters) Equal(o Parameters) bool {
	if len(p.list) != len(o.list) {
		return false
	}
	for i := range p.list {
		if p.list[i].Name != o.list[i].Name || !p.list[i].Value.Equal(o.list[i].Value) {
			return false
		}
	}
	return true
}

// MarshalText stores parameters in their operator string form. Sets that would
// not parse back are refused.
func (p Parameters) MarshalText() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return []byte(p.String()), nil
}

func (p *Parameters) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
