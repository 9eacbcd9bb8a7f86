package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// dateTimeLayout is "yyyy/MM/dd HH:mm:ss"; the ":SSS" millisecond suffix is
	// handled separately because Go layouts only accept '.' or ',' before fractions.
	dateTimeLayout = "2006/01/02 15:04:05"
	dateLayout     = "2006/01/02"

	entrySep = ","
)

// FormatDate renders t as "yyyy/MM/dd HH:mm:ss:SSS" in the local time zone.
func FormatDate(t time.Time) string {
	lt := t.In(time.Local)
	return fmt.Sprintf("%s:%03d", lt.Format(dateTimeLayout), lt.Nanosecond()/int(time.Millisecond))
}

// ParseDate accepts "yyyy/MM/dd HH:mm:ss:SSS" and falls back to "yyyy/MM/dd".
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	n := len(dateTimeLayout)
	if len(s) == n+4 && s[n] == ':' {
		base, err := time.ParseInLocation(dateTimeLayout, s[:n], time.Local)
		if err == nil {
			ms, err := strconv.Atoi(s[n+1:])
			if err == nil && ms >= 0 && ms <= 999 {
				return base.Add(time.Duration(ms) * time.Millisecond), nil
			}
		}
	}
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q (want yyyy/MM/dd HH:mm:ss:SSS or yyyy/MM/dd)", ErrMalformedParameterString, raw)
	}
	return t, nil
}

// Parse decodes "name(TYPE)=value,...". An empty (or blank) string yields an empty set.
func Parse(text string) (Parameters, error) {
	var p Parameters
	if strings.TrimSpace(text) == "" {
		return p, nil
	}
	for i, entry := range strings.Split(text, entrySep) {
		name, v, err := parseEntry(entry)
		if err != nil {
			return Parameters{}, fmt.Errorf("entry %d: %w", i+1, err)
		}
		p = p.With(name, v)
	}
	return p, nil
}

func parseEntry(entry string) (string, Value, error) {
	open := strings.IndexByte(entry, '(')
	if open < 0 {
		return "", Value{}, fmt.Errorf("%w: missing '(' in %q", ErrMalformedParameterString, entry)
	}
	name := strings.TrimSpace(entry[:open])
	if name == "" {
		return "", Value{}, fmt.Errorf("%w: missing name in %q", ErrMalformedParameterString, entry)
	}
	rest := entry[open+1:]
	closing := strings.IndexByte(rest, ')')
	if closing < 0 {
		return "", Value{}, fmt.Errorf("%w: missing ')' in %q", ErrMalformedParameterString, entry)
	}
	typeTag := rest[:closing]
	rest = rest[closing+1:]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return "", Value{}, fmt.Errorf("%w: missing '=' in %q", ErrMalformedParameterString, entry)
	}
	if strings.TrimSpace(rest[:eq]) != "" {
		return "", Value{}, fmt.Errorf("%w: unexpected %q before '=' in %q", ErrMalformedParameterString, rest[:eq], entry)
	}
	typ, err := ParseType(typeTag)
	if err != nil {
		return "", Value{}, err
	}
	v, err := ParseValue(typ, rest[eq+1:])
	if err != nil {
		return "", Value{}, err
	}
	return name, v, nil
}

// ParseValue decodes the text form of a single value of type typ.
func ParseValue(typ Type, raw string) (Value, error) {
	switch typ {
	case TypeString:
		return StringValue(raw), nil
	case TypeLong:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid LONG %q", ErrMalformedParameterString, raw)
		}
		return LongValue(n), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid DOUBLE %q", ErrMalformedParameterString, raw)
		}
		return DoubleValue(f), nil
	case TypeDate:
		t, err := ParseDate(raw)
		if err != nil {
			return Value{}, err
		}
		return DateValue(t), nil
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedParameterType, typ)
	}
}

// Validate reports the first entry whose string form would not parse back to
// the same name and value.
func (p Parameters) Validate() error {
	for _, e := range p.list {
		if err := checkEntry(e); err != nil {
			return err
		}
	}
	return nil
}

func checkEntry(e Parameter) error {
	switch {
	case e.Name == "" || strings.TrimSpace(e.Name) != e.Name:
		return fmt.Errorf("%w: name %q is blank or padded", ErrMalformedParameterString, e.Name)
	case strings.ContainsAny(e.Name, "("+entrySep):
		return fmt.Errorf("%w: name %q contains '(' or %q", ErrMalformedParameterString, e.Name, entrySep)
	case !e.Value.IsValid():
		return fmt.Errorf("%w: %q has no value", ErrUnsupportedParameterType, e.Name)
	}
	v := e.Value
	switch v.typ {
	case TypeString:
		if strings.Contains(v.s, entrySep) {
			return fmt.Errorf("%w: STRING %q of %q contains %q", ErrMalformedParameterString, v.s, e.Name, entrySep)
		}
	case TypeDouble:
		if math.IsNaN(v.f) {
			return fmt.Errorf("%w: DOUBLE %q is NaN", ErrMalformedParameterString, e.Name)
		}
	case TypeDate:
		if y := v.t.In(time.Local).Year(); y < 0 || y > 9999 {
			return fmt.Errorf("%w: DATE %q year %d out of range", ErrMalformedParameterString, e.Name, y)
		}
	}
	return nil
}

// String is the left inverse of Parse for sets that pass Validate.
func (p Parameters) String() string {
	var b strings.Builder
	for i, e := range p.list {
		if i > 0 {
			b.WriteString(entrySep)
		}
		b.WriteString(e.Name)
		b.WriteByte('(')
		b.WriteString(e.Value.Type().String())
		b.WriteString(")=")
		b.WriteString(e.Value.Text())
	}
	return b.String()
}

// LaunchArgument is one job runner argument. Value is string, int64, float64 or time.Time.
type LaunchArgument struct {
	Key   string
	Value any
}

// LaunchArguments is the ordered argument list a job runner receives.
type LaunchArguments []LaunchArgument

func (a LaunchArguments) Get(key string) (any, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return nil, false
}

// GetString returns the argument as a string when it is one.
func (a LaunchArguments) GetString(key string) (string, bool) {
	v, ok := a.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// With returns a copy with key set; an existing key keeps its position.
func (a LaunchArguments) With(key string, v any) LaunchArguments {
	out := make(LaunchArguments, 0, len(a)+1)
	replaced := false
	for _, arg := range a {
		if arg.Key == key {
			out = append(out, LaunchArgument{Key: key, Value: v})
			replaced = true
			continue
		}
		out = append(out, arg)
	}
	if !replaced {
		out = append(out, LaunchArgument{Key: key, Value: v})
	}
	return out
}

func ToLaunchArguments(p Parameters) LaunchArguments {
	out := make(LaunchArguments, 0, len(p.list))
	for _, e := range p.list {
		out = append(out, LaunchArgument{Key: e.Name, Value: e.Value.Interface()})
	}
	return out
}

// FromLaunchArguments rejects values outside the four supported kinds.
func FromLaunchArguments(a LaunchArguments) (Parameters, error) {
	var p Parameters
	for _, arg := range a {
		v, err := ValueOf(arg.Value)
		if err != nil {
			return Parameters{}, fmt.Errorf("argument %q: %w", arg.Key, err)
		}
		p = p.With(arg.Key, v)
	}
	return p, nil
}
