package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

// TimestampLayout is how timestamps are rendered into rows and meta values.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

var (
	isoTimestampPattern = regexp.MustCompile(
		`^\d{4}-(0[1-9]|1[0-2])-([12]\d|0[1-9]|3[01])T([01]\d|2[0-3]):([0-5]\d):([0-5]\d)\.\d{6}(Z|[+-]\d{2}:\d{2})?$`)
	isoDatePattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])-([12]\d|0[1-9]|3[01])$`)
)

// Date is a calendar day without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Value is a typed meta scalar. Exactly one payload field is meaningful,
// selected by Type.
type Value struct {
	Type FieldType
	str  string
	b    bool
	i    int64
	f    float64
}

func StringValue(s string) Value { return Value{Type: TypeString, str: s} }
func BoolValue(b bool) Value     { return Value{Type: TypeBool, b: b} }
func IntValue(i int64) Value     { return Value{Type: TypeInt64, i: i} }
func FloatValue(f float64) Value { return Value{Type: TypeFloat64, f: f} }
func DateValue(d Date) Value     { return Value{Type: TypeDate, str: d.String()} }

func TimestampValue(t time.Time) Value {
	return Value{Type: TypeTimestamp, str: t.Format(TimestampLayout)}
}

// Infer classifies a raw meta value. Strings are checked against the strict
// timestamp pattern first and the date pattern second; anything else stays a
// plain string.
func Infer(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case Value:
		return v, nil
	case time.Time:
		return TimestampValue(v), nil
	case *time.Time:
		if v == nil {
			break
		}
		return TimestampValue(*v), nil
	case Date:
		return DateValue(v), nil
	case string:
		switch {
		case isoTimestampPattern.MatchString(v):
			return Value{Type: TypeTimestamp, str: v}, nil
		case isoDatePattern.MatchString(v):
			return Value{Type: TypeDate, str: v}, nil
		default:
			return StringValue(v), nil
		}
	case bool:
		return BoolValue(v), nil
	case int:
		return IntValue(int64(v)), nil
	case int8:
		return IntValue(int64(v)), nil
	case int16:
		return IntValue(int64(v)), nil
	case int32:
		return IntValue(int64(v)), nil
	case int64:
		return IntValue(v), nil
	case uint8:
		return IntValue(int64(v)), nil
	case uint16:
		return IntValue(int64(v)), nil
	case uint32:
		return IntValue(int64(v)), nil
	case float32:
		return finiteFloat(float64(v))
	case float64:
		return finiteFloat(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, invalid("meta value %q: %w", v.String(), errUnsupportedMeta)
		}
		return finiteFloat(f)
	}
	return Value{}, invalid("meta value of type %T: %w", raw, errUnsupportedMeta)
}

// finiteFloat rejects NaN and infinities, which have no JSON encoding.
func finiteFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, invalid("meta value %v: %w", f, errUnsupportedMeta)
	}
	return FloatValue(f), nil
}

// Interface returns the row representation of v.
func (v Value) Interface() interface{} {
	switch v.Type {
	case TypeBool:
		return v.b
	case TypeInt64:
		return v.i
	case TypeFloat64:
		return v.f
	default:
		return v.str
	}
}

func (v Value) String() string {
	return fmt.Sprint(v.Interface())
}

type wireValue struct {
	Type  FieldType       `json:"t"`
	Value json.RawMessage `json:"v"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Type, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{Type: w.Type}
	var err error
	switch w.Type {
	case TypeBool:
		err = json.Unmarshal(w.Value, &out.b)
	case TypeInt64:
		dec := json.NewDecoder(bytes.NewReader(w.Value))
		dec.UseNumber()
		var n json.Number
		if err = dec.Decode(&n); err == nil {
			out.i, err = n.Int64()
		}
	case TypeFloat64:
		err = json.Unmarshal(w.Value, &out.f)
	case TypeString, TypeTimestamp, TypeDate:
		err = json.Unmarshal(w.Value, &out.str)
	default:
		return fmt.Errorf("unknown meta value type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("decoding %s meta value: %w", w.Type, err)
	}
	*v = out
	return nil
}
