package activity

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestInferClassifiesStrings(t *testing.T) {
	cases := []struct {
		in   string
		want FieldType
	}{
		{"2024-01-01T00:00:00.000000Z", TypeTimestamp},
		{"2024-01-01T10:15:30.123456+02:00", TypeTimestamp},
		{"2024-01-01T10:15:30.123456-05:00", TypeTimestamp},
		{"2024-01-15T10:30:00.000000Z", TypeTimestamp},
		{"2024-01-01T10:15:30.123456-0500", TypeString},
		{"2024-01-01T10:15:30.123456", TypeTimestamp},
		{"2024-01-01T10:15:30Z", TypeString},
		{"2024-13-01T00:00:00.000000Z", TypeString},
		{"2024-01-01", TypeDate},
		{"2024-01-15", TypeDate},
		{"2024-02-31x", TypeString},
		{"hello", TypeString},
	}
	for _, tc := range cases {
		v, err := Infer(tc.in)
		if err != nil {
			t.Fatalf("infer %q: %v", tc.in, err)
		}
		if v.Type != tc.want {
			t.Fatalf("infer %q: expected %s, got %s", tc.in, tc.want, v.Type)
		}
		if v.Interface() != tc.in {
			t.Fatalf("infer %q changed the value to %v", tc.in, v.Interface())
		}
	}
}

func TestInferNativeTypes(t *testing.T) {
	at := time.Date(2024, 3, 4, 5, 6, 7, 890000000, time.UTC)

	ts, err := Infer(at)
	if err != nil || ts.Type != TypeTimestamp || ts.String() != "2024-03-04T05:06:07.890000Z" {
		t.Fatalf("unexpected timestamp inference %+v (%v)", ts, err)
	}
	d, err := Infer(DateOf(at))
	if err != nil || d.Type != TypeDate || d.String() != "2024-03-04" {
		t.Fatalf("unexpected date inference %+v (%v)", d, err)
	}
	if v, _ := Infer(true); v.Type != TypeBool || v.Interface() != true {
		t.Fatalf("unexpected bool inference %+v", v)
	}
	if v, _ := Infer(42); v.Type != TypeInt64 || v.Interface() != int64(42) {
		t.Fatalf("unexpected int inference %+v", v)
	}
	if v, _ := Infer(1.5); v.Type != TypeFloat64 || v.Interface() != 1.5 {
		t.Fatalf("unexpected float inference %+v", v)
	}
}

func TestInferRejectsUnsupportedValues(t *testing.T) {
	for _, raw := range []interface{}{
		nil, []string{"a"}, map[string]interface{}{}, struct{}{},
		math.NaN(), math.Inf(1), float32(math.Inf(-1)),
	} {
		if _, err := Infer(raw); !IsValidationError(err) {
			t.Fatalf("expected validation error for %T, got %v", raw, err)
		}
	}
}

func TestValueSurvivesWireEncoding(t *testing.T) {
	in := map[string]Value{
		"big":   IntValue(1 << 60),
		"ratio": FloatValue(0.25),
		"done":  BoolValue(true),
		"day":   DateValue(Date{Year: 2024, Month: time.February, Day: 29}),
		"name":  StringValue("intro"),
	}
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]Value
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("value %q changed: %+v != %+v", k, out[k], v)
		}
	}
}
