package activity

import (
	"testing"
	"time"
)

func TestCodecsRoundTripEntries(t *testing.T) {
	zstdCodec, err := NewCodec("zstd")
	if err != nil {
		t.Fatalf("zstd codec: %v", err)
	}
	snappyCodec, err := NewCodec("snappy")
	if err != nil {
		t.Fatalf("snappy codec: %v", err)
	}

	rel, _ := NewRelated("admissions.Cohort", int64Ptr(12), nil)
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	entries := []Entry{
		NewRecord(1, "login", nil, nil, at).Entry(),
		NewRecord(2, "open_syllabus_module", rel, map[string]Value{
			"module":   IntValue(4),
			"progress": FloatValue(0.5),
			"opened":   TimestampValue(at),
		}, at).Entry(),
	}

	for _, codec := range []Codec{zstdCodec, snappyCodec} {
		payload, err := encodeEntries(codec, entries)
		if err != nil {
			t.Fatalf("%s encode: %v", codec.Name(), err)
		}
		decoded, err := decodeEntries(codec, payload)
		if err != nil {
			t.Fatalf("%s decode: %v", codec.Name(), err)
		}
		if len(decoded) != 2 {
			t.Fatalf("%s: expected 2 entries, got %d", codec.Name(), len(decoded))
		}
		got := decoded[1].Data
		if *got.Related.ID != 12 || got.Meta["module"] != IntValue(4) || got.Meta["opened"].Type != TypeTimestamp {
			t.Fatalf("%s: record changed in transit: %+v", codec.Name(), got)
		}
		if len(decoded[1].Schema) != len(entries[1].Schema) {
			t.Fatalf("%s: schema changed in transit", codec.Name())
		}
	}

	if _, err := NewCodec("lz4"); err == nil {
		t.Fatal("expected unknown codec to be rejected")
	}
}
