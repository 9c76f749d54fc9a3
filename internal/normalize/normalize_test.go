package normalize

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestNormalizeSeverityLabels(t *testing.T) {
	cases := map[string]int{
		"informational": 20,
		"Informational": 20,
		"low":           30,
		"LOW":           30,
		"medium":        60,
		"Med":           60,
		"High":          80,
		"critical":      90,
		" CRITICAL ":    90,
	}
	for label, want := range cases {
		if got := NormalizeSeverity(label); got != want {
			t.Fatalf("unexpected severity for %q: got=%d want=%d", label, got, want)
		}
	}
}

func TestNormalizeSeverityNumericPassthrough(t *testing.T) {
	inputs := []any{0, 5, 80, 150, -3, int64(42), float64(73), json.Number("95"), json.Number("12.9")}
	wants := []int{0, 5, 80, 150, -3, 42, 73, 95, 12}
	for idx, input := range inputs {
		if got := NormalizeSeverity(input); got != wants[idx] {
			t.Fatalf("unexpected passthrough for %#v: got=%d want=%d", input, got, wants[idx])
		}
	}
}

func TestNormalizeSeverityUnknownDefaults(t *testing.T) {
	for _, input := range []any{"unknownthing", "", "80", nil, true, map[string]any{"a": 1}} {
		if got := NormalizeSeverity(input); got != DefaultSeverity {
			t.Fatalf("unexpected severity for %#v: got=%d want=%d", input, got, DefaultSeverity)
		}
	}
}

func TestEpochMillisToISO8601(t *testing.T) {
	if got := EpochMillisToISO8601(1696000000000); got != "2023-09-29T15:06:40+00:00" {
		t.Fatalf("unexpected iso: %q", got)
	}
	if got := EpochMillisToISO8601(1696000000123); got != "2023-09-29T15:06:40.123+00:00" {
		t.Fatalf("unexpected iso with millis: %q", got)
	}
	if got := EpochMillisToISO8601(0); got != "1970-01-01T00:00:00+00:00" {
		t.Fatalf("unexpected epoch iso: %q", got)
	}
}

func TestISOToEpochMillisRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	samples := []int64{0, 1, 999, 1000, 1696000000000, 1696000000001, 4102444800000}
	for i := 0; i < 500; i++ {
		samples = append(samples, rng.Int63n(253402300799999))
	}

	for _, ms := range samples {
		iso := EpochMillisToISO8601(ms)
		got, err := ISOToEpochMillis(iso)
		if err != nil {
			t.Fatalf("parse %q: %v", iso, err)
		}
		if got != ms {
			t.Fatalf("round trip mismatch for %d via %q: got=%d", ms, iso, got)
		}
	}
}

func TestISOToEpochMillisRoundTripBeyondFourDigitYears(t *testing.T) {
	samples := []int64{
		253402300799999, // 9999-12-31T23:59:59.999
		253402300800000, // 10000-01-01T00:00:00
		time.Date(10000, time.February, 29, 12, 0, 0, 0, time.UTC).UnixMilli(),
		time.Date(10001, time.March, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		3155760000000000,
		time.Date(-1, time.March, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		time.Date(-400, time.February, 29, 0, 0, 0, 5_000_000, time.UTC).UnixMilli(),
	}
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		samples = append(samples, 253402300800000+rng.Int63n(3155760000000000))
	}

	for _, ms := range samples {
		iso := EpochMillisToISO8601(ms)
		got, err := ISOToEpochMillis(iso)
		if err != nil {
			t.Fatalf("parse %q: %v", iso, err)
		}
		if got != ms {
			t.Fatalf("round trip mismatch for %d via %q: got=%d", ms, iso, got)
		}
	}

	got, err := ISOToEpochMillis("10000-01-01T00:00:00+00:00")
	if err != nil || got != 253402300800000 {
		t.Fatalf("unexpected five digit year parse: ms=%d err=%v", got, err)
	}
}

func TestISOToEpochMillisAcceptsZulu(t *testing.T) {
	got, err := ISOToEpochMillis("2023-09-29T15:06:40Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 1696000000000 {
		t.Fatalf("unexpected millis: %d", got)
	}

	got, err = ISOToEpochMillis("2023-09-29T17:06:40.250+02:00")
	if err != nil {
		t.Fatalf("parse offset: %v", err)
	}
	if got != 1696000000250 {
		t.Fatalf("unexpected offset millis: %d", got)
	}
}

func TestISOToEpochMillisMalformed(t *testing.T) {
	for _, input := range []string{"", "yesterday", "2023-13-45T00:00:00Z", "1696000000000", "10001-02-29T00:00:00Z", "1x000-01-01T00:00:00Z"} {
		_, err := ISOToEpochMillis(input)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("expected ParseError for %q, got %v", input, err)
		}
	}
}

func TestEpochMillisFromDecodedValues(t *testing.T) {
	cases := []struct {
		value any
		want  int64
	}{
		{json.Number("1696000000000"), 1696000000000},
		{float64(1696000000000), 1696000000000},
		{int64(5), 5},
		{"2023-09-29T15:06:40Z", 1696000000000},
	}
	for _, tc := range cases {
		got, err := EpochMillis(tc.value)
		if err != nil {
			t.Fatalf("EpochMillis(%#v): %v", tc.value, err)
		}
		if got != tc.want {
			t.Fatalf("unexpected millis for %#v: got=%d want=%d", tc.value, got, tc.want)
		}
	}

	if _, err := EpochMillis(true); err == nil {
		t.Fatalf("expected error for bool timestamp")
	}
}
