package record

import (
	"testing"
	"time"
)

func TestNormalize_AcceptedShapes(t *testing.T) {
	rec, err := Normalize(map[string]any{
		"record-type":  []any{"service"},
		"service-name": "alpha",
		"port":         float64(8080),
		"public":       true,
		"group":        []string{"east", "west"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if rec.Type() != "service" {
		t.Fatalf("type: got %q", rec.Type())
	}
	if got := rec.Values("group"); len(got) != 2 || got[0] != "east" {
		t.Fatalf("group values: got %v", got)
	}
	if got := rec.Values("port"); len(got) != 1 || got[0] != "8080" {
		t.Fatalf("port values: got %v", got)
	}
	if got := rec.Values("public"); len(got) != 1 || got[0] != "true" {
		t.Fatalf("public values: got %v", got)
	}
}

func TestNormalize_RejectsNestedAndMixed(t *testing.T) {
	if _, err := Normalize(map[string]any{"nested": map[string]any{"a": "b"}}); err == nil {
		t.Fatal("nested object should be rejected")
	}
	if _, err := Normalize(map[string]any{"mixed": []any{"a", float64(1)}}); err == nil {
		t.Fatal("mixed list should be rejected")
	}
}

func TestClone_Independent(t *testing.T) {
	rec := Record{"tags": []string{"a"}, "name": "x"}
	cp := rec.Clone()
	cp["name"] = "y"
	cp["tags"].([]string)[0] = "b"
	if rec["name"] != "x" || rec["tags"].([]string)[0] != "a" {
		t.Fatalf("clone mutated original: %v", rec)
	}
}

func TestTTLString_ScalarAndList(t *testing.T) {
	for _, rec := range []Record{
		{KeyTTL: "PT1H"},
		{KeyTTL: []string{"PT1H"}},
	} {
		s, ok := rec.TTLString()
		if !ok || s != "PT1H" {
			t.Fatalf("ttl string: got %q ok=%v", s, ok)
		}
	}
	if _, ok := (Record{}).TTLString(); ok {
		t.Fatal("absent ttl should report ok=false")
	}
}

func TestExpiresRoundTrip(t *testing.T) {
	rec := Record{}
	want := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rec.SetExpires(want)
	got, ok := rec.Expires()
	if !ok || !got.Equal(want) {
		t.Fatalf("expires: got %v ok=%v, want %v", got, ok, want)
	}
}

func TestParseTTL(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT1H", time.Hour},
		{"PT2H", 2 * time.Hour},
		{"PT90M", 90 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"P2W", 14 * 24 * time.Hour},
		{"PT30S", 30 * time.Second},
		{"pt1h", time.Hour},
	}
	for _, c := range cases {
		got, err := ParseTTL(c.in)
		if err != nil {
			t.Fatalf("ParseTTL(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseTTL(%q): got %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseTTL_Invalid(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "1H", "PT1X", "PT-1H", "P0D"} {
		if _, err := ParseTTL(in); err == nil {
			t.Fatalf("ParseTTL(%q): expected error", in)
		}
	}
}

func TestFormatTTL_RoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		time.Hour,
		90 * time.Minute,
		36 * time.Hour,
		30 * time.Second,
		25*time.Hour + 61*time.Second,
	} {
		s := FormatTTL(d)
		got, err := ParseTTL(s)
		if err != nil {
			t.Fatalf("round trip %v via %q: %v", d, s, err)
		}
		if got != d {
			t.Fatalf("round trip %v via %q: got %v", d, s, got)
		}
	}
	if got := FormatTTL(0); got != "PT0S" {
		t.Fatalf("FormatTTL(0): got %q", got)
	}
}
