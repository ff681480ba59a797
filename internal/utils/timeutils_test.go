package utils

import (
	"testing"
	"time"
)

func TestParseBaseTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-03-01T10:00:00Z", "2024-03-01T10:00:00", "2024-03-01T12:00:00+02:00", "2024-03-01T10:00"} {
		got, err := ParseBaseTime(in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
	if _, err := ParseBaseTime("yesterday"); err == nil {
		t.Fatalf("expected error for free text")
	}
}

func TestAlignToStep(t *testing.T) {
	in := time.Date(2024, 3, 1, 10, 7, 42, 0, time.UTC)
	if got := AlignToStep(in, time.Minute); !got.Equal(time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)) {
		t.Fatalf("unexpected alignment %s", got)
	}
}
