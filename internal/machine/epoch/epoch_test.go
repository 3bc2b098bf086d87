package epoch

import (
	"testing"

	"github.com/kolkov/shadowmachine/internal/machine/clock"
)

func TestNewDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		tid uint8
		c   uint32
	}{
		{0, 0},
		{0, 1},
		{5, 4660},
		{255, ClockMask},
	}
	for _, tc := range cases {
		e := New(tc.tid, tc.c)
		tid, c := e.Decode()
		if tid != tc.tid || c != tc.c {
			t.Errorf("New(%d, %d).Decode() = (%d, %d)", tc.tid, tc.c, tid, c)
		}
	}
}

func TestNew_ClockTruncation(t *testing.T) {
	e := New(1, ClockMask+5)
	_, c := e.Decode()
	if c != 4 {
		t.Errorf("truncated clock = %d, want 4", c)
	}
}

func TestZeroEpochIsSentinel(t *testing.T) {
	if New(0, 0) != 0 {
		t.Error("tid 0 at clock 0 must pack to the zero sentinel")
	}
	if New(0, 1) == 0 || New(1, 0) == 0 {
		t.Error("nonzero coordinates must not pack to the sentinel")
	}
}

func TestHappensBefore(t *testing.T) {
	vc := clock.New()
	vc.Set(3, 10)

	if !New(3, 10).HappensBefore(vc) {
		t.Error("epoch at observed clock should happen-before")
	}
	if !New(3, 2).HappensBefore(vc) {
		t.Error("epoch below observed clock should happen-before")
	}
	if New(3, 11).HappensBefore(vc) {
		t.Error("epoch beyond observed clock should not happen-before")
	}
	if New(4, 1).HappensBefore(vc) {
		t.Error("epoch of unobserved thread should not happen-before")
	}
}

func TestString(t *testing.T) {
	if got := New(5, 42).String(); got != "42@5" {
		t.Errorf("String() = %q, want 42@5", got)
	}
}
