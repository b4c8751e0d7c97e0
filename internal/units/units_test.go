package units

import "testing"

func TestFrequencyRoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 915_000_000, 868_100_000, 4_294_967_295}
	for _, hz := range cases {
		f := FrequencyFromMHz(float64(hz) / 1e6)
		got := f.Hz()
		diff := int64(got) - int64(hz)
		if diff < -1 || diff > 1 {
			t.Errorf("hz=%d: round trip gave %d (diff %d)", hz, got, diff)
		}
	}
}

func TestFrequencyString(t *testing.T) {
	f := FrequencyFromMHz(915.123456)
	if got := f.String(); got != "915.12 MHz" {
		t.Errorf("got %q", got)
	}
}

func TestRssi(t *testing.T) {
	r := RssiFromDBm(-42)
	if r.DBm() != -42 {
		t.Errorf("DBm() = %d", r.DBm())
	}
	if r.CentiDBm() != -420 {
		t.Errorf("CentiDBm() = %d", r.CentiDBm())
	}
	if got := r.String(); got != "-42 dBm" {
		t.Errorf("got %q", got)
	}
}

func TestSnrTruncation(t *testing.T) {
	s := SnrFromDB(7.99)
	if s.CentiDB() != 79 {
		t.Errorf("CentiDB() = %d, want 79 (truncated, not rounded)", s.CentiDB())
	}
	if got := s.String(); got != "7.9 dB" {
		t.Errorf("got %q", got)
	}
}

func TestSnrNegative(t *testing.T) {
	s := SnrFromDB(-3.25)
	if s.CentiDB() != -32 {
		t.Errorf("CentiDB() = %d, want -32 (truncated toward zero)", s.CentiDB())
	}
}
