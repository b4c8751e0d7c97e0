// Package units provides newtype wrappers around the three radio
// quantities the gateway juggles (frequency, signal strength, and
// signal-to-noise ratio) so that MHz and Hz, or dB and centi-dB, can
// never be mixed up at a call site.
package units

import "fmt"

// Frequency stores a radio frequency in whole Hz.
type Frequency uint32

// FrequencyFromMHz truncates (never rounds) a floating point MHz value
// down to whole Hz. Truncation keeps the published time-on-air and
// regulatory reference values exact: rounding would perturb them.
func FrequencyFromMHz(mhz float64) Frequency {
	return Frequency(mhz * 1_000_000)
}

// Hz returns the frequency in whole Hz.
func (f Frequency) Hz() uint32 {
	return uint32(f)
}

// MHz returns the frequency as fractional MHz.
func (f Frequency) MHz() float64 {
	return float64(f) / 1_000_000
}

// String renders the frequency as "{mhz:.2} MHz".
func (f Frequency) String() string {
	return fmt.Sprintf("%.2f MHz", f.MHz())
}

// Rssi stores received signal strength in whole dBm.
type Rssi int32

// RssiFromDBm constructs an Rssi from a dBm reading.
func RssiFromDBm(dbm int32) Rssi {
	return Rssi(dbm)
}

// DBm returns the RSSI in dBm.
func (r Rssi) DBm() int32 {
	return int32(r)
}

// CentiDBm returns the RSSI in dBm x10.
func (r Rssi) CentiDBm() int32 {
	return int32(r) * 10
}

// String renders the RSSI as "{dbm} dBm".
func (r Rssi) String() string {
	return fmt.Sprintf("%d dBm", r.DBm())
}

// Snr stores signal-to-noise ratio in centi-dB (dB x10).
type Snr int32

// SnrFromDB truncates a floating point dB value down to centi-dB.
func SnrFromDB(db float32) Snr {
	return Snr(int32(db * 10))
}

// DB returns the SNR in dB.
func (s Snr) DB() float32 {
	return float32(s) / 10
}

// CentiDB returns the SNR in centi-dB (dB x10), the wire-native unit.
func (s Snr) CentiDB() int32 {
	return int32(s)
}

// String renders the SNR as "{db:.1} dB".
func (s Snr) String() string {
	return fmt.Sprintf("%.1f dB", s.DB())
}
