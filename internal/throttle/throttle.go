// Package throttle enforces regional regulatory time-on-air limits
// (FCC-style per-frequency dwell time, ETSI-style aggregate duty cycle)
// on outbound LoRa transmissions.
//
// This package does not talk to any radio hardware. Its entire surface
// is track_sent/can_send/time_on_air: callers report what they sent,
// and ask beforehand whether a prospective transmission is legal.
package throttle

import (
	"math"
	"sort"

	"github.com/nlighten/lora-gateway/internal/packet"
)

// MaxTimeOnAirMS is the hard cap on any single transmission, regardless
// of region. No regulatory model may legalize a longer one.
const MaxTimeOnAirMS = 400.0

// SentPacket records one transmission already dispatched, for dwell/duty
// accounting purposes. The list is always kept sorted by SentAtMS.
type SentPacket struct {
	Frequency   uint32
	SentAtMS    int64
	TimeOnAirMS float32
}

// Model is a regional regulatory model: given the transmission history
// and a prospective send, it decides whether the send is legal.
type Model interface {
	// PeriodMS is the sliding window this model accounts over.
	PeriodMS() int64
	// CanSend evaluates a prospective transmission against history.
	CanSend(sent []SentPacket, atMS int64, frequency uint32, timeOnAirMS float32) bool
}

// ModelForRegion returns each region's default regulatory model.
// Regions without an explicit entry collapse to a nil model (deny-all),
// the conservative default until operators supply one.
func ModelForRegion(region packet.Region) Model {
	switch region {
	case packet.RegionUS915, packet.RegionAU915:
		return Dwell{LimitMS: 400, Period: 20000}
	case packet.RegionEU868, packet.RegionRU864:
		return Duty{LimitFraction: 0.01, Period: 3_600_000}
	default:
		return nil
	}
}

// Dwell enforces a per-frequency cumulative time-on-air cap within a
// sliding window (e.g. US915: 400ms per 20s per channel).
type Dwell struct {
	LimitMS float32
	Period  int64
}

func (d Dwell) PeriodMS() int64 { return d.Period }

func (d Dwell) CanSend(sent []SentPacket, atMS int64, frequency uint32, toaMS float32) bool {
	cutoff := float32(atMS-d.Period) + toaMS
	projected := dwellTime(sent, cutoff, &frequency) + toaMS
	return projected <= d.LimitMS
}

// Duty enforces an aggregate duty-cycle fraction across all frequencies
// within a sliding window (e.g. EU868: 1% per hour).
type Duty struct {
	LimitFraction float32
	Period        int64
}

func (d Duty) PeriodMS() int64 { return d.Period }

func (d Duty) CanSend(sent []SentPacket, atMS int64, frequency uint32, toaMS float32) bool {
	cutoff := float32(atMS - d.Period)
	current := dwellTime(sent, cutoff, nil)
	return (current+toaMS)/float32(d.Period) < d.LimitFraction
}

// dwellTime sums the time-on-air of packets (optionally filtered to a
// single frequency) that fall at or after cutoff, clipping any packet
// that straddles the cutoff to its post-cutoff remainder.
func dwellTime(sent []SentPacket, cutoff float32, frequency *uint32) float32 {
	var total float32
	for _, p := range sent {
		sentAt := float32(p.SentAtMS)
		if sentAt+p.TimeOnAirMS < cutoff {
			continue // scenario 1: wholly before cutoff
		}
		if frequency != nil && p.Frequency != *frequency {
			continue // scenario 2: irrelevant frequency
		}
		if sentAt <= cutoff {
			total += p.TimeOnAirMS - (cutoff - sentAt) // scenario 3: straddles cutoff
		} else {
			total += p.TimeOnAirMS // scenario 4: wholly within window
		}
	}
	return total
}

// Throttle tracks sent packets for a single region and answers CanSend
// against the configured Model. A nil Model collapses every decision to
// deny-all — the throttle never errors, it just refuses.
type Throttle struct {
	model      Model
	sentPacket []SentPacket
}

// New creates a throttle bound to the given model. A nil model is valid
// and makes CanSend always return false.
func New(model Model) *Throttle {
	return &Throttle{model: model}
}

// TrackSent records a transmission. The list is kept sorted by SentAtMS
// (a stable sort runs only when the new entry is out of order), and any
// entry older than the model's period relative to the newest entry is
// pruned.
func (t *Throttle) TrackSent(atMS int64, frequency uint32, toaMS float32) {
	if t.model == nil {
		return
	}
	entry := SentPacket{Frequency: frequency, SentAtMS: atMS, TimeOnAirMS: toaMS}

	needsSort := len(t.sentPacket) > 0 && atMS < t.sentPacket[len(t.sentPacket)-1].SentAtMS
	t.sentPacket = append(t.sentPacket, entry)
	if needsSort {
		sort.SliceStable(t.sentPacket, func(i, j int) bool {
			return t.sentPacket[i].SentAtMS < t.sentPacket[j].SentAtMS
		})
	}

	last := t.sentPacket[len(t.sentPacket)-1]
	cutoff := last.SentAtMS - t.model.PeriodMS()
	kept := t.sentPacket[:0]
	for _, p := range t.sentPacket {
		if p.SentAtMS > cutoff {
			kept = append(kept, p)
		}
	}
	t.sentPacket = kept
}

// CanSend reports whether a prospective transmission is legal under the
// configured regional model. It never errors: an absent model, or a
// time-on-air exceeding MaxTimeOnAirMS, simply denies the send.
func (t *Throttle) CanSend(atMS int64, frequency uint32, toaMS float32) bool {
	if toaMS > MaxTimeOnAirMS || t.model == nil {
		return false
	}
	return t.model.CanSend(t.sentPacket, atMS, frequency, toaMS)
}

// TimeOnAirParams bundles the inputs to the Semtech AN1200.13 time-on-air
// formula.
type TimeOnAirParams struct {
	BandwidthHz     float32
	SpreadingFactor uint32
	CodeRateDenom   uint32 // 5..8 for 4/5..4/8
	PreambleSymbols uint32
	ExplicitHeader  bool
	PayloadLen      int
}

// TimeOnAirMS computes the frame's time on air in milliseconds, per
// Semtech Appnote AN1200.13 ("LoRa Modem Designer's Guide").
func TimeOnAirMS(p TimeOnAirParams) float32 {
	symbolDuration := symbolDurationMS(p.BandwidthHz, p.SpreadingFactor)
	lowDR := p.BandwidthHz <= 125_000 && p.SpreadingFactor >= 11
	payloadSymbols := payloadSymbols(p.SpreadingFactor, p.CodeRateDenom, p.ExplicitHeader, p.PayloadLen, lowDR)
	return symbolDuration * (4.25 + float32(p.PreambleSymbols) + float32(payloadSymbols))
}

func payloadSymbols(sf, codeRate uint32, explicitHeader bool, payloadLen int, lowDR bool) uint32 {
	eh := uint32(0)
	if explicitHeader {
		eh = 1
	}
	ldo := uint32(0)
	if lowDR {
		ldo = 1
	}
	numerator := float64(8*uint32(payloadLen)) - float64(4*sf) + 28 + 16 - float64(20*(1-eh))
	denominator := float64(4 * (sf - 2*ldo))
	raw := int64(math.Ceil(numerator/denominator)) * int64(codeRate)
	if raw < 0 {
		raw = 0
	}
	return 8 + uint32(raw)
}

func symbolDurationMS(bandwidthHz float32, sf uint32) float32 {
	return float32(uint64(1)<<sf) / bandwidthHz * 1000
}
