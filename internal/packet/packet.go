// Package packet holds the gateway's internal representation of a
// LoRa uplink/downlink, independent of the wire format it arrived or
// will leave on. PacketUp is built from a semtech.RxPkV3 (or a
// gw.FullRxPkt off the system message bus) and is translated back out
// to a semtech.TxPk or gw.TxPkt for transmission.
package packet

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/nlighten/lora-gateway/internal/packet/gw"
	"github.com/nlighten/lora-gateway/internal/packet/semtech"
	"github.com/nlighten/lora-gateway/internal/units"
)

func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Region identifies the regulatory region a packet's datarate and
// transmit plan must respect.
type Region string

const (
	RegionUS915 Region = "US915"
	RegionEU868 Region = "EU868"
	RegionAU915 Region = "AU915"
	RegionAS923 Region = "AS923"
	RegionIN865 Region = "IN865"
	RegionCN470 Region = "CN470"
	RegionKR920 Region = "KR920"
	RegionRU864 Region = "RU864"
)

// GatewayID is the concentrator's EUI-64 identity.
type GatewayID [8]byte

func (g GatewayID) String() string { return hex.EncodeToString(g[:]) }

// ParseGatewayID parses a 16-character hex EUI-64.
func ParseGatewayID(s string) (GatewayID, error) {
	var id GatewayID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("packet: invalid gateway id %q: %w", s, err)
	}
	if len(raw) != 8 {
		return id, fmt.Errorf("packet: gateway id must be 8 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// DataRate is the wire-agnostic SF/BW pair. It knows how to render
// itself to either wire dialect this gateway speaks.
type DataRate struct {
	SF uint32
	BW uint32
}

func (d DataRate) String() string { return fmt.Sprintf("SF%dBW%d", d.SF, d.BW/1000) }

// ParseDataRate parses the "SFnBWn" wire form back into a DataRate.
func ParseDataRate(s string) (DataRate, error) {
	var d DataRate
	var bw uint32
	if _, err := fmt.Sscanf(s, "SF%dBW%d", &d.SF, &bw); err != nil {
		return DataRate{}, fmt.Errorf("packet: unrecognized datarate %q: %w", s, err)
	}
	d.BW = bw * 1000
	return d, nil
}

func (d DataRate) toSemtech() semtech.DataRate { return semtech.DataRate{SF: d.SF, BW: d.BW} }
func dataRateFromSemtech(d semtech.DataRate) DataRate { return DataRate{SF: d.SF, BW: d.BW} }
func dataRateFromGw(d gw.Datarate) DataRate           { return DataRate{SF: uint32(d.SF), BW: uint32(d.BW)} }

// beaconDatarates are the only datarates a proof-of-coverage beacon
// witness report may legally carry.
var beaconDatarates = map[DataRate]bool{
	{SF: 7, BW: 125000}:  true,
	{SF: 8, BW: 125000}:  true,
	{SF: 9, BW: 125000}:  true,
	{SF: 10, BW: 125000}: true,
	{SF: 12, BW: 125000}: true,
}

// Window is one scheduled transmit opportunity: an explicit timestamp
// (microseconds) if known, otherwise Immediate requests the concentrator
// send as soon as possible.
type Window struct {
	Timestamp *uint32
	Frequency units.Frequency
	Datarate  DataRate
	Immediate bool
}

// WGS84Position is a GPS fix reported by a secure concentrator.
type WGS84Position struct {
	Lat    float64
	Lon    float64
	Height float64
	HAcc   float64
	VAcc   float64
}

// GPSTime is a GPS timestamp reported by a secure concentrator.
type GPSTime struct {
	Sec   uint64
	Nanos uint32
}

// PacketUp is a received LoRa frame, normalized from whichever wire
// format produced it.
type PacketUp struct {
	Tmst      uint32
	Datarate  DataRate
	Payload   []byte
	Rssi      units.Rssi
	Snr       units.Snr
	Freq      units.Frequency
	Gateway   GatewayID
	Region    Region
	Rx2Window *Window

	// ArrivalTimeNs is the packet's absolute arrival time, nanoseconds
	// since the Unix epoch, resolved by selectArrivalTime. HoldTimeNs is
	// how long the packet has sat queued since arrival; it starts at
	// zero and is only ever advanced by a caller that delays forwarding.
	ArrivalTimeNs int64
	HoldTimeNs    int64

	// Secure Concentrator metadata. Key is only ever populated for a
	// concentrator running in secure (V3) mode; its presence is what
	// distinguishes a SecurePacket from an ordinary witness report.
	Key             *uint32
	Pos             *WGS84Position
	GPSTime         *GPSTime
	ConcentratorSig []byte
}

// selectArrivalTime resolves a reception's absolute arrival time in the
// gateway's priority order: a GPS fix is nanosecond-precise and always
// wins; next the forwarder's own RFC3339 clock reading; and only when
// neither is available does the local wall clock stand in.
func selectArrivalTime(gpsTime *GPSTime, forwarderTime string) int64 {
	if gpsTime != nil {
		return int64(gpsTime.Sec)*1e9 + int64(gpsTime.Nanos)
	}
	if forwarderTime != "" {
		if t, err := time.Parse(time.RFC3339, forwarderTime); err == nil {
			return t.UnixNano()
		}
		log.Printf("packet: forwarder time %q does not parse as RFC3339, falling back to wall clock", forwarderTime)
	}
	return time.Now().UnixNano()
}

// FromRxPkV3 builds a PacketUp from a parsed Semtech RxPk record.
// Packets that failed CRC are rejected outright: the gateway never
// forwards a frame it cannot trust.
func FromRxPkV3(rxpk semtech.RxPkV3, gateway GatewayID, region Region) (*PacketUp, error) {
	if rxpk.Stat != semtech.CRCOK {
		return nil, fmt.Errorf("packet: rejecting frame with CRC status %d", rxpk.Stat)
	}
	payload, err := rxpk.Payload()
	if err != nil {
		return nil, fmt.Errorf("packet: decoding payload: %w", err)
	}

	rssi := rxpk.Rssi
	if rxpk.Rssis != 0 {
		rssi = rxpk.Rssis
	}

	p := &PacketUp{
		Tmst:     rxpk.Tmst,
		Datarate: dataRateFromSemtech(rxpk.Datr),
		Payload:  payload,
		Rssi:     units.RssiFromDBm(rssi),
		Snr:      units.SnrFromDB(rxpk.Lsnr),
		Freq:     units.FrequencyFromMHz(rxpk.Freq),
		Gateway:  gateway,
		Region:   region,
		Key:      rxpk.Key,
	}
	if rxpk.Lati != nil && rxpk.Long != nil {
		p.Pos = &WGS84Position{Lat: *rxpk.Lati, Lon: *rxpk.Long}
	}
	if rxpk.GpsSec != nil && rxpk.GpsNanos != nil {
		p.GPSTime = &GPSTime{Sec: uint64(*rxpk.GpsSec), Nanos: uint32(*rxpk.GpsNanos)}
	}
	p.ArrivalTimeNs = selectArrivalTime(p.GPSTime, rxpk.Time)
	return p, nil
}

// FromFullRxPkt builds a PacketUp from a concentrator wire record
// delivered over the system message bus.
func FromFullRxPkt(rx *gw.FullRxPkt, gateway GatewayID, region Region) (*PacketUp, error) {
	if rx.CRCEnable && rx.CRCError {
		return nil, fmt.Errorf("packet: rejecting frame with CRC error")
	}
	rssi := rx.RSSIC
	if rx.HasRSSIS {
		rssi = rx.RSSIS
	}
	p := &PacketUp{
		Tmst:     rx.Tmst,
		Datarate: dataRateFromGw(rx.Datarate),
		Payload:  append([]byte(nil), rx.Payload...),
		Rssi:     units.RssiFromDBm(rssi),
		Snr:      units.SnrFromDB(rx.SNR),
		Freq:     units.Frequency(rx.FreqHz),
		Gateway:  gateway,
		Region:   region,
	}
	if rx.HasGPS {
		p.GPSTime = &GPSTime{Sec: uint64(rx.GPSSec), Nanos: uint32(rx.GPSNanos)}
	}
	// The system message bus carries no forwarder-supplied RFC3339
	// string; GPS time or the wall clock are the only sources here.
	p.ArrivalTimeNs = selectArrivalTime(p.GPSTime, "")
	return p, nil
}

// IsPotentialBeacon reports whether the frame's MAC header marks it
// Proprietary, the MType proof-of-coverage beacons use.
func (p *PacketUp) IsPotentialBeacon() bool {
	mtype, err := ParseMType(p.Payload)
	if err != nil {
		return false
	}
	return mtype == MTypeProprietary
}

// IsSecurePacket reports whether this frame carries secure-concentrator
// metadata (a populated packet-id key).
func (p *PacketUp) IsSecurePacket() bool {
	return p.Key != nil
}

// Hash returns the SHA-256 digest of the frame payload.
func (p *PacketUp) Hash() [32]byte {
	return sha256.Sum256(p.Payload)
}

// SetConcentratorSig attaches the concentrator's attestation signature,
// required before the packet can be turned into a SecurePacket.
func (p *PacketUp) SetConcentratorSig(sig []byte) {
	p.ConcentratorSig = sig
}

// ToRx1PullResp builds the first-window (rx1) downlink reply: the same
// frequency and datarate the uplink arrived on, timed off its tmst.
func (p *PacketUp) ToRx1PullResp(payload []byte, txPowerDBm uint8) semtech.TxPk {
	tx := semtech.TxPk{
		Freq: p.Freq.MHz(),
		Rfch: 0,
		Powe: txPowerDBm,
		Modu: "LORA",
		Datr: p.Datarate.toSemtech(),
		Codr: "4/5",
		Ipol: true,
		Tmst: p.Tmst,
	}
	tx.SetPayload(payload)
	return tx
}

// ToRx2PullResp builds the rx2 downlink reply. It returns an error if
// the uplink carried no rx2 window (nothing to schedule against).
func (p *PacketUp) ToRx2PullResp(payload []byte, txPowerDBm uint8) (semtech.TxPk, error) {
	if p.Rx2Window == nil {
		return semtech.TxPk{}, fmt.Errorf("packet: no rx2 window available")
	}
	w := p.Rx2Window
	tx := semtech.TxPk{
		Freq: w.Frequency.MHz(),
		Rfch: 0,
		Powe: txPowerDBm,
		Modu: "LORA",
		Datr: w.Datarate.toSemtech(),
		Codr: "4/5",
		Ipol: true,
		Imme: w.Immediate,
	}
	if w.Timestamp != nil {
		tx.Tmst = *w.Timestamp
	}
	tx.SetPayload(payload)
	return tx, nil
}

// WitnessReport is a beacon witness observation ready to be shipped to
// the upstream proof-of-coverage service.
type WitnessReport struct {
	Data          []byte
	Tmst          uint32
	Signal        int32 // centi-dBm
	Snr           int32 // centi-dB
	Frequency     uint32
	Datarate      DataRate
	ArrivalTimeNs int64
	SecurePkt     *SecurePacket
}

// SecurePacket is the signed attestation a secure concentrator produces
// alongside a witness report.
type SecurePacket struct {
	Freq      uint32
	Datarate  DataRate
	Snr       int32
	Rssi      int32
	Tmst      uint32
	CardID    []byte
	Pos       *WGS84Position
	Time      *GPSTime
	Signature []byte
}

// ToSecurePacket builds the signed attestation. It requires both a
// beacon-compatible datarate and a concentrator signature; either's
// absence is an error, never a best-effort partial result.
func (p *PacketUp) ToSecurePacket() (*SecurePacket, error) {
	if !beaconDatarates[p.Datarate] {
		return nil, fmt.Errorf("packet: invalid beacon witness datarate: %s", p.Datarate)
	}
	if p.ConcentratorSig == nil {
		return nil, fmt.Errorf("packet: missing concentrator signature")
	}
	return &SecurePacket{
		Freq:      p.Freq.Hz(),
		Datarate:  p.Datarate,
		Snr:       p.Snr.CentiDB(),
		Rssi:      p.Rssi.DBm(),
		Tmst:      p.Tmst,
		CardID:    append([]byte(nil), p.Gateway[:]...),
		Pos:       p.Pos,
		Time:      p.GPSTime,
		Signature: append([]byte(nil), p.ConcentratorSig...),
	}, nil
}

// ToWitnessReport converts a proprietary-MAC-header beacon uplink into
// a witness report. It is an error to call this on anything but a
// potential beacon at a legal beacon datarate.
func (p *PacketUp) ToWitnessReport() (*WitnessReport, error) {
	if !p.IsPotentialBeacon() {
		return nil, fmt.Errorf("packet: not a beacon")
	}
	if !beaconDatarates[p.Datarate] {
		return nil, fmt.Errorf("packet: invalid beacon witness datarate: %s", p.Datarate)
	}
	report := &WitnessReport{
		Data:          p.Payload,
		Tmst:          p.Tmst,
		Signal:        p.Rssi.CentiDBm(),
		Snr:           p.Snr.CentiDB(),
		Frequency:     p.Freq.Hz(),
		Datarate:      p.Datarate,
		ArrivalTimeNs: p.ArrivalTimeNs,
	}
	if p.IsSecurePacket() {
		secure, err := p.ToSecurePacket()
		if err == nil {
			report.SecurePkt = secure
		}
	}
	return report, nil
}

// FromSemtechTxPk translates a logical downlink TxPk (the shape
// ToRx1PullResp/ToRx2PullResp hand back) into the concentrator's own
// TxPkt wire record, decoding the base64 payload in the process. This
// is the "serializes the TxPk into the concentrator's TxPkt" step the
// scheduler performs immediately before a dispatch.
func FromSemtechTxPk(tx semtech.TxPk, codeRate gw.CodingRate) (*gw.TxPkt, error) {
	payload, err := base64Decode(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("packet: decoding downlink payload: %w", err)
	}
	mode := gw.TxMode{Kind: gw.TxImmediate}
	if !tx.Imme {
		mode = gw.TxMode{Kind: gw.TxTimestamped, Tmst: tx.Tmst}
	}
	return &gw.TxPkt{
		FreqHz:     units.FrequencyFromMHz(tx.Freq).Hz(),
		RFPowerDBm: int8(tx.Powe),
		Datarate:   gw.Datarate{SF: gw.SpreadingFactor(tx.Datr.SF), BW: gw.Bandwidth(tx.Datr.BW)},
		CodeRate:   codeRate,
		Payload:    payload,
		TxMode:     mode,
	}, nil
}
