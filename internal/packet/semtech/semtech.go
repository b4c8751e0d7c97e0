// Package semtech implements the Semtech UDP packet-forwarder protocol:
// the JSON record formats (RxPk, TxPk, Stat) and the binary envelope
// that frames them on the wire between the gateway and the network
// server. See https://github.com/Lora-net/packet_forwarder/blob/master/PROTOCOL.TXT
package semtech

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Identifier is the one-byte command that follows the token in every
// envelope.
type Identifier byte

const (
	PushData Identifier = iota
	PushAck
	PullData
	PullResp
	PullAck
	// PushDataSig is a nlighten extension: PUSH_DATA plus a trailing
	// concentrator signature over the payload, used to carry secure
	// proof-of-coverage packets.
	PushDataSig
)

func (i Identifier) String() string {
	switch i {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case PushDataSig:
		return "PUSH_DATA_SIG"
	default:
		return fmt.Sprintf("Identifier(%d)", byte(i))
	}
}

// CRCStatus is the LoRa CRC outcome as carried in RxPk.Stat.
type CRCStatus int

const (
	CRCOK       CRCStatus = 1
	CRCFail     CRCStatus = -1
	CRCDisabled CRCStatus = 0
)

// DataRate is the LoRa SF/BW pair, rendered on the wire as "SF7BW125".
type DataRate struct {
	SF uint32
	BW uint32
}

func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SF, d.BW/1000)
}

// MarshalJSON renders the datarate in the wire string form.
func (d DataRate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses the "SFnBWn" LoRa identifier string. A bare
// numeric FSK datarate is not accepted and returns an error.
func (d *DataRate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var sf, bw uint32
	if _, err := fmt.Sscanf(s, "SF%dBW%d", &sf, &bw); err != nil {
		return fmt.Errorf("semtech: unrecognized datarate %q: %w", s, err)
	}
	d.SF = sf
	d.BW = bw * 1000
	return nil
}

// RxPkV1 is the original Semtech RxPk record (protocol version 1/2).
// Time is the forwarder's own RFC3339 wall-clock reading at reception,
// the fallback arrival-time source when no GPS fix is available.
type RxPkV1 struct {
	Chan uint8     `json:"chan"`
	Rfch uint8     `json:"rfch"`
	Freq float64   `json:"freq"`
	Stat CRCStatus `json:"stat"`
	Modu string    `json:"modu"`
	Datr DataRate  `json:"datr"`
	Codr string    `json:"codr"`
	Rssi int32     `json:"rssi"`
	Lsnr float32   `json:"lsnr"`
	Size uint32    `json:"size"`
	Data string    `json:"data"`
	Tmst uint32    `json:"tmst"`
	Time string    `json:"time,omitempty"`
}

// RxPkV2 adds dual RSSI reporting (channel vs. signal RSSI) and an
// optional board/antenna index, introduced with multi-antenna
// concentrators.
type RxPkV2 struct {
	RxPkV1
	Rssis   int32  `json:"rssis,omitempty"`
	Brd     uint8  `json:"brd,omitempty"`
	Ant     uint8  `json:"ant,omitempty"`
	FOff    int32  `json:"foff,omitempty"`
	SigRssi *int32 `json:"-"`
}

// RxPkV3 adds the nlighten proof-of-coverage fields: an optional
// packet-id key (present for beacon-shaped uplinks carrying a
// concentrator-issued witness key) and the concentrator's own GPS fix
// and GPS time, when it has one. A PUSH_DATA_SIG concentrator
// signature is not part of this record; it travels in
// Envelope.Signature.
type RxPkV3 struct {
	RxPkV2
	Key      *uint32 `json:"keyid,omitempty"`
	Lati     *float64 `json:"lati,omitempty"`
	Long     *float64 `json:"long,omitempty"`
	GpsSec   *int64   `json:"gps_sec,omitempty"`
	GpsNanos *int32   `json:"gps_nanos,omitempty"`
}

// Payload decodes the base64 Data field.
func (r RxPkV1) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Data)
}

// TxPk is the downlink record carried in a PULL_RESP payload.
type TxPk struct {
	Imme bool     `json:"imme"`
	Tmst uint32   `json:"tmst,omitempty"`
	Time string   `json:"time,omitempty"`
	Freq float64  `json:"freq"`
	Rfch uint8    `json:"rfch"`
	Powe uint8    `json:"powe"`
	Modu string   `json:"modu"`
	Datr DataRate `json:"datr"`
	Codr string   `json:"codr"`
	Ipol bool     `json:"ipol"`
	Prea uint16   `json:"prea,omitempty"`
	Size uint32   `json:"size"`
	Data string   `json:"data"`
	Ncrc bool     `json:"ncrc,omitempty"`
}

// SetPayload base64-encodes payload into Data and sets Size.
func (t *TxPk) SetPayload(payload []byte) {
	t.Data = base64.StdEncoding.EncodeToString(payload)
	t.Size = uint32(len(payload))
}

// Stat is the periodic gateway status report (PUSH_DATA with no rxpk).
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati"`
	Long float64 `json:"long"`
	Alti int32   `json:"alti"`
	Rxnb uint32  `json:"rxnb"`
	Rxok uint32  `json:"rxok"`
	Rxfw uint32  `json:"rxfw"`
	Ackr float64 `json:"ackr"`
	Dwnb uint32  `json:"dwnb"`
	Txnb uint32  `json:"txnb"`
}

// PushPayload is the JSON body of a PUSH_DATA/PUSH_DATA_SIG datagram.
type PushPayload struct {
	RxPk []RxPkV3 `json:"rxpk,omitempty"`
	Stat *Stat    `json:"stat,omitempty"`
}

// PullPayload is the JSON body of a PULL_RESP datagram.
type PullPayload struct {
	TxPk TxPk `json:"txpk"`
}

// Envelope is a parsed Semtech UDP datagram: a 4-byte header (version,
// 2-byte token, identifier), an optional 8-byte gateway EUI (PUSH_DATA,
// PULL_DATA), an optional JSON payload, and, for PUSH_DATA_SIG, a
// trailing concentrator signature.
type Envelope struct {
	Version    byte
	Token      uint16
	Identifier Identifier
	GatewayEUI [8]byte
	HasEUI     bool
	JSON       []byte
	Signature  []byte
}

// ProtocolVersion is the only version this forwarder speaks.
const ProtocolVersion = 2

// MarshalEnvelope serializes an Envelope to its wire form.
func MarshalEnvelope(e *Envelope) []byte {
	buf := make([]byte, 0, 4+8+len(e.JSON)+len(e.Signature))
	buf = append(buf, e.Version)
	var tok [2]byte
	binary.LittleEndian.PutUint16(tok[:], e.Token)
	buf = append(buf, tok[:]...)
	buf = append(buf, byte(e.Identifier))
	if e.HasEUI {
		buf = append(buf, e.GatewayEUI[:]...)
	}
	buf = append(buf, e.JSON...)
	if e.Identifier == PushDataSig {
		buf = append(buf, e.Signature...)
	}
	return buf
}

// ParseEnvelope decodes a raw UDP datagram into an Envelope. Gateway EUI
// presence is inferred from Identifier (PUSH_DATA and PULL_DATA carry
// one; PUSH_ACK/PULL_ACK/PULL_RESP do not).
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("semtech: envelope too short: %d bytes", len(raw))
	}
	e := &Envelope{
		Version:    raw[0],
		Token:      binary.LittleEndian.Uint16(raw[1:3]),
		Identifier: Identifier(raw[3]),
	}
	rest := raw[4:]
	if e.Identifier == PushData || e.Identifier == PullData || e.Identifier == PushDataSig {
		if len(rest) < 8 {
			return nil, fmt.Errorf("semtech: missing gateway EUI in %s envelope", e.Identifier)
		}
		copy(e.GatewayEUI[:], rest[:8])
		e.HasEUI = true
		rest = rest[8:]
	}
	switch e.Identifier {
	case PushData:
		e.JSON = rest
	case PushDataSig:
		// Signature is a fixed-width trailer; JSON occupies everything
		// before it. Signature length is protocol-configured and passed
		// in by the caller via SplitSignature once the concentrator's
		// signature width is known.
		e.JSON = rest
	case PullResp:
		e.JSON = rest
	default:
		// PUSH_ACK / PULL_ACK / PULL_DATA carry no JSON body.
	}
	return e, nil
}

// SplitSignature carves the trailing sigLen bytes off a PUSH_DATA_SIG
// envelope's JSON field, which ParseEnvelope could not do without
// knowing the concentrator's signature width.
func SplitSignature(e *Envelope, sigLen int) error {
	if e.Identifier != PushDataSig {
		return fmt.Errorf("semtech: SplitSignature on non-signed envelope %s", e.Identifier)
	}
	if len(e.JSON) < sigLen {
		return fmt.Errorf("semtech: envelope shorter than signature width %d", sigLen)
	}
	split := len(e.JSON) - sigLen
	e.Signature = append([]byte(nil), e.JSON[split:]...)
	e.JSON = e.JSON[:split]
	return nil
}
