// Package gw defines the concentrator-card wire types (TxPkt, FullRxPkt)
// and their binary encoding. These cross the system message bus as
// opaque byte buffers: length-prefixed fields, little-endian integers,
// round-trip exact.
package gw

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SpreadingFactor is the concentrator-side LoRa spreading factor.
type SpreadingFactor uint8

const (
	SF5 SpreadingFactor = iota + 5
	SF6
	SF7
	SF8
	SF9
	SF10
	SF11
	SF12
)

// Bandwidth is the concentrator-side channel bandwidth in Hz.
type Bandwidth uint32

const (
	BW125 Bandwidth = 125_000
	BW250 Bandwidth = 250_000
	BW500 Bandwidth = 500_000
)

// CodingRate is the concentrator-side LoRa forward error correction rate.
type CodingRate uint8

const (
	CROff CodingRate = iota
	CR4_5
	CR4_6
	CR4_7
	CR4_8
)

// TxModeKind discriminates the three ways a downlink can be scheduled.
type TxModeKind uint8

const (
	TxImmediate TxModeKind = iota
	TxTimestamped
	TxOnGPS
)

// TxMode is the concentrator-side transmission timing mode. Tmst is only
// meaningful when Kind == TxTimestamped.
type TxMode struct {
	Kind TxModeKind
	Tmst uint32
}

// Datarate bundles spreading factor and bandwidth, the concentrator's
// atomic datarate descriptor.
type Datarate struct {
	SF SpreadingFactor
	BW Bandwidth
}

// TxPkt is the wire object sent to the concentrator to request a
// transmission.
type TxPkt struct {
	FreqHz     uint32
	RFChain    uint8
	RFPowerDBm int8
	Datarate   Datarate
	CodeRate   CodingRate
	InvertPol  bool
	Preamble   uint16 // 0 means "unset"
	NoCRC      bool
	NoHeader   bool
	Payload    []byte
	TxMode     TxMode
}

// FullRxPkt is the wire object the concentrator emits on reception.
type FullRxPkt struct {
	FreqHz    uint32
	Datarate  Datarate
	CodeRate  CodingRate
	RSSIC     int32 // channel RSSI, dBm
	RSSIS     int32 // signal RSSI, dBm (only meaningful when HasRSSIS)
	HasRSSIS  bool
	SNR       float32
	Tmst      uint32
	CRCEnable bool
	CRCError  bool
	HasGPS    bool
	GPSSec    int64
	GPSNanos  int32
	Payload   []byte
}

// MarshalTxPkt encodes a TxPkt using length-prefixed little-endian
// fields. Every fixed field has a fixed width; Payload is prefixed by a
// uint16 length.
func MarshalTxPkt(pkt *TxPkt) []byte {
	buf := make([]byte, 0, 32+len(pkt.Payload))
	var tmp [4]byte

	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	put32(pkt.FreqHz)
	buf = append(buf, pkt.RFChain, byte(pkt.RFPowerDBm))
	put32(uint32(pkt.Datarate.SF))
	put32(uint32(pkt.Datarate.BW))
	buf = append(buf, byte(pkt.CodeRate))
	buf = append(buf, boolByte(pkt.InvertPol))
	var prea [2]byte
	binary.LittleEndian.PutUint16(prea[:], pkt.Preamble)
	buf = append(buf, prea[:]...)
	buf = append(buf, boolByte(pkt.NoCRC), boolByte(pkt.NoHeader))
	buf = append(buf, byte(pkt.TxMode.Kind))
	put32(pkt.TxMode.Tmst)

	var plen [2]byte
	binary.LittleEndian.PutUint16(plen[:], uint16(len(pkt.Payload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, pkt.Payload...)
	return buf
}

// UnmarshalTxPkt decodes a buffer produced by MarshalTxPkt.
func UnmarshalTxPkt(data []byte) (*TxPkt, error) {
	const fixedLen = 4 + 1 + 1 + 4 + 4 + 1 + 1 + 2 + 1 + 1 + 1 + 4 + 2
	if len(data) < fixedLen {
		return nil, fmt.Errorf("gw: TxPkt buffer too short: %d bytes", len(data))
	}
	r := &reader{buf: data}

	pkt := &TxPkt{}
	pkt.FreqHz = r.u32()
	pkt.RFChain = r.u8()
	pkt.RFPowerDBm = int8(r.u8())
	pkt.Datarate.SF = SpreadingFactor(r.u32())
	pkt.Datarate.BW = Bandwidth(r.u32())
	pkt.CodeRate = CodingRate(r.u8())
	pkt.InvertPol = r.boolean()
	pkt.Preamble = r.u16()
	pkt.NoCRC = r.boolean()
	pkt.NoHeader = r.boolean()
	pkt.TxMode.Kind = TxModeKind(r.u8())
	pkt.TxMode.Tmst = r.u32()

	plen := int(r.u16())
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) < plen {
		return nil, fmt.Errorf("gw: TxPkt payload truncated: want %d, have %d", plen, len(r.buf))
	}
	pkt.Payload = append([]byte(nil), r.buf[:plen]...)
	return pkt, nil
}

// MarshalFullRxPkt encodes a FullRxPkt using the same length-prefixed
// little-endian scheme as MarshalTxPkt.
func MarshalFullRxPkt(pkt *FullRxPkt) []byte {
	buf := make([]byte, 0, 48+len(pkt.Payload))
	var tmp4 [4]byte
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp4[:], v)
		buf = append(buf, tmp4[:]...)
	}
	putF32 := func(v float32) {
		put32(f32bits(v))
	}

	put32(pkt.FreqHz)
	put32(uint32(pkt.Datarate.SF))
	put32(uint32(pkt.Datarate.BW))
	buf = append(buf, byte(pkt.CodeRate))
	put32(uint32(pkt.RSSIC))
	put32(uint32(pkt.RSSIS))
	buf = append(buf, boolByte(pkt.HasRSSIS))
	putF32(pkt.SNR)
	put32(pkt.Tmst)
	buf = append(buf, boolByte(pkt.CRCEnable), boolByte(pkt.CRCError))
	buf = append(buf, boolByte(pkt.HasGPS))
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], uint64(pkt.GPSSec))
	buf = append(buf, tmp8[:]...)
	put32(uint32(pkt.GPSNanos))

	var plen [2]byte
	binary.LittleEndian.PutUint16(plen[:], uint16(len(pkt.Payload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, pkt.Payload...)
	return buf
}

// UnmarshalFullRxPkt decodes a buffer produced by MarshalFullRxPkt.
func UnmarshalFullRxPkt(data []byte) (*FullRxPkt, error) {
	r := &reader{buf: data}
	pkt := &FullRxPkt{}
	pkt.FreqHz = r.u32()
	pkt.Datarate.SF = SpreadingFactor(r.u32())
	pkt.Datarate.BW = Bandwidth(r.u32())
	pkt.CodeRate = CodingRate(r.u8())
	pkt.RSSIC = int32(r.u32())
	pkt.RSSIS = int32(r.u32())
	pkt.HasRSSIS = r.boolean()
	pkt.SNR = f32frombits(r.u32())
	pkt.Tmst = r.u32()
	pkt.CRCEnable = r.boolean()
	pkt.CRCError = r.boolean()
	pkt.HasGPS = r.boolean()
	pkt.GPSSec = int64(r.u64())
	pkt.GPSNanos = int32(r.u32())

	plen := int(r.u16())
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) < plen {
		return nil, fmt.Errorf("gw: FullRxPkt payload truncated: want %d, have %d", plen, len(r.buf))
	}
	pkt.Payload = append([]byte(nil), r.buf[:plen]...)
	return pkt, nil
}

// SendResult is the concentrator's outcome for a single dispatched
// TxPkt, the first byte of its response frame on the command socket.
type SendResult uint8

const (
	SendOK SendResult = iota
	SendErrTooEarly
	SendErrTooLate
	SendErrPacketCollision
	SendErrQueueFull
	SendErrIO
)

func (r SendResult) String() string {
	switch r {
	case SendOK:
		return "OK"
	case SendErrTooEarly:
		return "ErrTooEarly"
	case SendErrTooLate:
		return "ErrTooLate"
	case SendErrPacketCollision:
		return "ErrPacketCollision"
	case SendErrQueueFull:
		return "ErrQueueFull"
	case SendErrIO:
		return "ErrIO"
	default:
		return fmt.Sprintf("SendResult(%d)", uint8(r))
	}
}

// DecodeSendResult parses the one-byte response frame the concentrator
// returns after a send command.
func DecodeSendResult(data []byte) (SendResult, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("gw: empty send response")
	}
	return SendResult(data[0]), nil
}

// RxSig is the bus's rx_sig signal: a concentrator attestation
// signature keyed to the packet-id of a previously-received secure
// beacon.
type RxSig struct {
	Key       uint32
	Signature []byte
}

// MarshalRxSig encodes an RxSig with the same length-prefixed
// little-endian scheme as the other wire types.
func MarshalRxSig(sig *RxSig) []byte {
	buf := make([]byte, 0, 6+len(sig.Signature))
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], sig.Key)
	buf = append(buf, tmp4[:]...)
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(sig.Signature)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, sig.Signature...)
	return buf
}

// UnmarshalRxSig decodes a buffer produced by MarshalRxSig.
func UnmarshalRxSig(data []byte) (*RxSig, error) {
	r := &reader{buf: data}
	sig := &RxSig{Key: r.u32()}
	slen := int(r.u16())
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) < slen {
		return nil, fmt.Errorf("gw: RxSig signature truncated: want %d, have %d", slen, len(r.buf))
	}
	sig.Signature = append([]byte(nil), r.buf[:slen]...)
	return sig, nil
}

func f32bits(v float32) uint32     { return math.Float32bits(v) }
func f32frombits(v uint32) float32 { return math.Float32frombits(v) }

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// reader walks a byte slice, consuming little-endian fixed-width fields
// and tracking the first short-read error encountered.
type reader struct {
	buf []byte
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil || len(r.buf) < n {
		if r.err == nil {
			r.err = fmt.Errorf("gw: buffer too short, need %d bytes, have %d", n, len(r.buf))
		}
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *reader) boolean() bool {
	return r.u8() != 0
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[:2])
	r.buf = r.buf[2:]
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[:8])
	r.buf = r.buf[8:]
	return v
}
