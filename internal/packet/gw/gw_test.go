package gw

import (
	"bytes"
	"testing"
)

func TestTxPktRoundTrip(t *testing.T) {
	want := &TxPkt{
		FreqHz:     915_200_000,
		RFChain:    0,
		RFPowerDBm: 26,
		Datarate:   Datarate{SF: SF10, BW: BW125},
		CodeRate:   CR4_5,
		InvertPol:  true,
		Preamble:   8,
		NoCRC:      true,
		NoHeader:   false,
		Payload:    []byte{0xde, 0xad, 0xbe, 0xef},
		TxMode:     TxMode{Kind: TxTimestamped, Tmst: 123456},
	}
	buf := MarshalTxPkt(want)
	got, err := UnmarshalTxPkt(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload mismatch: got %x, want %x", got.Payload, want.Payload)
	}
	if got.FreqHz != want.FreqHz || got.Datarate != want.Datarate || got.TxMode != want.TxMode {
		t.Fatalf("field mismatch: got %+v, want %+v", got, want)
	}
}

func TestFullRxPktRoundTrip(t *testing.T) {
	want := &FullRxPkt{
		FreqHz:    868_100_000,
		Datarate:  Datarate{SF: SF7, BW: BW125},
		CodeRate:  CR4_5,
		RSSIC:     -113,
		RSSIS:     -110,
		HasRSSIS:  true,
		SNR:       7.8,
		Tmst:      42,
		CRCEnable: true,
		CRCError:  false,
		HasGPS:    true,
		GPSSec:    1700000000,
		GPSNanos:  500,
		Payload:   []byte("hello lora"),
	}
	buf := MarshalFullRxPkt(want)
	got, err := UnmarshalFullRxPkt(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, want.Payload)
	}
	if got.FreqHz != want.FreqHz || got.SNR != want.SNR || got.GPSSec != want.GPSSec {
		t.Fatalf("field mismatch: got %+v, want %+v", got, want)
	}
}

func TestUnmarshalTxPktShortBuffer(t *testing.T) {
	if _, err := UnmarshalTxPkt([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestRxSigRoundTrip(t *testing.T) {
	want := &RxSig{Key: 0xCAFEBABE, Signature: []byte{1, 2, 3, 4, 5}}
	buf := MarshalRxSig(want)
	got, err := UnmarshalRxSig(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Key != want.Key || !bytes.Equal(got.Signature, want.Signature) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeSendResult(t *testing.T) {
	got, err := DecodeSendResult([]byte{byte(SendErrTooLate)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != SendErrTooLate {
		t.Fatalf("got %v", got)
	}
	if _, err := DecodeSendResult(nil); err == nil {
		t.Fatal("expected error on empty response")
	}
}

func TestUnmarshalTxPktTruncatedPayload(t *testing.T) {
	full := MarshalTxPkt(&TxPkt{Payload: []byte{1, 2, 3, 4}})
	if _, err := UnmarshalTxPkt(full[:len(full)-2]); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
