package semtech

import (
	"encoding/json"
	"testing"
)

func TestDataRateRoundTrip(t *testing.T) {
	d := DataRate{SF: 7, BW: 125000}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"SF7BW125"` {
		t.Fatalf("got %s", raw)
	}
	var got DataRate
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != d {
		t.Fatalf("got %+v, want %+v", got, d)
	}
}

func TestRxPkV1PayloadDecode(t *testing.T) {
	r := RxPkV1{Data: "SGVsbG8="}
	payload, err := r.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(payload) != "Hello" {
		t.Fatalf("got %q", payload)
	}
}

func TestTxPkSetPayload(t *testing.T) {
	var tx TxPk
	tx.SetPayload([]byte{1, 2, 3, 4})
	if tx.Size != 4 {
		t.Fatalf("size = %d", tx.Size)
	}
	if tx.Data == "" {
		t.Fatal("expected non-empty data")
	}
}

func TestEnvelopeRoundTripPushData(t *testing.T) {
	e := &Envelope{
		Version:    ProtocolVersion,
		Token:      0xBEEF,
		Identifier: PushData,
		HasEUI:     true,
		GatewayEUI: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		JSON:       []byte(`{"rxpk":[]}`),
	}
	buf := MarshalEnvelope(e)
	got, err := ParseEnvelope(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Token != e.Token || got.Identifier != e.Identifier || got.GatewayEUI != e.GatewayEUI {
		t.Fatalf("got %+v, want %+v", got, e)
	}
	if string(got.JSON) != string(e.JSON) {
		t.Fatalf("json mismatch: got %s, want %s", got.JSON, e.JSON)
	}
}

func TestEnvelopePushAckHasNoEUI(t *testing.T) {
	e := &Envelope{Version: ProtocolVersion, Token: 1, Identifier: PushAck}
	buf := MarshalEnvelope(e)
	if len(buf) != 4 {
		t.Fatalf("expected 4-byte PUSH_ACK, got %d bytes", len(buf))
	}
	got, err := ParseEnvelope(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.HasEUI {
		t.Fatal("PUSH_ACK should not carry a gateway EUI")
	}
}

func TestSplitSignature(t *testing.T) {
	e := &Envelope{
		Version:    ProtocolVersion,
		Identifier: PushDataSig,
		HasEUI:     true,
		JSON:       []byte(`{"rxpk":[]}` + "SIGNATURE64"),
	}
	if err := SplitSignature(e, len("SIGNATURE64")); err != nil {
		t.Fatalf("split: %v", err)
	}
	if string(e.JSON) != `{"rxpk":[]}` {
		t.Fatalf("json = %q", e.JSON)
	}
	if string(e.Signature) != "SIGNATURE64" {
		t.Fatalf("signature = %q", e.Signature)
	}
}

func TestParseEnvelopeTooShort(t *testing.T) {
	if _, err := ParseEnvelope([]byte{1, 2}); err == nil {
		t.Fatal("expected error")
	}
}
