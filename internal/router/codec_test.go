package router

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	env := envelope{Kind: kindUplink, Uplink: &UplinkEnvelope{GatewayID: "gw1", Frequency: 902300000}}

	data, err := c.Marshal(&env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got envelope
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Kind != kindUplink || got.Uplink == nil || got.Uplink.GatewayID != "gw1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Fatal("codec name must match the registered CallContentSubtype")
	}
}

func TestJSONCodecUnmarshalError(t *testing.T) {
	c := jsonCodec{}
	var got envelope
	if err := c.Unmarshal([]byte("{not json"), &got); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
