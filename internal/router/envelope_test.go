package router

import (
	"testing"

	"github.com/nlighten/lora-gateway/internal/packet"
	"github.com/nlighten/lora-gateway/internal/units"
)

func TestNewUplinkEnvelopeCopiesFields(t *testing.T) {
	up := &packet.PacketUp{
		Tmst:          123,
		Payload:       []byte{0x40, 0x01},
		Rssi:          units.RssiFromDBm(-80),
		Snr:           units.SnrFromDB(5.5),
		Freq:          units.FrequencyFromMHz(902.3),
		Region:        packet.RegionUS915,
		Datarate:      packet.DataRate{SF: 7, BW: 125000},
		ArrivalTimeNs: 1700000000000000000,
	}

	env := NewUplinkEnvelope("gw-1", up)
	if env.GatewayID != "gw-1" {
		t.Fatalf("gateway id not copied: %q", env.GatewayID)
	}
	if env.Frequency != 902300000 {
		t.Fatalf("frequency mismatch: %d", env.Frequency)
	}
	if env.Rssi != -80 {
		t.Fatalf("rssi mismatch: %d", env.Rssi)
	}
	if env.Datarate != "SF7BW125" {
		t.Fatalf("datarate mismatch: %q", env.Datarate)
	}
	if env.SeenAt == nil || env.SeenAt.AsTime().UnixNano() != up.ArrivalTimeNs {
		t.Fatalf("seen_at not derived from arrival time: %v", env.SeenAt)
	}
}

func TestNewWitnessEnvelopeWithoutSecurePacket(t *testing.T) {
	report := &packet.WitnessReport{
		Data:      []byte{0xE0},
		Tmst:      10,
		Signal:    -9000,
		Snr:       200,
		Frequency: 902300000,
		Datarate:  packet.DataRate{SF: 10, BW: 125000},
	}

	env := NewWitnessEnvelope("gw-2", report)
	if env.Secure != nil {
		t.Fatal("expected no secure packet envelope for an unsigned witness report")
	}
	if env.Datarate != "SF10BW125" {
		t.Fatalf("datarate mismatch: %q", env.Datarate)
	}
}

func TestNewWitnessEnvelopeWithSecurePacket(t *testing.T) {
	report := &packet.WitnessReport{
		Data:      []byte{0xE0},
		Frequency: 902300000,
		Datarate:  packet.DataRate{SF: 10, BW: 125000},
		SecurePkt: &packet.SecurePacket{
			Freq:      902300000,
			Datarate:  packet.DataRate{SF: 10, BW: 125000},
			CardID:    []byte{0x01},
			Signature: []byte{0x02, 0x03},
			Pos:       &packet.WGS84Position{Lat: 1.5, Lon: -2.5},
		},
	}

	env := NewWitnessEnvelope("gw-2", report)
	if env.Secure == nil {
		t.Fatal("expected a secure packet envelope")
	}
	if env.Secure.Lat != 1.5 || env.Secure.Lon != -2.5 {
		t.Fatalf("position not copied: %+v", env.Secure)
	}
	if len(env.Secure.Signature) != 2 {
		t.Fatalf("signature not copied: %v", env.Secure.Signature)
	}
}
