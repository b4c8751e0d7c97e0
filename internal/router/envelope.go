package router

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nlighten/lora-gateway/internal/packet"
)

// UplinkEnvelope carries a single decoded LoRaWAN uplink to the
// upstream network server.
type UplinkEnvelope struct {
	GatewayID string                 `json:"gateway_id"`
	Region    packet.Region          `json:"region"`
	Payload   []byte                 `json:"payload"`
	Frequency uint32                 `json:"frequency_hz"`
	Datarate  string                 `json:"datarate"`
	Rssi      int32                  `json:"rssi_dbm"`
	Snr       int32                  `json:"snr_centi_db"`
	Tmst      uint32                 `json:"tmst"`
	SeenAt    *timestamppb.Timestamp `json:"seen_at,omitempty"`
}

// WitnessEnvelope carries a proof-of-coverage beacon witness
// observation, optionally attested by a secure concentrator.
type WitnessEnvelope struct {
	GatewayID string                 `json:"gateway_id"`
	Data      []byte                 `json:"data"`
	Frequency uint32                 `json:"frequency_hz"`
	Datarate  string                 `json:"datarate"`
	Signal    int32                  `json:"signal_centi_dbm"`
	Snr       int32                  `json:"snr_centi_db"`
	Tmst      uint32                 `json:"tmst"`
	Secure    *SecurePacketEnvelope  `json:"secure,omitempty"`
	SeenAt    *timestamppb.Timestamp `json:"seen_at,omitempty"`
}

// SecurePacketEnvelope is the wire form of packet.SecurePacket.
type SecurePacketEnvelope struct {
	Frequency uint32  `json:"frequency_hz"`
	Datarate  string  `json:"datarate"`
	Snr       int32   `json:"snr_centi_db"`
	Rssi      int32   `json:"rssi_dbm"`
	Tmst      uint32  `json:"tmst"`
	CardID    []byte  `json:"card_id"`
	Signature []byte  `json:"signature"`
	Lat       float64 `json:"lat,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
}

// DownlinkEnvelope is a downlink command pushed from the network
// server, received over the client's bidirectional stream.
type DownlinkEnvelope struct {
	GatewayID string                 `json:"gateway_id"`
	Payload   []byte                 `json:"payload"`
	Rx2       *WindowEnvelope        `json:"rx2,omitempty"`
	SentAt    *timestamppb.Timestamp `json:"sent_at,omitempty"`
}

// WindowEnvelope is the wire form of a packet.Window: the rx2 transmit
// opportunity the network server wants held in reserve for this
// downlink, as it does in the original Packet.rx2_window field.
type WindowEnvelope struct {
	Frequency uint32  `json:"frequency_hz"`
	Datarate  string  `json:"datarate"`
	Timestamp *uint32 `json:"timestamp,omitempty"`
	Immediate bool    `json:"immediate"`
}

// NewUplinkEnvelope translates an uplink into the wire envelope.
func NewUplinkEnvelope(gatewayID string, up *packet.PacketUp) UplinkEnvelope {
	return UplinkEnvelope{
		GatewayID: gatewayID,
		Region:    up.Region,
		Payload:   up.Payload,
		Frequency: up.Freq.Hz(),
		Datarate:  up.Datarate.String(),
		Rssi:      up.Rssi.DBm(),
		Snr:       up.Snr.CentiDB(),
		Tmst:      up.Tmst,
		SeenAt:    timestamppb.New(time.Unix(0, up.ArrivalTimeNs)),
	}
}

// NewWitnessEnvelope translates a witness report into the wire
// envelope.
func NewWitnessEnvelope(gatewayID string, report *packet.WitnessReport) WitnessEnvelope {
	env := WitnessEnvelope{
		GatewayID: gatewayID,
		Data:      report.Data,
		Frequency: report.Frequency,
		Datarate:  report.Datarate.String(),
		Signal:    report.Signal,
		Snr:       report.Snr,
		Tmst:      report.Tmst,
		SeenAt:    timestamppb.New(time.Unix(0, report.ArrivalTimeNs)),
	}
	if report.SecurePkt != nil {
		sp := report.SecurePkt
		secure := &SecurePacketEnvelope{
			Frequency: sp.Freq,
			Datarate:  sp.Datarate.String(),
			Snr:       sp.Snr,
			Rssi:      sp.Rssi,
			Tmst:      sp.Tmst,
			CardID:    sp.CardID,
			Signature: sp.Signature,
		}
		if sp.Pos != nil {
			secure.Lat = sp.Pos.Lat
			secure.Lon = sp.Pos.Lon
		}
		env.Secure = secure
	}
	return env
}
