package packet

import "fmt"

// MType is the LoRaWAN MAC header message type, the top 3 bits of the
// first payload byte.
type MType uint8

const (
	MTypeJoinRequest MType = iota
	MTypeJoinAccept
	MTypeUnconfirmedDataUp
	MTypeUnconfirmedDataDown
	MTypeConfirmedDataUp
	MTypeConfirmedDataDown
	MTypeRFU
	MTypeProprietary
)

// ParseMType extracts the MAC header message type from a raw LoRaWAN
// PHYPayload's first byte.
func ParseMType(payload []byte) (MType, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("packet: empty payload has no MAC header")
	}
	return MType(payload[0] >> 5), nil
}
