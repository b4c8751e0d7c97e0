// Package scheduler implements the rx1→rx2 downlink retry policy: a
// downlink request prepares both windows up front and runs as a
// detached task, consulting the regional throttle before each
// dispatch. It falls back to rx2 when the throttle denies rx1 or when
// the card answers rx1 with Ack(TooLate); any other rx1 failure ends
// the task.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/nlighten/lora-gateway/internal/concentrator"
	"github.com/nlighten/lora-gateway/internal/packet"
	"github.com/nlighten/lora-gateway/internal/packet/gw"
	"github.com/nlighten/lora-gateway/internal/throttle"
)

// DispatchTimeout bounds every individual dispatch attempt.
const DispatchTimeout = 5 * time.Second

// downlinkHandle is the subset of *concentrator.Downlink the retry
// policy depends on, narrowed so tests can substitute a scripted card
// in place of a real bus connection.
type downlinkHandle interface {
	Fill(tx *gw.TxPkt)
	Dispatch(ctx context.Context, timeout time.Duration) *concentrator.DispatchError
}

// Scheduler spawns detached downlink tasks against a concentrator
// runtime. It does not serialize distinct downlinks: many may run
// concurrently, each independently attempting rx1 then, if needed,
// rx2.
type Scheduler struct {
	runtime  *concentrator.Runtime
	throttle *throttle.Throttle
	txPower  uint8
	codeRate gw.CodingRate
}

// New creates a scheduler bound to a concentrator runtime and the
// region's throttle.
func New(runtime *concentrator.Runtime, th *throttle.Throttle, txPowerDBm uint8, codeRate gw.CodingRate) *Scheduler {
	return &Scheduler{runtime: runtime, throttle: th, txPower: txPowerDBm, codeRate: codeRate}
}

// Schedule prepares rx1 and rx2 handles immediately (sending rx1
// consumes card state that precludes re-preparing it in time) and
// spawns a detached goroutine to carry out the retry policy. Multiple
// calls may run concurrently; Schedule never blocks on a prior call.
func (s *Scheduler) Schedule(ctx context.Context, payload []byte, uplink *packet.PacketUp) {
	rx1 := s.runtime.PrepareEmptyDownlink()
	rx2 := s.runtime.PrepareEmptyDownlink()

	go s.run(ctx, rx1, rx2, payload, uplink)
}

func (s *Scheduler) run(ctx context.Context, rx1, rx2 downlinkHandle, payload []byte, uplink *packet.PacketUp) {
	tx1 := uplink.ToRx1PullResp(payload, s.txPower)
	txpkt1, err := packet.FromSemtechTxPk(tx1, s.codeRate)
	if err != nil {
		log.Printf("scheduler: rx1 serialization failed: %v", err)
		return
	}

	if !s.checkThrottle(txpkt1) {
		log.Printf("scheduler: rx1 denied by regional throttle, skipping to rx2")
	} else {
		rx1.Fill(txpkt1)
		dispatchErr := rx1.Dispatch(ctx, DispatchTimeout)
		if dispatchErr == nil {
			s.trackSent(txpkt1)
			return
		}
		if dispatchErr.Kind != concentrator.DispatchAckTooLate {
			log.Printf("scheduler: rx1 dispatch failed: %v", dispatchErr)
			return
		}
		log.Printf("scheduler: rx1 too late, falling back to rx2: %v", dispatchErr)
	}

	tx2, rxErr := uplink.ToRx2PullResp(payload, s.txPower)
	if rxErr != nil {
		log.Printf("scheduler: no rx2 window available: %v", rxErr)
		return
	}
	txpkt2, err := packet.FromSemtechTxPk(tx2, s.codeRate)
	if err != nil {
		log.Printf("scheduler: rx2 serialization failed: %v", err)
		return
	}
	if !s.checkThrottle(txpkt2) {
		log.Printf("scheduler: rx2 denied by regional throttle, giving up")
		return
	}

	rx2.Fill(txpkt2)
	if err := rx2.Dispatch(ctx, DispatchTimeout); err != nil {
		log.Printf("scheduler: rx2 dispatch failed: %v", err)
		return
	}
	s.trackSent(txpkt2)
}

func (s *Scheduler) checkThrottle(tx *gw.TxPkt) bool {
	if s.throttle == nil {
		return true
	}
	toa := timeOnAirMS(tx)
	return s.throttle.CanSend(time.Now().UnixMilli(), tx.FreqHz, toa)
}

func (s *Scheduler) trackSent(tx *gw.TxPkt) {
	if s.throttle == nil {
		return
	}
	s.throttle.TrackSent(time.Now().UnixMilli(), tx.FreqHz, timeOnAirMS(tx))
}

func timeOnAirMS(tx *gw.TxPkt) float32 {
	return throttle.TimeOnAirMS(throttle.TimeOnAirParams{
		BandwidthHz:     float32(tx.Datarate.BW),
		SpreadingFactor: uint32(tx.Datarate.SF),
		CodeRateDenom:   codeRateDenom(tx.CodeRate),
		PreambleSymbols: 8,
		ExplicitHeader:  !tx.NoHeader,
		PayloadLen:      len(tx.Payload),
	})
}

func codeRateDenom(cr gw.CodingRate) uint32 {
	switch cr {
	case gw.CR4_6:
		return 6
	case gw.CR4_7:
		return 7
	case gw.CR4_8:
		return 8
	default:
		return 5
	}
}
