// Package gateway runs the single-threaded cooperative loop that ties
// the rest of the gateway together: it classifies concentrator
// reception events, forwards LoRaWAN uplinks and proof-of-coverage
// witness reports to the router client, matches signed beacons against
// the beacon queue, and dispatches inbound downlink requests through
// the scheduler.
package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/nlighten/lora-gateway/internal/beaconqueue"
	"github.com/nlighten/lora-gateway/internal/concentrator"
	"github.com/nlighten/lora-gateway/internal/packet"
	"github.com/nlighten/lora-gateway/internal/router"
	"github.com/nlighten/lora-gateway/internal/scheduler"
)

// downlinker is the subset of *scheduler.Scheduler the loop depends on,
// narrowed so tests can substitute a stub.
type downlinker interface {
	Schedule(ctx context.Context, payload []byte, uplink *packet.PacketUp)
}

// RouterSender is the subset of *router.Client the loop depends on.
// Callers that want to run without a router (e.g. to test the
// concentrator link alone) pass a nil RouterSender, not a typed nil
// *router.Client, so the interface-nil check in forwardUplink and
// forwardWitness works correctly.
type RouterSender interface {
	SendUplink(router.UplinkEnvelope) error
	SendWitness(router.WitnessEnvelope) error
}

// DownlinkRequest is an inbound downlink, correlated by the caller to a
// gateway rather than to a specific prior uplink: Rx2, if present,
// carries the window the network server wants held in reserve in case
// rx1 is too late.
type DownlinkRequest struct {
	GatewayID string
	Payload   []byte
	Rx2       *packet.Window
}

// Gateway owns the beacon queue and the fixed downlink MAC; everything
// else it touches is shared, read-mostly state owned elsewhere.
type Gateway struct {
	concentrator *concentrator.Runtime
	scheduler    downlinker
	router       RouterSender
	region       packet.Region

	beaconQueue *beaconqueue.Queue
	downlinkMac packet.GatewayID

	// lastUplink tracks, per gateway MAC, the most recent uplink
	// forwarded upstream — the downlink_mac single-slot model from the
	// original implementation, generalized to one slot per client.
	// Read and written only from the Run loop's goroutine, so it needs
	// no lock.
	lastUplink map[packet.GatewayID]*packet.PacketUp

	downlinkCh chan DownlinkRequest
	shutdown   chan struct{}
}

// New builds a gateway loop. router may be nil, in which case uplinks
// and witness reports are classified but not forwarded anywhere —
// useful for local testing of the concentrator link alone.
func New(rt *concentrator.Runtime, sched downlinker, rc RouterSender, region packet.Region) *Gateway {
	return &Gateway{
		concentrator: rt,
		scheduler:    sched,
		router:       rc,
		region:       region,
		beaconQueue:  beaconqueue.New(),
		lastUplink:   make(map[packet.GatewayID]*packet.PacketUp),
		downlinkCh:   make(chan DownlinkRequest, 64),
		shutdown:     make(chan struct{}),
	}
}

// Downlinks returns the channel callers (the router's downlink handler,
// typically) use to submit a DownlinkRequest for dispatch.
func (g *Gateway) Downlinks() chan<- DownlinkRequest { return g.downlinkCh }

// Shutdown signals the loop to return at its next iteration. It never
// blocks and may be called more than once.
func (g *Gateway) Shutdown() {
	select {
	case <-g.shutdown:
	default:
		close(g.shutdown)
	}
}

// Run is the cooperative select loop. It returns nil on a clean
// shutdown, and a non-nil error if the concentrator reception stream
// itself terminates — an event the spec treats as fatal, unlike any
// per-packet or per-message failure.
func (g *Gateway) Run(ctx context.Context) error {
	events := make(chan concentrator.Event)
	streamErr := make(chan error, 1)

	go func() {
		for {
			ev, ok := g.concentrator.Recv(ctx)
			if !ok {
				streamErr <- fmt.Errorf("gateway: concentrator reception stream ended")
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	downlinkClosedLogged := false

	for {
		select {
		case <-g.shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			return err
		case ev := <-events:
			g.handleEvent(ctx, ev)
		case req, ok := <-g.downlinkCh:
			if !ok {
				if !downlinkClosedLogged {
					log.Printf("gateway: downlink channel closed, uplinks continue")
					downlinkClosedLogged = true
				}
				continue
			}
			g.handleDownlink(ctx, req)
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, ev concentrator.Event) {
	switch ev.Kind {
	case concentrator.EventUnableToParse:
		log.Printf("gateway: dropping unparseable reception")
	case concentrator.EventNewClient:
		g.downlinkMac = ev.Mac
		log.Printf("gateway: client %s connected at %s", ev.Mac, ev.Addr)
	case concentrator.EventUpdateClient:
		log.Printf("gateway: client %s updated", ev.Mac)
	case concentrator.EventClientDisconnected:
		log.Printf("gateway: client %s disconnected", ev.Mac)
	case concentrator.EventNoClientWithMac:
		log.Printf("gateway: no client with mac %s", ev.Mac)
	case concentrator.EventStatReceived:
		log.Printf("gateway: stats received")
	case concentrator.EventPacketReceived:
		g.handlePacketReceived(ev)
	case concentrator.EventPacketSigReceived:
		g.handlePacketSig(ev)
	}
}

func (g *Gateway) handlePacketReceived(ev concentrator.Event) {
	up := ev.Up
	if up == nil {
		log.Printf("gateway: dropping reception with no packet")
		return
	}

	if up.IsPotentialBeacon() {
		g.handleBeacon(up)
		return
	}

	g.forwardUplink(up)
}

// handleBeacon routes a potential proof-of-coverage beacon. A beacon
// from a secure concentrator waits in the beacon queue for its
// signature before being reported; an ordinary beacon is reported
// immediately since no signature will ever arrive for it.
func (g *Gateway) handleBeacon(up *packet.PacketUp) {
	if up.IsSecurePacket() {
		g.beaconQueue.Push(*up.Key, up)
		return
	}

	report, err := up.ToWitnessReport()
	if err != nil {
		log.Printf("gateway: dropping beacon: %v", err)
		return
	}
	g.forwardWitness(report)
}

func (g *Gateway) handlePacketSig(ev concentrator.Event) {
	if ev.Sig == nil {
		log.Printf("gateway: dropping malformed signature signal")
		return
	}

	beacon, ok := g.beaconQueue.Match(ev.Sig.Key, ev.Sig.Signature)
	if !ok {
		log.Printf("gateway: no queued beacon for signature key %d", ev.Sig.Key)
		return
	}

	report, err := beacon.ToWitnessReport()
	if err != nil {
		log.Printf("gateway: dropping signed beacon: %v", err)
		return
	}
	g.forwardWitness(report)
}

func (g *Gateway) forwardUplink(up *packet.PacketUp) {
	g.lastUplink[up.Gateway] = up

	if g.router == nil {
		return
	}
	env := router.NewUplinkEnvelope(g.downlinkMac.String(), up)
	if err := g.router.SendUplink(env); err != nil {
		log.Printf("gateway: forwarding uplink failed: %v", err)
	}
}

func (g *Gateway) forwardWitness(report *packet.WitnessReport) {
	if g.router == nil {
		return
	}
	env := router.NewWitnessEnvelope(g.downlinkMac.String(), report)
	if err := g.router.SendWitness(env); err != nil {
		log.Printf("gateway: forwarding witness report failed: %v", err)
	}
}

// handleDownlink correlates an inbound downlink to the most recent
// uplink forwarded for its gateway id, since the concentrator can only
// schedule rx1/rx2 relative to an uplink's own timing. A downlink with
// no matching uplink is dropped: there is nothing to schedule it
// against.
func (g *Gateway) handleDownlink(ctx context.Context, req DownlinkRequest) {
	mac, err := packet.ParseGatewayID(req.GatewayID)
	if err != nil {
		log.Printf("gateway: dropping downlink with malformed gateway id %q: %v", req.GatewayID, err)
		return
	}

	up, ok := g.lastUplink[mac]
	if !ok {
		log.Printf("gateway: dropping downlink for %s, no prior uplink to correlate against", mac)
		return
	}

	if req.Rx2 != nil {
		up.Rx2Window = req.Rx2
	}

	g.scheduler.Schedule(ctx, req.Payload, up)
}
