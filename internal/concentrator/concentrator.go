// Package concentrator adapts the system message bus object at
// /com/nlighten/LoraCard (interface com.nlighten.LoraCard1) into a Go
// API: a normalized reception event stream plus a downlink dispatch
// RPC. The bus itself is reimplemented over ZeroMQ, matching this
// repo's established pattern for talking to a concentrator daemon.
package concentrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/nlighten/lora-gateway/internal/packet"
	"github.com/nlighten/lora-gateway/internal/packet/gw"
)

// Config holds the bus connection endpoints and the card's regulatory
// region.
type Config struct {
	EventURL   string // SUB socket: rx / rx_sig / stats signals
	CommandURL string // REQ socket: send / sign / gateway_id commands
	Region     packet.Region
}

// EventKind discriminates the reception classification the gateway
// loop switches on.
type EventKind int

const (
	EventUnableToParse EventKind = iota
	EventNewClient
	EventUpdateClient
	EventClientDisconnected
	EventNoClientWithMac
	EventStatReceived
	EventPacketReceived
	EventPacketSigReceived
)

// Event is the normalized reception signal Recv produces. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind
	Up   *packet.PacketUp
	Mac  packet.GatewayID
	Addr string
	Sig  *gw.RxSig
}

// DispatchErrorKind classifies a failed downlink dispatch for the
// scheduler's retry decision.
type DispatchErrorKind int

const (
	// DispatchAckTooLate is retryable: the scheduler should fall back
	// to rx2.
	DispatchAckTooLate DispatchErrorKind = iota
	// DispatchAckSendFail is a concentrator I/O failure: not worth
	// retrying on rx2 since the card itself is unwell.
	DispatchAckSendFail
	// DispatchSendTimeout is a bus transport failure.
	DispatchSendTimeout
)

func (k DispatchErrorKind) String() string {
	switch k {
	case DispatchAckTooLate:
		return "Ack(TooLate)"
	case DispatchAckSendFail:
		return "Ack(SendFail)"
	case DispatchSendTimeout:
		return "SendTimeout"
	default:
		return "DispatchError(unknown)"
	}
}

// DispatchError wraps a classified dispatch failure.
type DispatchError struct {
	Kind DispatchErrorKind
	Err  error
}

func (e *DispatchError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *DispatchError) Unwrap() error { return e.Err }

// Runtime is the bus connection: one SUB socket for signals, one REQ
// socket for commands. It is read-mostly shared state; every Downlink
// holds a reference back to it rather than its own socket, mirroring
// the spec's "clones are cheap, same connection" note.
type Runtime struct {
	config    Config
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	cmdMu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events    chan Event
	gatewayID packet.GatewayID
}

// New opens the bus connection. A connection setup failure here is
// fatal: the caller aborts rather than retrying.
func New(cfg Config) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 64),
	}

	r.eventSock = zmq4.NewSub(r.ctx)
	if err := r.eventSock.Dial(cfg.EventURL); err != nil {
		cancel()
		return nil, fmt.Errorf("concentrator: connecting event socket: %w", err)
	}
	if err := r.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		return nil, fmt.Errorf("concentrator: subscribing event socket: %w", err)
	}

	r.cmdSock = zmq4.NewReq(r.ctx)
	if err := r.cmdSock.Dial(cfg.CommandURL); err != nil {
		r.eventSock.Close()
		cancel()
		return nil, fmt.Errorf("concentrator: connecting command socket: %w", err)
	}

	gwID, err := r.fetchGatewayID()
	if err != nil {
		r.eventSock.Close()
		r.cmdSock.Close()
		cancel()
		return nil, fmt.Errorf("concentrator: fetching gateway id: %w", err)
	}
	r.gatewayID = gwID

	r.wg.Add(1)
	go r.pump()

	// The card is this gateway's sole client; its identity is known
	// the moment the bus connection is up.
	r.events <- Event{Kind: EventNewClient, Mac: r.gatewayID, Addr: cfg.EventURL}

	return r, nil
}

// Close tears down both sockets and stops the signal pump.
func (r *Runtime) Close() error {
	r.cancel()
	r.wg.Wait()
	r.eventSock.Close()
	r.cmdSock.Close()
	return nil
}

// Recv awaits the next reception signal. Per-message decode failures
// surface as EventUnableToParse, logged by the caller; they never
// terminate the stream. The stream itself ending (ctx cancellation or
// the bus closing) is reported via a closed events channel.
func (r *Runtime) Recv(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-r.events:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// pump drains the SUB socket and feeds normalized events into the
// channel. It never panics on a malformed frame: decode failures
// become EventUnableToParse.
func (r *Runtime) pump() {
	defer r.wg.Done()
	defer close(r.events)

	for {
		msg, err := r.eventSock.Recv()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			r.events <- Event{Kind: EventUnableToParse}
			continue
		}

		switch string(msg.Frames[0]) {
		case "rx":
			rx, err := gw.UnmarshalFullRxPkt(msg.Frames[1])
			if err != nil {
				log.Printf("concentrator: failed to decode rx signal: %v", err)
				r.events <- Event{Kind: EventUnableToParse}
				continue
			}
			up, err := packet.FromFullRxPkt(rx, r.gatewayID, r.config.Region)
			if err != nil {
				log.Printf("concentrator: dropping rx signal: %v", err)
				r.events <- Event{Kind: EventUnableToParse}
				continue
			}
			r.events <- Event{
				Kind: EventPacketReceived,
				Mac:  r.gatewayID,
				Up:   up,
			}
		case "rx_sig":
			sig, err := gw.UnmarshalRxSig(msg.Frames[1])
			if err != nil {
				log.Printf("concentrator: failed to decode rx_sig signal: %v", err)
				r.events <- Event{Kind: EventUnableToParse}
				continue
			}
			r.events <- Event{Kind: EventPacketSigReceived, Sig: sig}
		case "stats":
			r.events <- Event{Kind: EventStatReceived}
		default:
			r.events <- Event{Kind: EventUnableToParse}
		}
	}
}

func (r *Runtime) fetchGatewayID() (packet.GatewayID, error) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	msg := zmq4.NewMsgFrom([]byte("gateway_id"), []byte{})
	if err := r.cmdSock.Send(msg); err != nil {
		return packet.GatewayID{}, fmt.Errorf("sending command: %w", err)
	}
	resp, err := r.cmdSock.Recv()
	if err != nil {
		return packet.GatewayID{}, fmt.Errorf("receiving response: %w", err)
	}
	if len(resp.Frames) == 0 || len(resp.Frames[0]) != 8 {
		return packet.GatewayID{}, fmt.Errorf("malformed gateway_id response")
	}
	var id packet.GatewayID
	copy(id[:], resp.Frames[0])
	return id, nil
}

// Downlink is a handle prepared ahead of dispatch. Preparing both the
// rx1 and rx2 handle up front matters: sending rx1 consumes card state
// that precludes re-preparing in time for rx2.
type Downlink struct {
	runtime *Runtime
	txpkt   *gw.TxPkt
}

// PrepareDownlink returns a handle already carrying a TxPkt.
func (r *Runtime) PrepareDownlink(tx *gw.TxPkt) *Downlink {
	return &Downlink{runtime: r, txpkt: tx}
}

// PrepareEmptyDownlink returns a handle with no TxPkt set yet; Fill
// must be called before Dispatch.
func (r *Runtime) PrepareEmptyDownlink() *Downlink {
	return &Downlink{runtime: r}
}

// Fill sets the TxPkt on a previously-empty handle.
func (d *Downlink) Fill(tx *gw.TxPkt) { d.txpkt = tx }

// Dispatch serializes the handle's TxPkt and sends it to the card,
// blocking up to timeout for the result. Calling Dispatch on a handle
// with no TxPkt set is a programmer error.
func (d *Downlink) Dispatch(ctx context.Context, timeout time.Duration) *DispatchError {
	if d.txpkt == nil {
		panic("concentrator: dispatch called with no TxPkt set")
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *DispatchError, 1)
	go func() {
		done <- d.runtime.send(d.txpkt)
	}()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		return &DispatchError{Kind: DispatchSendTimeout, Err: dctx.Err()}
	}
}

func (r *Runtime) send(tx *gw.TxPkt) *DispatchError {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	payload := gw.MarshalTxPkt(tx)
	msg := zmq4.NewMsgFrom([]byte("send"), payload)
	if err := r.cmdSock.Send(msg); err != nil {
		return &DispatchError{Kind: DispatchSendTimeout, Err: err}
	}
	resp, err := r.cmdSock.Recv()
	if err != nil {
		return &DispatchError{Kind: DispatchSendTimeout, Err: err}
	}
	if len(resp.Frames) == 0 {
		return &DispatchError{Kind: DispatchSendTimeout, Err: fmt.Errorf("empty send response")}
	}
	result, err := gw.DecodeSendResult(resp.Frames[0])
	if err != nil {
		return &DispatchError{Kind: DispatchSendTimeout, Err: err}
	}
	return mapSendResult(result)
}

// mapSendResult implements the concentrator-result-to-DispatchError
// table: Ok clears the error, the four retryable card states become
// Ack(TooLate) so the scheduler falls back to rx2, and ErrIO becomes
// Ack(SendFail) since retrying rx2 won't help an unwell card.
func mapSendResult(result gw.SendResult) *DispatchError {
	switch result {
	case gw.SendOK:
		return nil
	case gw.SendErrTooEarly, gw.SendErrTooLate, gw.SendErrPacketCollision, gw.SendErrQueueFull:
		return &DispatchError{Kind: DispatchAckTooLate, Err: fmt.Errorf("concentrator: %s", result)}
	case gw.SendErrIO:
		return &DispatchError{Kind: DispatchAckSendFail, Err: fmt.Errorf("concentrator: %s", result)}
	default:
		return &DispatchError{Kind: DispatchAckSendFail, Err: fmt.Errorf("concentrator: unexpected result %s", result)}
	}
}

// Sign asks the card to sign payload with its attestation key and
// returns the first frame of the card's reply.
func (r *Runtime) Sign(payload []byte) ([]byte, error) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	msg := zmq4.NewMsgFrom([]byte("sign"), payload)
	if err := r.cmdSock.Send(msg); err != nil {
		return nil, fmt.Errorf("concentrator: sending sign command: %w", err)
	}
	resp, err := r.cmdSock.Recv()
	if err != nil {
		return nil, fmt.Errorf("concentrator: receiving sign response: %w", err)
	}
	if len(resp.Frames) == 0 {
		return nil, fmt.Errorf("concentrator: empty sign response")
	}
	return resp.Frames[0], nil
}
