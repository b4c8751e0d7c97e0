// Package router talks to the upstream network server over a bidirectional
// gRPC stream, carrying uplinks and witness reports out and downlink
// commands in. It reuses grpc's real transport, keepalive, and framing by
// registering a custom JSON codec (see codec.go) and driving the stream
// generically through grpc.ClientConn.NewStream rather than protoc-generated
// service stubs.
package router

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

const (
	authMetadataKey = "x-gateway-key"

	// streamMethod is the fully qualified RPC name used to open the
	// bidirectional stream. There is no generated service descriptor for
	// it; NewStream only needs the name to match what the server expects.
	streamMethod = "/lora.router.v1.Router/Stream"
)

// Config holds router client configuration.
type Config struct {
	ServerAddr string // e.g. "router.example.net:50051"
	GatewayID  string
	APIKey     string
	UseTLS     bool

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns sane reconnection and keepalive defaults.
func DefaultConfig() Config {
	return Config{
		UseTLS:            true,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
		KeepaliveTime:     30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// envelope is the single wire message exchanged over the stream in both
// directions; exactly one of its fields is populated, playing the role a
// protobuf oneof would play in a generated client.
type envelope struct {
	Kind     string            `json:"kind"`
	Uplink   *UplinkEnvelope   `json:"uplink,omitempty"`
	Witness  *WitnessEnvelope  `json:"witness,omitempty"`
	Downlink *DownlinkEnvelope `json:"downlink,omitempty"`
}

const (
	kindUplink   = "uplink"
	kindWitness  = "witness"
	kindDownlink = "downlink"
)

// Client maintains a reconnecting bidirectional stream to the router.
type Client struct {
	config Config

	conn   *grpc.ClientConn
	stream grpc.ClientStream

	sendChan  chan envelope
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	currentRetryDelay time.Duration

	onDownlink func(DownlinkEnvelope)
}

// New creates a router client. Call Connect or ConnectWithRetry to open
// the stream.
func New(config Config) *Client {
	return &Client{
		config:            config,
		sendChan:          make(chan envelope, 64),
		stopChan:          make(chan struct{}),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// SetDownlinkHandler sets the callback invoked for each downlink command
// received from the router.
func (c *Client) SetDownlinkHandler(handler func(DownlinkEnvelope)) {
	c.onDownlink = handler
}

func (c *Client) contextWithAuth(ctx context.Context) context.Context {
	md := metadata.Pairs(authMetadataKey, c.config.APIKey, "x-gateway-id", c.config.GatewayID)
	return metadata.NewOutgoingContext(ctx, md)
}

// Connect dials the router and opens the stream once. Callers that want
// automatic reconnection should use ConnectWithRetry instead.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.config.KeepaliveTime,
			Timeout:             c.config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if c.config.UseTLS {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.DialContext(ctx, c.config.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("router: dial %s: %w", c.config.ServerAddr, err)
	}
	c.conn = conn

	streamCtx := c.contextWithAuth(ctx)
	desc := &grpc.StreamDesc{StreamName: "Stream", ClientStreams: true, ServerStreams: true}
	stream, err := conn.NewStream(streamCtx, desc, streamMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		conn.Close()
		return fmt.Errorf("router: opening stream: %w", err)
	}
	c.stream = stream

	c.connected = true
	c.currentRetryDelay = c.config.InitialRetryDelay

	c.wg.Add(2)
	go c.sendLoop()
	go c.receiveLoop()

	log.Printf("router: connected to %s", c.config.ServerAddr)
	return nil
}

// ConnectWithRetry dials in a loop with exponential backoff and jitter
// until it succeeds or ctx/stop is signaled.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		if err := c.Connect(ctx); err == nil {
			return
		} else {
			log.Printf("router: connect failed: %v, retrying in %v", err, c.currentRetryDelay)
		}

		jitter := time.Duration(float64(c.currentRetryDelay) * c.config.JitterPercent * (rand.Float64()*2 - 1))
		time.Sleep(c.currentRetryDelay + jitter)

		c.currentRetryDelay = time.Duration(float64(c.currentRetryDelay) * c.config.BackoffMultiplier)
		if c.currentRetryDelay > c.config.MaxRetryDelay {
			c.currentRetryDelay = c.config.MaxRetryDelay
		}
	}
}

// Close stops the stream and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	close(c.stopChan)
	c.wg.Wait()

	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	c.stopChan = make(chan struct{})
	return nil
}

// IsConnected reports whether the stream is currently established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.sendChan:
			if err := c.stream.SendMsg(&msg); err != nil {
				log.Printf("router: send failed: %v", err)
				c.handleDisconnect()
				return
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		var msg envelope
		err := c.stream.RecvMsg(&msg)
		if err == io.EOF {
			log.Println("router: stream closed by server")
			c.handleDisconnect()
			return
		}
		if err != nil {
			log.Printf("router: receive error: %v", err)
			c.handleDisconnect()
			return
		}

		if msg.Kind == kindDownlink && msg.Downlink != nil && c.onDownlink != nil {
			c.onDownlink(*msg.Downlink)
		}
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	go c.ConnectWithRetry(context.Background())
}

// SendUplink enqueues an uplink for transmission. It never blocks: a full
// send buffer drops the message and reports an error, since the gateway
// loop must not stall waiting on the router link.
func (c *Client) SendUplink(env UplinkEnvelope) error {
	select {
	case c.sendChan <- envelope{Kind: kindUplink, Uplink: &env}:
		return nil
	default:
		return fmt.Errorf("router: send buffer full")
	}
}

// SendWitness enqueues a proof-of-coverage witness report.
func (c *Client) SendWitness(env WitnessEnvelope) error {
	select {
	case c.sendChan <- envelope{Kind: kindWitness, Witness: &env}:
		return nil
	default:
		return fmt.Errorf("router: send buffer full")
	}
}
