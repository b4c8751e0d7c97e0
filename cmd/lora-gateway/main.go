// lora-gateway forwards LoRa traffic between a concentrator card and
// an upstream network server, enforcing regional duty-cycle limits and
// the Semtech UDP packet-forwarder protocol in between.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nlighten/lora-gateway/internal/audit"
	"github.com/nlighten/lora-gateway/internal/concentrator"
	"github.com/nlighten/lora-gateway/internal/config"
	"github.com/nlighten/lora-gateway/internal/diag"
	"github.com/nlighten/lora-gateway/internal/gateway"
	"github.com/nlighten/lora-gateway/internal/packet"
	"github.com/nlighten/lora-gateway/internal/packet/gw"
	"github.com/nlighten/lora-gateway/internal/router"
	"github.com/nlighten/lora-gateway/internal/scheduler"
	"github.com/nlighten/lora-gateway/internal/throttle"
	"github.com/nlighten/lora-gateway/internal/units"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "lora-gateway",
		Short: "LoRa gateway forwarder",
		Long:  "Forwards LoRa uplinks and proof-of-coverage witness reports from a concentrator card to an upstream network server, and downlinks back.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway forwarding loop",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lora-gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lora-gateway/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	region, err := cfg.ParsedRegion()
	if err != nil {
		return err
	}

	rt, err := concentrator.New(concentrator.Config{
		EventURL:   cfg.Concentrator.EventURL,
		CommandURL: cfg.Concentrator.CommandURL,
		Region:     region,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to concentrator: %w", err)
	}
	defer rt.Close()

	th := throttle.New(throttle.ModelForRegion(region))
	sched := scheduler.New(rt, th, 20, gw.CR4_5)

	// gwRouter stays a nil interface, not a nil *router.Client, when the
	// router is disabled: gateway.Gateway checks the interface itself
	// for nil before every send.
	var rc *router.Client
	var gwRouter gateway.RouterSender
	if cfg.Router.ServerAddr != "" {
		rcfg := router.DefaultConfig()
		rcfg.ServerAddr = cfg.Router.ServerAddr
		rcfg.GatewayID = cfg.Router.GatewayID
		rcfg.APIKey = cfg.Router.APIKey
		rcfg.UseTLS = cfg.Router.UseTLS
		rc = router.New(rcfg)
		gwRouter = rc
	}

	gwLoop := gateway.New(rt, sched, gwRouter, region)

	if rc != nil {
		rc.SetDownlinkHandler(func(env router.DownlinkEnvelope) {
			req, err := downlinkRequestFromEnvelope(env)
			if err != nil {
				log.Printf("gateway: dropping downlink for %s: %v", env.GatewayID, err)
				return
			}
			select {
			case gwLoop.Downlinks() <- req:
			default:
				log.Printf("gateway: downlink queue full, dropping downlink for %s", env.GatewayID)
			}
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rc.ConnectWithRetry(ctx)
		defer rc.Close()
	}

	if cfg.Diagnostics.Enabled {
		startDiagnostics(cfg.Diagnostics.ListenAddr)
	}

	if cfg.Audit.Enabled {
		auditLog, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Printf("audit log failed to open: %v", err)
		} else {
			defer auditLog.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down", sig)
		gwLoop.Shutdown()
		cancel()
	}()

	log.Printf("lora-gateway starting in region %s", region)
	return gwLoop.Run(ctx)
}

// downlinkRequestFromEnvelope translates the router's wire envelope
// into a gateway.DownlinkRequest, parsing the rx2 window descriptor
// when the network server supplied one.
func downlinkRequestFromEnvelope(env router.DownlinkEnvelope) (gateway.DownlinkRequest, error) {
	req := gateway.DownlinkRequest{GatewayID: env.GatewayID, Payload: env.Payload}
	if env.Rx2 == nil {
		return req, nil
	}
	datr, err := packet.ParseDataRate(env.Rx2.Datarate)
	if err != nil {
		return gateway.DownlinkRequest{}, fmt.Errorf("parsing rx2 datarate: %w", err)
	}
	req.Rx2 = &packet.Window{
		Timestamp: env.Rx2.Timestamp,
		Frequency: units.Frequency(env.Rx2.Frequency),
		Datarate:  datr,
		Immediate: env.Rx2.Immediate,
	}
	return req, nil
}

// startDiagnostics mounts the diagnostics websocket feed on its own
// listener and serves it in the background; a failure here is
// logged, never fatal to the forwarding loop.
func startDiagnostics(addr string) {
	server := diag.NewServer()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeHTTP)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("diagnostics server stopped: %v", err)
		}
	}()
}
