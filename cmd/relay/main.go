// Farm Telemetry Relay
// Main entry point for the relay node: bridges the LoRa mesh to MQTT.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/farm/telemetry/internal/config"
	"github.com/farm/telemetry/internal/debugsrv"
	"github.com/farm/telemetry/internal/health"
	"github.com/farm/telemetry/internal/mqttpub"
	"github.com/farm/telemetry/internal/radio"
	"github.com/farm/telemetry/internal/relayapp"
	"github.com/farm/telemetry/internal/store"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "farm-relay",
		Short: "Farm Telemetry Relay",
		Long:  "Relay node for the farm telemetry network. Aggregates remote telemetry over LoRa and republishes to MQTT.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the relay node",
		RunE:  runRelay,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Farm Telemetry Relay v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/farm-telemetry/relay.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildDriver(cfg *config.File) (radio.Driver, error) {
	switch cfg.Radio.Driver {
	case "", "loopback":
		return radio.NewLoopback(nil), nil
	case "sx127x":
		return radio.NewSX127x(), nil
	case "zmq":
		if cfg.Radio.ZMQUplinkURL == "" || cfg.Radio.ZMQDownlinkURL == "" {
			return nil, fmt.Errorf("radio.driver zmq requires zmq_uplink_url and zmq_downlink_url")
		}
		return radio.NewZMQDriver(cfg.Radio.ZMQUplinkURL, cfg.Radio.ZMQDownlinkURL), nil
	default:
		return nil, fmt.Errorf("unknown radio driver %q", cfg.Radio.Driver)
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Node.Mode != "" && cfg.Node.Mode != "master" {
		return fmt.Errorf("node.mode must be \"master\" for farm-relay, got %q", cfg.Node.Mode)
	}
	if cfg.Node.SelfID == 0 {
		return fmt.Errorf("node.self_id is required")
	}

	dbPath := cfg.Persistence.Path
	if dbPath == "" {
		dbPath = "/var/lib/farm-telemetry/relay.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	dev, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to build radio driver: %w", err)
	}

	mp := mqttpub.New(cfg.MQTTConfig())

	appCfg := relayapp.DefaultConfig()
	appCfg.SelfID = cfg.Node.SelfID
	appCfg.PulsesPerLiter = cfg.SensorConfig().PulsesPerLiter

	app := relayapp.New(appCfg, dev, cfg.RadioConfig(), mp, st)

	start := time.Now()
	if err := app.Begin(start); err != nil {
		return fmt.Errorf("failed to start relay app: %w", err)
	}

	var healthSrv *health.Server
	if cfg.Health.ListenAddr != "" {
		healthSrv = health.New()
		if err := healthSrv.Start(cfg.Health.ListenAddr); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		healthSrv.SetServing(true)
		defer healthSrv.Stop()
	}

	var debugServer *debugsrv.Server
	if cfg.Debug.ListenAddr != "" {
		debugServer = debugsrv.New(app.Snapshot, 2*time.Second)
		if err := debugServer.Start(cfg.Debug.ListenAddr); err != nil {
			return fmt.Errorf("failed to start debug server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			debugServer.Stop(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("farm-relay started: self_id=%d", appCfg.SelfID)

	ticker := time.NewTicker(relayapp.LoraInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			app.Tick(now)
		case sig := <-sigChan:
			log.Printf("received signal %v, shutting down", sig)
			return nil
		}
	}
}
