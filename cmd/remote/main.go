// Farm Telemetry Remote
// Main entry point for the battery-powered remote sensor node.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/farm/telemetry/internal/config"
	"github.com/farm/telemetry/internal/radio"
	"github.com/farm/telemetry/internal/remoteapp"
	"github.com/farm/telemetry/internal/store"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "farm-remote",
		Short: "Farm Telemetry Remote",
		Long:  "Remote sensor node for the farm telemetry network. Samples local sensors and reports over LoRa.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the remote node",
		RunE:  runRemote,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Farm Telemetry Remote v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/farm-telemetry/remote.yaml", "Configuration file path")
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

func runRemote(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Node.Mode != "" && cfg.Node.Mode != "slave" {
		return fmt.Errorf("node.mode must be \"slave\" for farm-remote, got %q", cfg.Node.Mode)
	}
	if cfg.Node.SelfID == 0 {
		return fmt.Errorf("node.self_id is required")
	}
	if cfg.Node.MasterNodeID == 0 {
		return fmt.Errorf("node.master_node_id is required")
	}

	dbPath := cfg.Persistence.Path
	if dbPath == "" {
		dbPath = "/var/lib/farm-telemetry/remote.db"
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

	appCfg := remoteapp.DefaultConfig()
	appCfg.SelfID = cfg.Node.SelfID
	appCfg.MasterID = cfg.Node.MasterNodeID
	appCfg.ReportInterval = cfg.TaskInterval("sensors", remoteapp.DefaultReportInterval)
	sensorCfg := cfg.SensorConfig()
	appCfg.PulsesPerLiter = sensorCfg.PulsesPerLiter
	appCfg.SensorDisabled = sensorCfg.Disabled

	app := remoteapp.New(appCfg, dev, cfg.RadioConfig(), st)

	start := time.Now()
	if err := app.Begin(start); err != nil {
		return fmt.Errorf("failed to start remote app: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("farm-remote started: self_id=%d master_id=%d", appCfg.SelfID, appCfg.MasterID)

	ticker := time.NewTicker(remoteapp.LoraInterval)
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
