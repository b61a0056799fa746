// Command fastpair-providerd runs the Fast Pair + Find My Device (SPOT)
// provider engine as a standalone daemon: it loads configuration, wires the
// host platform HAL and the BLE peripheral HAL into internal/engine, and
// serves until interrupted. Modeled on the teacher's cmd/gostt-writer/main.go
// wiring style: flags, structured logging via log/slog, then one big
// sequential setup function before the run loop.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/fastpair-provider/internal/blehal"
	"github.com/chaz8081/fastpair-provider/internal/engine"
	"github.com/chaz8081/fastpair-provider/internal/fastpair"
	"github.com/chaz8081/fastpair-provider/internal/halconfig"
	"github.com/chaz8081/fastpair-provider/internal/hostplatform"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/fastpair-provider/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	consent := flag.Bool("allow-eik-reads", false, "grant standing consent for raw Ephemeral Identity Key reads")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fastpair-providerd %s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	printBanner(cfg)

	e, server, err := buildEngine(cfg, *consent)
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	e.SetEventHandler(func(ev engine.Event) {
		slog.Info("message stream event", "kind", ev.Kind, "peer", fmt.Sprintf("%012X", ev.Peer))
	})

	if err := server.Start(); err != nil {
		slog.Error("failed to start BLE peripheral", "error", err)
		os.Exit(1)
	}

	slog.Info("fastpair-providerd ready", "model_id", cfg.ModelID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	if err := server.Stop(); err != nil {
		slog.Error("failed to stop BLE peripheral cleanly", "error", err)
	}
}

// buildEngine wires hostplatform (OS/Persistence/SecureElement) and blehal
// (BLE peripheral) into the top-level façade, per spec.md §4.H's
// initialization order (engine.New already enforces that order internally).
func buildEngine(cfg *halconfig.Config, consent bool) (*engine.Engine, *blehal.Server, error) {
	modelID, err := cfg.ModelIDBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("model id: %w", err)
	}

	// numRingComponents=2: a left/right earbud pair, no separate case ringer.
	osHAL := hostplatform.New(consent, 2)

	pers, err := hostplatform.NewPersistence(cfg.Persist.DataDir, cfg.Persist.AccountKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: %w", err)
	}

	se, err := hostplatform.NewSecureElement()
	if err != nil {
		return nil, nil, fmt.Errorf("secure element: %w", err)
	}

	// blehal.Server plays both engine.BLE and engine.Bluetooth; it is
	// constructed before the engine because the engine needs it as a
	// dependency, but its GATT write callbacks are only wired to the
	// engine's sub-engines afterward (see below) — a brief chicken-and-egg
	// that gattHandlers resolves via closures over the not-yet-built engine.
	var e *engine.Engine
	server := blehal.New(blehal.GATTHandlers{
		OnKeyBasedPairingWrite: func(peer uint64, data []byte) error {
			return e.FastPair().OnKeyBasedPairingWrite(peer, data)
		},
		OnPasskeyWrite: func(peer uint64, data []byte) error {
			return e.FastPair().OnPasskeyWrite(peer, data)
		},
		OnAccountKeyWrite: func(peer uint64, data []byte) error {
			return e.FastPair().OnAccountKeyWrite(peer, data)
		},
		OnAdditionalDataWrite: func(peer uint64, data []byte) error {
			return e.FastPair().OnAdditionalDataWrite(peer, data)
		},
		OnBeaconActionWrite: func(peer uint64, data []byte) byte {
			return e.Beacon().WriteBeaconAction(peer, data)
		},
		ReadBeaconAction: func(peer uint64) ([]byte, error) {
			return e.Beacon().ReadBeaconAction(peer)
		},
		OnConnect: func(peer uint64) {
			if err := e.MessageStream().OnConnect(peer, peer); err != nil {
				slog.Warn("message stream connect failed", "peer", fmt.Sprintf("%012X", peer), "error", err)
			}
		},
		OnDisconnect: func(peer uint64) {
			e.FastPair().OnDisconnect(peer)
			e.MessageStream().OnDisconnect(peer)
		},
	})

	e, err = engine.New(osHAL, se, server, server, pers, nil, hostplatform.NewAudio(osHAL), engine.Config{
		ModelID:              modelID,
		SaltSize:             2,
		UTPDefaultOn:         cfg.SPOT.UTPDefaultOn,
		AddressRotationMs:    uint32(cfg.Advertise.AddressRotation.Milliseconds()),
		DiscoverableWindowMs: uint32(cfg.Advertise.DiscoverableWindow.Milliseconds()),
		Features: fastpair.Config{
			BLEOnly:                   cfg.Features.BLEOnly,
			PreferBLEBonding:          cfg.Features.PreferBLEBonding,
			PreferLETransport:         cfg.Features.PreferLETransport,
			PersonalizedNamingEnabled: cfg.Features.PersonalizedNamingEnabled,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("engine: %w", err)
	}

	return e, server, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults and writes them out
// for next time — mirroring the teacher's loadConfig in cmd/gostt-writer.
func loadConfig(path string) (*halconfig.Config, error) {
	if path != "" {
		return halconfig.Load(path)
	}

	defaultPath := halconfig.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := halconfig.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("config loaded", "path", defaultPath)
		return cfg, nil
	}

	if created, err := halconfig.WriteDefault(); err != nil {
		slog.Warn("could not write default config", "error", err)
	} else if created != "" {
		slog.Info("created default config", "path", created)
	}

	return halconfig.Default(), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printBanner(cfg *halconfig.Config) {
	fmt.Println("=== fastpair-providerd ===")
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Model ID: %s\n", cfg.ModelID)
	fmt.Printf("  TX Power: %d dBm\n", cfg.Advertise.TxPower)
	fmt.Printf("  UTP:      %v\n", cfg.SPOT.UTPDefaultOn)
	fmt.Printf("  Data dir: %s\n", cfg.Persist.DataDir)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==========================")
}
