package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/api"
	"github.com/ZentaChain/zentalk-link/pkg/config"
	"github.com/ZentaChain/zentalk-link/pkg/crypto"
	"github.com/ZentaChain/zentalk-link/pkg/metrics"
	"github.com/ZentaChain/zentalk-link/pkg/node"
	"github.com/ZentaChain/zentalk-link/pkg/protocol"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

const (
	defaultConfigPath = "./linkd.yaml"
	heartbeatInterval = 5 * time.Minute
)

var (
	configPath = flag.String("config", defaultConfigPath, "Path to YAML configuration file")
	sendText   = flag.String("send", "", "Send one text payload to the destination and exit")
	apiPort    = flag.Int("api-port", 0, "Override api.port from the configuration")
	noAPI      = flag.Bool("no-api", false, "Disable the HTTP API")
	genKey     = flag.String("genkey", "", "Write a new pre-shared key to this file and exit")
)

func main() {
	flag.Parse()

	if *genKey != "" {
		if err := generateKey(*genKey); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *apiPort != 0 {
		cfg.API.Port = *apiPort
	}
	if *noAPI {
		cfg.API.Enabled = false
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	err = run(cfg, logger)
	if err != nil {
		logger.Error("Link node failed", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func generateKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveKeyToFile(path, key); err != nil {
		return err
	}
	fmt.Printf("Wrote pre-shared key to %s\n", path)
	fmt.Println("Copy it to the peer device and reference it from local_key_file or destination_key_file")
	return nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}

	nodeConfig, err := node.NewConfig(cfg)
	if err != nil {
		return err
	}
	nodeConfig.Metrics = collector
	nodeConfig.Logger = logger

	var journal *storage.Journal
	if cfg.Storage.Path != "" {
		if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		journal, err = storage.OpenJournal(cfg.Storage.Path, &storage.JournalConfig{
			Retention: cfg.Storage.Retention,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer journal.Close()
		nodeConfig.Recorder = journal
		logger.Info("Journal opened",
			zap.String("path", cfg.Storage.Path),
			zap.Duration("retention", cfg.Storage.Retention))
	}

	transport, err := node.NewTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	link, err := node.New(transport, nodeConfig)
	if err != nil {
		return err
	}

	if *sendText != "" {
		return sendOnce(ctx, link, *sendText, logger)
	}

	// Background loops are joined before the journal and transport close
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	if cfg.API.Enabled {
		var inbox api.Inbox
		if journal != nil {
			inbox = journal
		}

		apiConfig := api.DefaultConfig()
		apiConfig.Port = cfg.API.Port
		apiConfig.RateLimit = cfg.API.RateLimit
		apiConfig.Logger = logger

		server, err := api.NewServer(link, inbox, reg, apiConfig)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("HTTP API server failed", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeatLoop(ctx, link, logger)
	}()

	printStatus(cfg, link)

	err = link.Run(ctx, func(_ context.Context, res protocol.Result) {
		logger.Info("Message delivered",
			zap.Stringer("from", res.From),
			zap.Uint32("correlation_id", res.Session.CorrelationID),
			zap.ByteString("payload", res.Payload.Trimmed()))
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down gracefully")
		return nil
	}
	return err
}

func sendOnce(ctx context.Context, link *node.Node, text string, logger *zap.Logger) error {
	payload, err := protocol.PayloadFromBytes([]byte(text))
	if err != nil {
		return err
	}

	session, err := link.Send(ctx, &payload)
	if err != nil {
		return err
	}

	logger.Info("Message sent",
		zap.Stringer("to", link.DestinationAddress()),
		zap.Uint32("correlation_id", session.CorrelationID))
	return nil
}

func heartbeatLoop(ctx context.Context, link *node.Node, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := link.Stats()
		logger.Info("Heartbeat",
			zap.Uint64("sent", stats.Sent),
			zap.Uint64("send_failures", stats.SendFailures),
			zap.Uint64("delivered", stats.Delivered),
			zap.Uint64("rejected", stats.Rejected),
			zap.Uint64("discarded", stats.Discarded),
			zap.Duration("uptime", stats.Uptime.Round(time.Second)))
	}
}

func printStatus(cfg *config.Config, link *node.Node) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Zentalk Link Node")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Local address: %s\n", link.LocalAddress())
	fmt.Printf("   Destination: %s\n", link.DestinationAddress())
	fmt.Printf("   Transport: %s on %s\n", cfg.Transport.Kind, cfg.Transport.Listen)
	if cfg.API.Enabled {
		fmt.Printf("   HTTP API: http://localhost:%d\n", cfg.API.Port)
	} else {
		fmt.Printf("   HTTP API: disabled\n")
	}
	if cfg.Storage.Path != "" {
		fmt.Printf("   Journal: %s\n", cfg.Storage.Path)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}
