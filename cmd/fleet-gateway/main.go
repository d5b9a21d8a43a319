package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentichq/fleet/internal/broker"
	"github.com/agentichq/fleet/internal/decision"
	"github.com/agentichq/fleet/internal/events"
	"github.com/agentichq/fleet/internal/gateway"
	"github.com/agentichq/fleet/internal/lock"
	"github.com/agentichq/fleet/internal/orchestrator"
	"github.com/agentichq/fleet/internal/store"
	"github.com/agentichq/fleet/internal/telemetry"
	"github.com/agentichq/fleet/internal/transport"
	"github.com/agentichq/fleet/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleet-gateway v%s\n", version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("no config at %s, using defaults", *configPath)
		cfg = config.DefaultConfig()
	} else if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	// Environment overrides for containerized deployments.
	if id := os.Getenv("FLEET_GATEWAY_ID"); id != "" {
		cfg.Gateway.ID = id
	}
	if addr := os.Getenv("FLEET_REDIS_ADDR"); addr != "" {
		cfg.Broker.Addr = addr
	}
	if dsn := os.Getenv("FLEET_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := os.Getenv("FLEET_BRIDGE_URL"); url != "" {
		cfg.Transport.BridgeURL = url
	}
	if url := os.Getenv("FLEET_DECISION_URL"); url != "" {
		cfg.Orchestrator.DecisionURL = url
	}

	if cfg.Gateway.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("gateway id not set and hostname unavailable: %v", err)
		}
		cfg.Gateway.ID = host
	}
	if cfg.Orchestrator.DecisionURL == "" {
		log.Fatal("orchestrator.decision_url is required (or set FLEET_DECISION_URL)")
	}

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(context.Background(), "fleet-gateway", cfg.Gateway.ID, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	rdb, err := broker.NewClient(cfg.Broker)
	if err != nil {
		log.Fatalf("failed to connect to broker at %s: %v", cfg.Broker.Addr, err)
	}
	defer rdb.Close()

	var records store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()
		records = pg
	} else {
		log.Printf("Warning: no database configured, records are in-memory and lost on restart")
		records = store.NewMemory()
	}

	conns := transport.NewBridgeClient(cfg.Transport)

	var pub *events.Publisher
	if cfg.Events.Enabled {
		pub, err = events.NewPublisher(cfg.Events)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer pub.Close()
	}

	decider := decision.NewHTTPClient(cfg.Orchestrator.DecisionURL)
	exec := orchestrator.NewExecutor(conns)
	loop := orchestrator.New(
		lock.New(rdb),
		records,
		decider,
		exec,
		conns,
		cfg.Orchestrator.MaxIterations,
		cfg.Orchestrator.LockLease,
	)

	gw := gateway.New(cfg, rdb, records, loop, conns, pub)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopWatch, err := config.Watch(*configPath, func(next *config.Config) {
		// Most settings need a restart; log so operators notice.
		log.Printf("configuration file changed; restart to apply broker or gateway changes")
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, fmt.Sprintf("broker: %v", err), http.StatusServiceUnavailable)
			return
		}
		if err := pub.Health(); err != nil {
			http.Error(w, fmt.Sprintf("events: %v", err), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      otelhttp.NewHandler(mux, "fleet-gateway-http"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Printf("metrics listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Run(runCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		cancel()
		if err := <-gwErr; err != nil {
			log.Printf("gateway stopped with error: %v", err)
		}
	case err := <-gwErr:
		if err != nil {
			log.Printf("gateway failed: %v", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
