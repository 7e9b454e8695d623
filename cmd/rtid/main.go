// Command rtid runs the Runtime Infrastructure coordinator: it wires
// the scheduling registry, grant propagator, TCP/NATS dispatcher,
// audit store, stop-tag rendezvous, housekeeping sweep, and admin API
// into one process and serves federates until told to stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/rti-coordinator/internal/adminapi"
	"github.com/swarmguard/rti-coordinator/internal/coordinator"
	"github.com/swarmguard/rti-coordinator/internal/dispatch"
	"github.com/swarmguard/rti-coordinator/internal/housekeeping"
	"github.com/swarmguard/rti-coordinator/internal/persistence"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
	"github.com/swarmguard/rti-coordinator/internal/shutdown"
	"github.com/swarmguard/rti-coordinator/internal/tag"
	"github.com/swarmguard/rti-coordinator/internal/telemetry"
	"github.com/swarmguard/rti-coordinator/internal/transport"
)

const serviceName = "rti-coordinator"

// frameTypes is the TAG/PTAG message-type byte enumeration; the
// engine itself is agnostic to the values (spec.md §6), this process
// just has to pick a concrete wire representation.
var frameTypes = coordinator.FrameTypes{Tag: 0x10, Ptag: 0x11}

type topologyEdge struct {
	FederateID   uint16 `json:"federate_id"`
	UpstreamID   uint16 `json:"upstream_id"`
	DelayNanos   *int64 `json:"delay_nanos"`
	IsDownstream bool   `json:"is_downstream"`
}

func main() {
	listenAddr := flag.String("listen", ":15045", "TCP address federates connect to")
	adminAddr := flag.String("admin-listen", ":8080", "HTTP address for the admin API")
	transportKind := flag.String("transport", "tcp", "federate transport: tcp or nats")
	natsURL := flag.String("nats-url", nats.DefaultURL, "NATS server URL, used when --transport=nats")
	natsSubjectPrefix := flag.String("nats-subject-prefix", "rti.grants", "subject prefix for NATS grant publishes")
	dbPath := flag.String("db-path", "rti-audit.db", "path to the BoltDB audit store")
	startTime := flag.Int64("start-time", 0, "federation logical start time, nanoseconds")
	federates := flag.Int("federates", 1, "number of federate slots to pre-initialize")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP/gRPC collector endpoint (overrides OTEL_EXPORTER_OTLP_ENDPOINT)")
	housekeepingInterval := flag.Duration("housekeeping-interval", housekeeping.DefaultInterval, "registry health sweep period")
	topologyPath := flag.String("topology", "", "optional JSON file of upstream/downstream edges to pre-register")
	flag.Parse()

	if *otlpEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", *otlpEndpoint)
	}

	logger := telemetry.InitLogging(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	store, err := persistence.Open(*dbPath, meter)
	if err != nil {
		logger.Error("open audit store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := scheduling.NewRegistry(*federates, *startTime)
	for id := 0; id < *federates; id++ {
		if err := reg.InitializeNode(uint16(id)); err != nil {
			logger.Error("initialize node", "federate_id", id, "error", err)
			os.Exit(1)
		}
	}

	var dispatcher dispatch.Dispatcher
	var tcpDispatcher *dispatch.TCPDispatcher
	var nc *nats.Conn
	switch *transportKind {
	case "tcp":
		tcpDispatcher = dispatch.NewTCPDispatcher()
		dispatcher = tcpDispatcher
	case "nats":
		nc, err = nats.Connect(*natsURL)
		if err != nil {
			logger.Error("connect nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		dispatcher = dispatch.NewNATSDispatcher(nc, *natsSubjectPrefix)
	default:
		logger.Error("unknown transport", "transport", *transportKind)
		os.Exit(1)
	}

	coord := coordinator.New(reg, dispatcher, frameTypes, logger, metrics)
	coord.SetStore(store)

	if *topologyPath != "" {
		if err := loadTopology(coord, *topologyPath); err != nil {
			logger.Error("load topology", "error", err)
			os.Exit(1)
		}
	}

	sm := shutdown.NewManager(reg, meter)

	sweeper, err := housekeeping.NewSweeper(reg, *housekeepingInterval, logger, meter)
	if err != nil {
		logger.Error("create housekeeping sweeper", "error", err)
		os.Exit(1)
	}
	sweeper.Start()

	admin := adminapi.New(coord, logger)
	adminSrv := &http.Server{
		Addr:         *adminAddr,
		Handler:      admin.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
			cancel()
		}
	}()

	var tcpSrv *transport.Server
	if tcpDispatcher != nil {
		tcpSrv, err = transport.NewServer(*listenAddr, tcpDispatcher, coord, sm, logger)
		if err != nil {
			logger.Error("create tcp server", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := tcpSrv.Serve(ctx); err != nil {
				logger.Error("tcp server error", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("rti coordinator started",
		"listen", *listenAddr, "admin_listen", *adminAddr,
		"transport", *transportKind, "federates", *federates,
		"start_time", tag.Tag{Time: *startTime}.String())

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = adminSrv.Shutdown(shutdownCtx)
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("housekeeping stop", "error", err)
	}
	if err := sm.Wait(shutdownCtx); err != nil {
		logger.Warn("not all federates reported stop handling before deadline", "error", err)
	}

	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	logger.Info("shutdown complete")
}

func loadTopology(coord *coordinator.Coordinator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read topology file: %w", err)
	}
	var edges []topologyEdge
	if err := json.Unmarshal(data, &edges); err != nil {
		return fmt.Errorf("parse topology file: %w", err)
	}
	for _, e := range edges {
		if err := coord.InitializeNode(e.FederateID); err != nil {
			return err
		}
		if err := coord.InitializeNode(e.UpstreamID); err != nil {
			return err
		}
		if e.IsDownstream {
			if err := coord.RegisterDownstream(e.FederateID, e.UpstreamID); err != nil {
				return err
			}
			continue
		}
		var delay tag.Interval
		if e.DelayNanos != nil {
			delay = tag.NewInterval(*e.DelayNanos)
		}
		if err := coord.RegisterUpstream(e.FederateID, e.UpstreamID, delay); err != nil {
			return err
		}
	}
	slog.Default().Info("topology loaded", "edges", len(edges))
	return nil
}
