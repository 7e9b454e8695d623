// Package adminapi exposes the coordinator's operational HTTP surface:
// a liveness probe, a metrics placeholder (actual export is OTLP/gRPC,
// see internal/telemetry), and JSON introspection of federation and
// per-federate state for operators and dashboards.
package adminapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/swarmguard/rti-coordinator/internal/coordinator"
	"github.com/swarmguard/rti-coordinator/internal/scheduling"
)

// Server serves the admin HTTP API over a coordinator's registry.
type Server struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
	mux    *http.ServeMux
}

// New returns a Server wired to coord. logger may be nil.
func New(coord *coordinator.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{coord: coord, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/federates", s.handleFederateList)
	s.mux.HandleFunc("GET /v1/federates/{id}", s.handleFederate)
	return s
}

// Handler returns the server's http.Handler for mounting in an
// http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleMetrics exists for operators expecting a /metrics path; actual
// metric export is push-based OTLP/gRPC (internal/telemetry), not a
// pull endpoint, so this just confirms the process is instrumented.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("metrics are exported via OTLP/gRPC; see OTEL_EXPORTER_OTLP_ENDPOINT\n"))
}

type statusResponse struct {
	NumSchedulingNodes int    `json:"num_scheduling_nodes"`
	MaxStopTag         string `json:"max_stop_tag"`
	NumHandlingStop    int32  `json:"num_handling_stop"`
	NotConnected       int    `json:"not_connected"`
	Pending            int    `json:"pending"`
	Granted            int    `json:"granted"`
	InCycle            int    `json:"in_cycle"`
	InZeroDelayCycle   int    `json:"in_zero_delay_cycle"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg := s.coord.Registry()
	resp := statusResponse{
		NumSchedulingNodes: reg.NumSchedulingNodes(),
		MaxStopTag:         reg.MaxStopTag().String(),
		NumHandlingStop:    reg.NumHandlingStop(),
	}
	reg.WithLock(func() {
		for _, n := range reg.AllLocked() {
			if n == nil {
				continue
			}
			switch n.State {
			case scheduling.NotConnected:
				resp.NotConnected++
			case scheduling.Pending:
				resp.Pending++
			case scheduling.Granted:
				resp.Granted++
			}
			if n.InCycle() {
				resp.InCycle++
			}
			if n.InZeroDelayCycle() {
				resp.InZeroDelayCycle++
			}
		}
	})
	s.writeJSON(w, http.StatusOK, resp)
}

type federateResponse struct {
	ID                       uint16   `json:"id"`
	State                    string   `json:"state"`
	Mode                     string   `json:"mode"`
	Completed                string   `json:"completed"`
	NextEvent                string   `json:"next_event"`
	LastGranted              string   `json:"last_granted"`
	LastProvisionallyGranted string   `json:"last_provisionally_granted"`
	InCycle                  bool     `json:"in_cycle"`
	InZeroDelayCycle         bool     `json:"in_zero_delay_cycle"`
	Downstream               []uint16 `json:"downstream"`
}

func (s *Server) handleFederate(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id64, err := strconv.ParseUint(idStr, 10, 16)
	if err != nil {
		http.Error(w, "invalid federate id", http.StatusBadRequest)
		return
	}
	id := uint16(id64)

	reg := s.coord.Registry()
	node, err := reg.Node(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("federate %d not found", id), http.StatusNotFound)
		return
	}

	var resp federateResponse
	reg.WithLock(func() { resp = nodeToResponse(node) })
	s.writeJSON(w, http.StatusOK, resp)
}

// handleFederateList returns every initialized federate's state in
// one pass, for dashboards that would otherwise poll /v1/federates/{id}
// once per federate.
func (s *Server) handleFederateList(w http.ResponseWriter, r *http.Request) {
	reg := s.coord.Registry()
	var resp []federateResponse
	reg.WithLock(func() {
		for _, n := range reg.AllLocked() {
			if n == nil {
				continue
			}
			resp = append(resp, nodeToResponse(n))
		}
	})
	s.writeJSON(w, http.StatusOK, resp)
}

func nodeToResponse(node *scheduling.Node) federateResponse {
	return federateResponse{
		ID:                       node.ID,
		State:                    node.State.String(),
		Mode:                     node.Mode.String(),
		Completed:                node.Completed.String(),
		NextEvent:                node.NextEvent.String(),
		LastGranted:              node.LastGranted.String(),
		LastProvisionallyGranted: node.LastProvisionallyGranted.String(),
		InCycle:                  node.InCycle(),
		InZeroDelayCycle:         node.InZeroDelayCycle(),
		Downstream:               append([]uint16(nil), node.Downstream...),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("adminapi: encode response", "error", err)
	}
}
