// server.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linnix-os/linnixd/types"
)

const daemonVersion = "0.4.2"

// Server exposes the snapshot and streaming HTTP surface.
type Server struct {
	httpServer *http.Server
	listener   net.Listener

	snapshots *SnapshotBuilder
	bus       *AlertBus
	hub       *StreamHub
	engine    *RuleEngine
	probes    ProbeStatus
	offline   bool
	logger    *Logger
	started   time.Time
}

func NewServer(addr string, snapshots *SnapshotBuilder, bus *AlertBus, hub *StreamHub,
	engine *RuleEngine, probes ProbeStatus, offline bool, prometheusEnabled bool, logger *Logger) (*Server, error) {

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, daemonErr(ErrIo, "binding "+addr, err)
	}

	s := &Server{
		listener:  listener,
		snapshots: snapshots,
		bus:       bus,
		hub:       hub,
		engine:    engine,
		probes:    probes,
		offline:   offline,
		logger:    logger,
		started:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /processes", s.handleProcesses)
	mux.HandleFunc("GET /processes/live", s.streamHandler(TopicProcesses))
	mux.HandleFunc("GET /processes/{pid}", s.handleProcess)
	mux.HandleFunc("GET /graph/{pid}", s.handleGraph)
	mux.HandleFunc("GET /system", s.handleSystem)
	mux.HandleFunc("GET /events", s.streamHandler(TopicEvents))
	mux.HandleFunc("GET /stream", s.streamHandler(TopicEvents))
	mux.HandleFunc("GET /alerts", s.streamHandler(TopicAlerts))
	mux.HandleFunc("GET /alerts/{id}", s.handleAlert)
	mux.HandleFunc("POST /alerts/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /timeline", s.handleTimeline)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if prometheusEnabled {
		mux.Handle("GET /metrics/prometheus", promhttp.Handler())
	}

	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        daemonVersion,
		"uptime_seconds": time.Since(s.started).Seconds(),
		"offline":        s.offline,
		"probes":         s.probes,
		"rules_loaded":   s.engine.RuleCount(),
		"subscribers":    s.hub.SubscriberCount(),
	})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	q := ProcessQuery{
		Filter: r.URL.Query().Get("filter"),
		Sort:   r.URL.Query().Get("sort"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		q.Limit = limit
	}

	procs, err := s.snapshots.Processes(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, procs)
}

func pidParam(r *http.Request) (uint32, error) {
	pid, err := strconv.ParseUint(r.PathValue("pid"), 10, 32)
	return uint32(pid), err
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad pid")
		return
	}
	p, ok := s.snapshots.store.Get(pid)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pid %d not tracked", pid))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad pid")
		return
	}
	graph, ok := s.snapshots.Graph(pid)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pid %d not tracked", pid))
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshots.System(timeToBpfTimestamp(time.Now())))
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	record, ok := s.bus.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	fb := types.Feedback(body.Label)
	if fb != types.FeedbackUseful && fb != types.FeedbackNoise {
		writeError(w, http.StatusBadRequest, "label must be useful or noise")
		return
	}
	if !s.bus.SetFeedback(r.PathValue("id"), fb) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.bus.Recent(limit))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshots.MetricsJSON())
}

const streamHeartbeat = 15 * time.Second

// streamHandler serves a long-lived connection framed as discrete records
// with an event name and JSON payload, with comment-line heartbeats and lag
// markers for slow consumers.
func (s *Server) streamHandler(topic Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := s.hub.Subscribe(topic)
		defer s.hub.Unsubscribe(sub)

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ":hb\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case frame, open := <-sub.Frames():
				if !open {
					return
				}
				if skipped := sub.TakeLag(); skipped > 0 {
					fmt.Fprintf(w, "event: lag\ndata: {\"lag_skipped\": %d}\n\n", skipped)
				}
				if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n",
					frame.Event, frame.Seq, frame.Data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
