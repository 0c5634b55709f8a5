// Package web serves a live view of a running optimization: run statistics,
// the report index, and a websocket feed of pipeline events.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/report"
	"github.com/wwenrr/img-resize-report/internal/stats"
)

type Server struct {
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	// Current run state
	runMutex  sync.RWMutex
	isRunning bool
	runStats  *stats.Statistics
	reports   *report.Store
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(log *logrus.Logger, runStats *stats.Statistics, reports *report.Store) *Server {
	s := &Server{
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the status server binds locally
			},
		},
		runStats: runStats,
		reports:  reports,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/reports", s.handleReports).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting status server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetRunning toggles the run state surfaced by /api/status.
func (s *Server) SetRunning(running bool) {
	s.runMutex.Lock()
	s.isRunning = running
	s.runMutex.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.runMutex.RLock()
	running := s.isRunning
	s.runMutex.RUnlock()

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    running,
			"statistics": s.statsData(),
		},
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.statsData(),
	})
}

func (s *Server) statsData() interface{} {
	if s.runStats == nil {
		return nil
	}
	return map[string]interface{}{
		"summary": s.runStats.GetSummary(),
		"products": map[string]interface{}{
			"dispatched": atomic.LoadInt64(&s.runStats.ProductsDispatched),
			"processed":  atomic.LoadInt64(&s.runStats.ProductsProcessed),
			"skipped":    atomic.LoadInt64(&s.runStats.ProductsSkipped),
		},
		"images": map[string]interface{}{
			"optimized": atomic.LoadInt64(&s.runStats.ImagesOptimized),
			"skipped":   atomic.LoadInt64(&s.runStats.ImagesSkipped),
			"failed":    atomic.LoadInt64(&s.runStats.ImagesFailed),
		},
		"bytes_saved": s.runStats.BytesSaved(),
	}
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeJSON(w, APIResponse{Success: true, Data: nil})
		return
	}
	index, err := s.reports.WriteIndex()
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to build report index: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: index})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// logrusHook forwards log entries to websocket clients.
type logrusHook struct {
	server *Server
}

func (h *logrusHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}

func (h *logrusHook) Fire(entry *logrus.Entry) error {
	h.server.BroadcastWSMessage("log", map[string]interface{}{
		"level":   entry.Level.String(),
		"message": entry.Message,
		"fields":  entry.Data,
	})
	return nil
}

// LogrusHook returns a logger hook that mirrors log entries onto the
// websocket feed.
func (s *Server) LogrusHook() logrus.Hook {
	return &logrusHook{server: s}
}

// PipelineHook returns a hook for the controller that broadcasts pipeline
// events to all connected websocket clients.
func (s *Server) PipelineHook() func(event string, fields map[string]interface{}) {
	return func(event string, fields map[string]interface{}) {
		s.BroadcastWSMessage(event, fields)
	}
}

func (s *Server) BroadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// Full lock, not RLock: gorilla connections allow one writer at a time,
	// and broadcasts arrive concurrently from the pipeline hook and the
	// logger hook.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			// Debug level keeps this out of the forwarding hook, which would
			// otherwise broadcast again from inside the failed broadcast.
			s.log.Debugf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
