package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"raftkit/cluster"
	"raftkit/events"
	"raftkit/kv"
	"raftkit/raft"
)

// Server exposes the cluster over HTTP and streams its event feed to
// WebSocket clients, which can also drive rounds and faults through
// control messages.
type Server struct {
	cluster *cluster.Cluster
	bus     *events.Bus
	hub     *Hub

	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

func NewServer(listenAddr string, c *cluster.Cluster, bus *events.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	}
	mux := http.NewServeMux()
	s := &Server{
		cluster: c,
		bus:     bus,
		hub:     NewHub(logger),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from any origin in local setups.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		httpServer: &http.Server{
			Addr:              listenAddr,
			ReadHeaderTimeout: 3 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	s.hub.SetControlHandler(s.handleControl)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/cluster/status", s.handleStatus)
	mux.HandleFunc("/cluster/events", s.handleEvents)
	mux.HandleFunc("/cluster/command", s.handleCommand)
	mux.HandleFunc("/cluster/election", s.handleElection)
	mux.HandleFunc("/cluster/replicate", s.handleReplicate)
	s.httpServer.Handler = corsMiddleware(mux)
	return s
}

// Handler returns the root handler, CORS wrapping included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until Shutdown. The hub loop and the event pump run for the
// same span.
func (s *Server) Run(errCh chan<- error) {
	go s.hub.Run()
	feed, cancel := s.bus.Subscribe()
	defer cancel()
	go s.pumpEvents(feed)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// pumpEvents forwards the bus feed to every WebSocket client.
func (s *Server) pumpEvents(feed <-chan events.Event) {
	for evt := range feed {
		payload := map[string]any{"type": "event", "event": evt}
		if err := s.hub.BroadcastJSON(payload); err != nil {
			s.logger.Printf("api: broadcast event: %v", err)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("api: upgrade: %v", err)
		return
	}
	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.New().String(),
	}
	if !s.hub.attach(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.statePayload())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.Recent(limit)})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if _, err := kv.DecodeCommand(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	index, err := s.cluster.SubmitCommand(raft.Command(raw))
	if err != nil {
		s.handleSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "index": index})
}

type electionRequest struct {
	NodeID string `json:"nodeId"`
}

func (s *Server) handleElection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req electionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "nodeId is required", http.StatusBadRequest)
		return
	}
	won := s.cluster.RunElection(req.NodeID)
	writeJSON(w, http.StatusOK, map[string]any{"nodeId": req.NodeID, "won": won})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.cluster.Replicate()})
}

func (s *Server) handleSubmitError(w http.ResponseWriter, err error) {
	var notLeader *raft.NotLeaderError
	if errors.As(err, &notLeader) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "not leader",
			"leaderId": notLeader.LeaderID,
		})
		return
	}
	if errors.Is(err, cluster.ErrNoLeader) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no leader"})
		return
	}
	s.logger.Printf("api: submit error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

// controlMessage is the union of every inbound WebSocket control payload.
type controlMessage struct {
	Type    string          `json:"type"`
	NodeID  string          `json:"nodeId,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Command json.RawMessage `json:"command,omitempty"`
}

// handleControl dispatches one WebSocket control message. Results go to
// every client so all viewers stay in sync; errors go back to the sender.
func (s *Server) handleControl(clientID, kind string, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(clientID, "parse_error", err.Error())
		return
	}
	switch kind {
	case "get_state":
		s.broadcast(s.statePayload())

	case "run_election":
		if msg.NodeID == "" {
			s.sendError(clientID, "bad_request", "nodeId is required")
			return
		}
		won := s.cluster.RunElection(msg.NodeID)
		s.broadcast(map[string]any{"type": "election_result", "nodeId": msg.NodeID, "won": won})

	case "replicate":
		s.broadcast(map[string]any{"type": "replication_result", "results": s.cluster.Replicate()})

	case "send_heartbeats":
		s.broadcast(map[string]any{"type": "heartbeat_result", "results": s.cluster.SendHeartbeats()})

	case "submit_command":
		if _, err := kv.DecodeCommand(msg.Command); err != nil {
			s.sendError(clientID, "bad_command", err.Error())
			return
		}
		index, err := s.cluster.SubmitCommand(raft.Command(msg.Command))
		if err != nil {
			s.sendError(clientID, "submit_error", err.Error())
			return
		}
		s.broadcast(map[string]any{"type": "command_accepted", "index": index})

	case "fail_node":
		if err := s.cluster.FailNode(msg.NodeID); err != nil {
			s.sendError(clientID, "fail_error", err.Error())
			return
		}
		s.broadcast(s.statePayload())

	case "recover_node":
		if err := s.cluster.RecoverNode(msg.NodeID); err != nil {
			s.sendError(clientID, "recover_error", err.Error())
			return
		}
		s.broadcast(s.statePayload())

	case "partition":
		if err := s.cluster.Partition(msg.From, msg.To); err != nil {
			s.sendError(clientID, "partition_error", err.Error())
			return
		}
		s.broadcast(s.statePayload())

	case "heal":
		if err := s.cluster.Heal(msg.From, msg.To); err != nil {
			s.sendError(clientID, "heal_error", err.Error())
			return
		}
		s.broadcast(s.statePayload())

	case "heal_all":
		s.cluster.HealAll()
		s.broadcast(s.statePayload())

	default:
		s.sendError(clientID, "unknown_type", "unknown control message type: "+kind)
	}
}

type statePayload struct {
	Type     string               `json:"type"`
	LeaderID string               `json:"leaderId,omitempty"`
	Failed   []string             `json:"failed,omitempty"`
	Nodes    []cluster.NodeStatus `json:"nodes"`
}

func (s *Server) statePayload() statePayload {
	leaderID, _ := s.cluster.Leader()
	return statePayload{
		Type:     "state",
		LeaderID: leaderID,
		Failed:   s.cluster.FailedNodes(),
		Nodes:    s.cluster.Status(),
	}
}

func (s *Server) broadcast(v any) {
	if err := s.hub.BroadcastJSON(v); err != nil {
		s.logger.Printf("api: broadcast: %v", err)
	}
}

func (s *Server) sendError(clientID, code, message string) {
	data, _ := json.Marshal(map[string]any{"type": "error", "code": code, "message": message})
	s.hub.SendToClient(clientID, data)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
