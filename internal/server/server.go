// Package server is the live monitor: it follows visit events and pushes
// them to browsers over a WebSocket, and serves the config and record APIs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/domcal/internal/archive"
	"github.com/shaunagostinho/domcal/internal/visit"
)

// Records lists archived records. *archive.Archive implements it.
type Records interface {
	List(ctx context.Context, domID string) ([]archive.Entry, error)
}

// Server broadcasts visit progress to WebSocket clients.
type Server struct {
	cfg     *Config
	records Records
	webFS   fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Latest status per device
	devMu   sync.Mutex
	devices map[string]*DeviceStatus
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event   *visit.Event    `json:"event,omitempty"`
	Devices []*DeviceStatus `json:"devices,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// DeviceStatus is the monitor's view of one device port.
type DeviceStatus struct {
	Device   string `json:"device"`
	Running  bool   `json:"running"`
	State    string `json:"state,omitempty"`
	Status   string `json:"status,omitempty"`
	Retries  int    `json:"retries"`
	DOMID    string `json:"domid,omitempty"`
	Error    string `json:"error,omitempty"`
	LastLine string `json:"lastLine,omitempty"`
	Visits   int    `json:"visits"`
	Updated  int64  `json:"updated"`
}

// New creates a new Server. records may be nil when the archive is off.
func New(cfg *Config, records Records, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		records: records,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		devices: make(map[string]*DeviceStatus),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/visits", s.handleVisits)
	mux.HandleFunc("/api/records", s.handleRecords)
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish records ev and broadcasts it. It is the visit runner's event
// callback and may be called from many goroutines.
func (s *Server) Publish(ev visit.Event) {
	s.devMu.Lock()
	d, ok := s.devices[ev.Device]
	if !ok {
		d = &DeviceStatus{Device: ev.Device}
		s.devices[ev.Device] = d
	}
	switch ev.Kind {
	case visit.EventStarted:
		*d = DeviceStatus{Device: ev.Device, Running: true, Visits: d.Visits + 1}
	case visit.EventState:
		d.State = ev.State
	case visit.EventLog:
		d.LastLine = ev.Line
	case visit.EventRetransmit, visit.EventGaveUp, visit.EventAccepted:
		d.Retries = ev.Retries
	case visit.EventOutcome:
		d.Running = false
		d.Status = ev.Status
		d.Retries = ev.Retries
		d.DOMID = ev.DOMID
		d.Error = ev.Error
	}
	d.Updated = ev.Time
	s.devMu.Unlock()

	s.broadcast(Frame{Event: &ev, Stamp: time.Now().UnixMilli()})
}

// Devices returns a snapshot of every device seen, sorted by name.
func (s *Server) Devices() []*DeviceStatus {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	out := make([]*DeviceStatus, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	// Initial snapshot goes first.
	if data, err := json.Marshal(Frame{Devices: s.Devices(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Takes effect from the next visit.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleVisits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, s.Devices())
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.records == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	entries, err := s.records.List(r.Context(), r.URL.Query().Get("domid"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
