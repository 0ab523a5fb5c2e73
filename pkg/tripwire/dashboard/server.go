package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxNoteLength = 1000
	maxUserLength = 100
	maxAlerts     = 1000
)

type Server struct {
	port         int
	logger       *zap.Logger
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      map[*websocket.Conn]bool
	clientsMutex sync.RWMutex
	maxClients   int
	events       chan EventUpdate
	statuses     chan StatusUpdate
	stop         chan struct{}
	stopOnce     sync.Once
	startOnce    sync.Once
	eventBuffer  []EventUpdate
	eventIndex   int
	eventCount   int
	mutex        sync.RWMutex
	getDetectors func() interface{}
	routes       map[string]http.Handler
	lastStatus   StatusUpdate
	closed       bool
	// Alert management
	alerts []Alert
}

type EventUpdate struct {
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	Detector  string      `json:"detector"`
	Data      interface{} `json:"data"`
}

type StatusUpdate struct {
	Timestamp time.Time   `json:"timestamp"`
	Detectors interface{} `json:"detectors"`
}

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusSuppressed   AlertStatus = "suppressed"
)

type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	ID             string                 `json:"id"`
	Detector       string                 `json:"detector"`
	Message        string                 `json:"message"`
	Severity       AlertSeverity          `json:"severity"`
	Status         AlertStatus            `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	AcknowledgedBy *string                `json:"acknowledged_by,omitempty"`
	Notes          []AlertNote            `json:"notes"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type AlertNote struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

func NewServer(port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		port:   port,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return origin == fmt.Sprintf("http://localhost:%d", port) ||
					origin == fmt.Sprintf("http://127.0.0.1:%d", port) ||
					origin == "http://"+r.Host
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:     make(map[*websocket.Conn]bool),
		maxClients:  100,
		events:      make(chan EventUpdate, 100),
		statuses:    make(chan StatusUpdate, 10),
		stop:        make(chan struct{}),
		eventBuffer: make([]EventUpdate, 50),
		routes:      make(map[string]http.Handler),
		alerts:      make([]Alert, 0),
	}
}

// SetMaxClients caps concurrent websocket connections.
func (s *Server) SetMaxClients(n int) {
	if n > 0 {
		s.maxClients = n
	}
}

// Handle mounts an extra route. It must be called before Handler or Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.routes[pattern] = handler
}

// Handler builds the dashboard mux and starts the broadcast loop.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/detectors", s.handleDetectors)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/alerts/acknowledge", s.alertMutation("acknowledged", func(a *Alert, req AlertActionRequest) {
		a.Status = AlertStatusAcknowledged
		if req.User != "" {
			user := req.User
			a.AcknowledgedBy = &user
		}
	}))
	mux.HandleFunc("/api/alerts/resolve", s.alertMutation("resolved", func(a *Alert, _ AlertActionRequest) {
		now := time.Now()
		a.Status = AlertStatusResolved
		a.ResolvedAt = &now
	}))
	mux.HandleFunc("/api/alerts/suppress", s.alertMutation("suppressed", func(a *Alert, _ AlertActionRequest) {
		a.Status = AlertStatusSuppressed
	}))
	mux.HandleFunc("/ws", s.handleWebSocket)

	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}

	s.startOnce.Do(func() { go s.broadcast() })
	return mux
}

// Start listens on the configured port and blocks until Stop.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mutex.Unlock()

	s.logger.Info("Starting tripwire dashboard", zap.Int("port", s.port))
	return srv.ListenAndServe()
}

func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mutex.Lock()
	s.closed = true
	srv := s.server
	s.mutex.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

// SetDetectorsProvider sets the source for GET /api/detectors.
func (s *Server) SetDetectorsProvider(getDetectors func() interface{}) {
	s.getDetectors = getDetectors
}

func (s *Server) SendStatusUpdate(detectors interface{}) {
	select {
	case s.statuses <- StatusUpdate{Timestamp: time.Now(), Detectors: detectors}:
	default:
		// Drop if channel is full
	}
}

func (s *Server) SendEventUpdate(eventType, message, detector string, data interface{}) {
	event := EventUpdate{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Detector:  detector,
		Data:      data,
	}

	// Record synchronously so the event ring and alert list never lag the caller.
	s.mutex.Lock()
	s.eventBuffer[s.eventIndex] = event
	s.eventIndex = (s.eventIndex + 1) % len(s.eventBuffer)
	if s.eventCount < len(s.eventBuffer) {
		s.eventCount++
	}
	if eventType == "alert" {
		s.alerts = append(s.alerts, newAlert(detector, message, data))
		if len(s.alerts) > maxAlerts {
			copy(s.alerts, s.alerts[1:])
			s.alerts = s.alerts[:maxAlerts]
		}
	}
	s.mutex.Unlock()

	select {
	case s.events <- event:
	default:
		// Drop if channel is full
	}
}

func newAlert(detector, message string, data interface{}) Alert {
	severity := AlertSeverityMedium
	metadata := make(map[string]interface{})
	if fields, ok := data.(map[string]interface{}); ok {
		if sev, ok := fields["severity"].(string); ok && sev != "" {
			severity = AlertSeverity(sev)
		}
		metadata["trigger_data"] = fields
	} else if data != nil {
		metadata["trigger_data"] = data
	}

	now := time.Now()
	return Alert{
		ID:        uuid.NewString(),
		Detector:  detector,
		Message:   message,
		Severity:  severity,
		Status:    AlertStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Notes:     []AlertNote{},
		Metadata:  metadata,
	}
}

// Alerts returns a copy of every recorded alert, newest first.
func (s *Server) Alerts() []Alert {
	s.mutex.RLock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	s.mutex.RUnlock()
	sortAlertsByTime(out)
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	var detectors interface{}
	if s.getDetectors != nil {
		detectors = s.getDetectors()
	} else {
		detectors = []interface{}{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"data":   detectors,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	status := s.lastStatus
	s.mutex.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"data":   status,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	events := make([]EventUpdate, s.eventCount)

	// Copy events from circular buffer in chronological order
	if s.eventCount > 0 {
		bufferSize := len(s.eventBuffer)
		if s.eventCount == bufferSize {
			for i := 0; i < bufferSize; i++ {
				events[i] = s.eventBuffer[(s.eventIndex+i)%bufferSize]
			}
		} else {
			copy(events, s.eventBuffer[:s.eventCount])
		}
	}
	s.mutex.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"data":   events,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	statusFilter := query.Get("status")
	severityFilter := query.Get("severity")

	all := s.Alerts()
	filtered := make([]Alert, 0, len(all))
	for _, alert := range all {
		if statusFilter != "" && string(alert.Status) != statusFilter {
			continue
		}
		if severityFilter != "" && string(alert.Severity) != severityFilter {
			continue
		}
		filtered = append(filtered, alert)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"data":   filtered,
	})
}

type AlertActionRequest struct {
	AlertID string `json:"alert_id"`
	User    string `json:"user,omitempty"`
	Note    string `json:"note,omitempty"`
}

// alertMutation returns a handler that validates an AlertActionRequest and
// applies update to the matching alert.
func (s *Server) alertMutation(verb string, update func(*Alert, AlertActionRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req AlertActionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON request", http.StatusBadRequest)
			return
		}
		if req.AlertID == "" {
			http.Error(w, "Alert ID is required", http.StatusBadRequest)
			return
		}
		if len(req.Note) > maxNoteLength {
			http.Error(w, fmt.Sprintf("Note exceeds maximum length of %d characters", maxNoteLength), http.StatusBadRequest)
			return
		}
		if len(req.User) > maxUserLength {
			http.Error(w, fmt.Sprintf("User name exceeds maximum length of %d characters", maxUserLength), http.StatusBadRequest)
			return
		}

		s.mutex.Lock()
		defer s.mutex.Unlock()

		for i := range s.alerts {
			if s.alerts[i].ID != req.AlertID {
				continue
			}
			update(&s.alerts[i], req)
			s.alerts[i].UpdatedAt = time.Now()
			if req.Note != "" {
				s.alerts[i].Notes = append(s.alerts[i].Notes, AlertNote{
					ID:        uuid.NewString(),
					Message:   req.Note,
					Author:    req.User,
					CreatedAt: time.Now(),
				})
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":  "ok",
				"message": "Alert " + verb + " successfully",
			})
			return
		}

		http.Error(w, "Alert not found", http.StatusNotFound)
	}
}

func sortAlertsByTime(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt) // Newest first
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMutex.RLock()
	clientCount := len(s.clients)
	s.clientsMutex.RUnlock()

	if clientCount >= s.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.clientsMutex.Lock()
	s.clients[conn] = true
	s.clientsMutex.Unlock()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, conn)
		s.clientsMutex.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reading is required to notice client disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("WebSocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// WriteControl may run concurrently with broadcastMessage writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(10*time.Second))
			return
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast() {
	for {
		select {
		case status := <-s.statuses:
			s.mutex.Lock()
			s.lastStatus = status
			s.mutex.Unlock()

			s.broadcastMessage(map[string]interface{}{
				"type": "status",
				"data": status,
			})
		case event := <-s.events:
			s.broadcastMessage(map[string]interface{}{
				"type": "event",
				"data": event,
			})
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastMessage(message interface{}) {
	s.clientsMutex.RLock()
	if len(s.clients) == 0 {
		s.clientsMutex.RUnlock()
		return
	}

	// Copy client connections to avoid holding lock during I/O
	clientsCopy := make([]*websocket.Conn, 0, len(s.clients))
	for client := range s.clients {
		clientsCopy = append(clientsCopy, client)
	}
	s.clientsMutex.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Marshal dashboard message", zap.Error(err))
		return
	}

	var failedClients []*websocket.Conn
	for _, client := range clientsCopy {
		client.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			failedClients = append(failedClients, client)
		}
	}

	if len(failedClients) > 0 {
		s.clientsMutex.Lock()
		for _, client := range failedClients {
			delete(s.clients, client)
		}
		s.clientsMutex.Unlock()
	}
}
